package sidecar

import "encoding/json"

const (
	StatusAccepted  = "accepted"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const (
	OutputUploaded = "uploaded"
	OutputBase64   = "base64"
)

type InputImage struct {
	Name string `json:"name"`
	// Image is base64, optionally as a data URL.
	Image string `json:"image"`
}

type NamedURL struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type RunRequest struct {
	Workflow     json.RawMessage `json:"workflow"`
	CallbackURL  string          `json:"callback_url"`
	Images       []InputImage    `json:"images,omitempty"`
	DownloadURLs []NamedURL      `json:"download_urls,omitempty"`
	// UploadURLs maps output filenames to presigned PUT targets.
	UploadURLs     []NamedURL `json:"upload_urls,omitempty"`
	ComfyOrgAPIKey string     `json:"comfy_org_api_key,omitempty"`
}

type RunResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type HealthResponse struct {
	Status     string `json:"status"`
	PodID      string `json:"pod_id"`
	ComfyReady bool   `json:"comfy_ready"`
}

type OutputFile struct {
	Filename string `json:"filename"`
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
}

// JobResult is posted to the job's callback URL once it finishes.
type JobResult struct {
	JobID    string       `json:"job_id"`
	Status   string       `json:"status"`
	Error    string       `json:"error,omitempty"`
	Details  []string     `json:"details,omitempty"`
	Images   []OutputFile `json:"images,omitempty"`
	Warnings []string     `json:"warnings,omitempty"`
}

type ReadyEvent struct {
	Event   string `json:"event"`
	PodID   string `json:"pod_id"`
	Success bool   `json:"success"`
}
