package sidecar

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/livepeer/comfy-pod/comfy"
)

const (
	serverCheckAttempts = 5
	serverCheckInterval = time.Second
	downloadTimeout     = 120 * time.Second
	putTimeout          = 60 * time.Second
)

func failed(msg string, details ...string) *JobResult {
	return &JobResult{Status: StatusFailed, Error: msg, Details: details}
}

// executeJob runs one workflow end to end. Failures are reported in the
// result, never as a Go error.
func (s *Server) executeJob(ctx context.Context, jobID string, req *RunRequest) (result *JobResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic while executing job", slog.String("jobID", jobID), slog.Any("panic", r))
			result = failed(fmt.Sprint(r))
		}
		result.JobID = jobID
	}()

	cleanupDirs(s.cfg.ComfyDir)

	if err := s.comfy.WaitUntilReady(ctx, serverCheckAttempts, serverCheckInterval); err != nil {
		return failed("ComfyUI not reachable")
	}

	if len(req.Images) > 0 {
		if errs := s.uploadImages(ctx, req.Images); len(errs) > 0 {
			return failed("Image upload failed", errs...)
		}
	}

	if len(req.DownloadURLs) > 0 {
		if errs := s.transferFiles(ctx, req.DownloadURLs); len(errs) > 0 {
			return failed("File download/upload failed", errs...)
		}
	}

	clientID := uuid.NewString()
	session, err := s.comfy.OpenSession(ctx, clientID, s.cfg.Reconnect)
	if err != nil {
		return failed(err.Error())
	}

	exec, promptID, err := func() (*comfy.Execution, string, error) {
		defer session.Close()

		apiKey := req.ComfyOrgAPIKey
		if apiKey == "" {
			apiKey = s.cfg.OrgAPIKey
		}
		queued, err := s.comfy.QueuePrompt(ctx, req.Workflow, clientID, apiKey)
		if err != nil {
			return nil, "", err
		}
		if queued.PromptID == "" {
			return nil, "", fmt.Errorf("no prompt_id in response")
		}
		slog.Info("Queued workflow", slog.String("jobID", jobID), slog.String("promptID", queued.PromptID))

		exec, err := session.Wait(ctx, queued.PromptID)
		return exec, queued.PromptID, err
	}()
	if err != nil {
		return failed(err.Error())
	}

	if !exec.Done && len(exec.Errors) == 0 {
		return failed("Execution monitoring exited unexpectedly")
	}

	history, err := s.comfy.History(ctx, promptID)
	if err != nil {
		return failed(err.Error())
	}
	entry, ok := history[promptID]
	if !ok {
		return failed(fmt.Sprintf("Prompt %s not found in history", promptID))
	}

	outputs, outputErrs := s.collectOutputs(ctx, entry.Outputs, req.UploadURLs)
	errs := append(exec.Errors, outputErrs...)

	if len(outputs) == 0 && len(errs) > 0 {
		return failed("Job produced no output", errs...)
	}

	return &JobResult{
		Status:   StatusCompleted,
		Images:   outputs,
		Warnings: errs,
	}
}

func (s *Server) uploadImages(ctx context.Context, images []InputImage) []string {
	var errs []string
	for _, img := range images {
		data, err := comfy.DecodeImageData(img.Image)
		if err == nil {
			err = s.comfy.UploadImage(ctx, img.Name, data)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("Failed to upload %s: %v", img.Name, err))
		}
	}
	return errs
}

// transferFiles downloads each URL and hands the file to ComfyUI as input.
func (s *Server) transferFiles(ctx context.Context, files []NamedURL) []string {
	var errs []string
	for _, f := range files {
		data, err := s.download(ctx, f.URL)
		if err == nil {
			err = s.comfy.UploadFile(ctx, f.Name, data)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("Failed to process %s: %v", f.Name, err))
		}
	}
	return errs
}

func (s *Server) download(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// collectOutputs fetches every non-temp output file. Files named in
// uploadURLs are PUT to their URL, the rest are returned inline as base64.
func (s *Server) collectOutputs(ctx context.Context, outputs map[string]comfy.NodeOutput, uploadURLs []NamedURL) ([]OutputFile, []string) {
	targets := make(map[string]string, len(uploadURLs))
	for _, u := range uploadURLs {
		targets[u.Name] = u.URL
	}

	nodeIDs := make([]string, 0, len(outputs))
	for id := range outputs {
		nodeIDs = append(nodeIDs, id)
	}
	sortNodeIDs(nodeIDs)

	var files []OutputFile
	var errs []string
	for _, id := range nodeIDs {
		for _, f := range outputs[id].Files() {
			if f.Filename == "" || f.Type == "temp" {
				continue
			}

			data, err := s.comfy.View(ctx, f)
			if err != nil {
				errs = append(errs, fmt.Sprintf("Failed to fetch %s: %v", f.Filename, err))
				continue
			}

			target, ok := targets[f.Filename]
			if !ok {
				files = append(files, OutputFile{Filename: f.Filename, Type: OutputBase64, Data: comfy.EncodeBase64(data)})
				continue
			}

			if err := s.put(ctx, target, f.Filename, data); err != nil {
				errs = append(errs, fmt.Sprintf("Failed to upload %s: %v", f.Filename, err))
				continue
			}
			files = append(files, OutputFile{Filename: f.Filename, Type: OutputUploaded})
		}
	}
	return files, errs
}

// sortNodeIDs orders workflow node ids numerically. Ids that are not numbers
// sort after the numeric ones, by string.
func sortNodeIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, aErr := strconv.Atoi(ids[i])
		b, bErr := strconv.Atoi(ids[j])
		switch {
		case aErr == nil && bErr == nil:
			if a != b {
				return a < b
			}
			return ids[i] < ids[j]
		case aErr == nil:
			return true
		case bErr == nil:
			return false
		}
		return ids[i] < ids[j]
	})
}

func (s *Server) put(ctx context.Context, url, filename string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, putTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	contentType := "image/png"
	if comfy.IsVideo(filename) {
		contentType = "video/mp4"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
