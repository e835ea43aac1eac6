// Package comfy is a small client for the HTTP and websocket API of a local
// ComfyUI server.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strings"
	"time"
)

const (
	pingTimeout     = 5 * time.Second
	requestTimeout  = 30 * time.Second
	transferTimeout = 60 * time.Second
)

var ErrWorkflowInvalid = errors.New("workflow validation failed")

var videoExtensions = []string{".mp4", ".mov", ".avi", ".mkv", ".webm"}

// StatusError is returned when ComfyUI answers with an unexpected status.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

type Client struct {
	addr       string
	httpClient *http.Client
}

// NewClient returns a client for the ComfyUI server listening on addr
// (host:port).
func NewClient(addr string) *Client {
	return &Client{
		addr:       addr,
		httpClient: &http.Client{},
	}
}

func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) url(p string) string {
	return "http://" + c.addr + p
}

// Ping succeeds when the ComfyUI front page answers 200.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/"), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Method: http.MethodGet, Path: "/", Code: resp.StatusCode}
	}
	return nil
}

// WaitUntilReady polls Ping up to attempts times, interval apart. A zero
// interval retries immediately.
func (c *Client) WaitUntilReady(ctx context.Context, attempts int, interval time.Duration) error {
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.Ping(ctx); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}

	return fmt.Errorf("comfyui at %s not ready after %d attempts", c.addr, attempts)
}

// UploadImage uploads an input image under name, overwriting any existing
// file of the same name.
func (c *Client) UploadImage(ctx context.Context, name string, data []byte) error {
	return c.upload(ctx, "/upload/image", "image", name, "", "image/png", data)
}

// UploadFile uploads an arbitrary input file. Video files go to the video
// endpoint. A "/" in name selects the subfolder.
func (c *Client) UploadFile(ctx context.Context, name string, data []byte) error {
	subfolder, filename := "", name
	if i := strings.LastIndex(name, "/"); i >= 0 {
		subfolder, filename = name[:i], name[i+1:]
	}

	if IsVideo(filename) {
		return c.upload(ctx, "/upload/video", "video", filename, subfolder, "video/mp4", data)
	}
	return c.upload(ctx, "/upload/image", "image", filename, subfolder, "image/png", data)
}

// IsVideo reports whether filename has a known video extension.
func IsVideo(filename string) bool {
	ext := strings.ToLower(path.Ext(filename))
	for _, v := range videoExtensions {
		if ext == v {
			return true
		}
	}
	return false
}

func (c *Client) upload(ctx context.Context, endpoint, field, filename, subfolder, contentType string, data []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := mw.WriteField("overwrite", "true"); err != nil {
		return err
	}
	if subfolder != "" {
		if err := mw.WriteField("subfolder", subfolder); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, transferTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(endpoint), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	_, err = c.do(req)
	return err
}

type promptRequest struct {
	Prompt    json.RawMessage  `json:"prompt"`
	ClientID  string           `json:"client_id"`
	ExtraData *promptExtraData `json:"extra_data,omitempty"`
}

type promptExtraData struct {
	APIKeyComfyOrg string `json:"api_key_comfy_org"`
}

type QueueResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

// QueuePrompt enqueues workflow (API format) for clientID. apiKey, when set,
// authorises paid API nodes.
func (c *Client) QueuePrompt(ctx context.Context, workflow json.RawMessage, clientID, apiKey string) (*QueueResponse, error) {
	payload := promptRequest{Prompt: workflow, ClientID: clientID}
	if apiKey != "" {
		payload.ExtraData = &promptExtraData{APIKeyComfyOrg: apiKey}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/prompt"), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusBadRequest {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowInvalid, statusErr.Body)
	}
	if err != nil {
		return nil, err
	}

	var queued QueueResponse
	if err := json.Unmarshal(body, &queued); err != nil {
		return nil, fmt.Errorf("failed to decode prompt response: %w", err)
	}
	return &queued, nil
}

// FileRef points at a file ComfyUI produced or holds.
type FileRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type NodeOutput struct {
	Videos []FileRef `json:"videos"`
	Gifs   []FileRef `json:"gifs"`
	Images []FileRef `json:"images"`
}

// Files lists the node's files in videos, gifs, images order.
func (o NodeOutput) Files() []FileRef {
	files := make([]FileRef, 0, len(o.Videos)+len(o.Gifs)+len(o.Images))
	files = append(files, o.Videos...)
	files = append(files, o.Gifs...)
	return append(files, o.Images...)
}

type HistoryEntry struct {
	Outputs map[string]NodeOutput `json:"outputs"`
}

// History returns the history of promptID, keyed by prompt id. The map is
// empty when ComfyUI does not know the prompt.
func (c *Client) History(ctx context.Context, promptID string) (map[string]HistoryEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/history/"+url.PathEscape(promptID)), nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	history := make(map[string]HistoryEntry)
	if err := json.Unmarshal(body, &history); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return history, nil
}

// View downloads a file through the /view endpoint.
func (c *Client) View(ctx context.Context, f FileRef) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", f.Filename)
	q.Set("subfolder", f.Subfolder)
	q.Set("type", f.Type)

	ctx, cancel := context.WithTimeout(ctx, transferTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/view?"+q.Encode()), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			Method: req.Method,
			Path:   req.URL.Path,
			Code:   resp.StatusCode,
			Body:   string(body),
		}
	}
	return body, nil
}
