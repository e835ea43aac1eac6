// Package main shows how to submit a ComfyUI workflow to a pod sidecar and
// collect the inline outputs from the job callback.
//
// Usage: run-workflow <sidecar-url> <workflow.json> [input-image ...]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/livepeer/comfy-pod/comfy"
	"github.com/livepeer/comfy-pod/sidecar"
)

func main() {
	baseOutputPath := "output"

	args := os.Args[1:]
	if len(args) < 2 {
		slog.Error("Usage: run-workflow <sidecar-url> <workflow.json> [input-image ...]")
		return
	}
	sidecarURL, workflowPath := args[0], args[1]

	workflow, err := os.ReadFile(workflowPath)
	if err != nil {
		slog.Error("Error reading workflow", slog.String("error", err.Error()))
		return
	}

	var images []sidecar.InputImage
	for _, p := range args[2:] {
		data, err := os.ReadFile(p)
		if err != nil {
			slog.Error("Error reading input image", slog.String("error", err.Error()))
			return
		}
		images = append(images, sidecar.InputImage{Name: filepath.Base(p), Image: comfy.EncodeBase64(data)})
	}

	// The sidecar reports back through a callback, so listen for it locally.
	ln, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		slog.Error("Error starting callback listener", slog.String("error", err.Error()))
		return
	}
	results := make(chan sidecar.JobResult, 1)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var res sidecar.JobResult
		if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
		results <- res
	})}
	go srv.Serve(ln)
	defer srv.Close()

	host := os.Getenv("CALLBACK_HOST")
	if host == "" {
		host = "host.docker.internal"
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())

	body, err := json.Marshal(sidecar.RunRequest{
		Workflow:    workflow,
		CallbackURL: fmt.Sprintf("http://%s:%s/callback", host, port),
		Images:      images,
	})
	if err != nil {
		slog.Error("Error encoding request", slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sidecarURL+"/run", bytes.NewReader(body))
	if err != nil {
		slog.Error("Error creating request", slog.String("error", err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if key := os.Getenv("SIDECAR_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		slog.Error("Error submitting job", slog.String("error", err.Error()))
		return
	}
	var accepted sidecar.RunResponse
	err = json.NewDecoder(resp.Body).Decode(&accepted)
	resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusAccepted {
		slog.Error("Job was not accepted", slog.Int("status", resp.StatusCode))
		return
	}

	slog.Info("Job accepted", slog.String("jobID", accepted.JobID))

	var res sidecar.JobResult
	select {
	case res = <-results:
	case <-ctx.Done():
		slog.Error("Timed out waiting for job callback")
		return
	}

	if res.Status != sidecar.StatusCompleted {
		slog.Error("Job failed", slog.String("error", res.Error), slog.Any("details", res.Details))
		return
	}
	for _, warning := range res.Warnings {
		slog.Warn("Job warning", slog.String("warning", warning))
	}

	if err := os.MkdirAll(baseOutputPath, 0o755); err != nil {
		slog.Error("Error creating output dir", slog.String("error", err.Error()))
		return
	}
	for _, out := range res.Images {
		if out.Type != sidecar.OutputBase64 {
			slog.Info("Output uploaded", slog.String("filename", out.Filename))
			continue
		}
		data, err := comfy.DecodeImageData(out.Data)
		if err != nil {
			slog.Error("Error decoding output", slog.String("error", err.Error()))
			return
		}
		outputPath := path.Join(baseOutputPath, out.Filename)
		if err := os.WriteFile(outputPath, data, 0o644); err != nil {
			slog.Error("Error writing output", slog.String("error", err.Error()))
			return
		}
		slog.Info("Output written", slog.String("outputPath", outputPath))
	}
}
