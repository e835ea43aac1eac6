// Package main creates a pod through the mock pod API, waits until its
// sidecar reports ComfyUI ready and terminates the pod again.
//
// Usage: create-pod [mock-api-url]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/livepeer/comfy-pod/podapi"
	"github.com/livepeer/comfy-pod/sidecar"
)

func main() {
	apiURL := "http://localhost:9000"
	if len(os.Args) > 1 {
		apiURL = os.Args[1]
	}
	apiKey := os.Getenv("MOCK_API_KEY")
	if apiKey == "" {
		apiKey = "test-key"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	var pod podapi.Pod
	if err := call(ctx, http.MethodPost, apiURL+"/pods", apiKey, podapi.CreatePodRequest{}, &pod); err != nil {
		slog.Error("Error creating pod", slog.String("error", err.Error()))
		return
	}
	slog.Info("Pod created", slog.String("podID", pod.ID), slog.String("name", pod.Name))

	defer func() {
		if err := call(context.Background(), http.MethodDelete, apiURL+"/pods/"+pod.ID, apiKey, nil, nil); err != nil {
			slog.Error("Error terminating pod", slog.String("error", err.Error()))
			return
		}
		slog.Info("Pod terminated", slog.String("podID", pod.ID))
	}()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Error("Timed out waiting for pod")
			return
		case <-ticker.C:
		}

		if err := call(ctx, http.MethodGet, apiURL+"/pods/"+pod.ID, apiKey, nil, &pod); err != nil {
			slog.Error("Error fetching pod", slog.String("error", err.Error()))
			return
		}
		if pod.DesiredStatus == podapi.StatusExited {
			slog.Error("Pod exited", slog.String("reason", pod.LastStatusChange))
			return
		}
		if pod.SidecarURL == nil {
			continue
		}

		var health sidecar.HealthResponse
		if err := call(ctx, http.MethodGet, *pod.SidecarURL+"/health", "", nil, &health); err != nil {
			slog.Debug("Sidecar not up yet", slog.String("error", err.Error()))
			continue
		}
		if health.ComfyReady {
			slog.Info("Pod ready", slog.String("sidecarURL", *pod.SidecarURL))
			return
		}
	}
}

func call(ctx context.Context, method, url, apiKey string, in, out any) error {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
