package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultCallbackAttempts = 3
	defaultCallbackDelay    = 5 * time.Second
	callbackTimeout         = 30 * time.Second
)

// callbackSender delivers JSON events with a fixed number of attempts. It
// never returns an error: delivery is best effort.
type callbackSender struct {
	client   *http.Client
	attempts int
	delay    time.Duration
}

func (c *callbackSender) send(ctx context.Context, url string, payload any, label string) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to encode callback", slog.String("label", label), slog.String("error", err.Error()))
		return false
	}

	for attempt := 1; attempt <= c.attempts; attempt++ {
		code, err := c.post(ctx, url, data)
		switch {
		case err != nil:
			slog.Warn("Callback attempt failed",
				slog.String("label", label),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
		case code < 300:
			slog.Info("Callback delivered", slog.String("label", label), slog.Int("attempt", attempt))
			return true
		default:
			slog.Warn("Callback rejected",
				slog.String("label", label),
				slog.Int("attempt", attempt),
				slog.Int("status", code))
		}

		if attempt == c.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.delay):
		}
	}

	slog.Error("Callback failed", slog.String("label", label), slog.Int("attempts", c.attempts))
	return false
}

func (c *callbackSender) post(ctx context.Context, url string, data []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, callbackTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}
