// Package notify holds outbound delivery adapters for workflow actions.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// HTTPWebhookSender delivers webhook action payloads as JSON POSTs.
type HTTPWebhookSender struct {
	client *http.Client
}

func NewHTTPWebhookSender(timeout time.Duration) *HTTPWebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPWebhookSender{client: &http.Client{Timeout: timeout}}
}

func (s *HTTPWebhookSender) Post(ctx context.Context, url string, headers map[string]string, payload any) (int, string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, "", errors.Wrap(err, "encode payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", errors.Wrap(err, "deliver webhook")
	}
	defer resp.Body.Close()

	// Cap the response we keep; step logs only need a preview.
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return resp.StatusCode, "", errors.Wrap(err, "read response")
	}
	return resp.StatusCode, string(respBody), nil
}
