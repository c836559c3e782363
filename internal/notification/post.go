package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const sendTimeout = 10 * time.Second

// StatusError is a non-2xx reply from an alert endpoint.
type StatusError struct {
	Sink   string
	Status int
	Detail string // response body excerpt, if any
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Sink, e.Status)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Sink, e.Status, e.Detail)
}

// postJSON sends payload to url and returns the response body of a 2xx reply.
func postJSON(ctx context.Context, client *http.Client, sink, url string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal: %w", sink, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", sink, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: send: %w", sink, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Sink: sink, Status: resp.StatusCode, Detail: string(bytes.TrimSpace(raw))}
	}
	return raw, nil
}
