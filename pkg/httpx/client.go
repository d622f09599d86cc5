package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/backoff"
)

// RequestJSON performs an HTTP request, retrying transport errors and 5xx
// responses per the given backoff strategy. 4xx responses are returned to
// the caller without retry.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retry backoff.Strategy) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	attempts := retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := backoff.Sleep(ctx, retry.Delay(attempt-1)); err != nil {
				return 0, nil, err
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return 0, nil, err
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode >= 500 && attempt < attempts-1 {
			continue
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, lastErr
}
