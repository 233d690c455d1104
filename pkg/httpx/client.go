package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// RequestJSON performs an HTTP request with fixed-delay retry for
// transient failures. Retries apply to transport errors and 5xx only.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	return doJSON(ctx, client, method, url, body, headers, retries, func(int) time.Duration { return retryDelay })
}

// RequestJSONBackoff is RequestJSON with exponential backoff between
// attempts: base, 2*base, 4*base ... capped at ceiling.
func RequestJSONBackoff(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, base, ceiling time.Duration) (int, []byte, error) {
	return doJSON(ctx, client, method, url, body, headers, retries, func(attempt int) time.Duration {
		d := base
		for i := 0; i < attempt; i++ {
			d *= 2
			if d >= ceiling {
				return ceiling
			}
		}
		if ceiling > 0 && d > ceiling {
			return ceiling
		}
		return d
	})
}

func doJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, delay func(attempt int) time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	attempts := retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
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
			if attempt < retries && sleepCtx(ctx, delay(attempt)) {
				continue
			}
			return 0, nil, err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if attempt < retries && sleepCtx(ctx, delay(attempt)) {
				continue
			}
			return 0, nil, readErr
		}
		if resp.StatusCode >= 500 && attempt < retries {
			if sleepCtx(ctx, delay(attempt)) {
				continue
			}
			return resp.StatusCode, respBody, ctx.Err()
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, lastErr
}

// sleepCtx waits for d or until ctx is done; reports whether the full
// delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
