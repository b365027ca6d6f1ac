// Package httpclient holds the outbound HTTP adapters used when the
// dispatcher, queues, scanners and ingestion run as separate services.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// StatusError is a non-2xx response.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("POST %s: %d %s", e.URL, e.Code, e.Body)
}

// Temporary reports whether the request may succeed if repeated.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

type base struct {
	url     string
	http    *http.Client
	retries uint64
	backoff time.Duration
}

func newBase(url string, c *http.Client) base {
	if c == nil {
		c = &http.Client{Timeout: 30 * time.Second}
	}
	return base{url: strings.TrimRight(url, "/"), http: c, retries: 2, backoff: 200 * time.Millisecond}
}

// post sends body as JSON and returns the response body. Transport errors and
// temporary statuses are retried with exponential backoff.
func (b base) post(ctx context.Context, path string, body any, header http.Header) ([]byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := b.url + path
	var out []byte
	backoff := retry.WithMaxRetries(b.retries, retry.NewExponential(b.backoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range header {
			req.Header[k] = v
		}
		resp, err := b.http.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return retry.RetryableError(err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			serr := &StatusError{URL: url, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
			if serr.Temporary() {
				return retry.RetryableError(serr)
			}
			return serr
		}
		out = data
		return nil
	})
	return out, err
}
