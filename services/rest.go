package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/LovationAdmin/bank-aggregator/models"
	"github.com/LovationAdmin/bank-aggregator/utils"
)

// restClient is the small JSON-over-HTTP helper shared by the hand-written
// adapters. Every GET goes through the retry policy; anything else does not.
type restClient struct {
	provider  string
	baseURL   string
	client    *http.Client
	retry     RetryPolicy
	authorize func(req *http.Request) error
}

// Common headers
func (c *restClient) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if req.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
}

// get fetches path and decodes the JSON body into out, retrying rate limits
// and network failures.
func (c *restClient) get(ctx context.Context, path string, query url.Values, out any) error {
	_, err := Retry(ctx, c.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.do(ctx, http.MethodGet, path, query, nil, out)
	})
	return err
}

// post is used for credential exchanges only and is never retried.
func (c *restClient) post(ctx context.Context, path string, payload any, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, payload, out)
}

func (c *restClient) do(ctx context.Context, method, path string, query url.Values, payload any, out any) error {
	endpoint := strings.TrimRight(c.baseURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", c.provider, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", c.provider, err)
	}
	c.setHeaders(req)
	if c.authorize != nil {
		if err := c.authorize(req); err != nil {
			return err
		}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return models.NewProviderError(c.provider, models.KindNetwork, 0, "request failed: "+utils.MaskString(err.Error()), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.NewProviderError(c.provider, models.KindNetwork, resp.StatusCode, "reading response failed", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(c.provider, resp.StatusCode, respBody)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return models.NewProviderError(c.provider, models.KindMalformedResponse, resp.StatusCode,
				"unexpected response shape from "+path, err)
		}
	}

	log := utils.LoggerFrom(ctx)
	log.Debug().Str("provider", c.provider).Str("method", method).Str("path", utils.MaskString(path)).
		Int("status", resp.StatusCode).Dur("elapsed", time.Since(start)).Msg("provider request")
	return nil
}

// statusError classifies a non-2xx response. The message is derived from the
// provider's error payload and shortened, never passed through verbatim.
func statusError(provider string, status int, body []byte) error {
	msg := describeErrorBody(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	return models.NewProviderError(provider, models.KindForStatus(status), status,
		utils.MaskString(msg), errors.New(http.StatusText(status)))
}

// errorFields are the message keys the supported providers use, most
// specific first.
var errorFields = []string{"error_message", "errorMessage", "detail", "summary", "message", "error_description", "error"}

func describeErrorBody(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return truncate(strings.TrimSpace(string(body)), 160)
	}
	return truncate(messageFrom(payload), 160)
}

func messageFrom(payload map[string]any) string {
	for _, key := range errorFields {
		switch v := payload[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			if nested := messageFrom(v); nested != "" {
				return nested
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
