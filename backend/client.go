// Copyright 2025 Cellwise, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cellwise/peg-analyzer/apperr"
	"github.com/cellwise/peg-analyzer/config"
	"github.com/cellwise/peg-analyzer/internal/logging"
	"github.com/cellwise/peg-analyzer/internal/secret"
)

const resultsPath = "/api/analysis/results"

// Config carries the backend connection settings.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	AuthToken  secret.String
	MaxRetries int
	RetryDelay time.Duration
}

// ConfigFromSettings maps the process settings onto the client config.
// The retry budget is shared with the LLM client settings.
func ConfigFromSettings(s *config.Settings) Config {
	return Config{
		BaseURL:    strings.TrimRight(s.BackendServiceURL, "/"),
		Timeout:    s.BackendTimeout,
		AuthToken:  s.BackendAuthToken,
		MaxRetries: s.LLMMaxRetries,
		RetryDelay: s.LLMRetryDelay,
	}
}

// Client posts analysis results and judgement requests to the backend.
type Client struct {
	cfg  Config
	http *http.Client
	log  logging.StructuredLogger
}

func NewClient(cfg Config, log logging.StructuredLogger) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

// PostResult delivers the flattened payload. HTTP 5xx is retried with
// backoff; 4xx is reported immediately.
func (c *Client) PostResult(ctx context.Context, p *Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return apperr.NewBackend(apperr.BackendSchemaError, "payload not serializable", err)
	}
	_, err = c.post(ctx, c.cfg.BaseURL+resultsPath, body)
	return err
}

// post sends body and returns the decoded JSON response object.
func (c *Client) post(ctx context.Context, url string, body []byte) (map[string]any, error) {
	var result map[string]any
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(apperr.NewBackend(apperr.BackendHTTPError, "building request failed", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if token := c.cfg.AuthToken.SecretValue(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
				return backoff.Permanent(apperr.NewBackend(apperr.BackendTimeoutError, "backend request timed out", err))
			}
			return apperr.NewBackend(apperr.BackendHTTPError, "backend request failed", err)
		}
		defer resp.Body.Close()

		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		switch {
		case resp.StatusCode >= 500:
			c.log.Warnf("backend returned %d, retrying", resp.StatusCode)
			return apperr.NewBackend(apperr.BackendHTTPError,
				fmt.Sprintf("backend returned status %d", resp.StatusCode), nil)
		case resp.StatusCode >= 400:
			return backoff.Permanent(apperr.NewBackend(apperr.BackendHTTPError,
				fmt.Sprintf("backend rejected request with status %d", resp.StatusCode), nil).
				WithDetail("response_preview", preview(raw)))
		}

		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &result); err != nil {
				return backoff.Permanent(apperr.NewBackend(apperr.BackendSchemaError,
					"backend response is not a JSON object", err).
					WithDetail("response_preview", preview(raw)))
			}
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.RetryDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.5
	policy.MaxInterval = 30 * time.Second

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(c.cfg.MaxRetries)), ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func preview(raw []byte) string {
	const max = 200
	if len(raw) > max {
		raw = raw[:max]
	}
	return string(raw)
}
