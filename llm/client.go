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

// Package llm talks to OpenAI-compatible chat completion endpoints. A
// request fans out over a list of endpoints in order; each endpoint gets
// its own retry budget for transient statuses before the client moves on.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cellwise/peg-analyzer/apperr"
	"github.com/cellwise/peg-analyzer/config"
	"github.com/cellwise/peg-analyzer/internal/logging"
	"github.com/cellwise/peg-analyzer/internal/secret"
)

const (
	// charsPerToken is the estimation ratio for prompt budgeting.
	charsPerToken = 3.5
	// maxPromptChars caps prompt size regardless of token estimates.
	maxPromptChars = 80000
	// truncateBuffer leaves room for the truncation marker.
	truncateBuffer = 200

	truncationMarker = "\n\n[...truncated due to safety guard...]\n"
)

// Statuses worth retrying on the same endpoint.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Config carries the LLM connection settings.
type Config struct {
	Provider    string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
	APIKey      secret.String
	Endpoints   []string
	MockEnabled bool
}

// ConfigFromSettings extracts the LLM section of the app settings.
func ConfigFromSettings(s *config.Settings) Config {
	return Config{
		Provider:    s.LLMProvider,
		Model:       s.LLMModel,
		MaxTokens:   s.LLMMaxTokens,
		Temperature: s.LLMTemperature,
		Timeout:     s.LLMTimeout,
		MaxRetries:  s.LLMMaxRetries,
		RetryDelay:  s.LLMRetryDelay,
		APIKey:      s.LLMAPIKey,
		Endpoints:   s.LLMEndpoints,
		MockEnabled: s.LLMMockEnabled,
	}
}

// Client is safe for concurrent use.
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

// EstimateTokens approximates the token count of text.
func (c *Client) EstimateTokens(text string) int {
	return int(math.Ceil(float64(len(text)) / charsPerToken))
}

// ValidatePrompt reports whether the prompt fits both the token and the
// character budget.
func (c *Client) ValidatePrompt(prompt string) bool {
	if prompt == "" {
		return false
	}
	if c.EstimateTokens(prompt) > c.cfg.MaxTokens {
		c.log.Warnf("prompt token estimate exceeds budget: %d > %d", c.EstimateTokens(prompt), c.cfg.MaxTokens)
		return false
	}
	if len(prompt) > maxPromptChars {
		c.log.Warnf("prompt length exceeds character cap: %d > %d", len(prompt), maxPromptChars)
		return false
	}
	return true
}

// TruncatePrompt head-truncates an oversize prompt and appends a visible
// marker. Prompts within the cap pass through unchanged.
func (c *Client) TruncatePrompt(prompt string) string {
	if len(prompt) <= maxPromptChars {
		return prompt
	}
	c.log.Warnf("truncating prompt from %d to %d chars", len(prompt), maxPromptChars-truncateBuffer)
	return prompt[:maxPromptChars-truncateBuffer] + truncationMarker
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	// Non-OpenAI servers return the content at the top level.
	Content string `json:"content"`
}

// AnalyzeData sends the prompt and returns the parsed JSON payload of the
// model's answer.
func (c *Client) AnalyzeData(ctx context.Context, prompt string, enableMock bool) (map[string]any, error) {
	if enableMock || c.cfg.MockEnabled {
		c.log.Infof("mock mode enabled, returning synthetic analysis (prompt %d chars)", len(prompt))
		return MockResponse(), nil
	}
	if len(c.cfg.Endpoints) == 0 {
		return nil, apperr.NewLLM(apperr.LLMClientError, "no LLM endpoints configured", nil)
	}

	if !c.ValidatePrompt(prompt) {
		prompt = c.TruncatePrompt(prompt)
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return nil, apperr.NewLLM(apperr.LLMClientError, "failed to encode chat request", err)
	}

	var lastErr error
	for _, endpoint := range c.cfg.Endpoints {
		result, err := c.callEndpoint(ctx, endpoint, body)
		if err == nil {
			return result, nil
		}
		lastErr = err
		c.log.Warnf("LLM endpoint %s failed, trying next: %v", endpoint, err)
	}
	return nil, apperr.NewLLM(apperr.LLMServerError,
		"all LLM endpoints failed", lastErr).
		WithDetail("endpoints", c.cfg.Endpoints)
}

// callEndpoint POSTs the chat request with per-endpoint retries. The
// backoff doubles from RetryDelay with +/-50% jitter.
func (c *Client) callEndpoint(ctx context.Context, endpoint string, body []byte) (map[string]any, error) {
	url := endpoint + "/v1/chat/completions"

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.RetryDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.5
	policy.MaxInterval = 30 * time.Second

	var content string
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		c.setAuth(req)

		resp, err := c.http.Do(req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return backoff.Permanent(apperr.NewLLM(apperr.LLMTimeoutError,
					fmt.Sprintf("LLM request to %s timed out", endpoint), err))
			}
			// Connection-level failures are worth retrying.
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
			err := fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, endpoint, snippet)
			if retryableStatus[resp.StatusCode] {
				return err
			}
			return backoff.Permanent(apperr.NewLLM(apperr.LLMClientError, err.Error(), nil))
		}

		var parsed chatResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return backoff.Permanent(apperr.NewLLM(apperr.LLMParseError,
				"LLM response body is not valid JSON", err))
		}
		if len(parsed.Choices) > 0 {
			content = parsed.Choices[0].Message.Content
		} else {
			content = parsed.Content
		}
		if content == "" {
			return backoff.Permanent(apperr.NewLLM(apperr.LLMParseError,
				"LLM response carried no content", nil))
		}
		return nil
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.cfg.MaxRetries)), ctx))
	if err != nil {
		return nil, err
	}
	return ExtractJSON(content)
}

func (c *Client) setAuth(req *http.Request) {
	// Local deployments usually run without auth; everything else, or a
	// local server with a key configured, gets a bearer token.
	if c.cfg.Provider != "local" || !c.cfg.APIKey.Empty() {
		if !c.cfg.APIKey.Empty() {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey.SecretValue())
		}
	}
}

// TestConnection probes endpoints until one answers the health check.
func (c *Client) TestConnection(ctx context.Context) bool {
	for _, endpoint := range c.cfg.Endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
		if err != nil {
			continue
		}
		resp, err := c.http.Do(req)
		if err != nil {
			c.log.Warnf("LLM endpoint %s unreachable: %v", endpoint, err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return true
		}
		c.log.Warnf("LLM endpoint %s health check returned %d", endpoint, resp.StatusCode)
	}
	return false
}
