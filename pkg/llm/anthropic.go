package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicAPIVersion     = "2023-06-01"
)

// anthropicClient speaks the Anthropic Messages API over raw HTTP.
type anthropicClient struct {
	apiKey       string
	defaultModel string
	baseURL      string
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewAnthropicClient builds a raw Anthropic client. baseURL overrides the
// production endpoint when non-empty.
func NewAnthropicClient(apiKey, defaultModel, baseURL string, timeout time.Duration, logger *slog.Logger) Client {
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	return &anthropicClient{
		apiKey:       apiKey,
		defaultModel: defaultModel,
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: timeout},
		logger:       logger.With("provider", ProviderAnthropic),
	}
}

func (c *anthropicClient) Provider() string { return ProviderAnthropic }

func (c *anthropicClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// normalizeModel maps a wire model id to the short family name reported
// in results and recorded against turns; unrecognized ids collapse to the
// sonnet family.
func normalizeModel(model string) string {
	switch {
	case strings.Contains(model, "haiku"):
		return "claude-3-haiku"
	case strings.Contains(model, "opus"):
		return "claude-3-opus"
	default:
		return "claude-3-sonnet"
	}
}

type anthropicRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Messages    []Message `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *anthropicClient) GenerateResponse(ctx context.Context, messages []Message, opts *Options) (*Result, error) {
	o := opts.withDefaults()
	model := o.Model
	if model == "" {
		model = c.defaultModel
	}

	body, err := json.Marshal(anthropicRequest{
		Model:       model,
		MaxTokens:   o.MaxTokens,
		Temperature: o.Temperature,
		Messages:    messages,
	})
	if err != nil {
		return nil, &APIError{Provider: ProviderAnthropic, Kind: KindBadRequest,
			Message: "failed to encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &APIError{Provider: ProviderAnthropic, Kind: KindBadRequest,
			Message: "failed to build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ProviderAnthropic, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ProviderAnthropic, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiResp anthropicErrorResponse
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &apiResp) == nil && apiResp.Error.Message != "" {
			msg = apiResp.Error.Message
		}
		return nil, &APIError{
			Provider:   ProviderAnthropic,
			Kind:       kindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    msg,
		}
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &APIError{Provider: ProviderAnthropic, Kind: KindUnknown,
			Message: "failed to decode response", Err: err}
	}
	var content strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	if content.Len() == 0 {
		return nil, &APIError{Provider: ProviderAnthropic, Kind: KindEmptyResponse,
			Message: "response contained no content"}
	}

	latency := time.Since(start)
	c.logger.Debug("generation completed",
		"model", parsed.Model,
		"latency_ms", latency.Milliseconds(),
		"output_tokens", parsed.Usage.OutputTokens)

	return &Result{
		Content:      content.String(),
		Model:        normalizeModel(model),
		Provider:     ProviderAnthropic,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
		Tokens:       parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		LatencyMS:    int(latency.Milliseconds()),
		FinishReason: parsed.StopReason,
	}, nil
}

func (c *anthropicClient) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	_, err := c.GenerateResponse(ctx, []Message{{Role: "user", Content: "Hi"}}, &Options{MaxTokens: 1})
	status := HealthStatus{
		Provider: ProviderAnthropic,
		Healthy:  err == nil,
		Latency:  time.Since(start),
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

// transportError classifies an HTTP transport failure as timeout or
// network per the retry policy.
func transportError(provider string, err error) *APIError {
	kind := KindNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &APIError{
		Provider: provider,
		Kind:     kind,
		Message:  fmt.Sprintf("request failed: %v", err),
		Err:      err,
	}
}
