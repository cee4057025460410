package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	googleDefaultBaseURL = "https://generativelanguage.googleapis.com"

	// googleModelName is the short model name reported in results and
	// recorded against turns, regardless of the wire model id.
	googleModelName = "gemini-pro"
)

// Generation sampling defaults.
const (
	googleDefaultTopP = 0.95
	googleDefaultTopK = 40
)

// googleClient speaks the Google Generative Language API over raw HTTP.
type googleClient struct {
	apiKey       string
	defaultModel string
	baseURL      string
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewGoogleClient builds a raw Google client. baseURL overrides the
// production endpoint when non-empty.
func NewGoogleClient(apiKey, defaultModel, baseURL string, timeout time.Duration, logger *slog.Logger) Client {
	if baseURL == "" {
		baseURL = googleDefaultBaseURL
	}
	return &googleClient{
		apiKey:       apiKey,
		defaultModel: defaultModel,
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: timeout},
		logger:       logger.With("provider", ProviderGoogle),
	}
}

func (c *googleClient) Provider() string { return ProviderGoogle }

func (c *googleClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Role  string       `json:"role"`
	Parts []googlePart `json:"parts"`
}

type googleGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"topP"`
	TopK            int     `json:"topK"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type googleSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// defaultSafetySettings blocks medium-and-above content in all four
// moderated harm categories.
var defaultSafetySettings = []googleSafetySetting{
	{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
	{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
	{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
	{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
}

type googleRequest struct {
	Contents         []googleContent        `json:"contents"`
	GenerationConfig googleGenerationConfig `json:"generationConfig"`
	SafetySettings   []googleSafetySetting  `json:"safetySettings"`
}

type googleResponse struct {
	Candidates []struct {
		Content struct {
			Parts []googlePart `json:"parts"`
			Role  string       `json:"role"`
		} `json:"content"`
		FinishReason  string `json:"finishReason"`
		SafetyRatings []struct {
			Category    string `json:"category"`
			Probability string `json:"probability"`
		} `json:"safetyRatings"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

type googleErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// toGoogleContents maps the shared history to the wire vocabulary: the
// assistant role becomes "model", everything else "user".
func toGoogleContents(messages []Message) []googleContent {
	contents := make([]googleContent, 0, len(messages))
	for _, m := range messages {
		role := "user"
		if m.Role == "assistant" || m.Role == "model" {
			role = "model"
		}
		contents = append(contents, googleContent{
			Role:  role,
			Parts: []googlePart{{Text: m.Content}},
		})
	}
	return contents
}

func (c *googleClient) GenerateResponse(ctx context.Context, messages []Message, opts *Options) (*Result, error) {
	o := opts.withDefaults()
	model := o.Model
	if model == "" || strings.Contains(model, "claude") {
		model = c.defaultModel
	}

	topP := o.TopP
	if topP == 0 {
		topP = googleDefaultTopP
	}
	topK := o.TopK
	if topK == 0 {
		topK = googleDefaultTopK
	}

	body, err := json.Marshal(googleRequest{
		Contents: toGoogleContents(messages),
		GenerationConfig: googleGenerationConfig{
			Temperature:     o.Temperature,
			TopP:            topP,
			TopK:            topK,
			MaxOutputTokens: o.MaxTokens,
		},
		SafetySettings: defaultSafetySettings,
	})
	if err != nil {
		return nil, &APIError{Provider: ProviderGoogle, Kind: KindBadRequest,
			Message: "failed to encode request", Err: err}
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &APIError{Provider: ProviderGoogle, Kind: KindBadRequest,
			Message: "failed to build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ProviderGoogle, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ProviderGoogle, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiResp googleErrorResponse
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &apiResp) == nil && apiResp.Error.Message != "" {
			msg = apiResp.Error.Message
		}
		// Google reports quota exhaustion as HTTP 429 (or code 429 in the
		// error body), distinct from the client-side rate limit.
		kind := kindForStatus(resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests ||
			apiResp.Error.Code == http.StatusTooManyRequests ||
			apiResp.Error.Status == "RESOURCE_EXHAUSTED" {
			kind = KindQuotaExceeded
		}
		return nil, &APIError{
			Provider:   ProviderGoogle,
			Kind:       kind,
			StatusCode: resp.StatusCode,
			Message:    msg,
		}
	}

	var parsed googleResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &APIError{Provider: ProviderGoogle, Kind: KindUnknown,
			Message: "failed to decode response", Err: err}
	}
	if len(parsed.Candidates) == 0 {
		return nil, &APIError{Provider: ProviderGoogle, Kind: KindEmptyResponse,
			Message: "response contained no candidates"}
	}

	candidate := parsed.Candidates[0]
	if candidate.FinishReason == "SAFETY" {
		msg := "response blocked by safety filters"
		var flagged []string
		for _, rating := range candidate.SafetyRatings {
			if rating.Probability == "HIGH" || rating.Probability == "MEDIUM" {
				flagged = append(flagged, rating.Category)
			}
		}
		if len(flagged) > 0 {
			msg = fmt.Sprintf("%s: %s", msg, strings.Join(flagged, ", "))
		}
		return nil, &APIError{Provider: ProviderGoogle, Kind: KindSafetyFiltered, Message: msg}
	}

	var content strings.Builder
	for _, part := range candidate.Content.Parts {
		content.WriteString(part.Text)
	}
	if content.Len() == 0 {
		return nil, &APIError{Provider: ProviderGoogle, Kind: KindEmptyResponse,
			Message: "candidate contained no text"}
	}

	totalTokens := parsed.UsageMetadata.TotalTokenCount
	if totalTokens == 0 {
		totalTokens = parsed.UsageMetadata.PromptTokenCount + parsed.UsageMetadata.CandidatesTokenCount
	}

	latency := time.Since(start)
	c.logger.Debug("generation completed",
		"model", model,
		"latency_ms", latency.Milliseconds(),
		"total_tokens", totalTokens)

	return &Result{
		Content:      content.String(),
		Model:        googleModelName,
		Provider:     ProviderGoogle,
		InputTokens:  parsed.UsageMetadata.PromptTokenCount,
		OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
		Tokens:       totalTokens,
		LatencyMS:    int(latency.Milliseconds()),
		FinishReason: candidate.FinishReason,
	}, nil
}

func (c *googleClient) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	_, err := c.GenerateResponse(ctx, []Message{{Role: "user", Content: "Hi"}}, &Options{MaxTokens: 1})
	status := HealthStatus{
		Provider: ProviderGoogle,
		Healthy:  err == nil,
		Latency:  time.Since(start),
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}
