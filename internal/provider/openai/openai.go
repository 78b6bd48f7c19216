// Package openai implements port.LLMProvider on the OpenAI Chat Completions API.
package openai

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

	"cellar/internal/config"
	"cellar/internal/domain"
	"cellar/internal/port"
	"cellar/internal/provider"
)

const (
	name   = "openai"
	apiURL = "https://api.openai.com/v1/chat/completions"
)

// Provider implements port.LLMProvider using the OpenAI Chat Completions API.
type Provider struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// Factory adapts New to provider.Factory.
func Factory(cfg *config.ProviderConfig) (port.LLMProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	return New(cfg), nil
}

// New creates an OpenAI provider. cfg.Endpoint overrides the API URL.
func New(cfg *config.ProviderConfig) *Provider {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = apiURL
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "gpt-4o"
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &Provider{
		apiKey:   cfg.APIKey,
		model:    model,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *Provider) Name() string { return name }

func (p *Provider) SupportsCapability(c string) bool {
	switch c {
	case port.CapabilityText, port.CapabilityVision, port.CapabilityStreaming, port.CapabilityJSONMode:
		return true
	}
	return false
}

func (p *Provider) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	url := strings.TrimSuffix(p.endpoint, "/chat/completions") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (p *Provider) Complete(ctx context.Context, prompt string, opts port.CompletionOptions) (*port.CompletionResponse, error) {
	return p.complete(ctx, port.CompletionRequest{Prompt: prompt, Options: opts})
}

func (p *Provider) CompleteWithImage(ctx context.Context, prompt, imageBase64, mimeType string, opts port.CompletionOptions) (*port.CompletionResponse, error) {
	return p.complete(ctx, port.CompletionRequest{Prompt: prompt, ImageBase64: imageBase64, MimeType: mimeType, Options: opts})
}

func (p *Provider) complete(ctx context.Context, in port.CompletionRequest) (*port.CompletionResponse, error) {
	start := time.Now()
	resp, err := p.send(ctx, in, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.TransportError(name, fmt.Errorf("reading response: %w", err))
	}
	return parseResponse(respBody, p.modelFor(in.Options), time.Since(start))
}

// Stream requests server-sent chunks and forwards choices[0].delta.content.
func (p *Provider) Stream(ctx context.Context, in port.CompletionRequest) <-chan port.StreamEvent {
	out := make(chan port.StreamEvent, 16)
	go func() {
		defer close(out)
		start := time.Now()
		resp, err := p.send(ctx, in, true)
		if err != nil {
			provider.Send(ctx, out, port.StreamEvent{Err: err})
			return
		}
		defer func() { _ = resp.Body.Close() }()

		final := &port.CompletionResponse{Model: p.modelFor(in.Options), Provider: name}
		var text strings.Builder
		err = provider.ReadSSE(resp.Body, func(_, data string) error {
			if data == "[DONE]" {
				return provider.ErrStopSSE
			}
			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return provider.Malformed(name, data, err)
			}
			if chunk.Model != "" {
				final.Model = chunk.Model
			}
			if chunk.Usage != nil {
				final.InputTokens = chunk.Usage.PromptTokens
				final.OutputTokens = chunk.Usage.CompletionTokens
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				return nil
			}
			delta := chunk.Choices[0].Delta.Content
			text.WriteString(delta)
			if !provider.Send(ctx, out, port.StreamEvent{Delta: delta}) {
				return ctx.Err()
			}
			return nil
		})
		if err != nil {
			var mErr *domain.MalformedResponseError
			if !errors.As(err, &mErr) {
				err = provider.TransportError(name, err)
			}
			provider.Send(ctx, out, port.StreamEvent{Err: err})
			return
		}
		final.Text = text.String()
		final.CostUSD = provider.EstimateCost(final.Model, final.InputTokens, final.OutputTokens)
		final.Latency = time.Since(start)
		provider.Send(ctx, out, port.StreamEvent{Done: final})
	}()
	return out
}

func (p *Provider) modelFor(opts port.CompletionOptions) string {
	if opts.Model != "" {
		return opts.Model
	}
	return p.model
}

func (p *Provider) send(ctx context.Context, in port.CompletionRequest, stream bool) (*http.Response, error) {
	content := []map[string]interface{}{
		{"type": "text", "text": in.Prompt},
	}
	if in.HasImage() {
		content = append(content, map[string]interface{}{
			"type": "image_url",
			"image_url": map[string]interface{}{
				"url": fmt.Sprintf("data:%s;base64,%s", in.MimeType, in.ImageBase64),
			},
		})
	}
	maxTokens := in.Options.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	reqBody := map[string]interface{}{
		"model":                 p.modelFor(in.Options),
		"max_completion_tokens": maxTokens,
		"temperature":           in.Options.Temperature,
		"messages": []map[string]interface{}{
			{"role": "user", "content": content},
		},
	}
	if in.Options.JSONResponse {
		reqBody["response_format"] = map[string]interface{}{"type": "json_object"}
	}
	if stream {
		reqBody["stream"] = true
		reqBody["stream_options"] = map[string]interface{}{"include_usage": true}
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, provider.TransportError(name, fmt.Errorf("calling OpenAI API: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)
		return nil, provider.StatusError(name, resp.StatusCode, resp.Header, body)
	}
	return resp, nil
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// apiResponse models the OpenAI Chat Completions response.
type apiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage usage `json:"usage"`
}

type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

func parseResponse(body []byte, model string, latency time.Duration) (*port.CompletionResponse, error) {
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, provider.Malformed(name, string(body), fmt.Errorf("unmarshaling response: %w", err))
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, provider.Malformed(name, string(body), fmt.Errorf("empty response from API"))
	}
	if resp.Choices[0].FinishReason == "length" {
		return nil, provider.Malformed(name, resp.Choices[0].Message.Content, fmt.Errorf("output truncated (finish_reason: length)"))
	}
	if resp.Model != "" {
		model = resp.Model
	}
	return &port.CompletionResponse{
		Text:         resp.Choices[0].Message.Content,
		Model:        model,
		Provider:     name,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		CostUSD:      provider.EstimateCost(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		Latency:      latency,
	}, nil
}
