// Package claude implements port.LLMProvider on the Anthropic Messages API.
package claude

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
	name       = "claude"
	apiURL     = "https://api.anthropic.com/v1/messages"
	apiVersion = "2023-06-01"
)

var supportedImages = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

// Provider implements port.LLMProvider using the Anthropic Messages API.
type Provider struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// Factory adapts New to provider.Factory.
func Factory(cfg *config.ProviderConfig) (port.LLMProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("claude: api key is required")
	}
	return New(cfg), nil
}

// New creates a Claude provider. cfg.Endpoint overrides the API URL.
func New(cfg *config.ProviderConfig) *Provider {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = apiURL
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "claude-sonnet-4-20250514"
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
	case port.CapabilityText, port.CapabilityVision, port.CapabilityStreaming, port.CapabilityWebSearch:
		return true
	}
	return false
}

// IsHealthy lists models, which needs a valid key but costs nothing.
func (p *Provider) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	url := strings.TrimSuffix(p.endpoint, "/messages") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return false
	}
	p.setHeaders(req)
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

// Stream sends the request with "stream": true and forwards text deltas.
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
		err = provider.ReadSSE(resp.Body, func(event, data string) error {
			var ev streamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return provider.Malformed(name, data, err)
			}
			switch ev.Type {
			case "message_start":
				final.InputTokens = ev.Message.Usage.InputTokens
				if ev.Message.Model != "" {
					final.Model = ev.Message.Model
				}
			case "content_block_delta":
				if ev.Delta.Type != "text_delta" || ev.Delta.Text == "" {
					return nil
				}
				text.WriteString(ev.Delta.Text)
				if !provider.Send(ctx, out, port.StreamEvent{Delta: ev.Delta.Text}) {
					return ctx.Err()
				}
			case "message_delta":
				final.OutputTokens = ev.Usage.OutputTokens
			case "message_stop":
				return provider.ErrStopSSE
			case "error":
				return &domain.ProviderError{Provider: name, Retryable: ev.Error.Type == "overloaded_error",
					Err: fmt.Errorf("%s: %s", ev.Error.Type, ev.Error.Message)}
			}
			return nil
		})
		if err != nil {
			provider.Send(ctx, out, port.StreamEvent{Err: streamErr(err)})
			return
		}
		final.Text = text.String()
		final.CostUSD = provider.EstimateCost(final.Model, final.InputTokens, final.OutputTokens)
		final.Latency = time.Since(start)
		provider.Send(ctx, out, port.StreamEvent{Done: final})
	}()
	return out
}

func streamErr(err error) error {
	var pErr *domain.ProviderError
	var mErr *domain.MalformedResponseError
	if errors.As(err, &pErr) || errors.As(err, &mErr) {
		return err
	}
	return provider.TransportError(name, err)
}

func (p *Provider) modelFor(opts port.CompletionOptions) string {
	if opts.Model != "" {
		return opts.Model
	}
	return p.model
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
}

func (p *Provider) send(ctx context.Context, in port.CompletionRequest, stream bool) (*http.Response, error) {
	blocks, err := buildContentBlocks(in)
	if err != nil {
		return nil, err
	}
	maxTokens := in.Options.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	reqBody := map[string]interface{}{
		"model":       p.modelFor(in.Options),
		"max_tokens":  maxTokens,
		"temperature": in.Options.Temperature,
		"messages": []map[string]interface{}{
			{"role": "user", "content": blocks},
		},
	}
	if stream {
		reqBody["stream"] = true
	}
	if in.Options.EnableSearch {
		reqBody["tools"] = []map[string]interface{}{
			{"type": "web_search_20250305", "name": "web_search", "max_uses": 3},
		}
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	p.setHeaders(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, provider.TransportError(name, fmt.Errorf("calling anthropic API: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)
		return nil, provider.StatusError(name, resp.StatusCode, resp.Header, body)
	}
	return resp, nil
}

func buildContentBlocks(in port.CompletionRequest) ([]map[string]interface{}, error) {
	var blocks []map[string]interface{}
	if in.HasImage() {
		if !supportedImages[in.MimeType] {
			return nil, fmt.Errorf("claude: %w: %s", domain.ErrUnsupportedImage, in.MimeType)
		}
		blocks = append(blocks, map[string]interface{}{
			"type": "image",
			"source": map[string]interface{}{
				"type":       "base64",
				"media_type": in.MimeType,
				"data":       in.ImageBase64,
			},
		})
	}
	blocks = append(blocks, map[string]interface{}{
		"type": "text",
		"text": in.Prompt,
	})
	return blocks, nil
}

// apiResponse models the Anthropic Messages API response.
type apiResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      usage  `json:"usage"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type    string `json:"type"`
	Message struct {
		Model string `json:"model"`
		Usage usage  `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage usage `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func parseResponse(body []byte, model string, latency time.Duration) (*port.CompletionResponse, error) {
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, provider.Malformed(name, string(body), fmt.Errorf("unmarshaling response: %w", err))
	}

	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	if text.Len() == 0 {
		return nil, provider.Malformed(name, string(body), fmt.Errorf("empty response from API"))
	}
	if resp.StopReason == "max_tokens" {
		return nil, provider.Malformed(name, text.String(), fmt.Errorf("output truncated (stop_reason: max_tokens)"))
	}
	if resp.Model != "" {
		model = resp.Model
	}

	return &port.CompletionResponse{
		Text:         text.String(),
		Model:        model,
		Provider:     name,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostUSD:      provider.EstimateCost(model, resp.Usage.InputTokens, resp.Usage.OutputTokens),
		Latency:      latency,
	}, nil
}
