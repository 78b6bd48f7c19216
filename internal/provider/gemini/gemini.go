// Package gemini implements port.LLMProvider with the Google GenAI SDK.
package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"cellar/internal/config"
	"cellar/internal/port"
	"cellar/internal/provider"
)

const name = "gemini"

// Provider implements port.LLMProvider using Gemini models.
type Provider struct {
	client *genai.Client
	model  string
}

// Factory adapts New to provider.Factory.
func Factory(cfg *config.ProviderConfig) (port.LLMProvider, error) {
	return New(context.Background(), cfg)
}

// New creates a Gemini provider. cfg.Endpoint overrides the API base URL.
func New(ctx context.Context, cfg *config.ProviderConfig) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "gemini-2.5-flash"
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: timeout},
	}
	if cfg.Endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &Provider{client: client, model: model}, nil
}

func (p *Provider) Name() string { return name }

func (p *Provider) SupportsCapability(c string) bool {
	switch c {
	case port.CapabilityText, port.CapabilityVision, port.CapabilityStreaming,
		port.CapabilityJSONMode, port.CapabilityWebSearch:
		return true
	}
	return false
}

func (p *Provider) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := p.client.Models.Get(ctx, p.model, nil)
	return err == nil
}

func (p *Provider) Complete(ctx context.Context, prompt string, opts port.CompletionOptions) (*port.CompletionResponse, error) {
	return p.complete(ctx, port.CompletionRequest{Prompt: prompt, Options: opts})
}

func (p *Provider) CompleteWithImage(ctx context.Context, prompt, imageBase64, mimeType string, opts port.CompletionOptions) (*port.CompletionResponse, error) {
	return p.complete(ctx, port.CompletionRequest{Prompt: prompt, ImageBase64: imageBase64, MimeType: mimeType, Options: opts})
}

func (p *Provider) complete(ctx context.Context, in port.CompletionRequest) (*port.CompletionResponse, error) {
	contents, err := buildContents(in)
	if err != nil {
		return nil, err
	}
	model := p.modelFor(in.Options)
	start := time.Now()

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, generationConfig(in.Options))
	if err != nil {
		return nil, mapError(err)
	}

	text := resp.Text()
	if text == "" {
		return nil, provider.Malformed(name, "", fmt.Errorf("empty response from API"))
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens {
		return nil, provider.Malformed(name, text, fmt.Errorf("output truncated (finish_reason: MAX_TOKENS)"))
	}
	out := &port.CompletionResponse{
		Text:     text,
		Model:    model,
		Provider: name,
		Latency:  time.Since(start),
	}
	applyUsage(out, resp)
	return out, nil
}

// Stream forwards the text of every streamed response chunk.
func (p *Provider) Stream(ctx context.Context, in port.CompletionRequest) <-chan port.StreamEvent {
	out := make(chan port.StreamEvent, 16)
	go func() {
		defer close(out)
		contents, err := buildContents(in)
		if err != nil {
			provider.Send(ctx, out, port.StreamEvent{Err: err})
			return
		}
		model := p.modelFor(in.Options)
		start := time.Now()
		final := &port.CompletionResponse{Model: model, Provider: name}
		var text strings.Builder

		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, generationConfig(in.Options)) {
			if err != nil {
				provider.Send(ctx, out, port.StreamEvent{Err: mapError(err)})
				return
			}
			applyUsage(final, resp)
			delta := resp.Text()
			if delta == "" {
				continue
			}
			text.WriteString(delta)
			if !provider.Send(ctx, out, port.StreamEvent{Delta: delta}) {
				return
			}
		}
		final.Text = text.String()
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

func buildContents(in port.CompletionRequest) ([]*genai.Content, error) {
	if !in.HasImage() {
		return []*genai.Content{genai.NewContentFromText(in.Prompt, genai.RoleUser)}, nil
	}
	data, err := base64.StdEncoding.DecodeString(in.ImageBase64)
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	parts := []*genai.Part{
		genai.NewPartFromBytes(data, in.MimeType),
		genai.NewPartFromText(in.Prompt),
	}
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, nil
}

// generationConfig maps options onto the SDK config. Search grounding cannot
// be combined with a JSON response MIME type, so grounding wins.
func generationConfig(opts port.CompletionOptions) *genai.GenerateContentConfig {
	gc := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(opts.Temperature)),
	}
	if opts.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(opts.MaxTokens)
	}
	switch {
	case opts.EnableSearch:
		gc.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	case opts.JSONResponse:
		gc.ResponseMIMEType = "application/json"
	}
	return gc
}

func applyUsage(out *port.CompletionResponse, resp *genai.GenerateContentResponse) {
	if resp == nil || resp.UsageMetadata == nil {
		return
	}
	out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
	out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	out.CostUSD = provider.EstimateCost(out.Model, out.InputTokens, out.OutputTokens)
}

func mapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return provider.StatusError(name, apiErr.Code, http.Header{}, []byte(apiErr.Message))
	}
	return provider.TransportError(name, err)
}
