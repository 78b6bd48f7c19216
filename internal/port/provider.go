package port

import (
	"context"
	"time"
)

// Provider capabilities.
const (
	CapabilityText      = "text"
	CapabilityVision    = "vision"
	CapabilityStreaming = "streaming"
	CapabilityJSONMode  = "json_mode"
	CapabilityWebSearch = "web_search"
)

// CompletionOptions tune a single model call.
type CompletionOptions struct {
	Model        string
	MaxTokens    int
	Temperature  float64
	JSONResponse bool
	EnableSearch bool
}

// CompletionResponse is the full text a provider returned plus its usage.
type CompletionResponse struct {
	Text         string
	Model        string
	Provider     string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Latency      time.Duration
}

// CompletionRequest is a streaming request. Image fields are empty for text.
type CompletionRequest struct {
	Prompt      string
	ImageBase64 string
	MimeType    string
	Options     CompletionOptions
}

// HasImage reports whether the request carries an image.
func (r CompletionRequest) HasImage() bool {
	return r.ImageBase64 != ""
}

// StreamEvent carries one text delta. The final event has Done set (success)
// or Err set (failure); the channel is closed after it.
type StreamEvent struct {
	Delta string
	Done  *CompletionResponse
	Err   error
}

// LLMProvider abstracts a language-model vendor.
type LLMProvider interface {
	Name() string
	Complete(ctx context.Context, prompt string, opts CompletionOptions) (*CompletionResponse, error)
	CompleteWithImage(ctx context.Context, prompt, imageBase64, mimeType string, opts CompletionOptions) (*CompletionResponse, error)
	Stream(ctx context.Context, req CompletionRequest) <-chan StreamEvent
	SupportsCapability(name string) bool
	IsHealthy(ctx context.Context) bool
}
