package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"cellar/internal/port"
)

// circuitState tracks rate-limit backoff for a single provider.
type circuitState struct {
	mu      sync.RWMutex
	resetAt time.Time // zero value = closed (healthy)
}

func (c *circuitState) isOpenWithReset(now time.Time) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resetAt, !c.resetAt.IsZero() && now.Before(c.resetAt)
}

func (c *circuitState) open(resetAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetAt = resetAt
}

// FallbackProvider tries providers in order, skipping those whose circuit is
// open after a rate limit. It implements port.LLMProvider.
type FallbackProvider struct {
	providers []port.LLMProvider
	circuits  []*circuitState
	logger    *zap.Logger
	now       func() time.Time
}

// NewFallbackProvider creates a FallbackProvider from an ordered provider list.
func NewFallbackProvider(providers []port.LLMProvider, logger *zap.Logger) *FallbackProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	circuits := make([]*circuitState, len(providers))
	for i := range circuits {
		circuits[i] = &circuitState{}
	}
	return &FallbackProvider{
		providers: providers,
		circuits:  circuits,
		logger:    logger.Named("provider.fallback"),
		now:       time.Now,
	}
}

func (f *FallbackProvider) Name() string {
	names := make([]string, len(f.providers))
	for i, p := range f.providers {
		names[i] = p.Name()
	}
	return strings.Join(names, "|")
}

func (f *FallbackProvider) Complete(ctx context.Context, prompt string, opts port.CompletionOptions) (*port.CompletionResponse, error) {
	return f.try(func(p port.LLMProvider) (*port.CompletionResponse, error) {
		return p.Complete(ctx, prompt, opts)
	}, port.CapabilityText)
}

func (f *FallbackProvider) CompleteWithImage(ctx context.Context, prompt, imageBase64, mimeType string, opts port.CompletionOptions) (*port.CompletionResponse, error) {
	return f.try(func(p port.LLMProvider) (*port.CompletionResponse, error) {
		return p.CompleteWithImage(ctx, prompt, imageBase64, mimeType, opts)
	}, port.CapabilityVision)
}

// Stream falls over to the next provider only when a stream fails before its
// first delta; once text has been delivered the error is passed through.
func (f *FallbackProvider) Stream(ctx context.Context, req port.CompletionRequest) <-chan port.StreamEvent {
	out := make(chan port.StreamEvent, 16)
	go func() {
		defer close(out)
		var last error
		capable := false
		for i, p := range f.providers {
			if !p.SupportsCapability(port.CapabilityStreaming) {
				continue
			}
			capable = true
			if resetAt, open := f.circuits[i].isOpenWithReset(f.now()); open {
				f.logger.Debug("skipping provider, circuit open",
					zap.String("provider", p.Name()), zap.Time("reset_at", resetAt))
				continue
			}
			delivered := false
			for ev := range p.Stream(ctx, req) {
				if ev.Err != nil && !delivered {
					last = ev.Err
					f.noteFailure(i, p, ev.Err)
					continue
				}
				if ev.Delta != "" {
					delivered = true
				}
				if !Send(ctx, out, ev) {
					return
				}
				if ev.Done != nil || ev.Err != nil {
					return
				}
			}
			if delivered {
				return
			}
		}
		switch {
		case !capable:
			last = fmt.Errorf("no provider supports %s", port.CapabilityStreaming)
		case last == nil:
			last = f.allRateLimited()
		}
		Send(ctx, out, port.StreamEvent{Err: last})
	}()
	return out
}

func (f *FallbackProvider) SupportsCapability(name string) bool {
	for _, p := range f.providers {
		if p.SupportsCapability(name) {
			return true
		}
	}
	return false
}

func (f *FallbackProvider) IsHealthy(ctx context.Context) bool {
	now := f.now()
	for i, p := range f.providers {
		if _, open := f.circuits[i].isOpenWithReset(now); open {
			continue
		}
		if p.IsHealthy(ctx) {
			return true
		}
	}
	return false
}

func (f *FallbackProvider) try(call func(port.LLMProvider) (*port.CompletionResponse, error), capability string) (*port.CompletionResponse, error) {
	now := f.now()
	var lastErr error
	allRateLimited := true
	capable := false

	for i, p := range f.providers {
		if !p.SupportsCapability(capability) {
			continue
		}
		capable = true
		if resetAt, open := f.circuits[i].isOpenWithReset(now); open {
			f.logger.Debug("skipping provider, circuit open",
				zap.String("provider", p.Name()), zap.Time("reset_at", resetAt))
			continue
		}

		out, err := call(p)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !f.noteFailure(i, p, err) {
			allRateLimited = false
		}
	}

	if !capable {
		return nil, fmt.Errorf("no provider supports %s", capability)
	}
	if lastErr == nil || allRateLimited {
		return nil, f.allRateLimited()
	}
	return nil, fmt.Errorf("all providers failed: %w", lastErr)
}

// noteFailure logs a provider failure and opens its circuit on a rate limit.
// It reports whether the failure was a rate limit.
func (f *FallbackProvider) noteFailure(i int, p port.LLMProvider, err error) bool {
	f.logger.Warn("provider failed", zap.String("provider", p.Name()), zap.Error(err))
	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		return false
	}
	f.circuits[i].open(f.now().Add(rlErr.RetryAfter))
	return true
}

func (f *FallbackProvider) allRateLimited() error {
	now := f.now()
	var earliest time.Time
	for _, c := range f.circuits {
		if resetAt, open := c.isOpenWithReset(now); open && (earliest.IsZero() || resetAt.Before(earliest)) {
			earliest = resetAt
		}
	}
	retryAfter := earliest.Sub(now)
	if earliest.IsZero() || retryAfter < time.Second {
		retryAfter = time.Second
	}
	return NewRateLimitError("all", errors.New("all providers rate limited"), int(retryAfter.Seconds()))
}
