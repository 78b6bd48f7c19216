// Package identify turns user input into a wine identification by calling a
// tiered set of language models, and lets the user escalate to a stronger
// tier when the answer is uncertain.
package identify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"cellar/internal/domain"
	"cellar/internal/port"
	"cellar/internal/provider"
	"cellar/internal/stream"
)

// State is the controller's lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StateIdentifying State = "identifying"
	StateEscalating  State = "escalating"
	StateComplete    State = "complete"
	StateError       State = "error"
)

// StreamFields are the fields surfaced to the caller while a streamed
// response is still arriving.
var StreamFields = []string{
	"producer", "wineName", "vintage", "region", "appellation", "country",
	"wineType", "grapes", "confidence", "action", "candidates",
}

// TierSpec is the provider and call options used for one tier.
type TierSpec struct {
	Provider port.LLMProvider
	Options  port.CompletionOptions
}

// TierSet maps each configured tier to its provider.
type TierSet map[domain.Tier]TierSpec

// Config tunes scoring and retries.
type Config struct {
	EscalationThreshold float64
	MaxRetries          int
	RetryBaseDelay      time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{EscalationThreshold: 0.7, MaxRetries: 2, RetryBaseDelay: time.Second}
}

// ResultRecorder is told about every completed identification so it can be
// persisted without waiting for the debounce window.
type ResultRecorder interface {
	RecordIdentification(ctx context.Context, result *domain.IdentificationResult)
}

// Option configures a Controller.
type Option func(*Controller)

// WithRecorder registers r to receive completed results.
func WithRecorder(r ResultRecorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller runs identifications for a single session. Calls may overlap; a
// newer call supersedes any older one still in flight.
type Controller struct {
	tiers    TierSet
	cfg      Config
	logger   *zap.Logger
	recorder ResultRecorder
	now      func() time.Time

	mu         sync.Mutex
	generation uint64
	state      State
	result     *domain.IdentificationResult
	lastInput  Input
	lastErr    *AgentError
	partial    map[string]any
}

// NewController creates a Controller. Tier 1 must be present in tiers.
func NewController(tiers TierSet, cfg Config, logger *zap.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EscalationThreshold <= 0 {
		cfg.EscalationThreshold = DefaultConfig().EscalationThreshold
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultConfig().RetryBaseDelay
	}
	c := &Controller{
		tiers:   tiers,
		cfg:     cfg,
		logger:  logger.Named("identify"),
		now:     time.Now,
		state:   StateIdle,
		partial: make(map[string]any),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Result returns the latest successful result, or nil.
func (c *Controller) Result() *domain.IdentificationResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// LastError returns the error of the latest failed call, or nil.
func (c *Controller) LastError() *AgentError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// PartialFields returns the fields streamed by the latest call so far. They
// survive a failed stream.
func (c *Controller) PartialFields() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.partial))
	for k, v := range c.partial {
		out[k] = v
	}
	return out
}

// Reset discards all state and invalidates any call in flight.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.state = StateIdle
	c.result = nil
	c.lastInput = Input{}
	c.lastErr = nil
	c.partial = make(map[string]any)
}

// Resume seeds a fresh controller with a result restored from a snapshot so
// it can still be escalated. in is the input that produced the result.
func (c *Controller) Resume(result *domain.IdentificationResult, in Input) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.result = result
	c.lastInput = in
	c.lastErr = nil
	c.state = StateIdle
	if result != nil {
		c.state = StateComplete
	}
}

// Identify runs a tier 1 identification and waits for the full response.
func (c *Controller) Identify(ctx context.Context, in Input) (*domain.IdentificationResult, error) {
	if err := in.Validate(); err != nil {
		return nil, ToAgentError(err)
	}
	spec, ok := c.tiers[domain.Tier1]
	if !ok {
		return nil, fmt.Errorf("identify: tier 1 is not configured")
	}

	gen := c.begin(StateIdentifying, in, true)
	resp, err := c.complete(ctx, spec, BuildPrompt(in), in)
	if err != nil {
		return nil, c.fail(gen, err)
	}
	fields, err := parseFields(resp)
	if err != nil {
		return nil, c.fail(gen, err)
	}
	return c.finish(ctx, gen, c.buildResult(fields, in, domain.Tier1, c.attempt(domain.Tier1, resp), nil, 0))
}

// IdentifyStream runs a tier 1 identification over a streaming call. onField
// is invoked for each key field as soon as it is complete in the stream.
func (c *Controller) IdentifyStream(ctx context.Context, in Input, onField func(stream.FieldEvent)) (*domain.IdentificationResult, error) {
	if err := in.Validate(); err != nil {
		return nil, ToAgentError(err)
	}
	spec, ok := c.tiers[domain.Tier1]
	if !ok {
		return nil, fmt.Errorf("identify: tier 1 is not configured")
	}

	gen := c.begin(StateIdentifying, in, true)
	det := stream.NewDetector()
	det.SetTargetFields(StreamFields...)
	req := port.CompletionRequest{
		Prompt:      BuildPrompt(in),
		ImageBase64: in.ImageBase64,
		MimeType:    in.MimeType,
		Options:     spec.Options,
	}

	var done *port.CompletionResponse
	op := func() error {
		started := false
		for ev := range spec.Provider.Stream(ctx, req) {
			switch {
			case ev.Err != nil:
				if started || !domain.IsRetryable(ev.Err) {
					return backoff.Permanent(ev.Err)
				}
				return ev.Err
			case ev.Done != nil:
				done = ev.Done
			case ev.Delta != "":
				started = true
				for fe := range det.ProcessChunk(ev.Delta) {
					if c.notePartial(gen, fe) && onField != nil {
						onField(fe)
					}
				}
			}
		}
		if done == nil {
			if err := ctx.Err(); err != nil {
				return backoff.Permanent(err)
			}
			return backoff.Permanent(&domain.ProviderError{Provider: "stream", Err: errors.New("stream ended without completion")})
		}
		return nil
	}
	if err := c.retry(ctx, op); err != nil {
		return nil, c.fail(gen, err)
	}

	fields, ok := det.TryParseComplete()
	if ok {
		dropNulls(fields)
	} else {
		fields = det.Fields()
		if len(fields) == 0 {
			return nil, c.fail(gen, provider.Malformed(done.Provider, det.Buffer(), errors.New("no JSON object in stream")))
		}
		c.logger.Warn("final parse failed, using streamed fields", zap.Int("fields", len(fields)))
	}
	if done.Text == "" {
		done.Text = det.Buffer()
	}
	return c.finish(ctx, gen, c.buildResult(fields, in, domain.Tier1, c.attempt(domain.Tier1, done), nil, 0))
}

// Escalate re-runs the identification on the next configured tier with the
// prior result as context. A zero input reuses the input of the last call.
// On failure the prior result is kept.
func (c *Controller) Escalate(ctx context.Context, in Input) (*domain.IdentificationResult, error) {
	c.mu.Lock()
	prior := c.result
	if in.IsZero() {
		in = c.lastInput
	}
	c.mu.Unlock()

	if prior == nil {
		return nil, domain.ErrNoResult
	}
	next, ok := c.nextTier(prior.TierUsed)
	if !ok {
		return nil, domain.ErrNoHigherTier
	}
	spec := c.tiers[next]

	gen := c.begin(StateEscalating, in, false)
	c.logger.Info("escalating identification",
		zap.Int("from_tier", int(prior.TierUsed)), zap.Int("to_tier", int(next)),
		zap.Float64("prior_confidence", prior.Confidence))

	resp, err := c.complete(ctx, spec, BuildEscalationPrompt(in, prior, next), in)
	if err != nil {
		return nil, c.fail(gen, err)
	}
	fields, err := parseFields(resp)
	if err != nil {
		return nil, c.fail(gen, err)
	}
	merged, provenance, agreed := mergeEscalation(prior.ParsedFields, fields)
	result := c.buildResult(merged, in, next, c.attempt(next, resp), prior, agreed)
	result.FieldProvenance = provenance
	return c.finish(ctx, gen, result)
}

func (c *Controller) nextTier(t domain.Tier) (domain.Tier, bool) {
	next, ok := t.Next()
	if !ok {
		return t, false
	}
	if _, configured := c.tiers[next]; !configured {
		return t, false
	}
	return next, true
}

// begin starts a new generation. Everything tagged with an older generation
// is discarded when it completes.
func (c *Controller) begin(state State, in Input, clearResult bool) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.state = state
	c.lastInput = in
	c.lastErr = nil
	c.partial = make(map[string]any)
	if clearResult {
		c.result = nil
	}
	return c.generation
}

func (c *Controller) notePartial(gen uint64, fe stream.FieldEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return false
	}
	c.partial[fe.Name] = fe.Value
	return true
}

func (c *Controller) fail(gen uint64, err error) error {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return domain.ErrSuperseded
	}
	agentErr := ToAgentError(err)
	c.state = StateError
	c.lastErr = agentErr
	c.mu.Unlock()

	c.logger.Warn("identification failed",
		zap.String("type", string(agentErr.Type)),
		zap.Bool("retryable", agentErr.Retryable),
		zap.String("support_ref", agentErr.SupportRef),
		zap.Error(err))
	return agentErr
}

func (c *Controller) finish(ctx context.Context, gen uint64, result *domain.IdentificationResult) (*domain.IdentificationResult, error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		c.logger.Debug("discarding superseded result", zap.Uint64("generation", gen))
		return nil, domain.ErrSuperseded
	}
	c.result = result
	c.state = StateComplete
	c.mu.Unlock()

	c.logger.Info("identification complete",
		zap.Int("tier", int(result.TierUsed)),
		zap.Float64("confidence", result.Confidence),
		zap.String("action", result.Action),
		zap.Bool("escalation_suggested", result.EscalationSuggested),
		zap.Float64("cost_usd", result.CostUSD))
	if c.recorder != nil {
		c.recorder.RecordIdentification(ctx, result)
	}
	return result, nil
}

func (c *Controller) complete(ctx context.Context, spec TierSpec, prompt string, in Input) (*port.CompletionResponse, error) {
	var resp *port.CompletionResponse
	op := func() error {
		var err error
		if in.HasImage() {
			resp, err = spec.Provider.CompleteWithImage(ctx, prompt, in.ImageBase64, in.MimeType, spec.Options)
		} else {
			resp, err = spec.Provider.Complete(ctx, prompt, spec.Options)
		}
		if err != nil && !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := c.retry(ctx, op); err != nil {
		return nil, err
	}
	return resp, nil
}

// retry runs op with MaxRetries extra attempts on retryable errors, doubling
// the delay each time.
func (c *Controller) retry(ctx context.Context, op backoff.Operation) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryBaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.cfg.RetryBaseDelay << 4
	b.MaxElapsedTime = 0
	b.Reset()

	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(0, c.cfg.MaxRetries))), ctx)
	return backoff.RetryNotify(op, bo, func(err error, wait time.Duration) {
		c.logger.Info("retrying provider call", zap.Duration("wait", wait), zap.Error(err))
	})
}

func (c *Controller) attempt(tier domain.Tier, resp *port.CompletionResponse) domain.TierAttempt {
	cost := resp.CostUSD
	if cost == 0 {
		cost = provider.EstimateCost(resp.Model, resp.InputTokens, resp.OutputTokens)
	}
	return domain.TierAttempt{
		Tier:     tier,
		Provider: resp.Provider,
		Model:    resp.Model,
		CostUSD:  cost,
		Latency:  resp.Latency,
	}
}

// buildResult scores fields and assembles a new result. With a prior result
// the cost and attempts accumulate.
func (c *Controller) buildResult(fields map[string]any, in Input, tier domain.Tier, attempt domain.TierAttempt,
	prior *domain.IdentificationResult, agreed int) *domain.IdentificationResult {
	now := c.now()
	inferences := applyInferences(fields, in.Text, now)
	conf := boostForAgreement(scoreConfidence(fields), agreed)
	attempt.Confidence = conf

	r := &domain.IdentificationResult{
		ParsedFields:      fields,
		Confidence:        conf,
		TierUsed:          tier,
		CostUSD:           attempt.CostUSD,
		InferencesApplied: inferences,
		Action:            actionOf(fields),
		Candidates:        candidatesOf(fields),
		Attempts:          []domain.TierAttempt{attempt},
		InputType:         in.Type(),
		CompletedAt:       now,
	}
	if prior != nil {
		r.CostUSD += prior.CostUSD
		r.Attempts = append(slices.Clone(prior.Attempts), attempt)
	}
	if _, higher := c.nextTier(tier); higher {
		r.EscalationSuggested = needsUserChoice(fields) || conf < c.cfg.EscalationThreshold
	}
	return r
}

func parseFields(resp *port.CompletionResponse) (map[string]any, error) {
	obj := stream.ExtractObject(resp.Text)
	if obj == "" {
		return nil, provider.Malformed(resp.Provider, resp.Text, errors.New("no JSON object in response"))
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(obj), &fields); err != nil {
		return nil, provider.Malformed(resp.Provider, resp.Text, err)
	}
	dropNulls(fields)
	return fields, nil
}

func dropNulls(fields map[string]any) {
	for k, v := range fields {
		if v == nil {
			delete(fields, k)
		}
	}
}
