// Package conversation holds the state of one add-to-cellar conversation:
// its phase, the add-flow sub-state, the message list and everything a
// snapshot needs to resume it.
package conversation

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"cellar/internal/domain"
)

// Priority selects how urgently a snapshot is written.
type Priority int

const (
	PersistDebounced Priority = iota
	PersistImmediate
)

func (p Priority) String() string {
	if p == PersistImmediate {
		return "immediate"
	}
	return "debounced"
}

// Persister receives a snapshot after every mutation. Save must not block.
type Persister interface {
	Save(snap Snapshot, p Priority)
}

// Options tune a session.
type Options struct {
	StrictTransitions bool
	MaxMessages       int
	PacingDelay       time.Duration
	Timeout           time.Duration
	SnapshotVersion   int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxMessages:     30,
		PacingDelay:     500 * time.Millisecond,
		Timeout:         30 * time.Minute,
		SnapshotVersion: 1,
	}
}

// AugmentationContext remembers what the user originally asked when the agent
// asks for more detail, so the follow-up can be combined with it.
type AugmentationContext struct {
	OriginalText  string   `json:"originalText,omitempty"`
	HadImage      bool     `json:"hadImage,omitempty"`
	MissingFields []string `json:"missingFields,omitempty"`
}

// ImageData is the label photo of the current identification.
type ImageData struct {
	Base64   string `json:"base64"`
	MimeType string `json:"mimeType"`
}

// PendingDuplicate is a duplicate check waiting for the user's decision.
type PendingDuplicate struct {
	Type   domain.EntityType           `json:"type"`
	Name   string                      `json:"name"`
	Result domain.DuplicateCheckResult `json:"result"`
}

// AddWineState is what the add flow has collected so far.
type AddWineState struct {
	Region   domain.EntityDraft   `json:"region"`
	Producer domain.EntityDraft   `json:"producer"`
	Wine     domain.WineDraft     `json:"wine"`
	Bottle   domain.BottleDetails `json:"bottle"`
	Pending  *PendingDuplicate    `json:"pending,omitempty"`
}

// Session is one conversation. All methods are safe for concurrent use.
type Session struct {
	id        string
	opts      Options
	logger    *zap.Logger
	persister Persister
	now       func() time.Time

	mu           sync.Mutex
	phase        Phase
	step         AddStep
	messages     []Message
	nextID       int64
	result       *domain.IdentificationResult
	augmentation *AugmentationContext
	enrichment   map[string]any
	image        *ImageData
	addState     *AddWineState
	lastActivity time.Time

	// tail is closed once the most recently queued delayed append finishes.
	tail chan struct{}
}

// NewSession starts a conversation in the greeting phase. persister may be nil.
func NewSession(id string, opts Options, logger *zap.Logger, persister Persister) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = def.MaxMessages
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.SnapshotVersion <= 0 {
		opts.SnapshotVersion = def.SnapshotVersion
	}
	tail := make(chan struct{})
	close(tail)
	return &Session{
		id:           id,
		opts:         opts,
		logger:       logger.Named("conversation").With(zap.String("session_id", id)),
		persister:    persister,
		now:          time.Now,
		phase:        PhaseGreeting,
		lastActivity: time.Now(),
		tail:         tail,
	}
}

func (s *Session) ID() string {
	return s.id
}

// SetPersister attaches the snapshot writer.
func (s *Session) SetPersister(p Persister) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persister = p
}

// mutate runs fn under the lock and, if it succeeds, records activity and
// hands the new snapshot to the persister.
func (s *Session) mutate(p Priority, fn func() error) error {
	s.mu.Lock()
	if err := fn(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.lastActivity = s.now()
	snap := s.snapshotLocked()
	persister := s.persister
	s.mu.Unlock()

	if persister != nil {
		persister.Save(snap, p)
	}
	return nil
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) AddStep() AddStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// SetPhase moves to target, optionally at an add-flow step. Illegal moves
// return *domain.InvalidTransitionError in strict mode; otherwise they are
// logged and applied.
func (s *Session) SetPhase(target Phase, step ...AddStep) error {
	return s.mutate(PersistDebounced, func() error {
		return s.setPhaseLocked(target, step...)
	})
}

func (s *Session) setPhaseLocked(target Phase, step ...AddStep) error {
	var next AddStep
	if len(step) > 0 {
		next = step[0]
	}

	from := s.phase
	legal := CanTransition(from, target)
	if next != StepNone && (!target.IsAdding() || !next.Valid()) {
		legal = false
	}
	if !legal {
		err := &domain.InvalidTransitionError{From: string(from), To: transitionLabel(target, next)}
		if s.opts.StrictTransitions || !target.Valid() {
			return err
		}
		// Lenient mode fails open: the move is applied and only logged.
		s.logger.Warn("applying invalid phase transition", zap.Error(err))
	}

	s.phase = target
	switch {
	case target.IsAdding():
		if next.Valid() {
			s.step = next
		} else if s.step == StepNone {
			s.step = StepRegion
		}
		if s.addState == nil {
			s.addState = &AddWineState{}
		}
	case target == PhaseConfirmNewSearch:
		// The confirmation dialog can be cancelled back into the add flow.
	default:
		s.step = StepNone
		s.addState = nil
	}
	s.logger.Debug("phase changed", zap.String("from", string(from)), zap.String("to", string(target)),
		zap.String("step", string(s.step)))
	return nil
}

func transitionLabel(p Phase, step AddStep) string {
	if step == StepNone {
		return string(p)
	}
	return fmt.Sprintf("%s/%s", p, step)
}

// AddMessage appends a message, disabling every earlier interactive message
// and trimming the oldest beyond the cap.
func (s *Session) AddMessage(role Role, content Content) Message {
	var msg Message
	_ = s.mutate(PersistDebounced, func() error {
		msg = s.appendLocked(role, content)
		return nil
	})
	return msg
}

func (s *Session) appendLocked(role Role, content Content) Message {
	for i := range s.messages {
		if s.messages[i].Interactive() {
			s.messages[i].Disabled = true
		}
	}
	s.nextID++
	msg := Message{ID: s.nextID, Role: role, Content: content, CreatedAt: s.now()}
	s.messages = append(s.messages, msg)
	if over := len(s.messages) - s.opts.MaxMessages; over > 0 {
		s.messages = slices.Clone(s.messages[over:])
	}
	return msg
}

// AddMessageWithDelay appends like AddMessage, pausing first when an agent
// message directly follows another agent message that was not chips. Calls
// are applied in the order they were made.
func (s *Session) AddMessageWithDelay(ctx context.Context, role Role, content Content) (Message, error) {
	done := make(chan struct{})
	s.mu.Lock()
	prev := s.tail
	s.tail = done
	s.mu.Unlock()

	select {
	case <-prev:
	case <-ctx.Done():
		go func() {
			<-prev
			close(done)
		}()
		return Message{}, ctx.Err()
	}
	defer close(done)

	if s.needsPacing(role) && s.opts.PacingDelay > 0 {
		timer := time.NewTimer(s.opts.PacingDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
	return s.AddMessage(role, content), nil
}

func (s *Session) needsPacing(role Role) bool {
	if role != RoleAgent {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return false
	}
	last := s.messages[len(s.messages)-1]
	return last.Role == RoleAgent && last.Kind() != KindChips
}

// Messages returns a copy of the message list, oldest first.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// RecordIdentification stores a completed identification and persists at once.
func (s *Session) RecordIdentification(_ context.Context, result *domain.IdentificationResult) {
	_ = s.mutate(PersistImmediate, func() error {
		s.result = result
		return nil
	})
}

func (s *Session) Result() *domain.IdentificationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// SetAugmentationContext stores (or with nil clears) the pending request for
// more detail and persists at once.
func (s *Session) SetAugmentationContext(ac *AugmentationContext) {
	_ = s.mutate(PersistImmediate, func() error {
		s.augmentation = ac
		return nil
	})
}

func (s *Session) AugmentationContext() *AugmentationContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.augmentation
}

func (s *Session) SetImage(img *ImageData) {
	_ = s.mutate(PersistDebounced, func() error {
		s.image = img
		return nil
	})
}

func (s *Session) Image() *ImageData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.image
}

func (s *Session) SetEnrichment(data map[string]any) {
	_ = s.mutate(PersistDebounced, func() error {
		s.enrichment = data
		return nil
	})
}

func (s *Session) Enrichment() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enrichment
}

// ConfirmNewSearch abandons the current wine and returns to awaiting input.
// It persists at once so a reload cannot resurrect the abandoned wine.
func (s *Session) ConfirmNewSearch() error {
	return s.mutate(PersistImmediate, func() error {
		if err := s.setPhaseLocked(PhaseAwaitingInput); err != nil {
			return err
		}
		s.result = nil
		s.augmentation = nil
		s.enrichment = nil
		s.image = nil
		s.addState = nil
		s.step = StepNone
		return nil
	})
}

// Touch records user activity without changing state.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = s.now()
}

// LastActivity returns the time of the latest mutation or Touch.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Expired reports whether the session has been inactive longer than the timeout.
func (s *Session) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity) > s.opts.Timeout
}
