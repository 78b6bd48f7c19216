package conversation

import (
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"

	"cellar/internal/domain"
)

// Snapshot is the persisted form of a session. A version change invalidates
// every older snapshot.
type Snapshot struct {
	Version              int                          `json:"version"`
	SessionID            string                       `json:"sessionId"`
	Messages             []Message                    `json:"messages"`
	NextMessageID        int64                        `json:"nextMessageId"`
	Phase                Phase                        `json:"phase"`
	AddWineStep          AddStep                      `json:"addWineStep,omitempty"`
	IdentificationResult *domain.IdentificationResult `json:"identificationResult,omitempty"`
	AugmentationContext  *AugmentationContext         `json:"augmentationContext,omitempty"`
	EnrichmentData       map[string]any               `json:"enrichmentData,omitempty"`
	AddWineState         *AddWineState                `json:"addWineState,omitempty"`
	ImageData            *ImageData                   `json:"imageData,omitempty"`
	LastActivityAt       time.Time                    `json:"lastActivityAt"`
}

// Snapshot returns the session's current snapshot.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		Version:              s.opts.SnapshotVersion,
		SessionID:            s.id,
		Messages:             slices.Clone(s.messages),
		NextMessageID:        s.nextID,
		Phase:                s.phase,
		AddWineStep:          s.step,
		IdentificationResult: s.result,
		AugmentationContext:  s.augmentation,
		EnrichmentData:       maps.Clone(s.enrichment),
		ImageData:            s.image,
		LastActivityAt:       s.lastActivity,
	}
	if s.addState != nil {
		st := *s.addState
		snap.AddWineState = &st
	}
	return snap
}

// Expired reports whether the snapshot was idle longer than timeout.
func (snap Snapshot) Expired(timeout time.Duration, now time.Time) bool {
	return now.Sub(snap.LastActivityAt) > timeout
}

// Sanitize rewrites phases that mean a request was in flight, since that
// request cannot be resumed, and drops add-flow data that no longer fits the
// phase.
func (snap Snapshot) Sanitize() Snapshot {
	out := snap
	switch out.Phase {
	case PhaseIdentifying:
		out.Phase = PhaseAwaitingInput
		if out.AugmentationContext != nil {
			out.Phase = PhaseAwaitingAugmentation
		}
	case PhaseEscalating:
		out.Phase = PhaseAwaitingInput
		if out.IdentificationResult != nil {
			out.Phase = PhaseResultConfirm
		}
	case PhaseEnriching, PhaseSubmitting:
		out.Phase = PhaseAddingBottle
		out.AddWineStep = StepBottlePart2
	}
	if !out.Phase.Valid() {
		out.Phase = PhaseAwaitingInput
	}

	if out.Phase.IsAdding() && out.AddWineState == nil {
		out.Phase = PhaseAwaitingInput
	}
	if out.Phase.IsAdding() && !out.AddWineStep.Valid() {
		out.AddWineStep = StepRegion
	}
	if !out.Phase.IsAdding() && out.Phase != PhaseConfirmNewSearch {
		out.AddWineStep = StepNone
		out.AddWineState = nil
	}
	return out
}

// Restore rebuilds a session from a snapshot. The snapshot is sanitized first.
func Restore(snap Snapshot, opts Options, logger *zap.Logger, persister Persister) *Session {
	snap = snap.Sanitize()
	s := NewSession(snap.SessionID, opts, logger, persister)
	s.phase = snap.Phase
	s.step = snap.AddWineStep
	s.messages = slices.Clone(snap.Messages)
	s.nextID = snap.NextMessageID
	for _, m := range s.messages {
		s.nextID = max(s.nextID, m.ID)
	}
	s.result = snap.IdentificationResult
	s.augmentation = snap.AugmentationContext
	s.enrichment = maps.Clone(snap.EnrichmentData)
	s.image = snap.ImageData
	if snap.AddWineState != nil {
		st := *snap.AddWineState
		s.addState = &st
	}
	if !snap.LastActivityAt.IsZero() {
		s.lastActivity = snap.LastActivityAt
	}
	return s
}
