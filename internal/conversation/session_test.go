package conversation_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"cellar/internal/conversation"
	"cellar/internal/domain"
)

type recordingPersister struct {
	mu         sync.Mutex
	priorities []conversation.Priority
	last       conversation.Snapshot
}

func (p *recordingPersister) Save(snap conversation.Snapshot, pr conversation.Priority) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priorities = append(p.priorities, pr)
	p.last = snap
}

func (p *recordingPersister) lastPriority() conversation.Priority {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.priorities[len(p.priorities)-1]
}

func (p *recordingPersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.priorities)
}

func newSession(strict bool) (*conversation.Session, *recordingPersister) {
	opts := conversation.DefaultOptions()
	opts.StrictTransitions = strict
	opts.PacingDelay = 0
	p := &recordingPersister{}
	return conversation.NewSession("s-1", opts, zap.NewNop(), p), p
}

func text(s string) conversation.TextContent {
	return conversation.TextContent{Text: s}
}

func TestAddMessage_KeepsLast30(t *testing.T) {
	s, _ := newSession(true)
	for i := 1; i <= 31; i++ {
		s.AddMessage(conversation.RoleUser, text(fmt.Sprintf("message %d", i)))
	}

	msgs := s.Messages()
	require.Len(t, msgs, 30)
	assert.Equal(t, "message 2", msgs[0].PlainText())
	assert.Equal(t, int64(2), msgs[0].ID)
	assert.Equal(t, int64(31), msgs[29].ID)
}

func TestAddMessage_DisablesEarlierInteractiveMessages(t *testing.T) {
	s, _ := newSession(true)
	s.AddMessage(conversation.RoleAgent, conversation.ChipsContent{Chips: []conversation.Chip{{ID: "add", Label: "Add to cellar"}}})
	s.AddMessage(conversation.RoleAgent, conversation.ErrorContent{Message: "try again", Retryable: true})
	s.AddMessage(conversation.RoleAgent, conversation.ErrorContent{Message: "fatal"})
	s.AddMessage(conversation.RoleUser, text("hi"))

	msgs := s.Messages()
	assert.True(t, msgs[0].Disabled)
	assert.True(t, msgs[1].Disabled)
	assert.False(t, msgs[2].Disabled, "non-retryable errors were never interactive")
	assert.False(t, msgs[3].Disabled)
	for _, m := range msgs {
		assert.False(t, m.Interactive())
	}
}

func TestSetPhase_StrictRejectsIllegalTransition(t *testing.T) {
	s, p := newSession(true)

	err := s.SetPhase(conversation.PhaseSubmitting)

	var tErr *domain.InvalidTransitionError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, "greeting", tErr.From)
	assert.Equal(t, "submitting", tErr.To)
	assert.Equal(t, conversation.PhaseGreeting, s.Phase())
	assert.Equal(t, 0, p.count())
}

func TestSetPhase_LenientLogsAndApplies(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	opts := conversation.DefaultOptions()
	s := conversation.NewSession("s-2", opts, zap.New(core), nil)

	require.NoError(t, s.SetPhase(conversation.PhaseSubmitting))

	assert.Equal(t, conversation.PhaseSubmitting, s.Phase())
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "applying invalid phase transition", logs.All()[0].Message)

	require.NoError(t, s.SetPhase(conversation.PhaseComplete))
	assert.Equal(t, 1, logs.Len(), "legal transitions are not logged as warnings")
}

func TestSetPhase_UnknownPhaseAlwaysRejected(t *testing.T) {
	s, _ := newSession(false)
	require.Error(t, s.SetPhase("dancing"))
	assert.Equal(t, conversation.PhaseGreeting, s.Phase())
}

func TestSetPhase_AddStepsBelongToAddingPhases(t *testing.T) {
	s, _ := newSession(true)
	require.NoError(t, s.SetPhase(conversation.PhaseAwaitingInput))

	require.Error(t, s.SetPhase(conversation.PhaseIdentifying, conversation.StepRegion))

	require.NoError(t, s.SetPhase(conversation.PhaseAddingWine))
	assert.Equal(t, conversation.StepRegion, s.AddStep())
	require.NoError(t, s.SetPhase(conversation.PhaseAddingWine, conversation.StepProducer))
	assert.Equal(t, conversation.StepProducer, s.AddStep())

	require.NoError(t, s.SetPhase(conversation.PhaseConfirmNewSearch))
	assert.Equal(t, conversation.StepProducer, s.AddStep(), "the confirmation dialog keeps the flow")

	require.NoError(t, s.SetPhase(conversation.PhaseAwaitingInput))
	assert.Equal(t, conversation.StepNone, s.AddStep())
	assert.Nil(t, s.AddState())
}

func TestPersistencePriorities(t *testing.T) {
	s, p := newSession(true)

	s.AddMessage(conversation.RoleUser, text("opus one"))
	assert.Equal(t, conversation.PersistDebounced, p.lastPriority())

	s.RecordIdentification(context.Background(), &domain.IdentificationResult{TierUsed: domain.Tier1})
	assert.Equal(t, conversation.PersistImmediate, p.lastPriority())

	s.SetAugmentationContext(&conversation.AugmentationContext{OriginalText: "opus"})
	assert.Equal(t, conversation.PersistImmediate, p.lastPriority())

	require.NoError(t, s.SetPhase(conversation.PhaseAwaitingInput))
	require.NoError(t, s.SetPhase(conversation.PhaseIdentifying))
	require.NoError(t, s.SetPhase(conversation.PhaseResultConfirm))
	require.NoError(t, s.SetPhase(conversation.PhaseConfirmNewSearch))
	require.NoError(t, s.ConfirmNewSearch())
	assert.Equal(t, conversation.PersistImmediate, p.lastPriority())
	assert.Nil(t, s.Result())
	assert.Nil(t, s.AugmentationContext())
	assert.Equal(t, conversation.PhaseAwaitingInput, p.last.Phase)
}

func TestAddMessageWithDelay_PacesConsecutiveAgentMessages(t *testing.T) {
	opts := conversation.DefaultOptions()
	opts.PacingDelay = 150 * time.Millisecond
	s := conversation.NewSession("s-3", opts, nil, nil)
	ctx := context.Background()

	s.AddMessage(conversation.RoleAgent, text("Found it."))
	start := time.Now()
	_, err := s.AddMessageWithDelay(ctx, conversation.RoleAgent, text("Want to add it?"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), opts.PacingDelay)

	s.AddMessage(conversation.RoleAgent, conversation.ChipsContent{Chips: []conversation.Chip{{ID: "yes", Label: "Yes"}}})
	start = time.Now()
	_, err = s.AddMessageWithDelay(ctx, conversation.RoleAgent, text("Or tell me more."))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), opts.PacingDelay)

	start = time.Now()
	_, err = s.AddMessageWithDelay(ctx, conversation.RoleUser, text("ok"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), opts.PacingDelay)
}

func TestAddMessageWithDelay_PreservesCallOrder(t *testing.T) {
	opts := conversation.DefaultOptions()
	opts.PacingDelay = 30 * time.Millisecond
	s := conversation.NewSession("s-4", opts, nil, nil)
	s.AddMessage(conversation.RoleAgent, text("start"))

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(i) * 5 * time.Millisecond)
			_, err := s.AddMessageWithDelay(context.Background(), conversation.RoleAgent, text(fmt.Sprint(i)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs := s.Messages()
	require.Len(t, msgs, 5)
	for i, m := range msgs[1:] {
		assert.Equal(t, fmt.Sprint(i), m.PlainText())
	}
}

func TestAddMessageWithDelay_CancelledWhileQueued(t *testing.T) {
	opts := conversation.DefaultOptions()
	opts.PacingDelay = 100 * time.Millisecond
	s := conversation.NewSession("s-5", opts, nil, nil)
	s.AddMessage(conversation.RoleAgent, text("start"))

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _ = s.AddMessageWithDelay(context.Background(), conversation.RoleAgent, text("first"))
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.AddMessageWithDelay(ctx, conversation.RoleAgent, text("never"))
	require.ErrorIs(t, err, context.Canceled)

	<-firstDone
	_, err = s.AddMessageWithDelay(context.Background(), conversation.RoleUser, text("after"))
	require.NoError(t, err)
	msgs := s.Messages()
	assert.Equal(t, []string{"start", "first", "after"}, []string{msgs[0].PlainText(), msgs[1].PlainText(), msgs[2].PlainText()})
}

func TestMessageJSON_RoundTripsContentKinds(t *testing.T) {
	s, _ := newSession(true)
	s.AddMessage(conversation.RoleAgent, conversation.WineResultContent{Producer: "Opus One", Confidence: 0.9, Tier: domain.Tier2})
	s.AddMessage(conversation.RoleAgent, conversation.DuplicateMatchContent{
		EntityType: domain.EntityProducer, Name: "Opus One",
		Similar: []domain.MatchCandidate{{ID: 4, Name: "Opus One Winery", SimilarityScore: 0.9, Kind: domain.MatchSimilar}},
	})

	data, err := json.Marshal(s.Messages())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"duplicate_match"`)

	var back []conversation.Message
	require.NoError(t, json.Unmarshal(data, &back))
	require.Len(t, back, 2)
	wine, ok := back[0].Content.(conversation.WineResultContent)
	require.True(t, ok)
	assert.Equal(t, domain.Tier2, wine.Tier)
	dup, ok := back[1].Content.(conversation.DuplicateMatchContent)
	require.True(t, ok)
	assert.Equal(t, int64(4), dup.Similar[0].ID)
	assert.True(t, back[1].Interactive())

	var bad conversation.Message
	assert.Error(t, json.Unmarshal([]byte(`{"id":1,"kind":"hologram","content":{}}`), &bad))
}

func TestSessionExpiry(t *testing.T) {
	s, _ := newSession(true)
	now := s.LastActivity()
	assert.False(t, s.Expired(now.Add(29*time.Minute)))
	assert.True(t, s.Expired(now.Add(31*time.Minute)))
}

func TestRegistry_EvictionCallback(t *testing.T) {
	var evicted []string
	r := conversation.NewRegistry(time.Minute, nil, func(id string, _ *conversation.Session) {
		evicted = append(evicted, id)
	})
	s, _ := newSession(true)
	r.Put(s)

	got, ok := r.Get("s-1")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, 1, r.Len())

	r.Delete("s-1")
	_, ok = r.Get("s-1")
	assert.False(t, ok)
	assert.Equal(t, []string{"s-1"}, evicted)
}

func TestRegistry_ExpiresIdleSessions(t *testing.T) {
	r := conversation.NewRegistry(20*time.Millisecond, nil, nil)
	s, _ := newSession(true)
	r.Put(s)

	time.Sleep(40 * time.Millisecond)
	_, ok := r.Get("s-1")
	assert.False(t, ok)
}

func TestErrNotAddingOutsideFlow(t *testing.T) {
	s, _ := newSession(true)
	err := s.SetRegion(domain.EntityDraft{Name: "Napa Valley"})
	assert.True(t, errors.Is(err, domain.ErrNotAdding))
}
