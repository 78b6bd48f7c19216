package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"cellar/internal/conversation"
	"cellar/internal/domain"
	"cellar/internal/identify"
	"cellar/internal/persistence"
	"cellar/internal/port"
	"cellar/internal/stream"
)

// Chip actions understood by the client.
const (
	ActionAddToCellar = "add_to_cellar"
	ActionEscalate    = "escalate"
	ActionNewSearch   = "new_search"
	ActionChoose      = "choose_candidate"
)

// SessionView is the client-facing state of a session.
type SessionView struct {
	ID       string                         `json:"id"`
	Phase    conversation.Phase             `json:"phase"`
	AddStep  conversation.AddStep           `json:"addStep,omitempty"`
	Messages []conversation.Message         `json:"messages"`
	Result   *domain.IdentificationResult   `json:"result,omitempty"`
	AddState *conversation.AddWineState     `json:"addState,omitempty"`
	Pending  *conversation.PendingDuplicate `json:"pending,omitempty"`
	Commit   *domain.CommitResult           `json:"commit,omitempty"`
}

// IdentifyInput is a user identification request.
type IdentifyInput struct {
	Text        string
	ImageBase64 string
	MimeType    string
}

// EntityInput supplies the entity the add flow is waiting for.
type EntityInput struct {
	Name    string
	Country string
	Vintage string
}

// BottleInput is one of the two bottle forms. Part selects which fields apply.
type BottleInput struct {
	Part            int
	Size            string
	StorageLocation string
	Quantity        int
	Price           *float64
	Currency        string
	PurchaseDate    string
	Notes           string
}

// AgentService drives identification, escalation and the add-to-cellar flow
// for conversational sessions.
type AgentService interface {
	StartSession(ctx context.Context) (*SessionView, error)
	GetSession(ctx context.Context, id string) (*SessionView, error)
	Identify(ctx context.Context, id string, input IdentifyInput, onField func(stream.FieldEvent)) (*SessionView, error)
	Escalate(ctx context.Context, id string) (*SessionView, error)
	ChooseCandidate(ctx context.Context, id string, index int) (*SessionView, error)
	StartAddToCellar(ctx context.Context, id string) (*SessionView, error)
	ProvideEntity(ctx context.Context, id string, input EntityInput) (*SessionView, error)
	ResolveDuplicate(ctx context.Context, id string, existingID *int64) (*SessionView, error)
	SubmitBottleDetails(ctx context.Context, id string, input BottleInput) (*SessionView, error)
	RetrySubmit(ctx context.Context, id string) (*SessionView, error)
	ConfirmNewSearch(ctx context.Context, id string) (*SessionView, error)
	Reset(ctx context.Context, id string) (*SessionView, error)
	CheckDuplicate(ctx context.Context, req domain.DuplicateCheckRequest) (*domain.DuplicateCheckResult, error)
	Close()
}

// AgentConfig wires the service's collaborators and tuning.
type AgentConfig struct {
	Tiers       identify.TierSet
	Identify    identify.Config
	Session     conversation.Options
	Persistence persistence.Config
}

type agentSession struct {
	sess  *conversation.Session
	ctrl  *identify.Controller
	coord *persistence.Coordinator
}

type agentService struct {
	cfg       AgentConfig
	catalog   port.CatalogChecker
	committer port.CellarCommitter
	store     port.SnapshotStore
	logger    *zap.Logger
	registry  *conversation.Registry
	ctx       context.Context
	restore   singleflight.Group

	mu       sync.Mutex
	sessions map[string]*agentSession
}

// NewAgentService creates a new AgentService. ctx bounds the lifetime of the
// per-session snapshot writers.
func NewAgentService(
	ctx context.Context,
	cfg AgentConfig,
	catalog port.CatalogChecker,
	committer port.CellarCommitter,
	store port.SnapshotStore,
	logger *zap.Logger,
) AgentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &agentService{
		cfg:       cfg,
		catalog:   catalog,
		committer: committer,
		store:     store,
		logger:    logger.Named("agent"),
		ctx:       ctx,
		sessions:  make(map[string]*agentSession),
	}
	timeout := cfg.Session.Timeout
	if timeout <= 0 {
		timeout = conversation.DefaultOptions().Timeout
	}
	s.registry = conversation.NewRegistry(timeout, logger, s.evicted)
	return s
}

func (s *agentService) evicted(id string, _ *conversation.Session) {
	s.mu.Lock()
	as := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if as == nil {
		return
	}
	as.ctrl.Reset()
	as.coord.Close()
	if err := as.coord.Delete(context.WithoutCancel(s.ctx)); err != nil {
		s.logger.Warn("deleting expired snapshot", zap.String("session_id", id), zap.Error(err))
	}
}

// Close flushes and stops every session's snapshot writer.
func (s *agentService) Close() {
	s.mu.Lock()
	all := make([]*agentSession, 0, len(s.sessions))
	for _, as := range s.sessions {
		all = append(all, as)
	}
	s.mu.Unlock()
	for _, as := range all {
		as.coord.Close()
	}
}

func (s *agentService) attach(id string, snap *conversation.Snapshot, coord *persistence.Coordinator) *agentSession {
	var sess *conversation.Session
	if snap != nil {
		sess = conversation.Restore(*snap, s.cfg.Session, s.logger, coord)
	} else {
		sess = conversation.NewSession(id, s.cfg.Session, s.logger, coord)
	}
	ctrl := identify.NewController(s.cfg.Tiers, s.cfg.Identify, s.logger, identify.WithRecorder(sess))
	if res := sess.Result(); res != nil {
		ctrl.Resume(res, lastInput(sess))
	}

	as := &agentSession{sess: sess, ctrl: ctrl, coord: coord}
	s.mu.Lock()
	s.sessions[id] = as
	s.mu.Unlock()
	s.registry.Put(sess)
	return as
}

func (s *agentService) newCoordinator(id string) *persistence.Coordinator {
	coord := persistence.NewCoordinator(s.store, id, s.cfg.Persistence, s.logger)
	coord.Start(s.ctx)
	return coord
}

// lookup returns a live session, restoring it from its snapshot if it is not
// in memory. Concurrent restores of one id share a single coordinator.
func (s *agentService) lookup(ctx context.Context, id string) (*agentSession, error) {
	as, err := s.live(id)
	if as != nil || err != nil {
		return as, err
	}

	v, err, _ := s.restore.Do(id, func() (any, error) {
		if as, err := s.live(id); as != nil || err != nil {
			return as, err
		}
		coord := persistence.NewCoordinator(s.store, id, s.cfg.Persistence, s.logger)
		snap, err := coord.Load(ctx)
		if err != nil {
			return nil, err
		}
		if snap == nil {
			return nil, domain.ErrSessionNotFound
		}
		coord.Start(s.ctx)
		s.logger.Info("session restored", zap.String("session_id", id), zap.String("phase", string(snap.Phase)))
		return s.attach(id, snap, coord), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*agentSession), nil
}

// live returns the in-memory session for id, or nil when it has to be
// restored. A session idle past the timeout is expired on the spot.
func (s *agentService) live(id string) (*agentSession, error) {
	s.mu.Lock()
	as := s.sessions[id]
	s.mu.Unlock()
	if as == nil {
		return nil, nil
	}
	if as.sess.Expired(time.Now()) {
		_ = as.sess.SetPhase(conversation.PhaseSessionExpired)
		s.registry.Delete(id)
		s.evicted(id, as.sess)
		s.logger.Info("session expired", zap.String("session_id", id))
		return nil, domain.ErrSessionExpired
	}
	if _, ok := s.registry.Get(id); !ok {
		s.registry.Put(as.sess)
	}
	as.sess.Touch()
	return as, nil
}

func (s *agentService) StartSession(_ context.Context) (*SessionView, error) {
	id := uuid.NewString()
	as := s.attach(id, nil, s.newCoordinator(id))
	greet(as.sess)
	s.logger.Info("session started", zap.String("session_id", id))
	return view(as), nil
}

func greet(sess *conversation.Session) {
	sess.AddMessage(conversation.RoleAgent, conversation.TextContent{
		Text: "Tell me about a wine, or send a photo of its label, and I'll identify it.",
	})
	_ = sess.SetPhase(conversation.PhaseAwaitingInput)
}

func (s *agentService) GetSession(ctx context.Context, id string) (*SessionView, error) {
	as, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return view(as), nil
}

func (s *agentService) Identify(ctx context.Context, id string, input IdentifyInput, onField func(stream.FieldEvent)) (*SessionView, error) {
	as, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	sess := as.sess

	in := identify.Input{Text: strings.TrimSpace(input.Text), ImageBase64: input.ImageBase64, MimeType: input.MimeType}
	if ac := sess.AugmentationContext(); ac != nil && sess.Phase() == conversation.PhaseAwaitingAugmentation {
		in.Text = strings.TrimSpace(ac.OriginalText + " " + in.Text)
		if !in.HasImage() && ac.HadImage {
			if img := sess.Image(); img != nil {
				in.ImageBase64, in.MimeType = img.Base64, img.MimeType
			}
		}
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	if err := s.startNewSearch(as); err != nil {
		return nil, err
	}
	if err := sess.SetPhase(conversation.PhaseIdentifying); err != nil {
		return nil, err
	}
	if input.ImageBase64 != "" {
		sess.SetImage(&conversation.ImageData{Base64: input.ImageBase64, MimeType: input.MimeType})
		sess.AddMessage(conversation.RoleUser, conversation.ImagePreviewContent{MimeType: input.MimeType, Caption: input.Text})
	} else {
		sess.AddMessage(conversation.RoleUser, conversation.TextContent{Text: input.Text})
	}
	sess.SetAugmentationContext(nil)

	var result *domain.IdentificationResult
	if onField != nil {
		result, err = as.ctrl.IdentifyStream(ctx, in, onField)
	} else {
		result, err = as.ctrl.Identify(ctx, in)
	}
	if err != nil {
		return s.identifyFailed(ctx, as, err)
	}
	s.presentResult(ctx, as, in, result, true)
	return view(as), nil
}

// startNewSearch abandons the current wine when the session cannot move
// straight to identifying, as when a new wine is typed over a result.
func (s *agentService) startNewSearch(as *agentSession) error {
	if conversation.CanTransition(as.sess.Phase(), conversation.PhaseIdentifying) {
		return nil
	}
	if err := as.sess.SetPhase(conversation.PhaseConfirmNewSearch); err != nil {
		return err
	}
	as.ctrl.Reset()
	return as.sess.ConfirmNewSearch()
}

func (s *agentService) identifyFailed(ctx context.Context, as *agentSession, err error) (*SessionView, error) {
	if errors.Is(err, domain.ErrSuperseded) {
		return view(as), nil
	}
	agentErr := identify.ToAgentError(err)
	phase := conversation.PhaseIdentifyError
	if agentErr.Type == identify.ErrorRateLimit {
		phase = conversation.PhaseRateLimited
	}
	if err := as.sess.SetPhase(phase); err != nil {
		return nil, err
	}
	_, _ = as.sess.AddMessageWithDelay(ctx, conversation.RoleAgent, conversation.ErrorContent{
		ErrorType:  string(agentErr.Type),
		Message:    agentErr.UserMessage,
		Retryable:  agentErr.Retryable,
		SupportRef: agentErr.SupportRef,
	})
	return view(as), nil
}

// presentResult moves the session to the phase the result calls for and
// posts the matching messages. Escalated results never ask for more detail.
func (s *agentService) presentResult(ctx context.Context, as *agentSession, in identify.Input, result *domain.IdentificationResult, mayAugment bool) {
	sess := as.sess
	if len(result.Candidates) > 0 && result.Action == domain.ActionDisambiguate {
		_ = sess.SetPhase(conversation.PhaseAwaitingChoice)
		chips := make([]conversation.Chip, 0, len(result.Candidates)+1)
		for i, c := range result.Candidates {
			chips = append(chips, conversation.Chip{
				ID:     fmt.Sprintf("candidate-%d", i),
				Label:  strings.TrimSpace(strings.Join([]string{c.Producer, c.WineName, c.Vintage}, " ")),
				Action: ActionChoose,
			})
		}
		chips = append(chips, conversation.Chip{ID: "new-search", Label: "None of these", Action: ActionNewSearch})
		_, _ = sess.AddMessageWithDelay(ctx, conversation.RoleAgent, conversation.ChipsContent{
			Prompt: "I found a few possibilities. Which one is it?", Chips: chips,
		})
		return
	}

	if missing := missingKeyFields(result); mayAugment && (len(missing) > 0 || result.Action == domain.ActionNeedsMore) {
		_ = sess.SetPhase(conversation.PhaseAwaitingAugmentation)
		sess.SetAugmentationContext(&conversation.AugmentationContext{
			OriginalText: in.Text, HadImage: in.HasImage(), MissingFields: missing,
		})
		_, _ = sess.AddMessageWithDelay(ctx, conversation.RoleAgent, conversation.WineResultFrom(result))
		_, _ = sess.AddMessageWithDelay(ctx, conversation.RoleAgent, conversation.TextContent{
			Text: "I need a little more to be sure. Can you tell me the " + strings.Join(missingLabels(missing), " and ") + "?",
		})
		return
	}

	_ = sess.SetPhase(conversation.PhaseResultConfirm)
	_, _ = sess.AddMessageWithDelay(ctx, conversation.RoleAgent, conversation.WineResultFrom(result))
	_, _ = sess.AddMessageWithDelay(ctx, conversation.RoleAgent, resultChips(result))
}

func resultChips(result *domain.IdentificationResult) conversation.ChipsContent {
	chips := []conversation.Chip{{ID: "add", Label: "Add to cellar", Action: ActionAddToCellar}}
	if result.EscalationSuggested {
		chips = append(chips, conversation.Chip{ID: "escalate", Label: "Try harder", Action: ActionEscalate})
	}
	chips = append(chips, conversation.Chip{ID: "new-search", Label: "Not right", Action: ActionNewSearch})
	prompt := "Is this the wine?"
	if result.EscalationSuggested {
		prompt = "I'm not completely sure about this one. Is it right?"
	}
	return conversation.ChipsContent{Prompt: prompt, Chips: chips}
}

func missingKeyFields(r *domain.IdentificationResult) []string {
	var missing []string
	for _, f := range []string{"producer", "wineName"} {
		if r.StringField(f) == "" {
			missing = append(missing, f)
		}
	}
	return missing
}

var fieldLabels = map[string]string{"producer": "producer", "wineName": "wine name", "vintage": "vintage"}

func missingLabels(fields []string) []string {
	if len(fields) == 0 {
		return []string{"producer or wine name"}
	}
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = fieldLabels[f]
	}
	return out
}

func (s *agentService) Escalate(ctx context.Context, id string) (*SessionView, error) {
	as, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if as.sess.Result() == nil {
		return nil, domain.ErrNoResult
	}
	if err := as.sess.SetPhase(conversation.PhaseEscalating); err != nil {
		return nil, err
	}
	_, _ = as.sess.AddMessageWithDelay(ctx, conversation.RoleAgent, conversation.TextContent{
		Text: "Let me take a closer look.",
	})

	result, err := as.ctrl.Escalate(ctx, identify.Input{})
	switch {
	case errors.Is(err, domain.ErrNoHigherTier):
		_ = as.sess.SetPhase(conversation.PhaseResultConfirm)
		_, _ = as.sess.AddMessageWithDelay(ctx, conversation.RoleAgent, conversation.TextContent{
			Text: "That's my best answer for this wine.",
		})
		return view(as), nil
	case err != nil:
		return s.identifyFailed(ctx, as, err)
	}
	s.presentResult(ctx, as, identify.Input{}, result, false)
	return view(as), nil
}

// ChooseCandidate picks one of the disambiguation candidates and treats it as
// the identified wine.
func (s *agentService) ChooseCandidate(ctx context.Context, id string, index int) (*SessionView, error) {
	as, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	prior := as.sess.Result()
	if prior == nil {
		return nil, domain.ErrNoResult
	}
	if index < 0 || index >= len(prior.Candidates) {
		return nil, domain.NewValidationError("index", "no such candidate")
	}
	c := prior.Candidates[index]

	chosen := *prior
	chosen.ParsedFields = make(map[string]any, len(prior.ParsedFields)+4)
	for k, v := range prior.ParsedFields {
		chosen.ParsedFields[k] = v
	}
	chosen.ParsedFields["producer"] = c.Producer
	chosen.ParsedFields["wineName"] = c.WineName
	if c.Vintage != "" {
		chosen.ParsedFields["vintage"] = c.Vintage
	}
	if c.Region != "" {
		chosen.ParsedFields["region"] = c.Region
	}
	chosen.Confidence = max(chosen.Confidence, c.Confidence)
	chosen.Action = domain.ActionIdentified
	chosen.Candidates = nil

	as.sess.RecordIdentification(ctx, &chosen)
	as.ctrl.Resume(&chosen, lastInput(as.sess))
	if err := as.sess.SetPhase(conversation.PhaseResultConfirm); err != nil {
		return nil, err
	}
	_, _ = as.sess.AddMessageWithDelay(ctx, conversation.RoleAgent, conversation.WineResultFrom(&chosen))
	_, _ = as.sess.AddMessageWithDelay(ctx, conversation.RoleAgent, resultChips(&chosen))
	return view(as), nil
}

func (s *agentService) ConfirmNewSearch(ctx context.Context, id string) (*SessionView, error) {
	as, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if !conversation.CanTransition(as.sess.Phase(), conversation.PhaseAwaitingInput) {
		if err := as.sess.SetPhase(conversation.PhaseConfirmNewSearch); err != nil {
			return nil, err
		}
	}
	as.ctrl.Reset()
	if err := as.sess.ConfirmNewSearch(); err != nil {
		return nil, err
	}
	_, _ = as.sess.AddMessageWithDelay(ctx, conversation.RoleAgent, conversation.TextContent{
		Text: "Okay, what wine should we look up next?",
	})
	return view(as), nil
}

// Reset starts the conversation over under the same id.
func (s *agentService) Reset(ctx context.Context, id string) (*SessionView, error) {
	as, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	as.ctrl.Reset()
	as.sess.SetPersister(nil)

	fresh := conversation.NewSession(id, s.cfg.Session, s.logger, as.coord)
	ctrl := identify.NewController(s.cfg.Tiers, s.cfg.Identify, s.logger, identify.WithRecorder(fresh))
	next := &agentSession{sess: fresh, ctrl: ctrl, coord: as.coord}
	s.mu.Lock()
	s.sessions[id] = next
	s.mu.Unlock()
	s.registry.Put(fresh)

	greet(fresh)
	return view(next), nil
}

func (s *agentService) CheckDuplicate(ctx context.Context, req domain.DuplicateCheckRequest) (*domain.DuplicateCheckResult, error) {
	return s.catalog.CheckDuplicate(ctx, req)
}

// StartAddToCellar enters the add flow prefilled from the identification and
// walks the region, producer and wine steps as far as it can without the user.
func (s *agentService) StartAddToCellar(ctx context.Context, id string) (*SessionView, error) {
	as, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := as.sess.StartAddFlow(); err != nil {
		return nil, err
	}
	prefetched := s.prefetch(ctx, as.sess.AddState())
	if err := s.walkEntities(ctx, as, prefetched); err != nil {
		return nil, err
	}
	return view(as), nil
}

// prefetch runs the region and producer duplicate checks concurrently. Failed
// checks are left out and retried, then degraded, by walkEntities.
func (s *agentService) prefetch(ctx context.Context, st *conversation.AddWineState) map[domain.EntityType]*domain.DuplicateCheckResult {
	out := make(map[domain.EntityType]*domain.DuplicateCheckResult, 2)
	if st == nil {
		return out
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for t, name := range map[domain.EntityType]string{domain.EntityRegion: st.Region.Name, domain.EntityProducer: st.Producer.Name} {
		if name == "" {
			continue
		}
		g.Go(func() error {
			res, err := s.catalog.CheckDuplicate(gctx, domain.DuplicateCheckRequest{Type: t, Name: name})
			if err != nil {
				s.logger.Debug("prefetching duplicate check", zap.String("type", string(t)), zap.Error(err))
				return nil
			}
			mu.Lock()
			out[t] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// walkEntities advances through the entity steps until the flow needs the
// user: a missing name, a possible duplicate, or the bottle form.
func (s *agentService) walkEntities(ctx context.Context, as *agentSession, prefetched map[domain.EntityType]*domain.DuplicateCheckResult) error {
	sess := as.sess
	for {
		st := sess.AddState()
		if st == nil {
			return domain.ErrNotAdding
		}
		step := sess.AddStep()
		t, draft, ok := entityAt(step, st)
		if !ok {
			break
		}
		if draft.ExistingID != nil {
			if err := sess.Advance(); err != nil {
				return err
			}
			continue
		}
		if strings.TrimSpace(draft.Name) == "" {
			_, _ = sess.AddMessageWithDelay(ctx, conversation.RoleAgent, conversation.TextContent{
				Text: entityPrompts[t],
			})
			return nil
		}

		req := domain.DuplicateCheckRequest{Type: t, Name: draft.Name, Context: checkContext(t, st)}
		result := prefetched[t]
		delete(prefetched, t)
		if t == domain.EntityProducer && st.Region.ExistingID != nil {
			result = nil
		}
		if result == nil {
			var err error
			result, err = s.catalog.CheckDuplicate(ctx, req)
			if err != nil {
				s.logger.Warn("duplicate check failed, continuing without it",
					zap.String("session_id", sess.ID()), zap.String("type", string(t)), zap.Error(err))
			}
		}

		if result.HasMatches() {
			if err := sess.SetPendingDuplicate(conversation.PendingDuplicate{Type: t, Name: draft.Name, Result: *result}); err != nil {
				return err
			}
			_, _ = sess.AddMessageWithDelay(ctx, conversation.RoleAgent, conversation.DuplicateMatchContent{
				EntityType: t,
				Name:       draft.Name,
				Exact:      result.ExactMatch,
				Similar:    result.SimilarMatches,
				Bottles:    result.ExistingBottleCount,
			})
			return nil
		}
		if err := sess.Advance(); err != nil {
			var vErr *domain.ValidationError
			if !errors.As(err, &vErr) {
				return err
			}
			_, _ = sess.AddMessageWithDelay(ctx, conversation.RoleAgent, conversation.TextContent{
				Text: "Some details need fixing: " + vErr.Error(),
			})
			return nil
		}
	}

	if sess.AddStep() == conversation.StepBottlePart1 {
		_, _ = sess.AddMessageWithDelay(ctx, conversation.RoleAgent, conversation.BottleFormContent{
			Part: 1, Defaults: domain.BottleDetails{Size: "750ml", Quantity: 1},
		})
	}
	return nil
}

var entityPrompts = map[domain.EntityType]string{
	domain.EntityRegion:   "Which region is this wine from?",
	domain.EntityProducer: "Who makes this wine?",
	domain.EntityWine:     "What's the name of the wine?",
}

func entityAt(step conversation.AddStep, st *conversation.AddWineState) (domain.EntityType, domain.EntityDraft, bool) {
	switch step {
	case conversation.StepRegion:
		return domain.EntityRegion, st.Region, true
	case conversation.StepProducer:
		return domain.EntityProducer, st.Producer, true
	case conversation.StepWine:
		return domain.EntityWine, st.Wine.EntityDraft, true
	}
	return "", domain.EntityDraft{}, false
}

func checkContext(t domain.EntityType, st *conversation.AddWineState) domain.DuplicateCheckContext {
	switch t {
	case domain.EntityProducer:
		return domain.DuplicateCheckContext{RegionID: st.Region.ExistingID}
	case domain.EntityWine:
		return domain.DuplicateCheckContext{
			ProducerID: st.Producer.ExistingID,
			Producer:   st.Producer.Name,
			Vintage:    st.Wine.Vintage,
		}
	}
	return domain.DuplicateCheckContext{}
}

func (s *agentService) ProvideEntity(ctx context.Context, id string, input EntityInput) (*SessionView, error) {
	as, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	sess := as.sess
	st := sess.AddState()
	if st == nil {
		return nil, domain.ErrNotAdding
	}
	sess.AddMessage(conversation.RoleUser, conversation.TextContent{Text: input.Name})

	draft := domain.EntityDraft{Name: strings.TrimSpace(input.Name), Country: input.Country}
	switch sess.AddStep() {
	case conversation.StepRegion:
		err = sess.SetRegion(draft)
	case conversation.StepProducer:
		if draft.Country == "" {
			draft.Country = st.Producer.Country
		}
		err = sess.SetProducer(draft)
	case conversation.StepWine:
		wine := st.Wine
		wine.EntityDraft = draft
		if input.Vintage != "" {
			wine.Vintage = input.Vintage
		}
		err = sess.SetWine(wine)
	default:
		return nil, fmt.Errorf("add flow is at %s: %w", sess.AddStep(), domain.ErrNotAdding)
	}
	if err != nil {
		return nil, err
	}
	if err := s.walkEntities(ctx, as, nil); err != nil {
		return nil, err
	}
	return view(as), nil
}

// ResolveDuplicate applies the user's duplicate decision. A nil existingID
// creates a new entity; otherwise it must name one of the offered matches.
func (s *agentService) ResolveDuplicate(ctx context.Context, id string, existingID *int64) (*SessionView, error) {
	as, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	pending := as.sess.PendingDuplicate()
	if pending == nil {
		return nil, domain.ErrNoPendingDecision
	}

	var choice *domain.MatchCandidate
	label := "Create new " + string(pending.Type)
	if existingID != nil {
		choice = findCandidate(pending.Result, *existingID)
		if choice == nil {
			return nil, domain.NewValidationError("existingId", "is not one of the offered matches")
		}
		label = "Use " + choice.Name
	}
	as.sess.AddMessage(conversation.RoleUser, conversation.TextContent{Text: label})
	if err := as.sess.ResolveDuplicate(choice); err != nil {
		return nil, err
	}
	if err := s.walkEntities(ctx, as, nil); err != nil {
		return nil, err
	}
	return view(as), nil
}

func findCandidate(r domain.DuplicateCheckResult, id int64) *domain.MatchCandidate {
	if r.ExactMatch != nil && r.ExactMatch.ID == id {
		c := *r.ExactMatch
		return &c
	}
	for _, c := range r.SimilarMatches {
		if c.ID == id {
			return &c
		}
	}
	return nil
}

func (s *agentService) SubmitBottleDetails(ctx context.Context, id string, input BottleInput) (*SessionView, error) {
	as, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	sess := as.sess

	switch input.Part {
	case 1:
		if err := sess.SetBottlePart1(input.Size, input.StorageLocation, input.Quantity); err != nil {
			return nil, err
		}
		_, _ = sess.AddMessageWithDelay(ctx, conversation.RoleAgent, conversation.BottleFormContent{
			Part: 2, Defaults: sess.AddState().Bottle,
		})
		return view(as), nil
	case 2:
		if err := sess.SetBottlePart2(conversation.BottlePart2{
			Price: input.Price, Currency: strings.ToUpper(input.Currency),
			PurchaseDate: input.PurchaseDate, Notes: input.Notes,
		}); err != nil {
			return nil, err
		}
	default:
		return nil, domain.NewValidationError("part", "must be 1 or 2")
	}

	if err := s.enrich(ctx, as); err != nil {
		return nil, err
	}
	return s.submit(ctx, as)
}

// enrich attaches the identification's descriptive fields to the submission.
func (s *agentService) enrich(ctx context.Context, as *agentSession) error {
	sess := as.sess
	if err := sess.SetPhase(conversation.PhaseEnriching, conversation.StepEnrichment); err != nil {
		return err
	}
	data := enrichmentFrom(sess.Result())
	if len(data) > 0 {
		sess.SetEnrichment(data)
		_, _ = sess.AddMessageWithDelay(ctx, conversation.RoleAgent, conversation.EnrichmentContent{Data: data})
	}
	return sess.Advance()
}

var draftFields = map[string]bool{
	"producer": true, "wineName": true, "vintage": true, "region": true, "appellation": true,
	"country": true, "wineType": true, "grapes": true, "confidence": true, "action": true,
	"candidates": true, "reasoning": true, "requiresUserChoice": true,
}

func enrichmentFrom(r *domain.IdentificationResult) map[string]any {
	if r == nil {
		return nil
	}
	out := make(map[string]any)
	for k, v := range r.ParsedFields {
		if !draftFields[k] {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (s *agentService) RetrySubmit(ctx context.Context, id string) (*SessionView, error) {
	as, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if as.sess.Phase() != conversation.PhaseSubmitError {
		return nil, fmt.Errorf("nothing to retry in phase %s: %w", as.sess.Phase(), domain.ErrNotAdding)
	}
	if err := as.sess.SetPhase(conversation.PhaseSubmitting, conversation.StepAddComplete); err != nil {
		return nil, err
	}
	return s.submit(ctx, as)
}

func (s *agentService) submit(ctx context.Context, as *agentSession) (*SessionView, error) {
	sess := as.sess
	sub, err := sess.Submission()
	if err != nil {
		return nil, err
	}

	res, err := s.committer.Commit(ctx, sub)
	if err != nil {
		agentErr := identify.ToAgentError(err)
		s.logger.Error("committing to cellar",
			zap.String("session_id", sess.ID()), zap.String("support_ref", agentErr.SupportRef), zap.Error(err))
		if perr := sess.SetPhase(conversation.PhaseSubmitError); perr != nil {
			return nil, perr
		}
		_, _ = sess.AddMessageWithDelay(ctx, conversation.RoleAgent, conversation.ErrorContent{
			ErrorType:  "submit_error",
			Message:    "I couldn't add this to your cellar. Please try again.",
			Retryable:  true,
			SupportRef: agentErr.SupportRef,
		})
		return view(as), nil
	}

	if err := sess.SetPhase(conversation.PhaseComplete); err != nil {
		return nil, err
	}
	as.ctrl.Reset()
	s.logger.Info("added to cellar", zap.String("session_id", sess.ID()),
		zap.Int64("wine_id", res.WineID), zap.Int64("bottle_id", res.BottleID))
	_, _ = sess.AddMessageWithDelay(ctx, conversation.RoleAgent, conversation.TextContent{
		Text: fmt.Sprintf("Added %s to your cellar.", describe(sub)),
	})
	_, _ = sess.AddMessageWithDelay(ctx, conversation.RoleAgent, conversation.ChipsContent{
		Chips: []conversation.Chip{{ID: "new-search", Label: "Identify another wine", Action: ActionNewSearch}},
	})
	v := view(as)
	v.Commit = res
	return v, nil
}

func describe(sub domain.CellarSubmission) string {
	qty := max(sub.Bottle.Quantity, 1)
	noun := "bottle"
	if qty > 1 {
		noun = "bottles"
	}
	name := strings.TrimSpace(strings.Join([]string{sub.Producer.Name, sub.Wine.Name, sub.Wine.Vintage}, " "))
	return fmt.Sprintf("%d %s of %s", qty, noun, name)
}

// lastInput rebuilds the most recent identification input from the
// conversation so a restored session can still be escalated.
func lastInput(sess *conversation.Session) identify.Input {
	var in identify.Input
	msgs := sess.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != conversation.RoleUser {
			continue
		}
		if c, ok := msgs[i].Content.(conversation.TextContent); ok {
			in.Text = c.Text
			break
		}
		if c, ok := msgs[i].Content.(conversation.ImagePreviewContent); ok {
			in.Text = c.Caption
			break
		}
	}
	if img := sess.Image(); img != nil {
		in.ImageBase64, in.MimeType = img.Base64, img.MimeType
	}
	return in
}

func view(as *agentSession) *SessionView {
	sess := as.sess
	return &SessionView{
		ID:       sess.ID(),
		Phase:    sess.Phase(),
		AddStep:  sess.AddStep(),
		Messages: sess.Messages(),
		Result:   sess.Result(),
		AddState: sess.AddState(),
		Pending:  sess.PendingDuplicate(),
	}
}
