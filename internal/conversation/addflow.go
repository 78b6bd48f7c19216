package conversation

import (
	"errors"
	"fmt"

	"cellar/internal/domain"
)

// AddState returns a copy of the add-flow data, or nil outside the flow.
func (s *Session) AddState() *AddWineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addState == nil {
		return nil
	}
	st := *s.addState
	return &st
}

// StartAddFlow enters the add flow at the region step, prefilled from the
// current identification.
func (s *Session) StartAddFlow() error {
	return s.mutate(PersistDebounced, func() error {
		if err := s.setPhaseLocked(PhaseAddingWine, StepRegion); err != nil {
			return err
		}
		s.addState = prefill(s.result)
		return nil
	})
}

func prefill(r *domain.IdentificationResult) *AddWineState {
	st := &AddWineState{}
	if r == nil {
		return st
	}
	country := r.StringField("country")
	st.Region = domain.EntityDraft{Name: firstNonEmpty(r.StringField("region"), r.StringField("appellation")), Country: country}
	st.Producer = domain.EntityDraft{Name: r.StringField("producer"), Country: country}
	st.Wine = domain.WineDraft{
		EntityDraft: domain.EntityDraft{Name: r.StringField("wineName")},
		Vintage:     r.StringField("vintage"),
		WineType:    r.StringField("wineType"),
		Grapes:      grapeNames(r.ParsedFields["grapes"]),
	}
	return st
}

func grapeNames(v any) []string {
	list, _ := v.([]any)
	var out []string
	for _, g := range list {
		switch x := g.(type) {
		case string:
			out = append(out, x)
		case map[string]any:
			if name, ok := x["name"].(string); ok {
				out = append(out, name)
			}
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (s *Session) requireStepLocked(steps ...AddStep) error {
	if !s.phase.IsAdding() || s.addState == nil {
		return domain.ErrNotAdding
	}
	for _, st := range steps {
		if s.step == st {
			return nil
		}
	}
	return fmt.Errorf("add flow is at %s: %w", s.step, domain.ErrNotAdding)
}

// SetRegion stores the region draft without advancing.
func (s *Session) SetRegion(d domain.EntityDraft) error {
	return s.setDraft(StepRegion, "region", d, func(st *AddWineState) { st.Region = d })
}

// SetProducer stores the producer draft without advancing.
func (s *Session) SetProducer(d domain.EntityDraft) error {
	return s.setDraft(StepProducer, "producer", d, func(st *AddWineState) { st.Producer = d })
}

// SetWine stores the wine draft without advancing.
func (s *Session) SetWine(d domain.WineDraft) error {
	return s.setDraft(StepWine, "wine", d, func(st *AddWineState) { st.Wine = d })
}

func (s *Session) setDraft(step AddStep, prefix string, draft any, apply func(*AddWineState)) error {
	if err := validateStruct(prefix, draft); err != nil {
		return err
	}
	return s.mutate(PersistDebounced, func() error {
		if err := s.requireStepLocked(step); err != nil {
			return err
		}
		apply(s.addState)
		s.addState.Pending = nil
		return nil
	})
}

// SetPendingDuplicate pauses the flow until the user decides about a
// possible duplicate of the entity at the current step.
func (s *Session) SetPendingDuplicate(p PendingDuplicate) error {
	return s.mutate(PersistDebounced, func() error {
		if err := s.requireStepLocked(StepRegion, StepProducer, StepWine); err != nil {
			return err
		}
		if err := s.setPhaseLocked(PhaseResolvingDuplicate); err != nil {
			return err
		}
		s.addState.Pending = &p
		return nil
	})
}

// PendingDuplicate returns the undecided duplicate, if any.
func (s *Session) PendingDuplicate() *PendingDuplicate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addState == nil {
		return nil
	}
	return s.addState.Pending
}

// ResolveDuplicate applies the user's decision and advances. A nil choice
// keeps the new entity; otherwise the existing catalog row is used.
func (s *Session) ResolveDuplicate(choice *domain.MatchCandidate) error {
	return s.mutate(PersistDebounced, func() error {
		if s.addState == nil || s.addState.Pending == nil {
			return domain.ErrNoPendingDecision
		}
		draft := s.draftLocked(s.addState.Pending.Type)
		if draft == nil {
			return fmt.Errorf("pending duplicate has unknown type %q", s.addState.Pending.Type)
		}
		if choice != nil {
			id := choice.ID
			draft.ExistingID = &id
			draft.Name = choice.Name
		} else {
			draft.ExistingID = nil
		}
		s.addState.Pending = nil
		return s.advanceLocked()
	})
}

func (s *Session) draftLocked(t domain.EntityType) *domain.EntityDraft {
	switch t {
	case domain.EntityRegion:
		return &s.addState.Region
	case domain.EntityProducer:
		return &s.addState.Producer
	case domain.EntityWine:
		return &s.addState.Wine.EntityDraft
	}
	return nil
}

// Advance moves to the next add-flow step once the current one is complete.
func (s *Session) Advance() error {
	return s.mutate(PersistDebounced, s.advanceLocked)
}

func (s *Session) advanceLocked() error {
	if !s.phase.IsAdding() || s.addState == nil {
		return domain.ErrNotAdding
	}
	if s.addState.Pending != nil {
		return errors.New("a duplicate decision is pending")
	}
	if err := s.validateStepLocked(); err != nil {
		return err
	}
	next := s.step.Next()
	if next == StepNone {
		return fmt.Errorf("add flow is already at %s", s.step)
	}
	return s.setPhaseLocked(phaseForStep(next), next)
}

func (s *Session) validateStepLocked() error {
	st := s.addState
	switch s.step {
	case StepRegion:
		return validateStruct("region", st.Region)
	case StepProducer:
		return validateStruct("producer", st.Producer)
	case StepWine:
		return validateStruct("wine", st.Wine)
	case StepBottlePart1:
		return bottlePart1Errors(st.Bottle)
	case StepBottlePart2:
		return validateBottle(st.Bottle)
	}
	return nil
}

func phaseForStep(step AddStep) Phase {
	switch step {
	case StepBottlePart1, StepBottlePart2, StepEnrichment:
		return PhaseAddingBottle
	case StepAddComplete:
		return PhaseSubmitting
	}
	return PhaseAddingWine
}

var part1Fields = map[string]bool{"bottle.size": true, "bottle.storageLocation": true, "bottle.quantity": true}

func bottlePart1Errors(b domain.BottleDetails) error {
	err := validateBottle(b)
	var vErr *domain.ValidationError
	if !errors.As(err, &vErr) {
		return err
	}
	out := &domain.ValidationError{}
	for _, f := range vErr.Fields {
		if part1Fields[f.Field] {
			out.Fields = append(out.Fields, f)
		}
	}
	if len(out.Fields) == 0 {
		return nil
	}
	return out
}

// SetBottlePart1 stores the first bottle form and advances.
func (s *Session) SetBottlePart1(size, storageLocation string, quantity int) error {
	return s.mutate(PersistDebounced, func() error {
		if err := s.requireStepLocked(StepBottlePart1); err != nil {
			return err
		}
		b := s.addState.Bottle
		b.Size, b.StorageLocation, b.Quantity = size, storageLocation, quantity
		if err := bottlePart1Errors(b); err != nil {
			return err
		}
		s.addState.Bottle = b
		return s.advanceLocked()
	})
}

// BottlePart2 is the second bottle form.
type BottlePart2 struct {
	Price        *float64
	Currency     string
	PurchaseDate string
	Notes        string
}

// SetBottlePart2 stores the second bottle form and advances to enrichment.
func (s *Session) SetBottlePart2(p BottlePart2) error {
	return s.mutate(PersistDebounced, func() error {
		if err := s.requireStepLocked(StepBottlePart2); err != nil {
			return err
		}
		b := s.addState.Bottle
		b.Price, b.Currency, b.PurchaseDate, b.Notes = p.Price, p.Currency, p.PurchaseDate, p.Notes
		if err := validateBottle(b); err != nil {
			return err
		}
		s.addState.Bottle = b
		return s.advanceLocked()
	})
}

// Submission assembles and validates everything the add flow collected.
func (s *Session) Submission() (domain.CellarSubmission, error) {
	s.mu.Lock()
	if s.addState == nil {
		s.mu.Unlock()
		return domain.CellarSubmission{}, domain.ErrNotAdding
	}
	sub := domain.CellarSubmission{
		Region:     s.addState.Region,
		Producer:   s.addState.Producer,
		Wine:       s.addState.Wine,
		Bottle:     s.addState.Bottle,
		Enrichment: s.enrichment,
	}
	s.mu.Unlock()

	if err := ValidateSubmission(sub); err != nil {
		return domain.CellarSubmission{}, err
	}
	return sub, nil
}
