package conversation

// Phase is a named state of the conversation.
type Phase string

const (
	PhaseGreeting             Phase = "greeting"
	PhaseAwaitingInput        Phase = "awaiting_input"
	PhaseIdentifying          Phase = "identifying"
	PhaseResultConfirm        Phase = "result_confirm"
	PhaseAwaitingChoice       Phase = "awaiting_choice"
	PhaseAwaitingAugmentation Phase = "awaiting_augmentation"
	PhaseEscalating           Phase = "escalating"
	PhaseConfirmNewSearch     Phase = "confirm_new_search"
	PhaseAddingWine           Phase = "adding_wine"
	PhaseResolvingDuplicate   Phase = "resolving_duplicate"
	PhaseAddingBottle         Phase = "adding_bottle"
	PhaseEnriching            Phase = "enriching"
	PhaseSubmitting           Phase = "submitting"
	PhaseComplete             Phase = "complete"
	PhaseIdentifyError        Phase = "identify_error"
	PhaseDuplicateError       Phase = "duplicate_error"
	PhaseSubmitError          Phase = "submit_error"
	PhaseRateLimited          Phase = "rate_limited"
	PhaseSessionExpired       Phase = "session_expired"
)

// AddStep is the position inside the add-to-cellar flow.
type AddStep string

const (
	StepNone        AddStep = ""
	StepRegion      AddStep = "add_region"
	StepProducer    AddStep = "add_producer"
	StepWine        AddStep = "add_wine"
	StepBottlePart1 AddStep = "add_bottle_part1"
	StepBottlePart2 AddStep = "add_bottle_part2"
	StepEnrichment  AddStep = "add_enrichment"
	StepAddComplete AddStep = "add_complete"
)

var addSteps = []AddStep{StepRegion, StepProducer, StepWine, StepBottlePart1, StepBottlePart2, StepEnrichment, StepAddComplete}

// Valid reports whether s is a known step. StepNone is not.
func (s AddStep) Valid() bool {
	for _, st := range addSteps {
		if s == st {
			return true
		}
	}
	return false
}

// Next returns the following step, or StepNone after add_complete.
func (s AddStep) Next() AddStep {
	for i, st := range addSteps[:len(addSteps)-1] {
		if s == st {
			return addSteps[i+1]
		}
	}
	return StepNone
}

// transitions lists the legal targets for each phase. Every phase may also
// move to greeting (reset), session_expired, or stay where it is.
var transitions = map[Phase][]Phase{
	PhaseGreeting:             {PhaseAwaitingInput, PhaseIdentifying},
	PhaseAwaitingInput:        {PhaseIdentifying, PhaseAddingWine},
	PhaseIdentifying:          {PhaseResultConfirm, PhaseAwaitingChoice, PhaseAwaitingAugmentation, PhaseIdentifyError, PhaseRateLimited, PhaseAwaitingInput},
	PhaseResultConfirm:        {PhaseAddingWine, PhaseEscalating, PhaseAwaitingAugmentation, PhaseConfirmNewSearch, PhaseAwaitingInput},
	PhaseAwaitingChoice:       {PhaseResultConfirm, PhaseAddingWine, PhaseEscalating, PhaseAwaitingAugmentation, PhaseConfirmNewSearch},
	PhaseAwaitingAugmentation: {PhaseIdentifying, PhaseConfirmNewSearch, PhaseAwaitingInput},
	PhaseEscalating:           {PhaseResultConfirm, PhaseAwaitingChoice, PhaseIdentifyError, PhaseRateLimited},
	PhaseConfirmNewSearch:     {PhaseAwaitingInput, PhaseIdentifying, PhaseResultConfirm, PhaseAwaitingChoice, PhaseAddingWine, PhaseAddingBottle},
	PhaseAddingWine:           {PhaseResolvingDuplicate, PhaseAddingBottle, PhaseDuplicateError, PhaseConfirmNewSearch, PhaseAwaitingInput},
	PhaseResolvingDuplicate:   {PhaseAddingWine, PhaseAddingBottle, PhaseConfirmNewSearch},
	PhaseAddingBottle:         {PhaseEnriching, PhaseSubmitting, PhaseAddingWine, PhaseConfirmNewSearch},
	PhaseEnriching:            {PhaseSubmitting, PhaseAddingBottle},
	PhaseSubmitting:           {PhaseComplete, PhaseSubmitError},
	PhaseComplete:             {PhaseAwaitingInput, PhaseIdentifying},
	PhaseIdentifyError:        {PhaseIdentifying, PhaseEscalating, PhaseResultConfirm, PhaseAwaitingChoice, PhaseAwaitingInput},
	PhaseDuplicateError:       {PhaseAddingWine, PhaseResolvingDuplicate, PhaseAddingBottle},
	PhaseSubmitError:          {PhaseSubmitting, PhaseAddingBottle, PhaseConfirmNewSearch},
	PhaseRateLimited:          {PhaseIdentifying, PhaseEscalating, PhaseResultConfirm, PhaseAwaitingInput},
	PhaseSessionExpired:       {},
}

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	_, ok := transitions[p]
	return ok
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Phase) bool {
	if !to.Valid() {
		return false
	}
	if from == to || to == PhaseGreeting || to == PhaseSessionExpired {
		return true
	}
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// IsAdding reports whether p belongs to the add-to-cellar family, the only
// phases in which an AddStep is meaningful.
func (p Phase) IsAdding() bool {
	switch p {
	case PhaseAddingWine, PhaseResolvingDuplicate, PhaseAddingBottle, PhaseEnriching,
		PhaseSubmitting, PhaseSubmitError, PhaseDuplicateError:
		return true
	}
	return false
}

// InFlight reports whether p means a request was running. Such phases are
// never restored.
func (p Phase) InFlight() bool {
	switch p {
	case PhaseIdentifying, PhaseEscalating, PhaseEnriching, PhaseSubmitting:
		return true
	}
	return false
}
