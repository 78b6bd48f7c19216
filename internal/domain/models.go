package domain

import "time"

// WineCandidate is an alternative identification offered when the model is
// unsure which wine the user means.
type WineCandidate struct {
	Producer   string  `json:"producer"`
	WineName   string  `json:"wineName"`
	Vintage    string  `json:"vintage,omitempty"`
	Region     string  `json:"region,omitempty"`
	Confidence float64 `json:"confidence"`
}

// TierAttempt records one consulted tier.
type TierAttempt struct {
	Tier       Tier          `json:"tier"`
	Provider   string        `json:"provider"`
	Model      string        `json:"model"`
	Confidence float64       `json:"confidence"`
	CostUSD    float64       `json:"costUsd"`
	Latency    time.Duration `json:"latency"`
}

// IdentificationResult is the outcome of an identification request. It is
// never mutated after completion; escalation produces a new value.
type IdentificationResult struct {
	ParsedFields        map[string]any    `json:"parsedFields"`
	Confidence          float64           `json:"confidence"`
	TierUsed            Tier              `json:"tierUsed"`
	CostUSD             float64           `json:"costUsd"`
	InferencesApplied   []string          `json:"inferencesApplied"`
	Action              string            `json:"action,omitempty"`
	Candidates          []WineCandidate   `json:"candidates,omitempty"`
	EscalationSuggested bool              `json:"escalationSuggested"`
	Attempts            []TierAttempt     `json:"attempts"`
	FieldProvenance     map[string]string `json:"fieldProvenance,omitempty"`
	InputType           InputType         `json:"inputType"`
	CompletedAt         time.Time         `json:"completedAt"`
}

// StringField returns a parsed field as a trimmed string, or "".
func (r *IdentificationResult) StringField(name string) string {
	if r == nil {
		return ""
	}
	switch v := r.ParsedFields[name].(type) {
	case string:
		return v
	case float64:
		return trimFloat(v)
	}
	return ""
}

// MatchCandidate is a catalog entry scored against a candidate name.
type MatchCandidate struct {
	ID              int64          `json:"id" db:"id"`
	Name            string         `json:"name" db:"name"`
	SimilarityScore float64        `json:"similarityScore"`
	Kind            MatchKind      `json:"kind"`
	AuxMeta         map[string]any `json:"auxMeta,omitempty"`
}

// DuplicateCheckContext narrows a duplicate check to a parent entity.
type DuplicateCheckContext struct {
	RegionID   *int64 `json:"regionId,omitempty"`
	ProducerID *int64 `json:"producerId,omitempty"`
	Producer   string `json:"producer,omitempty"`
	Vintage    string `json:"vintage,omitempty"`
}

// DuplicateCheckRequest asks whether an entity already exists in the catalog.
type DuplicateCheckRequest struct {
	Type    EntityType            `json:"type" validate:"required,oneof=region producer wine"`
	Name    string                `json:"name" validate:"required"`
	Context DuplicateCheckContext `json:"context"`
}

// DuplicateCheckResult is the catalog's answer to a duplicate check.
type DuplicateCheckResult struct {
	ExactMatch          *MatchCandidate  `json:"exactMatch"`
	SimilarMatches      []MatchCandidate `json:"similarMatches"`
	ExistingBottleCount int              `json:"existingBottleCount"`
	ExistingWineID      *int64           `json:"existingWineId"`
}

// HasMatches reports whether anything in the catalog resembles the name.
func (r *DuplicateCheckResult) HasMatches() bool {
	return r != nil && (r.ExactMatch != nil || len(r.SimilarMatches) > 0)
}

// EntityDraft is a region or producer chosen during the add flow: either an
// existing catalog row or a new name.
type EntityDraft struct {
	ExistingID *int64 `json:"existingId,omitempty"`
	Name       string `json:"name" validate:"required_without=ExistingID,max=200"`
	Country    string `json:"country,omitempty" validate:"max=100"`
}

// IsNew reports whether the draft creates a catalog entry.
func (d EntityDraft) IsNew() bool {
	return d.ExistingID == nil
}

// WineDraft is the wine chosen during the add flow.
type WineDraft struct {
	EntityDraft
	Vintage  string   `json:"vintage,omitempty" validate:"omitempty,vintage"`
	WineType string   `json:"wineType,omitempty"`
	Grapes   []string `json:"grapes,omitempty"`
}

// BottleDetails are collected over the two bottle form steps.
type BottleDetails struct {
	Size            string   `json:"size" validate:"required"`
	StorageLocation string   `json:"storageLocation" validate:"required"`
	Price           *float64 `json:"price,omitempty" validate:"omitempty,gte=0"`
	Currency        string   `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	PurchaseDate    string   `json:"purchaseDate,omitempty"`
	Quantity        int      `json:"quantity,omitempty" validate:"omitempty,min=1,max=1000"`
	Notes           string   `json:"notes,omitempty" validate:"max=2000"`
}

// CellarSubmission is everything the add flow hands to the CRUD layer.
type CellarSubmission struct {
	Region     EntityDraft    `json:"region"`
	Producer   EntityDraft    `json:"producer"`
	Wine       WineDraft      `json:"wine"`
	Bottle     BottleDetails  `json:"bottle"`
	Enrichment map[string]any `json:"enrichment,omitempty"`
}

// CommitResult holds the ids written by a committed submission.
type CommitResult struct {
	RegionID   int64 `json:"regionId"`
	ProducerID int64 `json:"producerId"`
	WineID     int64 `json:"wineId"`
	BottleID   int64 `json:"bottleId"`
}
