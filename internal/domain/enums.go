package domain

// EntityType names the catalog entity a duplicate check runs against.
type EntityType string

const (
	EntityRegion   EntityType = "region"
	EntityProducer EntityType = "producer"
	EntityWine     EntityType = "wine"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityRegion, EntityProducer, EntityWine:
		return true
	}
	return false
}

// MatchKind distinguishes exact and similar catalog matches.
type MatchKind string

const (
	MatchExact   MatchKind = "exact"
	MatchSimilar MatchKind = "similar"
)

// Tier is a ranked identification attempt; higher tiers use costlier models.
type Tier int

const (
	Tier1 Tier = 1
	Tier2 Tier = 2
	Tier3 Tier = 3
)

// Next returns the tier above t and false when t is already the highest.
func (t Tier) Next() (Tier, bool) {
	if t >= Tier3 {
		return t, false
	}
	return t + 1, true
}

// InputType is the kind of user input that started an identification.
type InputType string

const (
	InputText  InputType = "text"
	InputImage InputType = "image"
)

// AllowedImageTypes lists the MIME types accepted for label photos.
var AllowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/heic": true,
}

// Identification actions reported by the model.
const (
	ActionIdentified   = "identified"
	ActionDisambiguate = "disambiguate"
	ActionNeedsMore    = "needs_more_info"
)
