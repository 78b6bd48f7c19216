package identify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"cellar/internal/domain"
)

func TestBuildPrompt(t *testing.T) {
	text := BuildPrompt(Input{Text: "  Sassicaia 2017 "})
	assert.Contains(t, text, "Description: Sassicaia 2017\n")
	assert.Contains(t, text, `"wineName"`)

	img := BuildPrompt(Input{ImageBase64: "eA==", MimeType: "image/jpeg", Text: "the red one"})
	assert.Contains(t, img, "photo of its label")
	assert.Contains(t, img, "The user added: the red one")
}

func TestBuildEscalationPrompt(t *testing.T) {
	prior := &domain.IdentificationResult{
		TierUsed:     domain.Tier1,
		Confidence:   0.42,
		ParsedFields: map[string]any{"producer": "Penfolds", "vintage": 2010.0},
		Candidates:   []domain.WineCandidate{{Producer: "Penfolds", WineName: "Grange"}},
	}

	p2 := BuildEscalationPrompt(Input{Text: "penfolds"}, prior, domain.Tier2)
	assert.Contains(t, p2, "tier 1, confidence 0.42")
	assert.Contains(t, p2, "- producer: Penfolds\n- vintage: 2010\n")
	assert.Contains(t, p2, "- candidate: Penfolds Grange")
	assert.NotContains(t, p2, "web search")

	p3 := BuildEscalationPrompt(Input{Text: "penfolds"}, prior, domain.Tier3)
	assert.Contains(t, p3, "web search")

	empty := BuildEscalationPrompt(Input{ImageBase64: "eA=="}, &domain.IdentificationResult{TierUsed: domain.Tier2}, domain.Tier3)
	assert.Contains(t, empty, "nothing conclusive")
	assert.Contains(t, empty, "The user sent a label photo.")
}
