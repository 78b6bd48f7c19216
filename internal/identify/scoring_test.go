package identify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"cellar/internal/domain"
)

func TestNormalizeConfidence(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want float64
		ok   bool
	}{
		{"fraction", 0.85, 0.85, true},
		{"percent number", 85.0, 0.85, true},
		{"percent string", "72%", 0.72, true},
		{"numeric string", "0.6", 0.6, true},
		{"negative", -0.1, 0, false},
		{"too large", 250.0, 0, false},
		{"garbage", "high", 0, false},
		{"missing", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := normalizeConfidence(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestScoreConfidence(t *testing.T) {
	full := map[string]any{"producer": "Ridge", "wineName": "Monte Bello", "vintage": 2016.0, "region": "Santa Cruz Mountains"}

	assert.InDelta(t, 0.5, scoreConfidence(full), 1e-9, "unreported confidence halves completeness")

	full["confidence"] = 0.9
	assert.InDelta(t, 0.92, scoreConfidence(full), 1e-9)

	assert.InDelta(t, 0.8*0.9+0.2*0.35, scoreConfidence(map[string]any{"producer": "Ridge", "confidence": 0.9}), 1e-9)
	assert.InDelta(t, 0.0, scoreConfidence(map[string]any{"wineName": "   "}), 1e-9)
}

func TestActionOf(t *testing.T) {
	assert.Equal(t, domain.ActionDisambiguate, actionOf(map[string]any{"action": "disambiguate"}))
	assert.Equal(t, domain.ActionIdentified, actionOf(map[string]any{"action": "guess", "producer": "Ridge"}))
	assert.Equal(t, domain.ActionNeedsMore, actionOf(map[string]any{"vintage": "2016"}))

	assert.True(t, needsUserChoice(map[string]any{"requiresUserChoice": true, "producer": "Ridge"}))
	assert.False(t, needsUserChoice(map[string]any{"producer": "Ridge"}))
}

func TestCandidatesOf_SkipsEmptyEntries(t *testing.T) {
	got := candidatesOf(map[string]any{"candidates": []any{
		map[string]any{"producer": "Penfolds", "wineName": "Grange", "vintage": 2010.0, "confidence": 55.0},
		map[string]any{"region": "Barossa"},
		"not an object",
	}})

	assert.Equal(t, []domain.WineCandidate{{Producer: "Penfolds", WineName: "Grange", Vintage: "2010", Confidence: 0.55}}, got)
}
