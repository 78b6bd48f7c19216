package identify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeEscalation(t *testing.T) {
	prior := map[string]any{
		"producer": "Domaine de la Romanée-Conti", "wineName": "La Tâche", "vintage": "2012",
		"country": "France", "confidence": 0.6, "action": "disambiguate", "candidates": []any{},
	}
	escalated := map[string]any{
		"producer": "domaine de la romanee conti", "wineName": "La Tache", "vintage": "2013",
		"region": "Vosne-Romanée", "confidence": 0.9,
	}

	merged, provenance, agreed := mergeEscalation(prior, escalated)

	assert.Equal(t, 2, agreed)
	assert.Equal(t, map[string]string{
		"producer": ProvenanceAgree,
		"wineName": ProvenanceAgree,
		"vintage":  ProvenanceCorrected,
		"region":   ProvenanceEscalated,
		"country":  ProvenanceCarried,
	}, provenance)
	assert.Equal(t, "2013", merged["vintage"])
	assert.Equal(t, "France", merged["country"])
	assert.Equal(t, 0.9, merged["confidence"])
	assert.NotContains(t, merged, "action")
	assert.NotContains(t, merged, "candidates")
	assert.Equal(t, "2012", prior["vintage"])
}

func TestBoostForAgreement(t *testing.T) {
	assert.InDelta(t, 0.5, boostForAgreement(0.5, 0), 1e-9)
	assert.InDelta(t, 0.6, boostForAgreement(0.5, 1), 1e-9)
	assert.InDelta(t, 0.68, boostForAgreement(0.5, 2), 1e-9)
	assert.InDelta(t, 1.0, boostForAgreement(1.0, 4), 1e-9)
}
