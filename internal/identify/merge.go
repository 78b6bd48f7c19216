package identify

import (
	"reflect"

	"cellar/internal/matcher"
)

// Field provenance after an escalation.
const (
	ProvenanceAgree     = "agree"
	ProvenanceEscalated = "escalated"
	ProvenanceCorrected = "corrected"
	ProvenanceCarried   = "carried"
)

// Fields that describe one response rather than the wine; never carried over.
var perResponseFields = map[string]bool{
	"confidence":         true,
	"action":             true,
	"candidates":         true,
	"reasoning":          true,
	"requiresUserChoice": true,
}

// mergeEscalation overlays the escalated fields on the prior ones. The
// escalated tier wins disagreements; prior values fill its gaps. It returns
// the merged fields, per-field provenance and how many key fields agreed.
func mergeEscalation(prior, escalated map[string]any) (map[string]any, map[string]string, int) {
	merged := make(map[string]any, len(prior)+len(escalated))
	provenance := make(map[string]string)
	agreed := 0

	for k, v := range escalated {
		merged[k] = v
		if perResponseFields[k] {
			continue
		}
		pv, ok := prior[k]
		switch {
		case !ok:
			provenance[k] = ProvenanceEscalated
		case sameValue(pv, v):
			provenance[k] = ProvenanceAgree
			if _, key := keyFieldWeights[k]; key {
				agreed++
			}
		default:
			provenance[k] = ProvenanceCorrected
		}
	}
	for k, v := range prior {
		if _, done := merged[k]; done || perResponseFields[k] {
			continue
		}
		merged[k] = v
		provenance[k] = ProvenanceCarried
	}
	return merged, provenance, agreed
}

func sameValue(a, b any) bool {
	sa, sb := asString(a), asString(b)
	if sa != "" || sb != "" {
		return matcher.Normalize(sa) == matcher.Normalize(sb)
	}
	return reflect.DeepEqual(a, b)
}

// boostForAgreement raises confidence by a fifth of the remaining gap for
// every key field both tiers agreed on.
func boostForAgreement(conf float64, agreed int) float64 {
	for i := 0; i < agreed; i++ {
		conf += (1 - conf) * 0.2
	}
	return clamp01(conf)
}
