package identify

import (
	"strconv"
	"strings"

	"cellar/internal/domain"
)

// Key fields and their weight in the completeness score.
var keyFieldWeights = map[string]float64{
	"producer": 0.35,
	"wineName": 0.35,
	"vintage":  0.15,
	"region":   0.15,
}

const (
	reportedWeight     = 0.8
	completenessWeight = 0.2
	// unreportedFactor scales completeness when the model gave no confidence.
	unreportedFactor = 0.5
)

// normalizeConfidence reads a model-reported confidence given as 0-1, 0-100
// or a percentage string.
func normalizeConfidence(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(x), "%"), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
		if strings.HasSuffix(strings.TrimSpace(x), "%") {
			f /= 100
		}
	default:
		return 0, false
	}
	if f > 1 && f <= 100 {
		f /= 100
	}
	if f < 0 || f > 1 {
		return 0, false
	}
	return f, true
}

func completeness(fields map[string]any) float64 {
	score := 0.0
	for name, w := range keyFieldWeights {
		if s, ok := fields[name].(string); ok && strings.TrimSpace(s) != "" {
			score += w
		} else if _, ok := fields[name].(float64); ok {
			score += w
		}
	}
	return score
}

// scoreConfidence blends the reported confidence with how many key fields the
// model actually filled in.
func scoreConfidence(fields map[string]any) float64 {
	c := completeness(fields)
	reported, ok := normalizeConfidence(fields["confidence"])
	if !ok {
		return clamp01(c * unreportedFactor)
	}
	return clamp01(reportedWeight*reported + completenessWeight*c)
}

func clamp01(f float64) float64 {
	return max(0, min(1, f))
}

func actionOf(fields map[string]any) string {
	if a, ok := fields["action"].(string); ok {
		switch a {
		case domain.ActionIdentified, domain.ActionDisambiguate, domain.ActionNeedsMore:
			return a
		}
	}
	if completeness(fields) >= keyFieldWeights["producer"] {
		return domain.ActionIdentified
	}
	return domain.ActionNeedsMore
}

// needsUserChoice reports whether the model asked the user to pick.
func needsUserChoice(fields map[string]any) bool {
	if b, ok := fields["requiresUserChoice"].(bool); ok && b {
		return true
	}
	return actionOf(fields) == domain.ActionDisambiguate
}

func candidatesOf(fields map[string]any) []domain.WineCandidate {
	raw, ok := fields["candidates"].([]any)
	if !ok {
		return nil
	}
	out := make([]domain.WineCandidate, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		c := domain.WineCandidate{
			Producer: asString(m["producer"]),
			WineName: asString(m["wineName"]),
			Vintage:  asString(m["vintage"]),
			Region:   asString(m["region"]),
		}
		c.Confidence, _ = normalizeConfidence(m["confidence"])
		if c.Producer == "" && c.WineName == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return ""
}
