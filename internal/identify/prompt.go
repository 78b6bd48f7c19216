package identify

import (
	"fmt"
	"strings"

	"cellar/internal/domain"
)

const outputSchema = `{
  "producer": "<winery or producer, null if unknown>",
  "wineName": "<cuvée or wine name, null if unknown>",
  "vintage": "<four-digit year or \"NV\", null if unknown>",
  "region": "<region or appellation>",
  "country": "<country>",
  "wineType": "<Red | White | Rosé | Sparkling | Dessert | Fortified>",
  "grapes": ["<grape variety>"],
  "confidence": <0.0-1.0>,
  "action": "identified | disambiguate | needs_more_info",
  "candidates": [{"producer": "", "wineName": "", "vintage": "", "region": "", "confidence": 0.0}],
  "reasoning": "<one sentence>"
}`

const rules = `Rules:
- Return ONLY the JSON object, no Markdown and no commentary.
- Emit fields in the order shown; use null for anything you cannot determine.
- Use "disambiguate" with 2-4 candidates when several wines fit equally well.
- Use "needs_more_info" when the input is too vague to identify any wine.
- Never invent a vintage that is not visible or stated.`

const tier1TextPrompt = `You are a sommelier identifying a wine from a short description.

Description: %s

Return a JSON object:
%s

%s`

const tier1ImagePrompt = `You are a sommelier identifying a wine from a photo of its label.
%s
Read the label carefully: producer, cuvée, vintage, appellation.

Return a JSON object:
%s

%s`

const escalationPrompt = `You are a master sommelier reviewing an uncertain identification.

%s
A previous attempt (tier %d, confidence %.2f) suggested:
%s

Verify or correct each field. Resolve between candidates if any were listed.%s

Return a JSON object:
%s

%s`

// BuildPrompt returns the first-tier prompt for in.
func BuildPrompt(in Input) string {
	if in.HasImage() {
		extra := ""
		if t := strings.TrimSpace(in.Text); t != "" {
			extra = "\nThe user added: " + t + "\n"
		}
		return fmt.Sprintf(tier1ImagePrompt, extra, outputSchema, rules)
	}
	return fmt.Sprintf(tier1TextPrompt, strings.TrimSpace(in.Text), outputSchema, rules)
}

// BuildEscalationPrompt re-asks with the prior result as context so the
// stronger tier can focus on what is uncertain.
func BuildEscalationPrompt(in Input, prior *domain.IdentificationResult, tier domain.Tier) string {
	var original string
	switch {
	case in.HasImage() && strings.TrimSpace(in.Text) != "":
		original = "The user sent a label photo and wrote: " + strings.TrimSpace(in.Text)
	case in.HasImage():
		original = "The user sent a label photo."
	default:
		original = "The user wrote: " + strings.TrimSpace(in.Text)
	}

	var known strings.Builder
	for _, f := range []string{"producer", "wineName", "vintage", "region", "country"} {
		if v := prior.StringField(f); v != "" {
			fmt.Fprintf(&known, "- %s: %s\n", f, v)
		}
	}
	for _, c := range prior.Candidates {
		fmt.Fprintf(&known, "- candidate: %s %s %s\n", c.Producer, c.WineName, c.Vintage)
	}
	if known.Len() == 0 {
		known.WriteString("- nothing conclusive\n")
	}

	search := ""
	if tier == domain.Tier3 {
		search = "\nUse web search to confirm the producer's current range and vintages."
	}
	return fmt.Sprintf(escalationPrompt, original, prior.TierUsed, prior.Confidence,
		known.String(), search, outputSchema, rules)
}
