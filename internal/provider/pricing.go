package provider

import "strings"

// Per-million-token prices in USD, matched by longest model-name prefix.
var pricing = map[string]struct{ input, output float64 }{
	"gemini-2.5-flash-lite": {0.10, 0.40},
	"gemini-2.5-flash":      {0.30, 2.50},
	"gemini-2.5-pro":        {1.25, 10.00},
	"gemini-2.0-flash":      {0.10, 0.40},
	"claude-haiku":          {0.80, 4.00},
	"claude-3-5-haiku":      {0.80, 4.00},
	"claude-sonnet":         {3.00, 15.00},
	"claude-opus":           {15.00, 75.00},
	"gpt-4o-mini":           {0.15, 0.60},
	"gpt-4o":                {2.50, 10.00},
	"gpt-4.1-mini":          {0.40, 1.60},
	"gpt-4.1":               {2.00, 8.00},
}

// EstimateCost returns the USD cost of a call. Unknown models cost 0.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	best := ""
	for prefix := range pricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return 0
	}
	p := pricing[best]
	return (float64(inputTokens)*p.input + float64(outputTokens)*p.output) / 1_000_000
}
