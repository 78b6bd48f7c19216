package identify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var fixedNow = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func TestApplyInferences(t *testing.T) {
	tests := []struct {
		name     string
		fields   map[string]any
		input    string
		want     map[string]any
		inferred []string
	}{
		{
			name:     "country from accented region",
			fields:   map[string]any{"region": "Côtes du Rhône"},
			want:     map[string]any{"region": "Côtes du Rhône", "country": "France"},
			inferred: []string{InferCountryFromRegion},
		},
		{
			name:     "reported country kept",
			fields:   map[string]any{"region": "Rioja", "country": "España"},
			want:     map[string]any{"region": "Rioja", "country": "España"},
			inferred: []string{},
		},
		{
			name:     "type from grape objects",
			fields:   map[string]any{"grapes": []any{map[string]any{"name": "Grüner Veltliner", "percent": 100.0}}},
			want:     map[string]any{"grapes": []any{map[string]any{"name": "Grüner Veltliner", "percent": 100.0}}, "wineType": "White"},
			inferred: []string{InferTypeFromGrape},
		},
		{
			name:     "mixed colours fall back to keywords",
			fields:   map[string]any{"grapes": []any{"Pinot Noir", "Chardonnay"}, "wineName": "Brut Champagne"},
			want:     map[string]any{"grapes": []any{"Pinot Noir", "Chardonnay"}, "wineName": "Brut Champagne", "wineType": "Sparkling"},
			inferred: []string{InferTypeFromKeyword},
		},
		{
			name:     "vintage from text skips future years",
			fields:   map[string]any{},
			input:    "bought in 2031? no, the 2019 bottle",
			want:     map[string]any{"vintage": "2019"},
			inferred: []string{InferVintageFromText},
		},
		{
			name:     "keyword needs a whole word",
			fields:   map[string]any{"wineName": "Portrait"},
			want:     map[string]any{"wineName": "Portrait"},
			inferred: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := applyInferences(tt.fields, tt.input, fixedNow)
			assert.Equal(t, tt.inferred, got)
			assert.Equal(t, tt.want, tt.fields)
		})
	}
}
