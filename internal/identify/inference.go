package identify

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"cellar/internal/matcher"
)

// Names recorded in IdentificationResult.InferencesApplied.
const (
	InferCountryFromRegion = "country_from_region"
	InferTypeFromGrape     = "type_from_grape"
	InferTypeFromKeyword   = "type_from_keyword"
	InferVintageFromText   = "vintage_from_text"
)

// Keys are matcher-normalised.
var regionCountry = map[string]string{
	"bordeaux": "France", "pauillac": "France", "margaux": "France", "saint julien": "France",
	"saint estephe": "France", "pomerol": "France", "saint emilion": "France", "pessac leognan": "France",
	"sauternes": "France", "burgundy": "France", "bourgogne": "France", "chablis": "France",
	"cote de nuits": "France", "cote de beaune": "France", "champagne": "France", "rhone": "France",
	"cotes du rhone": "France", "chateauneuf du pape": "France", "loire": "France", "sancerre": "France",
	"alsace": "France", "provence": "France", "languedoc": "France", "beaujolais": "France",
	"tuscany": "Italy", "toscana": "Italy", "chianti": "Italy", "chianti classico": "Italy",
	"montalcino": "Italy", "bolgheri": "Italy", "piedmont": "Italy", "piemonte": "Italy",
	"barolo": "Italy", "barbaresco": "Italy", "veneto": "Italy", "valpolicella": "Italy", "sicily": "Italy",
	"rioja": "Spain", "ribera del duero": "Spain", "priorat": "Spain", "rias baixas": "Spain", "jerez": "Spain",
	"douro": "Portugal", "alentejo": "Portugal", "vinho verde": "Portugal", "dao": "Portugal",
	"mosel": "Germany", "rheingau": "Germany", "pfalz": "Germany", "nahe": "Germany",
	"wachau": "Austria", "kamptal": "Austria", "tokaj": "Hungary",
	"napa valley": "USA", "napa": "USA", "sonoma": "USA", "sonoma coast": "USA", "willamette valley": "USA",
	"paso robles": "USA", "barossa": "Australia", "barossa valley": "Australia", "mclaren vale": "Australia",
	"margaret river": "Australia", "coonawarra": "Australia", "marlborough": "New Zealand",
	"central otago": "New Zealand", "mendoza": "Argentina", "maipo": "Chile", "colchagua": "Chile",
	"stellenbosch": "South Africa", "swartland": "South Africa",
}

var grapeType = map[string]string{
	"cabernet sauvignon": "Red", "merlot": "Red", "pinot noir": "Red", "syrah": "Red", "shiraz": "Red",
	"nebbiolo": "Red", "sangiovese": "Red", "tempranillo": "Red", "malbec": "Red", "grenache": "Red",
	"garnacha": "Red", "zinfandel": "Red", "primitivo": "Red", "cabernet franc": "Red", "gamay": "Red",
	"mourvedre": "Red", "carmenere": "Red", "touriga nacional": "Red", "corvina": "Red",
	"chardonnay": "White", "sauvignon blanc": "White", "riesling": "White", "pinot grigio": "White",
	"pinot gris": "White", "chenin blanc": "White", "viognier": "White", "gewurztraminer": "White",
	"albarino": "White", "gruner veltliner": "White", "semillon": "White", "verdejo": "White",
	"muscadet": "White", "vermentino": "White",
}

// Checked in order; the first keyword found in the name fields wins.
var typeKeywords = []struct{ keyword, wineType string }{
	{"champagne", "Sparkling"}, {"cremant", "Sparkling"}, {"cava", "Sparkling"},
	{"prosecco", "Sparkling"}, {"franciacorta", "Sparkling"}, {"sekt", "Sparkling"},
	{"port", "Fortified"}, {"porto", "Fortified"}, {"sherry", "Fortified"}, {"madeira", "Fortified"},
	{"sauternes", "Dessert"}, {"tokaji", "Dessert"}, {"eiswein", "Dessert"}, {"ice wine", "Dessert"},
	{"rose", "Rosé"}, {"rosado", "Rosé"}, {"rosato", "Rosé"},
}

var vintageRe = regexp.MustCompile(`\b(19[5-9]\d|20\d\d)\b`)

// applyInferences fills fields the model left empty from well-known facts and
// the user's own text. It returns the inferences applied.
func applyInferences(fields map[string]any, inputText string, now time.Time) []string {
	applied := make([]string, 0)

	if asString(fields["country"]) == "" {
		if country, ok := regionCountry[matcher.Normalize(asString(fields["region"]))]; ok {
			fields["country"] = country
			applied = append(applied, InferCountryFromRegion)
		}
	}

	if asString(fields["wineType"]) == "" {
		if t := typeFromGrapes(fields["grapes"]); t != "" {
			fields["wineType"] = t
			applied = append(applied, InferTypeFromGrape)
		} else if t := typeFromKeywords(fields); t != "" {
			fields["wineType"] = t
			applied = append(applied, InferTypeFromKeyword)
		}
	}

	if asString(fields["vintage"]) == "" && inputText != "" {
		for _, m := range vintageRe.FindAllString(inputText, -1) {
			year, _ := strconv.Atoi(m)
			if year <= now.Year() {
				fields["vintage"] = m
				applied = append(applied, InferVintageFromText)
				break
			}
		}
	}
	return applied
}

// typeFromGrapes accepts ["Merlot"] or [{"name": "Merlot", "percent": 80}].
// Mixed colours give no answer.
func typeFromGrapes(v any) string {
	list, ok := v.([]any)
	if !ok {
		return ""
	}
	found := ""
	for _, g := range list {
		name := asString(g)
		if m, ok := g.(map[string]any); ok {
			name = asString(m["name"])
		}
		t, ok := grapeType[matcher.Normalize(name)]
		if !ok {
			continue
		}
		if found != "" && found != t {
			return ""
		}
		found = t
	}
	return found
}

func typeFromKeywords(fields map[string]any) string {
	words := " " + matcher.Normalize(asString(fields["wineName"])+" "+asString(fields["region"])) + " "
	for _, k := range typeKeywords {
		if strings.Contains(words, " "+k.keyword+" ") {
			return k.wineType
		}
	}
	return ""
}
