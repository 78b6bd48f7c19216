package matcher

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Letters that do not decompose under NFD.
var ligatures = strings.NewReplacer(
	"æ", "ae", "Æ", "AE",
	"œ", "oe", "Œ", "OE",
	"ø", "o", "Ø", "O",
	"ß", "ss",
	"ł", "l", "Ł", "L",
)

// Leading articles in French, Spanish, Italian, German, Portuguese and
// English. Longer forms come first so alternation prefers them.
var articleWords = []string{
	"eine", "ein", "une", "uno", "una", "les", "las", "los", "gli", "der",
	"die", "das", "des", "the", "le", "la", "el", "il", "lo", "du", "os",
	"as", "an", "un", "o", "a",
}

var (
	leadingArticle = regexp.MustCompile(`(?i)^\s*(?:l['’ʼ]\s*|(?:` + strings.Join(articleWords, "|") + `)\s+)`)
	articleSet     = func() map[string]struct{} {
		m := make(map[string]struct{}, len(articleWords)+1)
		for _, w := range articleWords {
			m[w] = struct{}{}
		}
		m["l"] = struct{}{}
		return m
	}()
)

// FoldDiacritics removes combining marks, so "Château" becomes "Chateau".
func FoldDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, ligatures.Replace(s))
	if err != nil {
		return s
	}
	return out
}

// StripArticles removes one leading article at a word boundary. Case and
// accents of the remainder are kept; a name that is only an article is
// returned unchanged.
func StripArticles(name string) string {
	loc := leadingArticle.FindStringIndex(name)
	if loc == nil {
		return strings.TrimSpace(name)
	}
	rest := strings.TrimSpace(name[loc[1]:])
	if rest == "" {
		return strings.TrimSpace(name)
	}
	return rest
}

// Normalize folds diacritics and case, turns punctuation into spaces, drops a
// leading article and collapses whitespace.
func Normalize(s string) string {
	return strings.Join(tokens(s), " ")
}

func tokens(s string) []string {
	folded := strings.ToLower(FoldDiacritics(s))
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(fields) > 1 {
		if _, ok := articleSet[fields[0]]; ok {
			fields = fields[1:]
		}
	}
	return fields
}
