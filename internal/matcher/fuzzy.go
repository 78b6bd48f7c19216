// Package matcher decides whether a candidate entity name already exists in
// the catalog, tolerating typos, accents, articles and word order.
package matcher

import (
	"sort"
	"strings"

	"cellar/internal/domain"
)

const (
	DefaultThreshold      = 0.8
	DefaultMinTokenLength = 3
	DefaultMaxSimilar     = 5

	// containmentScore is awarded when one name's tokens appear as a
	// contiguous run inside the other's.
	containmentScore = 0.9
	// pairFloor is the lowest token-pair similarity that counts at all.
	pairFloor = 0.5
)

// Generic words that never count as a containment hit on their own.
var genericWords = map[string]struct{}{
	"chateau": {}, "domaine": {}, "bodega": {}, "bodegas": {}, "weingut": {},
	"tenuta": {}, "cantina": {}, "quinta": {}, "estate": {}, "winery": {},
	"wines": {}, "vineyard": {}, "vineyards": {}, "cellars": {}, "cave": {},
}

// Similarity scores two names in [0,1].
func Similarity(a, b string) float64 {
	s, _ := score(tokens(a), tokens(b))
	return s
}

// IsFuzzyMatch reports whether a and b name the same entity. The threshold
// defaults to DefaultThreshold.
func IsFuzzyMatch(a, b string, threshold ...float64) bool {
	t := DefaultThreshold
	if len(threshold) > 0 {
		t = threshold[0]
	}
	s, contained := score(tokens(a), tokens(b))
	return contained || s >= t
}

// ExtractSearchTokens returns the distinct normalised tokens of name that are
// at least DefaultMinTokenLength runes long, in order of appearance.
func ExtractSearchTokens(name string) []string {
	return searchTokens(name, DefaultMinTokenLength)
}

func searchTokens(name string, minLen int) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, tok := range tokens(name) {
		if len([]rune(tok)) < minLen {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

func score(ta, tb []string) (float64, bool) {
	if len(ta) == 0 || len(tb) == 0 {
		return 0, false
	}
	if strings.Join(ta, "") == strings.Join(tb, "") {
		return 1, false
	}
	s := tokenScore(ta, tb)
	if contains(ta, tb) {
		return max(s, containmentScore), true
	}
	return s, false
}

// tokenScore pairs tokens greedily by similarity regardless of position, so
// "pichon baron" and "baron pichon" score 1. Each pair is weighted by the
// length of its tokens; unpaired tokens count as zero.
func tokenScore(ta, tb []string) float64 {
	type pair struct {
		i, j int
		sim  float64
	}
	pairs := make([]pair, 0, len(ta)*len(tb))
	total := 0
	for _, a := range ta {
		total += len([]rune(a))
	}
	for _, b := range tb {
		total += len([]rune(b))
	}
	for i, a := range ta {
		for j, b := range tb {
			if sim := tokenSimilarity(a, b); sim >= pairFloor {
				pairs = append(pairs, pair{i, j, sim})
			}
		}
	}
	sort.SliceStable(pairs, func(x, y int) bool { return pairs[x].sim > pairs[y].sim })

	usedA := make([]bool, len(ta))
	usedB := make([]bool, len(tb))
	weighted := 0.0
	for _, p := range pairs {
		if usedA[p.i] || usedB[p.j] {
			continue
		}
		usedA[p.i], usedB[p.j] = true, true
		weighted += p.sim * float64(len([]rune(ta[p.i]))+len([]rune(tb[p.j])))
	}
	return weighted / float64(total)
}

// contains reports whether the shorter token list is a contiguous run of the
// longer one. Runs made only of generic words like "chateau" do not count.
func contains(ta, tb []string) bool {
	short, long := ta, tb
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) == len(long) || allGeneric(short) {
		return false
	}
	for i := 0; i+len(short) <= len(long); i++ {
		match := true
		for k := range short {
			if long[i+k] != short[k] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func allGeneric(toks []string) bool {
	for _, t := range toks {
		if _, ok := genericWords[t]; !ok {
			return false
		}
	}
	return true
}

// Options tunes a Matcher. Zero fields take the package defaults.
type Options struct {
	Threshold      float64
	MinTokenLength int
	MaxSimilar     int
}

// CatalogEntry is an existing catalog row offered for ranking.
type CatalogEntry struct {
	ID      int64  `db:"id"`
	Name    string `db:"name"`
	AuxMeta map[string]any
}

// Matcher applies configured thresholds to catalog lookups.
type Matcher struct {
	opts Options
}

func New(opts Options) *Matcher {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.MinTokenLength <= 0 {
		opts.MinTokenLength = DefaultMinTokenLength
	}
	if opts.MaxSimilar <= 0 {
		opts.MaxSimilar = DefaultMaxSimilar
	}
	return &Matcher{opts: opts}
}

func (m *Matcher) Options() Options {
	return m.opts
}

func (m *Matcher) IsFuzzyMatch(a, b string) bool {
	return IsFuzzyMatch(a, b, m.opts.Threshold)
}

func (m *Matcher) SearchTokens(name string) []string {
	return searchTokens(name, m.opts.MinTokenLength)
}

// Rank splits entries into at most one exact match and up to MaxSimilar
// similar matches ordered by descending score. Exact means the normalised
// names are equal.
func (m *Matcher) Rank(name string, entries []CatalogEntry) (*domain.MatchCandidate, []domain.MatchCandidate) {
	want := tokens(name)
	if len(want) == 0 {
		return nil, nil
	}
	wantKey := strings.Join(want, "")

	var exact *domain.MatchCandidate
	similar := make([]domain.MatchCandidate, 0)
	for _, e := range entries {
		have := tokens(e.Name)
		if exact == nil && strings.Join(have, "") == wantKey {
			exact = &domain.MatchCandidate{
				ID: e.ID, Name: e.Name, SimilarityScore: 1,
				Kind: domain.MatchExact, AuxMeta: e.AuxMeta,
			}
			continue
		}
		s, contained := score(want, have)
		if !contained && s < m.opts.Threshold {
			continue
		}
		similar = append(similar, domain.MatchCandidate{
			ID: e.ID, Name: e.Name, SimilarityScore: s,
			Kind: domain.MatchSimilar, AuxMeta: e.AuxMeta,
		})
	}

	sort.SliceStable(similar, func(i, j int) bool {
		if similar[i].SimilarityScore != similar[j].SimilarityScore {
			return similar[i].SimilarityScore > similar[j].SimilarityScore
		}
		return similar[i].Name < similar[j].Name
	})
	if len(similar) > m.opts.MaxSimilar {
		similar = similar[:m.opts.MaxSimilar]
	}
	return exact, similar
}
