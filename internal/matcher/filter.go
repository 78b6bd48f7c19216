package matcher

import (
	"fmt"
	"strings"
)

const DefaultParamPrefix = "tok"

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// BuildCandidateFilter returns a Postgres WHERE fragment that narrows column
// to rows sharing a search token with the input, or sounding like it. The
// fragment uses sqlx named parameters (":tok0", ":tok_raw") and needs the
// unaccent and fuzzystrmatch extensions. With no tokens only the phonetic
// condition is produced.
func BuildCandidateFilter(column string, tokens []string, rawInput string, paramPrefix ...string) (string, map[string]any) {
	prefix := DefaultParamPrefix
	if len(paramPrefix) > 0 && paramPrefix[0] != "" {
		prefix = paramPrefix[0]
	}

	conds := make([]string, 0, len(tokens)+1)
	params := make(map[string]any, len(tokens)+1)
	for i, tok := range tokens {
		name := fmt.Sprintf("%s%d", prefix, i)
		conds = append(conds, fmt.Sprintf("unaccent(lower(%s)) LIKE :%s", column, name))
		params[name] = "%" + likeEscaper.Replace(tok) + "%"
	}

	raw := prefix + "_raw"
	conds = append(conds, fmt.Sprintf("soundex(%s) = soundex(:%s)", column, raw))
	params[raw] = FoldDiacritics(StripArticles(rawInput))

	return "(" + strings.Join(conds, " OR ") + ")", params
}
