package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"cellar/internal/domain"
	"cellar/internal/matcher"
	"cellar/internal/port"
)

// candidateLimit caps the rows pulled for client-side ranking.
const candidateLimit = 50

type catalogRepo struct {
	db      *sqlx.DB
	matcher *matcher.Matcher
}

// NewCatalogRepo creates a PostgreSQL-backed CatalogChecker.
func NewCatalogRepo(db *sqlx.DB, m *matcher.Matcher) port.CatalogChecker {
	return &catalogRepo{db: db, matcher: m}
}

// catalogRow is the common shape of every candidate query. Parent is the
// country, region or producer name depending on the entity type.
type catalogRow struct {
	ID      int64          `db:"id"`
	Name    string         `db:"name"`
	Parent  sql.NullString `db:"parent"`
	Vintage sql.NullString `db:"vintage"`
}

func (r *catalogRepo) CheckDuplicate(ctx context.Context, req domain.DuplicateCheckRequest) (*domain.DuplicateCheckResult, error) {
	if !req.Type.Valid() {
		return nil, domain.NewValidationError("type", "must be region, producer or wine")
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, domain.NewValidationError("name", "is required")
	}

	named, params := candidateQuery(req, r.matcher.SearchTokens(req.Name))
	query, args, err := sqlx.Named(named, params)
	if err != nil {
		return nil, fmt.Errorf("binding %s candidate query: %w", req.Type, err)
	}

	var rows []catalogRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("selecting %s candidates: %w", req.Type, err)
	}

	exact, similar := r.matcher.Rank(req.Name, toEntries(req.Type, rows))
	result := &domain.DuplicateCheckResult{ExactMatch: exact, SimilarMatches: similar}

	if req.Type == domain.EntityWine && exact != nil {
		id := exact.ID
		result.ExistingWineID = &id
		if err := r.db.GetContext(ctx, &result.ExistingBottleCount,
			`SELECT COALESCE(SUM(quantity), 0) FROM bottles WHERE wine_id = $1 AND consumed_at IS NULL`, id,
		); err != nil {
			return nil, fmt.Errorf("counting bottles for wine %d: %w", id, err)
		}
	}
	return result, nil
}

// candidateQuery builds the named pre-filter query for req. Context narrows
// producers to a region and wines to a producer and vintage.
func candidateQuery(req domain.DuplicateCheckRequest, tokens []string) (string, map[string]any) {
	var (
		base  string
		col   string
		extra []string
	)
	switch req.Type {
	case domain.EntityRegion:
		base = `SELECT r.id, r.name, r.country AS parent, NULL AS vintage FROM regions r`
		col = "r.name"
	case domain.EntityProducer:
		base = `SELECT p.id, p.name, r.name AS parent, NULL AS vintage
			FROM producers p JOIN regions r ON r.id = p.region_id`
		col = "p.name"
		if req.Context.RegionID != nil {
			extra = append(extra, "p.region_id = :region_id")
		}
	default:
		base = `SELECT w.id, w.name, p.name AS parent, w.vintage
			FROM wines w JOIN producers p ON p.id = w.producer_id`
		col = "w.name"
		switch {
		case req.Context.ProducerID != nil:
			extra = append(extra, "w.producer_id = :producer_id")
		case req.Context.Producer != "":
			extra = append(extra, "unaccent(lower(p.name)) = unaccent(lower(:producer))")
		}
		if req.Context.Vintage != "" {
			extra = append(extra, "w.vintage = :vintage")
		}
	}

	filter, params := matcher.BuildCandidateFilter(col, tokens, req.Name)
	where := append([]string{filter}, extra...)
	if req.Context.RegionID != nil {
		params["region_id"] = *req.Context.RegionID
	}
	if req.Context.ProducerID != nil {
		params["producer_id"] = *req.Context.ProducerID
	}
	if req.Context.Producer != "" {
		params["producer"] = req.Context.Producer
	}
	if req.Context.Vintage != "" {
		params["vintage"] = req.Context.Vintage
	}

	query := fmt.Sprintf("%s WHERE %s ORDER BY %s LIMIT %d",
		base, strings.Join(where, " AND "), tokenRank(col, len(tokens)), candidateLimit)
	return query, params
}

// tokenRank orders rows by how many search tokens they contain so the limit
// drops the weakest candidates rather than the last ones alphabetically.
func tokenRank(col string, n int) string {
	if n == 0 {
		return col
	}
	hits := make([]string, n)
	for i := range hits {
		hits[i] = fmt.Sprintf("CASE WHEN unaccent(lower(%s)) LIKE :%s%d THEN 1 ELSE 0 END", col, matcher.DefaultParamPrefix, i)
	}
	return "(" + strings.Join(hits, " + ") + ") DESC, " + col
}

func toEntries(t domain.EntityType, rows []catalogRow) []matcher.CatalogEntry {
	parentKey := map[domain.EntityType]string{
		domain.EntityRegion:   "country",
		domain.EntityProducer: "region",
		domain.EntityWine:     "producer",
	}[t]

	entries := make([]matcher.CatalogEntry, 0, len(rows))
	for _, row := range rows {
		meta := map[string]any{}
		if row.Parent.Valid {
			meta[parentKey] = row.Parent.String
		}
		if row.Vintage.Valid {
			meta["vintage"] = row.Vintage.String
		}
		if len(meta) == 0 {
			meta = nil
		}
		entries = append(entries, matcher.CatalogEntry{ID: row.ID, Name: row.Name, AuxMeta: meta})
	}
	return entries
}
