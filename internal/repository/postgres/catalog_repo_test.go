package postgres

import (
	"database/sql"
	"strings"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellar/internal/domain"
)

func int64Ptr(v int64) *int64 { return &v }

func TestCandidateQuery_Region(t *testing.T) {
	query, params := candidateQuery(domain.DuplicateCheckRequest{Type: domain.EntityRegion, Name: "Bordeaux"}, []string{"bordeaux"})

	assert.Contains(t, query, "FROM regions r WHERE (unaccent(lower(r.name)) LIKE :tok0 OR soundex(r.name) = soundex(:tok_raw))")
	assert.Contains(t, query, "LIMIT 50")
	assert.Equal(t, "%bordeaux%", params["tok0"])
	assert.NotContains(t, params, "region_id")
}

func TestCandidateQuery_ProducerScopedToRegion(t *testing.T) {
	req := domain.DuplicateCheckRequest{
		Type:    domain.EntityProducer,
		Name:    "Château Margaux",
		Context: domain.DuplicateCheckContext{RegionID: int64Ptr(7)},
	}
	query, params := candidateQuery(req, []string{"chateau", "margaux"})

	assert.Contains(t, query, "AND p.region_id = :region_id")
	assert.Equal(t, int64(7), params["region_id"])
	assert.Equal(t, "%margaux%", params["tok1"])
}

func TestCandidateQuery_WineScopedByProducerNameAndVintage(t *testing.T) {
	req := domain.DuplicateCheckRequest{
		Type:    domain.EntityWine,
		Name:    "Pavillon Rouge",
		Context: domain.DuplicateCheckContext{Producer: "Château Margaux", Vintage: "2015"},
	}
	query, params := candidateQuery(req, []string{"pavillon", "rouge"})

	assert.Contains(t, query, "unaccent(lower(p.name)) = unaccent(lower(:producer))")
	assert.Contains(t, query, "w.vintage = :vintage")
	assert.Equal(t, "2015", params["vintage"])

	bound, args, err := sqlx.Named(query, params)
	require.NoError(t, err)
	assert.Equal(t, strings.Count(bound, "?"), len(args))
	rebound := sqlx.Rebind(sqlx.DOLLAR, bound)
	assert.Contains(t, rebound, "$1")
	assert.NotContains(t, rebound, "?")
}

func TestCandidateQuery_RanksByTokenHits(t *testing.T) {
	req := domain.DuplicateCheckRequest{Type: domain.EntityProducer, Name: "Château Margaux"}
	query, params := candidateQuery(req, []string{"chateau", "margaux"})

	assert.Contains(t, query, "ORDER BY (CASE WHEN unaccent(lower(p.name)) LIKE :tok0 THEN 1 ELSE 0 END"+
		" + CASE WHEN unaccent(lower(p.name)) LIKE :tok1 THEN 1 ELSE 0 END) DESC, p.name LIMIT 50")

	bound, args, err := sqlx.Named(query, params)
	require.NoError(t, err)
	assert.Equal(t, strings.Count(bound, "?"), len(args))
}

func TestCandidateQuery_NoTokensOrdersByName(t *testing.T) {
	query, _ := candidateQuery(domain.DuplicateCheckRequest{Type: domain.EntityRegion, Name: "Le"}, nil)

	assert.Contains(t, query, "ORDER BY r.name LIMIT 50")
}

func TestCandidateQuery_ProducerIDWinsOverName(t *testing.T) {
	req := domain.DuplicateCheckRequest{
		Type:    domain.EntityWine,
		Name:    "Grand Vin",
		Context: domain.DuplicateCheckContext{ProducerID: int64Ptr(3), Producer: "Latour"},
	}
	query, _ := candidateQuery(req, []string{"grand"})

	assert.Contains(t, query, "w.producer_id = :producer_id")
	assert.NotContains(t, query, "lower(p.name)")
}

func TestToEntries(t *testing.T) {
	rows := []catalogRow{
		{ID: 1, Name: "Opus One", Parent: sql.NullString{String: "Opus One Winery", Valid: true}, Vintage: sql.NullString{String: "2015", Valid: true}},
		{ID: 2, Name: "Overture"},
	}
	entries := toEntries(domain.EntityWine, rows)

	require.Len(t, entries, 2)
	assert.Equal(t, map[string]any{"producer": "Opus One Winery", "vintage": "2015"}, entries[0].AuxMeta)
	assert.Nil(t, entries[1].AuxMeta)
}
