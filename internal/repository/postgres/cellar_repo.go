package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"cellar/internal/domain"
	"cellar/internal/port"
)

type cellarRepo struct {
	db *sqlx.DB
}

// NewCellarRepo creates a PostgreSQL-backed CellarCommitter. A submission is
// written in one transaction: new region, producer and wine rows are created
// only when the draft has no existing id, and one bottle row is always added.
func NewCellarRepo(db *sqlx.DB) port.CellarCommitter {
	return &cellarRepo{db: db}
}

func (r *cellarRepo) Commit(ctx context.Context, sub domain.CellarSubmission) (res *domain.CommitResult, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("cellarRepo.Commit: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res = &domain.CommitResult{}
	if res.RegionID, err = r.region(ctx, tx, sub.Region); err != nil {
		return nil, err
	}
	if res.ProducerID, err = r.producer(ctx, tx, res.RegionID, sub.Producer); err != nil {
		return nil, err
	}
	if res.WineID, err = r.wine(ctx, tx, res.ProducerID, sub.Wine); err != nil {
		return nil, err
	}
	if res.BottleID, err = r.bottle(ctx, tx, res.WineID, sub.Bottle); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("cellarRepo.Commit: %w", err)
	}
	return res, nil
}

func (r *cellarRepo) region(ctx context.Context, tx *sqlx.Tx, d domain.EntityDraft) (int64, error) {
	if !d.IsNew() {
		return r.mustExist(ctx, tx, "regions", *d.ExistingID)
	}
	var id int64
	err := tx.GetContext(ctx, &id,
		`INSERT INTO regions (name, country) VALUES ($1, $2) RETURNING id`,
		strings.TrimSpace(d.Name), nullString(d.Country))
	if err != nil {
		return 0, fmt.Errorf("cellarRepo.region: %w", err)
	}
	return id, nil
}

func (r *cellarRepo) producer(ctx context.Context, tx *sqlx.Tx, regionID int64, d domain.EntityDraft) (int64, error) {
	if !d.IsNew() {
		return r.mustExist(ctx, tx, "producers", *d.ExistingID)
	}
	var id int64
	err := tx.GetContext(ctx, &id,
		`INSERT INTO producers (region_id, name) VALUES ($1, $2) RETURNING id`,
		regionID, strings.TrimSpace(d.Name))
	if err != nil {
		return 0, fmt.Errorf("cellarRepo.producer: %w", err)
	}
	return id, nil
}

func (r *cellarRepo) wine(ctx context.Context, tx *sqlx.Tx, producerID int64, d domain.WineDraft) (int64, error) {
	if !d.IsNew() {
		return r.mustExist(ctx, tx, "wines", *d.ExistingID)
	}
	grapes := d.Grapes
	if grapes == nil {
		grapes = []string{}
	}
	var id int64
	err := tx.GetContext(ctx, &id,
		`INSERT INTO wines (producer_id, name, vintage, wine_type, grapes)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		producerID, strings.TrimSpace(d.Name), nullString(d.Vintage), nullString(d.WineType), grapes)
	if err != nil {
		return 0, fmt.Errorf("cellarRepo.wine: %w", err)
	}
	return id, nil
}

func (r *cellarRepo) bottle(ctx context.Context, tx *sqlx.Tx, wineID int64, b domain.BottleDetails) (int64, error) {
	qty := b.Quantity
	if qty <= 0 {
		qty = 1
	}
	var id int64
	err := tx.GetContext(ctx, &id,
		`INSERT INTO bottles (wine_id, size, storage_location, quantity, price, currency, purchase_date, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7::date, $8) RETURNING id`,
		wineID, b.Size, b.StorageLocation, qty, b.Price,
		nullString(strings.ToUpper(b.Currency)), nullString(b.PurchaseDate), nullString(b.Notes))
	if err != nil {
		return 0, fmt.Errorf("cellarRepo.bottle: %w", err)
	}
	return id, nil
}

// mustExist guards against drafts that point at rows deleted since the
// duplicate check ran.
func (r *cellarRepo) mustExist(ctx context.Context, tx *sqlx.Tx, table string, id int64) (int64, error) {
	var found int64
	err := tx.GetContext(ctx, &found, "SELECT id FROM "+table+" WHERE id = $1", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("cellarRepo: %s %d: %w", table, id, domain.ErrNotFound)
		}
		return 0, fmt.Errorf("cellarRepo.mustExist: %w", err)
	}
	return found, nil
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}
