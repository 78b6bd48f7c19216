package port

import (
	"context"

	"cellar/internal/domain"
)

// CatalogChecker answers duplicate checks against the wine catalog.
type CatalogChecker interface {
	CheckDuplicate(ctx context.Context, req domain.DuplicateCheckRequest) (*domain.DuplicateCheckResult, error)
}

// CellarCommitter writes a confirmed add-to-cellar submission through the
// application's CRUD layer.
type CellarCommitter interface {
	Commit(ctx context.Context, sub domain.CellarSubmission) (*domain.CommitResult, error)
}
