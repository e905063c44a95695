package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	Pool    *pgxpool.Pool
	Queries *Queries
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool, Queries: New(pool)}
}

func (s *Store) WithTx(ctx context.Context, fn func(*Queries) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	queries := s.Queries.WithTx(tx)
	if err := fn(queries); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) TenantExists(ctx context.Context, tenantID int64) (bool, error) {
	return s.Queries.TenantExists(ctx, tenantID)
}

func (s *Store) UserInTenant(ctx context.Context, userID, tenantID int64) (bool, error) {
	return s.Queries.UserInTenant(ctx, userID, tenantID)
}

func (s *Store) LessonInTenant(ctx context.Context, lessonID, tenantID int64) (bool, error) {
	return s.Queries.LessonInTenant(ctx, lessonID, tenantID)
}

func (s *Store) BlockInLesson(ctx context.Context, lessonID, blockID int64) (bool, error) {
	return s.Queries.BlockInLesson(ctx, lessonID, blockID)
}

func (s *Store) GetLesson(ctx context.Context, lessonID int64) (Lesson, error) {
	return s.Queries.GetLesson(ctx, lessonID)
}

func (s *Store) ListAssembledBlocks(ctx context.Context, lessonID, tenantID, userID int64) ([]AssembledBlockRow, error) {
	return s.Queries.ListAssembledBlocks(ctx, lessonID, tenantID, userID)
}

func (s *Store) GetProgressSummary(ctx context.Context, userID, lessonID int64) (ProgressSummaryRow, error) {
	return s.Queries.GetProgressSummary(ctx, userID, lessonID)
}

// UpsertProgressTx merges one progress write and recomputes the summary
// in a single transaction, so the returned summary always reflects the
// write it accompanies.
func (s *Store) UpsertProgressTx(ctx context.Context, userID, lessonID, blockID int64, status ProgressStatus) (ProgressStatus, ProgressSummaryRow, error) {
	var (
		stored  ProgressStatus
		summary ProgressSummaryRow
	)
	err := s.WithTx(ctx, func(q *Queries) error {
		var err error
		stored, err = q.UpsertProgress(ctx, userID, lessonID, blockID, status)
		if err != nil {
			return err
		}
		summary, err = q.GetProgressSummary(ctx, userID, lessonID)
		return err
	})
	return stored, summary, err
}
