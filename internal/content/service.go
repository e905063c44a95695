package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"chalkboard/content/internal/db"
)

var (
	ErrInvalidStatus  = errors.New("status must be one of: seen, completed")
	ErrInvalidBlock   = errors.New("block does not belong to lesson")
	ErrLessonNotFound = errors.New("lesson not found")

	// ErrMissingVariant marks a lesson block that resolved no variant at
	// all, not even a default. That is broken authoring data; the
	// request fails loudly instead of silently dropping the block.
	ErrMissingVariant = errors.New("block has no variant")
)

// DeniedError is an access-validation failure. Every denial maps to a
// not-found outcome at the boundary so callers cannot tell a missing
// entity from one owned by another tenant, beyond the reason text.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return e.Reason
}

// Backend is the store surface the core needs. *db.Store satisfies it.
type Backend interface {
	TenantExists(ctx context.Context, tenantID int64) (bool, error)
	UserInTenant(ctx context.Context, userID, tenantID int64) (bool, error)
	LessonInTenant(ctx context.Context, lessonID, tenantID int64) (bool, error)
	BlockInLesson(ctx context.Context, lessonID, blockID int64) (bool, error)
	GetLesson(ctx context.Context, lessonID int64) (db.Lesson, error)
	ListAssembledBlocks(ctx context.Context, lessonID, tenantID, userID int64) ([]db.AssembledBlockRow, error)
	GetProgressSummary(ctx context.Context, userID, lessonID int64) (db.ProgressSummaryRow, error)
	UpsertProgressTx(ctx context.Context, userID, lessonID, blockID int64, status db.ProgressStatus) (db.ProgressStatus, db.ProgressSummaryRow, error)
}

type Service struct {
	store Backend
	log   *zap.Logger
}

func NewService(store Backend, log *zap.Logger) *Service {
	return &Service{store: store, log: log}
}

type Variant struct {
	ID       int64
	TenantID *int64
	Data     json.RawMessage
}

type Block struct {
	ID           int64
	Type         string
	Position     int32
	Variant      Variant
	UserProgress *db.ProgressStatus
}

type ProgressSummary struct {
	TotalBlocks     int32
	SeenBlocks      int32
	CompletedBlocks int32
	LastSeenBlockID *int64
	Completed       bool
}

type LessonContent struct {
	Lesson  db.Lesson
	Blocks  []Block
	Summary ProgressSummary
}

// ValidateAccess checks the (tenant, user, lesson) triple against
// current data, short-circuiting on the first failure.
func (s *Service) ValidateAccess(ctx context.Context, tenantID, userID, lessonID int64) error {
	ok, err := s.store.TenantExists(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("tenant lookup: %w", err)
	}
	if !ok {
		return &DeniedError{Reason: "Tenant not found"}
	}

	ok, err = s.store.UserInTenant(ctx, userID, tenantID)
	if err != nil {
		return fmt.Errorf("user lookup: %w", err)
	}
	if !ok {
		return &DeniedError{Reason: "User not found or does not belong to tenant"}
	}

	ok, err = s.store.LessonInTenant(ctx, lessonID, tenantID)
	if err != nil {
		return fmt.Errorf("lesson lookup: %w", err)
	}
	if !ok {
		return &DeniedError{Reason: "Lesson not found or does not belong to tenant"}
	}
	return nil
}

// AssembleLesson builds the lesson header, the ordered block list with
// tenant-resolved variants and per-block user progress, and the
// current progress summary. The caller is expected to have validated
// access first; a lesson deleted in between still surfaces as
// ErrLessonNotFound.
func (s *Service) AssembleLesson(ctx context.Context, tenantID, userID, lessonID int64) (LessonContent, error) {
	var out LessonContent

	lesson, err := s.store.GetLesson(ctx, lessonID)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, ErrLessonNotFound
	}
	if err != nil {
		return out, fmt.Errorf("get lesson: %w", err)
	}

	rows, err := s.store.ListAssembledBlocks(ctx, lessonID, tenantID, userID)
	if err != nil {
		return out, fmt.Errorf("assemble blocks: %w", err)
	}

	blocks := make([]Block, 0, len(rows))
	for _, row := range rows {
		if row.VariantID == nil {
			s.log.Error("lesson block resolved no variant",
				zap.Int64("lesson_id", lessonID),
				zap.Int64("block_id", row.BlockID),
			)
			return out, fmt.Errorf("block %d: %w", row.BlockID, ErrMissingVariant)
		}
		blocks = append(blocks, Block{
			ID:       row.BlockID,
			Type:     row.BlockType,
			Position: row.Position,
			Variant: Variant{
				ID:       *row.VariantID,
				TenantID: row.VariantTenantID,
				Data:     row.VariantData,
			},
			UserProgress: row.UserProgress,
		})
	}

	summaryRow, err := s.store.GetProgressSummary(ctx, userID, lessonID)
	if err != nil {
		return out, fmt.Errorf("progress summary: %w", err)
	}

	out.Lesson = lesson
	out.Blocks = blocks
	out.Summary = buildSummary(summaryRow)
	return out, nil
}

// Summarize recomputes the user's progress summary from current rows.
func (s *Service) Summarize(ctx context.Context, userID, lessonID int64) (ProgressSummary, error) {
	row, err := s.store.GetProgressSummary(ctx, userID, lessonID)
	if err != nil {
		return ProgressSummary{}, fmt.Errorf("progress summary: %w", err)
	}
	return buildSummary(row), nil
}

// UpsertProgress validates the write, applies the monotonic merge
// atomically at the store, and returns the post-merge stored status
// (requesting "seen" over a completed row returns "completed") together
// with a summary recomputed inside the same transaction.
func (s *Service) UpsertProgress(ctx context.Context, userID, lessonID, blockID int64, status db.ProgressStatus) (db.ProgressStatus, ProgressSummary, error) {
	if !status.Valid() {
		return "", ProgressSummary{}, ErrInvalidStatus
	}

	ok, err := s.store.BlockInLesson(ctx, lessonID, blockID)
	if err != nil {
		return "", ProgressSummary{}, fmt.Errorf("block lookup: %w", err)
	}
	if !ok {
		return "", ProgressSummary{}, ErrInvalidBlock
	}

	stored, summaryRow, err := s.store.UpsertProgressTx(ctx, userID, lessonID, blockID, status)
	if err != nil {
		return "", ProgressSummary{}, fmt.Errorf("upsert progress: %w", err)
	}
	return stored, buildSummary(summaryRow), nil
}

// A lesson with zero blocks is never completed.
func buildSummary(row db.ProgressSummaryRow) ProgressSummary {
	return ProgressSummary{
		TotalBlocks:     row.TotalBlocks,
		SeenBlocks:      row.SeenBlocks,
		CompletedBlocks: row.CompletedBlocks,
		LastSeenBlockID: row.LastSeenBlockID,
		Completed:       row.TotalBlocks > 0 && row.CompletedBlocks == row.TotalBlocks,
	}
}
