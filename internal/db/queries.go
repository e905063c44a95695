package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

func (q *Queries) TenantExists(ctx context.Context, tenantID int64) (bool, error) {
	return q.exists(ctx, `SELECT 1 FROM tenants WHERE id = $1`, tenantID)
}

func (q *Queries) UserInTenant(ctx context.Context, userID, tenantID int64) (bool, error) {
	return q.exists(ctx, `SELECT 1 FROM users WHERE id = $1 AND tenant_id = $2`, userID, tenantID)
}

func (q *Queries) LessonInTenant(ctx context.Context, lessonID, tenantID int64) (bool, error) {
	return q.exists(ctx, `SELECT 1 FROM lessons WHERE id = $1 AND tenant_id = $2`, lessonID, tenantID)
}

func (q *Queries) BlockInLesson(ctx context.Context, lessonID, blockID int64) (bool, error) {
	return q.exists(ctx, `SELECT 1 FROM lesson_blocks WHERE lesson_id = $1 AND block_id = $2`, lessonID, blockID)
}

func (q *Queries) GetLesson(ctx context.Context, lessonID int64) (Lesson, error) {
	var lesson Lesson
	row := q.db.QueryRow(ctx, `
		SELECT id, slug, title
		FROM lessons
		WHERE id = $1
	`, lessonID)
	err := row.Scan(&lesson.ID, &lesson.Slug, &lesson.Title)
	return lesson, err
}

// ListAssembledBlocks returns the lesson's blocks in position order,
// each with the best variant for the tenant (tenant-specific wins over
// the NULL-tenant default, picked per block via a lateral subquery) and
// the user's progress status where one exists.
func (q *Queries) ListAssembledBlocks(ctx context.Context, lessonID, tenantID, userID int64) ([]AssembledBlockRow, error) {
	rows, err := q.db.Query(ctx, `
		SELECT b.id, b.block_type, lb.position,
		       bv.id, bv.tenant_id, bv.data,
		       ubp.status
		FROM lesson_blocks lb
		JOIN blocks b ON b.id = lb.block_id
		LEFT JOIN LATERAL (
			SELECT v.id, v.tenant_id, v.data
			FROM block_variants v
			WHERE v.block_id = b.id
			  AND (v.tenant_id = $2 OR v.tenant_id IS NULL)
			ORDER BY v.tenant_id NULLS LAST
			LIMIT 1
		) bv ON true
		LEFT JOIN user_block_progress ubp
			ON ubp.user_id = $3 AND ubp.lesson_id = $1 AND ubp.block_id = b.id
		WHERE lb.lesson_id = $1
		ORDER BY lb.position
	`, lessonID, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []AssembledBlockRow
	for rows.Next() {
		var (
			block           AssembledBlockRow
			variantID       pgtype.Int8
			variantTenantID pgtype.Int8
			status          pgtype.Text
		)
		if err := rows.Scan(
			&block.BlockID,
			&block.BlockType,
			&block.Position,
			&variantID,
			&variantTenantID,
			&block.VariantData,
			&status,
		); err != nil {
			return nil, err
		}
		if variantID.Valid {
			block.VariantID = &variantID.Int64
		}
		if variantTenantID.Valid {
			block.VariantTenantID = &variantTenantID.Int64
		}
		if status.Valid {
			progress := ProgressStatus(status.String)
			block.UserProgress = &progress
		}
		blocks = append(blocks, block)
	}
	return blocks, rows.Err()
}

// GetProgressSummary recomputes the user's progress over the lesson
// from current rows. last_seen_block_id is the progress row whose
// lesson position is highest, NULL when the user has no progress.
func (q *Queries) GetProgressSummary(ctx context.Context, userID, lessonID int64) (ProgressSummaryRow, error) {
	var (
		summary  ProgressSummaryRow
		lastSeen pgtype.Int8
	)
	row := q.db.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM lesson_blocks WHERE lesson_id = $2)::int,
			count(*) FILTER (WHERE ubp.status IN ('seen', 'completed'))::int,
			count(*) FILTER (WHERE ubp.status = 'completed')::int,
			(SELECT p.block_id
			   FROM user_block_progress p
			   JOIN lesson_blocks lb2 ON lb2.lesson_id = $2 AND lb2.block_id = p.block_id
			  WHERE p.user_id = $1 AND p.lesson_id = $2
			  ORDER BY lb2.position DESC
			  LIMIT 1)
		FROM lesson_blocks lb
		LEFT JOIN user_block_progress ubp
			ON ubp.user_id = $1 AND ubp.lesson_id = $2 AND ubp.block_id = lb.block_id
		WHERE lb.lesson_id = $2
	`, userID, lessonID)
	err := row.Scan(&summary.TotalBlocks, &summary.SeenBlocks, &summary.CompletedBlocks, &lastSeen)
	if err != nil {
		return summary, err
	}
	if lastSeen.Valid {
		summary.LastSeenBlockID = &lastSeen.Int64
	}
	return summary, nil
}

// UpsertProgress inserts or merges one progress row atomically. The
// conflict expression re-reads the stored value, so a completed row is
// never downgraded and concurrent writers cannot lose the higher
// status. updated_at moves on every write, including no-op merges.
// Returns the post-merge stored status.
func (q *Queries) UpsertProgress(ctx context.Context, userID, lessonID, blockID int64, status ProgressStatus) (ProgressStatus, error) {
	var stored ProgressStatus
	row := q.db.QueryRow(ctx, `
		INSERT INTO user_block_progress (user_id, lesson_id, block_id, status, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id, lesson_id, block_id) DO UPDATE SET
			status = CASE
				WHEN user_block_progress.status = 'completed' THEN 'completed'
				ELSE EXCLUDED.status
			END,
			updated_at = now()
		RETURNING status
	`, userID, lessonID, blockID, string(status))
	err := row.Scan(&stored)
	return stored, err
}

func (q *Queries) exists(ctx context.Context, sql string, args ...any) (bool, error) {
	var one int
	err := q.db.QueryRow(ctx, sql, args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
