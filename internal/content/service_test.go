package content

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"chalkboard/content/internal/db"
)

type progressKey struct {
	userID, lessonID, blockID int64
}

// fakeStore implements Backend over in-memory maps, with the same
// monotonic merge the store applies at conflict time.
type fakeStore struct {
	tenants  map[int64]bool
	users    map[int64]int64 // user -> tenant
	lessons  map[int64]int64 // lesson -> tenant
	meta     map[int64]db.Lesson
	order    map[int64][]int64 // lesson -> block ids, position order
	rows     map[int64][]db.AssembledBlockRow
	progress map[progressKey]db.ProgressStatus

	upserts int
}

func (f *fakeStore) TenantExists(_ context.Context, tenantID int64) (bool, error) {
	return f.tenants[tenantID], nil
}

func (f *fakeStore) UserInTenant(_ context.Context, userID, tenantID int64) (bool, error) {
	tenant, ok := f.users[userID]
	return ok && tenant == tenantID, nil
}

func (f *fakeStore) LessonInTenant(_ context.Context, lessonID, tenantID int64) (bool, error) {
	tenant, ok := f.lessons[lessonID]
	return ok && tenant == tenantID, nil
}

func (f *fakeStore) BlockInLesson(_ context.Context, lessonID, blockID int64) (bool, error) {
	for _, id := range f.order[lessonID] {
		if id == blockID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) GetLesson(_ context.Context, lessonID int64) (db.Lesson, error) {
	lesson, ok := f.meta[lessonID]
	if !ok {
		return db.Lesson{}, pgx.ErrNoRows
	}
	return lesson, nil
}

func (f *fakeStore) ListAssembledBlocks(_ context.Context, lessonID, _, userID int64) ([]db.AssembledBlockRow, error) {
	rows := make([]db.AssembledBlockRow, len(f.rows[lessonID]))
	copy(rows, f.rows[lessonID])
	for i := range rows {
		if status, ok := f.progress[progressKey{userID, lessonID, rows[i].BlockID}]; ok {
			s := status
			rows[i].UserProgress = &s
		}
	}
	return rows, nil
}

func (f *fakeStore) GetProgressSummary(_ context.Context, userID, lessonID int64) (db.ProgressSummaryRow, error) {
	var summary db.ProgressSummaryRow
	summary.TotalBlocks = int32(len(f.order[lessonID]))
	for _, blockID := range f.order[lessonID] {
		status, ok := f.progress[progressKey{userID, lessonID, blockID}]
		if !ok {
			continue
		}
		summary.SeenBlocks++
		if status == db.ProgressCompleted {
			summary.CompletedBlocks++
		}
		id := blockID
		summary.LastSeenBlockID = &id
	}
	return summary, nil
}

func (f *fakeStore) UpsertProgressTx(ctx context.Context, userID, lessonID, blockID int64, status db.ProgressStatus) (db.ProgressStatus, db.ProgressSummaryRow, error) {
	f.upserts++
	key := progressKey{userID, lessonID, blockID}
	if f.progress[key] != db.ProgressCompleted {
		f.progress[key] = status
	}
	summary, err := f.GetProgressSummary(ctx, userID, lessonID)
	return f.progress[key], summary, err
}

func intPtr(v int64) *int64 { return &v }

func newFixture() *fakeStore {
	return &fakeStore{
		tenants: map[int64]bool{1: true, 2: true},
		users:   map[int64]int64{10: 1, 11: 1, 20: 2},
		lessons: map[int64]int64{100: 1},
		meta: map[int64]db.Lesson{
			100: {ID: 100, Slug: "ai-basics", Title: "AI Basics"},
		},
		order: map[int64][]int64{100: {200, 201, 202}},
		rows: map[int64][]db.AssembledBlockRow{
			100: {
				{BlockID: 200, BlockType: "text", Position: 1, VariantID: intPtr(1100), VariantTenantID: intPtr(1), VariantData: json.RawMessage(`{"title":"Acme"}`)},
				{BlockID: 201, BlockType: "video", Position: 2, VariantID: intPtr(1001), VariantData: json.RawMessage(`{"url":"v"}`)},
				{BlockID: 202, BlockType: "quiz", Position: 3, VariantID: intPtr(1002), VariantData: json.RawMessage(`{"questions":5}`)},
			},
		},
		progress: map[progressKey]db.ProgressStatus{
			{10, 100, 200}: db.ProgressCompleted,
			{10, 100, 201}: db.ProgressSeen,
		},
	}
}

func newTestService(store Backend) *Service {
	return NewService(store, zap.NewNop())
}

func TestValidateAccess(t *testing.T) {
	svc := newTestService(newFixture())
	ctx := context.Background()

	if err := svc.ValidateAccess(ctx, 1, 10, 100); err != nil {
		t.Fatalf("expected access granted, got %v", err)
	}

	cases := map[string]struct {
		tenantID, userID, lessonID int64
		reason                     string
	}{
		"missing tenant":     {999, 10, 100, "Tenant not found"},
		"cross-tenant user":  {1, 20, 100, "User not found or does not belong to tenant"},
		"missing user":       {1, 999, 100, "User not found or does not belong to tenant"},
		"cross-tenant combo": {2, 20, 100, "Lesson not found or does not belong to tenant"},
		"missing lesson":     {1, 10, 999, "Lesson not found or does not belong to tenant"},
	}
	for name, tc := range cases {
		err := svc.ValidateAccess(ctx, tc.tenantID, tc.userID, tc.lessonID)
		var denied *DeniedError
		if !errors.As(err, &denied) {
			t.Fatalf("%s: expected DeniedError, got %v", name, err)
		}
		if denied.Reason != tc.reason {
			t.Fatalf("%s: expected reason %q, got %q", name, tc.reason, denied.Reason)
		}
	}
}

func TestAssembleLessonOrderAndVariants(t *testing.T) {
	svc := newTestService(newFixture())

	assembled, err := svc.AssembleLesson(context.Background(), 1, 10, 100)
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}

	if assembled.Lesson.Slug != "ai-basics" {
		t.Fatalf("expected lesson ai-basics, got %s", assembled.Lesson.Slug)
	}
	if len(assembled.Blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(assembled.Blocks))
	}
	for i, wantID := range []int64{200, 201, 202} {
		if assembled.Blocks[i].ID != wantID {
			t.Fatalf("block %d: expected id %d, got %d", i, wantID, assembled.Blocks[i].ID)
		}
		if assembled.Blocks[i].Position != int32(i+1) {
			t.Fatalf("block %d: expected position %d, got %d", i, i+1, assembled.Blocks[i].Position)
		}
	}

	// Tenant override beats the default, default serves everyone else.
	if assembled.Blocks[0].Variant.ID != 1100 || assembled.Blocks[0].Variant.TenantID == nil {
		t.Fatalf("expected tenant variant 1100, got %+v", assembled.Blocks[0].Variant)
	}
	if assembled.Blocks[1].Variant.ID != 1001 || assembled.Blocks[1].Variant.TenantID != nil {
		t.Fatalf("expected default variant 1001, got %+v", assembled.Blocks[1].Variant)
	}

	if assembled.Blocks[0].UserProgress == nil || *assembled.Blocks[0].UserProgress != db.ProgressCompleted {
		t.Fatalf("expected block 200 completed, got %v", assembled.Blocks[0].UserProgress)
	}
	if assembled.Blocks[2].UserProgress != nil {
		t.Fatalf("expected block 202 without progress, got %v", *assembled.Blocks[2].UserProgress)
	}

	summary := assembled.Summary
	if summary.TotalBlocks != 3 || summary.SeenBlocks != 2 || summary.CompletedBlocks != 1 {
		t.Fatalf("unexpected summary counts: %+v", summary)
	}
	if summary.LastSeenBlockID == nil || *summary.LastSeenBlockID != 201 {
		t.Fatalf("expected last seen 201, got %v", summary.LastSeenBlockID)
	}
	if summary.Completed {
		t.Fatalf("lesson must not report completed")
	}
}

func TestAssembleLessonMissing(t *testing.T) {
	svc := newTestService(newFixture())

	_, err := svc.AssembleLesson(context.Background(), 1, 10, 999)
	if !errors.Is(err, ErrLessonNotFound) {
		t.Fatalf("expected ErrLessonNotFound, got %v", err)
	}
}

func TestAssembleLessonMissingVariant(t *testing.T) {
	store := newFixture()
	store.rows[100][2].VariantID = nil
	svc := newTestService(store)

	_, err := svc.AssembleLesson(context.Background(), 1, 10, 100)
	if !errors.Is(err, ErrMissingVariant) {
		t.Fatalf("expected ErrMissingVariant, got %v", err)
	}
}

func TestUpsertProgressValidation(t *testing.T) {
	store := newFixture()
	svc := newTestService(store)
	ctx := context.Background()

	if _, _, err := svc.UpsertProgress(ctx, 10, 100, 200, "done"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if _, _, err := svc.UpsertProgress(ctx, 10, 100, 999, db.ProgressSeen); !errors.Is(err, ErrInvalidBlock) {
		t.Fatalf("expected ErrInvalidBlock, got %v", err)
	}
	if store.upserts != 0 {
		t.Fatalf("expected no writes on validation failure, got %d", store.upserts)
	}
}

func TestUpsertProgressMonotonic(t *testing.T) {
	svc := newTestService(newFixture())
	ctx := context.Background()

	// seen over completed stays completed
	stored, _, err := svc.UpsertProgress(ctx, 10, 100, 200, db.ProgressSeen)
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if stored != db.ProgressCompleted {
		t.Fatalf("expected post-merge completed, got %s", stored)
	}

	// fresh row stores the incoming status and summary reflects it
	stored, summary, err := svc.UpsertProgress(ctx, 10, 100, 202, db.ProgressSeen)
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if stored != db.ProgressSeen {
		t.Fatalf("expected seen, got %s", stored)
	}
	if summary.SeenBlocks != 3 || summary.LastSeenBlockID == nil || *summary.LastSeenBlockID != 202 {
		t.Fatalf("summary not refreshed after write: %+v", summary)
	}

	// repeating the call yields the same stored status
	again, _, err := svc.UpsertProgress(ctx, 10, 100, 202, db.ProgressSeen)
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if again != stored {
		t.Fatalf("expected idempotent result %s, got %s", stored, again)
	}
}

func TestBuildSummaryCompletion(t *testing.T) {
	cases := []struct {
		name      string
		row       db.ProgressSummaryRow
		completed bool
	}{
		{"empty lesson never completes", db.ProgressSummaryRow{}, false},
		{"partial", db.ProgressSummaryRow{TotalBlocks: 3, SeenBlocks: 2, CompletedBlocks: 1}, false},
		{"all completed", db.ProgressSummaryRow{TotalBlocks: 3, SeenBlocks: 3, CompletedBlocks: 3}, true},
	}
	for _, tc := range cases {
		if got := buildSummary(tc.row).Completed; got != tc.completed {
			t.Fatalf("%s: expected completed=%v, got %v", tc.name, tc.completed, got)
		}
	}
}
