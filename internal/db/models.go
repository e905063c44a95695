package db

import "encoding/json"

// ProgressStatus is the per-block progress state. The stored value only
// ever moves forward: seen -> completed.
type ProgressStatus string

const (
	ProgressSeen      ProgressStatus = "seen"
	ProgressCompleted ProgressStatus = "completed"
)

func (s ProgressStatus) Valid() bool {
	return s == ProgressSeen || s == ProgressCompleted
}

type Lesson struct {
	ID    int64
	Slug  string
	Title string
}

// AssembledBlockRow is one lesson block with the resolved variant and
// the requesting user's progress, in lesson position order. Variant
// fields are pointers because the lateral pick may come up empty on
// broken data; the content layer decides what to do with that.
type AssembledBlockRow struct {
	BlockID         int64
	BlockType       string
	Position        int32
	VariantID       *int64
	VariantTenantID *int64
	VariantData     json.RawMessage
	UserProgress    *ProgressStatus
}

type ProgressSummaryRow struct {
	TotalBlocks     int32
	SeenBlocks      int32
	CompletedBlocks int32
	LastSeenBlockID *int64
}
