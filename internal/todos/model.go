package todos

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

const (
	// DefaultPullLimit applies when a pull request names no limit.
	DefaultPullLimit = 100
	// MaxBatchSize caps both pull pages and push batches regardless of the
	// client-requested value.
	MaxBatchSize = 500
)

var (
	// ErrInvalidTodoID indicates that a record identifier is empty or exceeds storage bounds.
	ErrInvalidTodoID = errors.New("todos: invalid todo id")
	// ErrInvalidTenantID indicates that a tenant identifier is empty or exceeds storage bounds.
	ErrInvalidTenantID = errors.New("todos: invalid tenant id")
)

// TodoID represents a validated record identifier.
type TodoID string

// NewTodoID validates raw input and returns a TodoID.
func NewTodoID(rawInput string) (TodoID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTodoID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTodoID, maxIdentifierLength)
	}
	return TodoID(trimmed), nil
}

// String returns the underlying string identifier.
func (id TodoID) String() string {
	return string(id)
}

// TenantID represents a validated tenant identifier.
type TenantID string

// NewTenantID validates raw input and returns a TenantID.
func NewTenantID(rawInput string) (TenantID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTenantID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTenantID, maxIdentifierLength)
	}
	return TenantID(trimmed), nil
}

// String returns the underlying string identifier.
func (id TenantID) String() string {
	return string(id)
}

// Record is the unit of synchronization exchanged between replicas and the
// central store. UpdatedAt carries epoch milliseconds and is the sole
// conflict-resolution signal; Deleted marks a tombstone.
type Record struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenantId"`
	Text      string `json:"text"`
	IsDone    bool   `json:"isDone"`
	UpdatedAt int64  `json:"updatedAt"`
	Deleted   bool   `json:"deleted"`
}

// Todo models the persisted change-log row. Rows are never physically
// removed; deletions are flagged so they propagate like any other change.
type Todo struct {
	TenantID        string `gorm:"column:tenant_id;primaryKey;size:190;not null;index:idx_todos_tenant_updated,priority:1"`
	TodoID          string `gorm:"column:todo_id;primaryKey;size:190;not null"`
	Text            string `gorm:"column:text;type:text;not null"`
	IsDone          bool   `gorm:"column:is_done;not null;default:false;index:idx_todos_tenant_updated,priority:3"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null;index:idx_todos_tenant_updated,priority:2"`
	IsDeleted       bool   `gorm:"column:is_deleted;not null;default:false;index:idx_todos_tenant_updated,priority:4"`
}

// TableName provides the explicit table binding for GORM.
func (Todo) TableName() string {
	return "todos"
}

// Record converts the stored row into its wire form.
func (t Todo) Record() Record {
	return Record{
		ID:        t.TodoID,
		TenantID:  t.TenantID,
		Text:      t.Text,
		IsDone:    t.IsDone,
		UpdatedAt: t.UpdatedAtMillis,
		Deleted:   t.IsDeleted,
	}
}

func rowFromRecord(tenantID TenantID, record Record) Todo {
	return Todo{
		TenantID:        tenantID.String(),
		TodoID:          record.ID,
		Text:            record.Text,
		IsDone:          record.IsDone,
		UpdatedAtMillis: record.UpdatedAt,
		IsDeleted:       record.Deleted,
	}
}

// NormalizeCheckpoint maps missing or malformed checkpoint values to the
// beginning of the change log.
func NormalizeCheckpoint(value int64) int64 {
	if value < 0 {
		return 0
	}
	return value
}

// ClampLimit applies the default page size and the hard maximum.
func ClampLimit(requested int) int {
	if requested <= 0 {
		return DefaultPullLimit
	}
	if requested > MaxBatchSize {
		return MaxBatchSize
	}
	return requested
}
