package todos

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opChangeLogNew    = "todos.changelog.new"
	opChangeLogQuery  = "todos.changelog.query"
	opChangeLogUpsert = "todos.changelog.upsert"
)

// ChangeLogConfig describes the dependencies of the change-log index.
type ChangeLogConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// ChangeLog is the central store's queryable view of every record that
// changed after a checkpoint, tombstones included.
type ChangeLog struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewChangeLog constructs the change-log index.
func NewChangeLog(cfg ChangeLogConfig) (*ChangeLog, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opChangeLogNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &ChangeLog{db: cfg.Database, logger: logger}, nil
}

// Query returns the tenant's rows with updated_at_ms strictly greater than
// sinceCheckpoint, ordered ascending so a resumed pull cannot skip rows.
// activeOnly additionally withholds tombstones and completed items; it is the
// priority-sync filter for the first page of a cold sync, not a general mode.
func (l *ChangeLog) Query(ctx context.Context, tenantID TenantID, sinceCheckpoint int64, activeOnly bool, limit int) ([]Todo, error) {
	query := l.db.WithContext(ctx).
		Where("tenant_id = ? AND updated_at_ms > ?", tenantID.String(), NormalizeCheckpoint(sinceCheckpoint)).
		Order("updated_at_ms ASC").
		Limit(ClampLimit(limit))
	if activeOnly {
		query = query.Where("is_deleted = ? AND is_done = ?", false, false)
	}

	var rows []Todo
	if err := query.Find(&rows).Error; err != nil {
		l.logError(opChangeLogQuery, "query_failed", err, zap.String("tenant_id", tenantID.String()))
		return nil, newServiceError(opChangeLogQuery, "query_failed", err)
	}
	return rows, nil
}

// Upsert inserts or replaces the row identified by (tenant_id, todo_id),
// resolving conflicts last-write-wins. The tenant identifier is always taken
// from the authenticated caller; whatever the record payload claims is
// discarded before anything is persisted. Upserts are idempotent, so a
// retried batch converges to the same end state.
func (l *ChangeLog) Upsert(ctx context.Context, tenantID TenantID, record Record) (Todo, bool, error) {
	incoming := rowFromRecord(tenantID, record)

	var applied Todo
	var accepted bool
	txErr := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Todo
		var existingPtr *Todo
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND todo_id = ?", tenantID.String(), incoming.TodoID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			existingPtr = nil
		} else if err != nil {
			return newServiceError(opChangeLogUpsert, "row_select_failed", err)
		} else {
			existingPtr = &existing
		}

		applied, accepted = resolveUpsert(existingPtr, incoming)
		if !accepted {
			return nil
		}
		if err := tx.Save(&applied).Error; err != nil {
			return newServiceError(opChangeLogUpsert, "row_save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		l.logError(opChangeLogUpsert, "upsert_failed", txErr,
			zap.String("tenant_id", tenantID.String()),
			zap.String("todo_id", incoming.TodoID))
		return Todo{}, false, txErr
	}
	return applied, accepted, nil
}

func (l *ChangeLog) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	l.logger.Error("change log error", attrs...)
}

// ServiceError carries an operation.reason code alongside the wrapped cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
