package todos

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrMissingTenant indicates that a request arrived without a validated
	// tenant identity. Fatal for the request, never retried.
	ErrMissingTenant = errors.New("todos: tenant identity required")
	// ErrEmptyBatch indicates a push with no changes.
	ErrEmptyBatch = errors.New("todos: push batch is empty")
	// ErrBatchTooLarge indicates a push exceeding the batch cap.
	ErrBatchTooLarge = errors.New("todos: push batch exceeds limit")

	errMissingChangeLog = errors.New("change log is required")
)

const (
	opEngineNew  = "todos.engine.new"
	opHandlePull = "todos.handle_pull"
	opHandlePush = "todos.handle_push"
)

// ChangePublisher is the best-effort notification fan-out the engine pings
// after a push. Failures here never affect correctness; replicas also poll.
type ChangePublisher interface {
	Publish(tenantID string)
}

type noOpPublisher struct{}

func (noOpPublisher) Publish(string) {}

// EngineConfig describes the dependencies of the sync protocol engine.
type EngineConfig struct {
	ChangeLog *ChangeLog
	Publisher ChangePublisher
	Logger    *zap.Logger
}

// Engine orchestrates the pull/push exchange against the change-log index.
// Handlers hold no mutable state of their own and are safe for concurrent
// use across tenants and replicas.
type Engine struct {
	changeLog *ChangeLog
	publisher ChangePublisher
	logger    *zap.Logger
}

// NewEngine constructs the sync protocol engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.ChangeLog == nil {
		return nil, newServiceError(opEngineNew, "missing_change_log", errMissingChangeLog)
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = noOpPublisher{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{changeLog: cfg.ChangeLog, publisher: publisher, logger: logger}, nil
}

// PullResult carries one change-log page and the checkpoint for the next pull.
type PullResult struct {
	Records    []Record
	Checkpoint int64
}

// HandlePull answers "everything for this tenant strictly after checkpoint".
// The returned checkpoint is the largest updated_at_ms in the page, or the
// request's own checkpoint when the page is empty, so repeated pulls never
// regress and never skip a record.
func (e *Engine) HandlePull(ctx context.Context, tenantID TenantID, checkpoint int64, activeOnly bool, limit int) (PullResult, error) {
	if tenantID == "" {
		return PullResult{}, fmt.Errorf("%s: %w", opHandlePull, ErrMissingTenant)
	}

	since := NormalizeCheckpoint(checkpoint)
	rows, err := e.changeLog.Query(ctx, tenantID, since, activeOnly, ClampLimit(limit))
	if err != nil {
		return PullResult{}, err
	}

	result := PullResult{
		Records:    make([]Record, 0, len(rows)),
		Checkpoint: since,
	}
	for _, row := range rows {
		result.Records = append(result.Records, row.Record())
		if row.UpdatedAtMillis > result.Checkpoint {
			result.Checkpoint = row.UpdatedAtMillis
		}
	}
	return result, nil
}

// HandlePush upserts a batch of client changes. Every change is stamped with
// the authenticated tenant before persistence; no client payload can write
// into another tenant's partition. Per-record upserts are idempotent, so a
// partially applied batch is safe to retry wholesale. One coalesced change
// notification is published per successful batch.
func (e *Engine) HandlePush(ctx context.Context, tenantID TenantID, changes []Record) error {
	if tenantID == "" {
		return fmt.Errorf("%s: %w", opHandlePush, ErrMissingTenant)
	}
	if len(changes) == 0 {
		return fmt.Errorf("%s: %w", opHandlePush, ErrEmptyBatch)
	}
	if len(changes) > MaxBatchSize {
		return fmt.Errorf("%s: %w: %d records", opHandlePush, ErrBatchTooLarge, len(changes))
	}

	for _, change := range changes {
		todoID, err := NewTodoID(change.ID)
		if err != nil {
			return newServiceError(opHandlePush, "invalid_record_id", err)
		}
		change.ID = todoID.String()
		change.TenantID = tenantID.String()
		if _, _, err := e.changeLog.Upsert(ctx, tenantID, change); err != nil {
			e.logger.Error("push upsert failed",
				zap.String("tenant_id", tenantID.String()),
				zap.String("todo_id", change.ID),
				zap.Error(err))
			return err
		}
	}

	e.publisher.Publish(tenantID.String())
	return nil
}
