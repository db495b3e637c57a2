// Package events implements the Event Log: an append-only, totally
// ordered per-run stream with a durable-before-return contract and a
// reader cursor keyed on the dense global id, following a transactional
// persist-then-notify idiom, minus any cross-process fanout, which a
// single-process orchestrator does not need.
package events

import (
	"context"
	"fmt"

	"github.com/codeready-toolchain/doceval/internal/domain"
	"github.com/codeready-toolchain/doceval/internal/store"
)

// Dot-notation event types, named by what happened rather than by an
// internal module name.
const (
	TypeRunStatusChanged    = "run.status_changed"
	TypeRunCompleted        = "run.completed"
	TypeRunFailed           = "run.failed"
	TypeRunCanceled         = "run.canceled"
	TypeWorkerStarted       = "worker.started"
	TypeWorkerStopped       = "worker.stopped"
	TypeTaskStarted         = "task.started"
	TypeTaskStepCreated     = "task.step.created"
	TypeTaskExecutionDone   = "task.execution.completed"
	TypeTaskError           = "task.error"
	TypeSkillOptimization   = "skill_optimization.status_changed"
)

// Log appends and reads events for runs, backed by a Store.
type Log struct {
	store store.Store
}

// New returns a Log backed by the given Store.
func New(st store.Store) *Log {
	return &Log{store: st}
}

// Append durably records one event and returns its dense global id.
// Ordering and uniqueness of (runId, seq) are the Store's responsibility; a
// single-process Store allocates seq under a mutex rather than the
// conflict-retry loop a multi-writer-process deployment would need.
func (l *Log) Append(ctx context.Context, runID, eventType string, payload domain.EventPayload) (int64, error) {
	payload.RunID = runID
	id, err := l.store.AppendRunEvent(ctx, runID, eventType, payload)
	if err != nil {
		return 0, fmt.Errorf("events: append %s for run %s: %w", eventType, runID, err)
	}
	return id, nil
}

// ReadAfter returns events with id greater than afterID, in id order, the
// reader-cursor contract callers poll or tail against.
func (l *Log) ReadAfter(ctx context.Context, runID string, afterID int64, limit int) ([]domain.RunEvent, error) {
	return l.store.GetRunEventsAfter(ctx, runID, afterID, limit)
}
