// Package runstate implements the Run State Machine: transition
// helpers over the acyclic status graph domain.CanTransition defines,
// cancellation, and finalization, each paired with its Event Log entry.
package runstate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codeready-toolchain/doceval/internal/domain"
	"github.com/codeready-toolchain/doceval/internal/events"
	"github.com/codeready-toolchain/doceval/internal/store"
)

// Machine drives run-status transitions and pairs each with its event.
type Machine struct {
	store  store.Store
	events *events.Log
}

// New returns a Machine backed by st and log.
func New(st store.Store, log *events.Log) *Machine {
	return &Machine{store: st, events: log}
}

// Advance moves a run from its current status to "to", emitting
// run.status_changed. A transition the graph forbids is a no-op error; a
// run already terminal silently no-ops.
func (m *Machine) Advance(ctx context.Context, runID string, to domain.RunStatus) error {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("runstate: load run: %w", err)
	}
	if run.Status.Terminal() {
		return nil
	}
	if err := m.store.UpdateRunStatus(ctx, runID, run.Status, to); err != nil {
		return fmt.Errorf("runstate: advance %s->%s: %w", run.Status, to, err)
	}
	_, _ = m.events.Append(ctx, runID, events.TypeRunStatusChanged, domain.EventPayload{
		Message: fmt.Sprintf("%s -> %s", run.Status, to),
		Data:    map[string]any{"from": string(run.Status), "to": string(to)},
	})
	slog.Info("run status changed", "run_id", runID, "from", run.Status, "to", to)
	return nil
}

// Cancel marks a run canceled directly, bypassing the normal transition
// graph since cancellation may arrive from any non-terminal status.
// Loops and the phase executor observe it cooperatively at their own poll
// points; Cancel itself never stops in-flight model calls.
func (m *Machine) Cancel(ctx context.Context, runID string) error {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("runstate: load run: %w", err)
	}
	if run.Status.Terminal() {
		return nil
	}
	now := domain.NowMillis()
	if err := m.store.FinalizeRun(ctx, runID, domain.RunStatusCanceled, run.Totals, now); err != nil {
		return fmt.Errorf("runstate: cancel: %w", err)
	}
	_, _ = m.events.Append(ctx, runID, events.TypeRunCanceled, domain.EventPayload{Message: "run canceled"})
	slog.Warn("run canceled", "run_id", runID, "previous_status", run.Status)
	return nil
}

// Finalize writes the terminal status and totals, and emits the matching
// completion event. Calling it on an already-terminal run is a no-op,
// matching FinalizeRun's sole-writer contract.
func (m *Machine) Finalize(ctx context.Context, runID string, status domain.RunStatus, totals *domain.RunTotals) error {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("runstate: load run: %w", err)
	}
	if run.Status.Terminal() {
		return nil
	}
	now := domain.NowMillis()
	if err := m.store.FinalizeRun(ctx, runID, status, totals, now); err != nil {
		return fmt.Errorf("runstate: finalize: %w", err)
	}
	eventType := events.TypeRunCompleted
	if status == domain.RunStatusFailed {
		eventType = events.TypeRunFailed
	}
	_, _ = m.events.Append(ctx, runID, eventType, domain.EventPayload{Message: fmt.Sprintf("run %s", status)})
	slog.Info("run finalized", "run_id", runID, "status", status)
	return nil
}

// IsCanceled reports whether a run has already reached the canceled
// terminal status, the poll-point callers check at every loop iteration
// and phase boundary.
func (m *Machine) IsCanceled(ctx context.Context, runID string) (bool, error) {
	canceled, err := m.store.IsRunCanceled(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("runstate: check canceled: %w", err)
	}
	return canceled, nil
}
