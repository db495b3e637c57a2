package events_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/doceval/internal/domain"
	"github.com/codeready-toolchain/doceval/internal/events"
	"github.com/codeready-toolchain/doceval/internal/store/memstore"
)

func TestAppendAndReadAfter(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	run := &domain.Run{ID: "run-1", Status: domain.RunStatusQueued}
	require.NoError(t, st.CreateRun(ctx, run))

	log := events.New(st)

	id1, err := log.Append(ctx, "run-1", events.TypeWorkerStarted, domain.EventPayload{Message: "w1"})
	require.NoError(t, err)
	id2, err := log.Append(ctx, "run-1", events.TypeTaskStarted, domain.EventPayload{Message: "t1"})
	require.NoError(t, err)
	require.Greater(t, id2, id1)

	evs, err := log.ReadAfter(ctx, "run-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.Equal(t, int64(1), evs[0].Seq)
	require.Equal(t, int64(2), evs[1].Seq)

	evsAfterFirst, err := log.ReadAfter(ctx, "run-1", id1, 0)
	require.NoError(t, err)
	require.Len(t, evsAfterFirst, 1)
	require.Equal(t, id2, evsAfterFirst[0].ID)
	for _, e := range evsAfterFirst {
		require.Greater(t, e.ID, id1)
	}
}

// TestConcurrentAppendDenseSeq exercises P3/the 50-appender stress scenario:
// 50 goroutines each append 10 events to one run; seq must end up dense and
// unique over [1..500] with no gaps or duplicates.
func TestConcurrentAppendDenseSeq(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	run := &domain.Run{ID: "run-stress", Status: domain.RunStatusQueued}
	require.NoError(t, st.CreateRun(ctx, run))
	log := events.New(st)

	const goroutines = 50
	const perGoroutine = 10

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				_, err := log.Append(ctx, "run-stress", events.TypeTaskStepCreated, domain.EventPayload{})
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	evs, err := log.ReadAfter(ctx, "run-stress", 0, 0)
	require.NoError(t, err)
	require.Len(t, evs, goroutines*perGoroutine)

	seen := make(map[int64]bool, len(evs))
	var lastID int64
	for _, e := range evs {
		require.False(t, seen[e.Seq], "duplicate seq %d", e.Seq)
		seen[e.Seq] = true
		require.Greater(t, e.ID, lastID)
		lastID = e.ID
	}
	for seq := int64(1); seq <= int64(goroutines*perGoroutine); seq++ {
		require.True(t, seen[seq], "missing seq %d", seq)
	}
}
