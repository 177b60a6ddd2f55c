package experiments_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/splitlab/splitlab/internal/experiments"
)

func newTestLifecycle(t *testing.T) (*experiments.Lifecycle, *experiments.Registry) {
	t.Helper()
	registry, _ := newTestRegistry(t)
	return experiments.NewLifecycle(registry, zap.NewNop()), registry
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to experiments.Status
		ok       bool
	}{
		{experiments.StatusDraft, experiments.StatusActive, true},
		{experiments.StatusDraft, experiments.StatusCancelled, true},
		{experiments.StatusDraft, experiments.StatusPaused, false},
		{experiments.StatusDraft, experiments.StatusCompleted, false},
		{experiments.StatusActive, experiments.StatusPaused, true},
		{experiments.StatusActive, experiments.StatusCompleted, true},
		{experiments.StatusActive, experiments.StatusCancelled, true},
		{experiments.StatusActive, experiments.StatusDraft, false},
		{experiments.StatusPaused, experiments.StatusActive, true},
		{experiments.StatusPaused, experiments.StatusCancelled, true},
		{experiments.StatusPaused, experiments.StatusCompleted, false},
		{experiments.StatusCompleted, experiments.StatusActive, false},
		{experiments.StatusCompleted, experiments.StatusCancelled, false},
		{experiments.StatusCancelled, experiments.StatusActive, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, experiments.CanTransition(tc.from, tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestLifecycleVerbs(t *testing.T) {
	ctx := context.Background()

	t.Run("StartThenStop", func(t *testing.T) {
		lc, registry := newTestLifecycle(t)
		exp := mustCreate(t, registry, fiftyFifty())

		require.NoError(t, lc.Start(ctx, exp.ID, "admin"))
		require.NoError(t, lc.Stop(ctx, exp.ID, "admin"))

		stored, err := registry.Get(ctx, exp.ID)
		require.NoError(t, err)
		assert.Equal(t, experiments.StatusCompleted, stored.Status)
		assert.NotNil(t, stored.Schedule.EndDate)
	})

	t.Run("PauseAndResume", func(t *testing.T) {
		lc, registry := newTestLifecycle(t)
		exp := mustCreate(t, registry, fiftyFifty())
		require.NoError(t, lc.Start(ctx, exp.ID, "admin"))

		require.NoError(t, lc.Pause(ctx, exp.ID, "admin"))
		stored, err := registry.Get(ctx, exp.ID)
		require.NoError(t, err)
		assert.Equal(t, experiments.StatusPaused, stored.Status)

		require.NoError(t, lc.Resume(ctx, exp.ID, "admin"))
		stored, err = registry.Get(ctx, exp.ID)
		require.NoError(t, err)
		assert.Equal(t, experiments.StatusActive, stored.Status)
	})

	t.Run("PauseRequiresActive", func(t *testing.T) {
		lc, registry := newTestLifecycle(t)
		exp := mustCreate(t, registry, fiftyFifty())

		var conflict *experiments.ConflictError
		err := lc.Pause(ctx, exp.ID, "admin")
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, experiments.StatusDraft, conflict.Status)
	})

	t.Run("CancelFromAnyNonTerminalState", func(t *testing.T) {
		lc, registry := newTestLifecycle(t)

		draft := mustCreate(t, registry, fiftyFifty())
		require.NoError(t, lc.Cancel(ctx, draft.ID, "admin"))

		active := mustCreate(t, registry, fiftyFifty())
		require.NoError(t, lc.Start(ctx, active.ID, "admin"))
		require.NoError(t, lc.Cancel(ctx, active.ID, "admin"))

		paused := mustCreate(t, registry, fiftyFifty())
		require.NoError(t, lc.Start(ctx, paused.ID, "admin"))
		require.NoError(t, lc.Pause(ctx, paused.ID, "admin"))
		require.NoError(t, lc.Cancel(ctx, paused.ID, "admin"))

		stored, err := registry.Get(ctx, paused.ID)
		require.NoError(t, err)
		assert.Equal(t, experiments.StatusCancelled, stored.Status)
		assert.NotNil(t, stored.Schedule.EndDate)
	})

	t.Run("CancelIsTerminal", func(t *testing.T) {
		lc, registry := newTestLifecycle(t)
		exp := mustCreate(t, registry, fiftyFifty())
		require.NoError(t, lc.Cancel(ctx, exp.ID, "admin"))

		var conflict *experiments.ConflictError
		require.ErrorAs(t, lc.Start(ctx, exp.ID, "admin"), &conflict)
		require.ErrorAs(t, lc.Cancel(ctx, exp.ID, "admin"), &conflict)
		assert.Equal(t, experiments.StatusCancelled, conflict.Status)
	})

	t.Run("RepeatedStopConflicts", func(t *testing.T) {
		lc, registry := newTestLifecycle(t)
		exp := mustCreate(t, registry, fiftyFifty())
		require.NoError(t, lc.Start(ctx, exp.ID, "admin"))
		require.NoError(t, lc.Stop(ctx, exp.ID, "admin"))

		var conflict *experiments.ConflictError
		require.ErrorAs(t, lc.Stop(ctx, exp.ID, "admin"), &conflict)
		assert.Equal(t, experiments.StatusCompleted, conflict.Status)
		assert.Equal(t, "stop", conflict.Attempt)
	})

	t.Run("UnknownExperimentIsNotFound", func(t *testing.T) {
		lc, _ := newTestLifecycle(t)
		assert.ErrorIs(t, lc.Start(ctx, uuid.New(), "admin"), experiments.ErrNotFound)
		assert.ErrorIs(t, lc.Cancel(ctx, uuid.New(), "admin"), experiments.ErrNotFound)
	})
}
