package experiments_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/splitlab/splitlab/internal/experiments"
)

func newTestLedger(t *testing.T) *experiments.Ledger {
	t.Helper()
	return experiments.NewLedger(newTestDB(t), zap.NewNop())
}

func assignedRow(testID uuid.UUID, userID string) *experiments.Participation {
	return &experiments.Participation{
		TestID:    testID,
		UserID:    userID,
		VariantID: "control",
		SessionID: "session-1",
	}
}

func TestLedgerRecordAssignment(t *testing.T) {
	ctx := context.Background()

	t.Run("FirstInsertWins", func(t *testing.T) {
		ledger := newTestLedger(t)
		testID := uuid.New()

		row, created, err := ledger.RecordAssignment(ctx, assignedRow(testID, "user-1"))
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, experiments.EventAssigned, row.Event)
	})

	t.Run("DuplicateReturnsWinner", func(t *testing.T) {
		ledger := newTestLedger(t)
		testID := uuid.New()

		first := assignedRow(testID, "user-1")
		first.VariantID = "variant_a"
		_, created, err := ledger.RecordAssignment(ctx, first)
		require.NoError(t, err)
		require.True(t, created)

		second := assignedRow(testID, "user-1")
		second.VariantID = "control" // loser computed a different variant
		winner, created, err := ledger.RecordAssignment(ctx, second)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "variant_a", winner.VariantID)
		assert.Equal(t, first.ID, winner.ID)
	})

	t.Run("ConcurrentCallsProduceOneRow", func(t *testing.T) {
		ledger := newTestLedger(t)
		testID := uuid.New()

		const callers = 16
		var wg sync.WaitGroup
		variants := make([]string, callers)
		errs := make([]error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				winner, _, err := ledger.RecordAssignment(ctx, assignedRow(testID, "user-1"))
				if err != nil {
					errs[i] = err
					return
				}
				variants[i] = winner.VariantID
			}(i)
		}
		wg.Wait()

		for i := 0; i < callers; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, variants[0], variants[i])
		}

		var count int
		require.NoError(t, ledger.ForEachByTest(ctx, testID, func(*experiments.Participation) error {
			count++
			return nil
		}))
		assert.Equal(t, 1, count)
	})

	t.Run("DistinctUsersDoNotCollide", func(t *testing.T) {
		ledger := newTestLedger(t)
		testID := uuid.New()

		_, created, err := ledger.RecordAssignment(ctx, assignedRow(testID, "user-1"))
		require.NoError(t, err)
		require.True(t, created)

		_, created, err = ledger.RecordAssignment(ctx, assignedRow(testID, "user-2"))
		require.NoError(t, err)
		assert.True(t, created)
	})

	t.Run("SameUserAcrossTestsDoesNotCollide", func(t *testing.T) {
		ledger := newTestLedger(t)

		_, created, err := ledger.RecordAssignment(ctx, assignedRow(uuid.New(), "user-1"))
		require.NoError(t, err)
		require.True(t, created)

		_, created, err = ledger.RecordAssignment(ctx, assignedRow(uuid.New(), "user-1"))
		require.NoError(t, err)
		assert.True(t, created)
	})
}

func TestLedgerForEachByTestLargeScan(t *testing.T) {
	// 2.5 batches worth of rows: pagination across batch boundaries must
	// visit every row exactly once, with no repeats and no gaps.
	ctx := context.Background()
	ledger := newTestLedger(t)
	testID := uuid.New()

	const rows = 2500
	inserted := make(map[uuid.UUID]struct{}, rows)
	for i := 0; i < rows; i++ {
		p := &experiments.Participation{
			TestID:    testID,
			UserID:    fmt.Sprintf("user-%d", i),
			VariantID: "control",
			Event:     experiments.EventExposed,
		}
		require.NoError(t, ledger.Append(ctx, p))
		inserted[p.ID] = struct{}{}
	}

	visits := make(map[uuid.UUID]int, rows)
	require.NoError(t, ledger.ForEachByTest(ctx, testID, func(p *experiments.Participation) error {
		visits[p.ID]++
		return nil
	}))

	require.Len(t, visits, rows)
	for id := range inserted {
		assert.Equal(t, 1, visits[id])
	}
}

func TestLedgerGetAssignment(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)
	testID := uuid.New()

	found, err := ledger.GetAssignment(ctx, testID, "user-1")
	require.NoError(t, err)
	assert.Nil(t, found)

	_, _, err = ledger.RecordAssignment(ctx, assignedRow(testID, "user-1"))
	require.NoError(t, err)

	found, err = ledger.GetAssignment(ctx, testID, "user-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "user-1", found.UserID)
}

func TestLedgerAppendAndQueries(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)
	testID := uuid.New()

	_, _, err := ledger.RecordAssignment(ctx, assignedRow(testID, "user-1"))
	require.NoError(t, err)

	base := time.Now().UTC().Add(-time.Hour)
	events := []experiments.EventKind{
		experiments.EventExposed,
		experiments.EventExposed,
		experiments.EventInteracted,
		experiments.EventConverted,
	}
	for i, kind := range events {
		require.NoError(t, ledger.Append(ctx, &experiments.Participation{
			TestID:    testID,
			UserID:    "user-1",
			VariantID: "control",
			SessionID: "session-1",
			Event:     kind,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	t.Run("ForEachByTestSeesAllRows", func(t *testing.T) {
		var kinds []experiments.EventKind
		require.NoError(t, ledger.ForEachByTest(ctx, testID, func(p *experiments.Participation) error {
			kinds = append(kinds, p.Event)
			return nil
		}))
		assert.Len(t, kinds, 5)
	})

	t.Run("CountByVariantEvent", func(t *testing.T) {
		rows, err := ledger.CountByVariantEvent(ctx, testID)
		require.NoError(t, err)

		counts := make(map[experiments.EventKind]int64)
		for _, row := range rows {
			require.Equal(t, "control", row.VariantID)
			counts[row.Event] = row.Count
		}
		assert.Equal(t, int64(2), counts[experiments.EventExposed])
		assert.Equal(t, int64(1), counts[experiments.EventInteracted])
		assert.Equal(t, int64(1), counts[experiments.EventConverted])
		assert.Equal(t, int64(1), counts[experiments.EventAssigned])
	})

	t.Run("ListByVariantFiltersEventKind", func(t *testing.T) {
		rows, err := ledger.ListByVariant(ctx, testID, "control", experiments.EventExposed)
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})

	t.Run("ListByUserTimeRange", func(t *testing.T) {
		all, err := ledger.ListByUser(ctx, "user-1", time.Time{}, time.Time{}, 0)
		require.NoError(t, err)
		assert.Len(t, all, 5)

		windowed, err := ledger.ListByUser(ctx, "user-1", base.Add(30*time.Second), base.Add(90*time.Second), 0)
		require.NoError(t, err)
		assert.Len(t, windowed, 1)

		limited, err := ledger.ListByUser(ctx, "user-1", time.Time{}, time.Time{}, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})
}
