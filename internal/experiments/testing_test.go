package experiments_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/splitlab/splitlab/internal/experiments"
	"github.com/splitlab/splitlab/internal/infrastructure/database"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.NewSQLiteMemory()
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

func newTestRegistry(t *testing.T) (*experiments.Registry, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	return experiments.NewRegistry(db, zap.NewNop()), db
}

// fiftyFifty is the canonical two-arm draft used across the suites.
func fiftyFifty() *experiments.Experiment {
	return &experiments.Experiment{
		Name:        "checkout button color",
		Description: "Does a green checkout button convert better than blue?",
		Type:        experiments.TypeUIVariant,
		Goal:        experiments.GoalConversionRate,
		Variants: experiments.Variants{
			{ID: "control", Name: "Blue button", Weight: 50},
			{ID: "variant_a", Name: "Green button", Weight: 50},
		},
		Schedule: experiments.Schedule{
			StartDate: time.Now().Add(-time.Hour),
		},
		CreatedBy: "ops@example.com",
	}
}

func mustCreate(t *testing.T, registry *experiments.Registry, exp *experiments.Experiment) *experiments.Experiment {
	t.Helper()
	require.NoError(t, registry.Create(context.Background(), exp))
	return exp
}

func mustStart(t *testing.T, registry *experiments.Registry, exp *experiments.Experiment) {
	t.Helper()
	ok, err := registry.Start(context.Background(), exp.ID, "ops@example.com")
	require.NoError(t, err)
	require.True(t, ok)
}
