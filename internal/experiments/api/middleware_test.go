package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/splitlab/splitlab/internal/experiments"
	"github.com/splitlab/splitlab/internal/experiments/api"
	"github.com/splitlab/splitlab/internal/infrastructure/database"
)

type middlewareFixture struct {
	registry *experiments.Registry
	ledger   *experiments.Ledger
	service  *experiments.Service
}

func newMiddlewareFixture(t *testing.T) *middlewareFixture {
	t.Helper()
	db, err := database.NewSQLiteMemory()
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	logger := zap.NewNop()
	registry := experiments.NewRegistry(db, logger)
	ledger := experiments.NewLedger(db, logger)
	return &middlewareFixture{
		registry: registry,
		ledger:   ledger,
		service:  experiments.NewService(registry, ledger, logger),
	}
}

func (fx *middlewareFixture) activeExperiment(t *testing.T) *experiments.Experiment {
	t.Helper()
	exp := &experiments.Experiment{
		Name: "checkout button color",
		Type: experiments.TypeUIVariant,
		Goal: experiments.GoalConversionRate,
		Variants: experiments.Variants{
			{ID: "control", Name: "Blue button", Weight: 50},
			{ID: "variant_a", Name: "Green button", Weight: 50},
		},
		Schedule:  experiments.Schedule{StartDate: time.Now().Add(-time.Hour)},
		CreatedBy: "ops@example.com",
	}
	require.NoError(t, fx.registry.Create(context.Background(), exp))
	ok, err := fx.registry.Start(context.Background(), exp.ID, "ops@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	return exp
}

// featureRouter mounts one GET route behind the variant middleware and echoes
// what downstream handlers would see.
func featureRouter(svc *experiments.Service, testID uuid.UUID) *gin.Engine {
	router := gin.New()
	router.GET("/checkout",
		api.VariantMiddleware(svc, testID, "checkout_button"),
		func(c *gin.Context) {
			assignment, experimenting := api.VariantFromContext(c, "checkout_button")
			c.JSON(http.StatusOK, gin.H{
				"variant":       assignment.VariantID,
				"experimenting": experimenting,
			})
		})
	return router
}

func getCheckout(t *testing.T, router *gin.Engine, userID string) (string, bool) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/checkout", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Variant       string `json:"variant"`
		Experimenting bool   `json:"experimenting"`
	}
	decode(t, rec, &resp)
	return resp.Variant, resp.Experimenting
}

func TestVariantMiddleware(t *testing.T) {
	t.Run("AssignsAndRecordsExposure", func(t *testing.T) {
		fx := newMiddlewareFixture(t)
		exp := fx.activeExperiment(t)
		router := featureRouter(fx.service, exp.ID)

		variant, experimenting := getCheckout(t, router, "user-1")
		assert.True(t, experimenting)
		assert.Equal(t, experiments.BucketVariant("user-1", exp.ID.String(), exp.Variants), variant)

		exposures, err := fx.ledger.ListByVariant(context.Background(), exp.ID, variant, experiments.EventExposed)
		require.NoError(t, err)
		assert.Len(t, exposures, 1)
	})

	t.Run("StableAcrossRequests", func(t *testing.T) {
		fx := newMiddlewareFixture(t)
		exp := fx.activeExperiment(t)
		router := featureRouter(fx.service, exp.ID)

		first, _ := getCheckout(t, router, "user-1")
		for i := 0; i < 3; i++ {
			variant, _ := getCheckout(t, router, "user-1")
			assert.Equal(t, first, variant)
		}
	})

	t.Run("AnonymousRequestFallsBackToControl", func(t *testing.T) {
		fx := newMiddlewareFixture(t)
		exp := fx.activeExperiment(t)
		router := featureRouter(fx.service, exp.ID)

		variant, experimenting := getCheckout(t, router, "")
		assert.False(t, experimenting)
		assert.Equal(t, experiments.ControlVariantID, variant)
	})

	t.Run("MissingExperimentFallsBackToControl", func(t *testing.T) {
		fx := newMiddlewareFixture(t)
		router := featureRouter(fx.service, uuid.New())

		variant, experimenting := getCheckout(t, router, "user-1")
		assert.False(t, experimenting)
		assert.Equal(t, experiments.ControlVariantID, variant)
	})

	t.Run("UnwiredFeatureReadsAsControl", func(t *testing.T) {
		router := gin.New()
		router.GET("/plain", func(c *gin.Context) {
			assignment, experimenting := api.VariantFromContext(c, "never_mounted")
			c.JSON(http.StatusOK, gin.H{
				"variant":       assignment.VariantID,
				"experimenting": experimenting,
			})
		})

		req := httptest.NewRequest(http.MethodGet, "/plain", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Variant       string `json:"variant"`
			Experimenting bool   `json:"experimenting"`
		}
		decode(t, rec, &resp)
		assert.False(t, resp.Experimenting)
		assert.Equal(t, experiments.ControlVariantID, resp.Variant)
	})
}
