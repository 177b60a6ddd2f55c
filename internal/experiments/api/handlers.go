package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/splitlab/splitlab/internal/experiments"
)

// SnapshotCache is the optional bounded-staleness cache in front of result
// computation. A nil cache means every read recomputes from the ledger.
type SnapshotCache interface {
	Get(ctx context.Context, testID uuid.UUID) *experiments.Snapshot
	Set(ctx context.Context, snap *experiments.Snapshot)
	Invalidate(ctx context.Context, testID uuid.UUID)
}

// Handler serves the experiment admin and participation endpoints.
type Handler struct {
	registry  *experiments.Registry
	lifecycle *experiments.Lifecycle
	service   *experiments.Service
	results   *experiments.ResultsEngine
	cache     SnapshotCache
	logger    *zap.Logger
}

// NewHandler wires the engine components into an HTTP handler set.
func NewHandler(
	registry *experiments.Registry,
	lifecycle *experiments.Lifecycle,
	service *experiments.Service,
	results *experiments.ResultsEngine,
	cache SnapshotCache,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		registry:  registry,
		lifecycle: lifecycle,
		service:   service,
		results:   results,
		cache:     cache,
		logger:    logger,
	}
}

// createRequest is the POST body for a new experiment.
type createRequest struct {
	Name           string                     `json:"name" binding:"required"`
	Description    string                     `json:"description"`
	Type           experiments.TestType       `json:"type" binding:"required"`
	Goal           experiments.Goal           `json:"goal" binding:"required"`
	Variants       experiments.Variants       `json:"variants" binding:"required"`
	TargetAudience experiments.TargetAudience `json:"target_audience"`
	Schedule       experiments.Schedule       `json:"schedule"`
	Metadata       experiments.Metadata       `json:"metadata"`
}

func (r createRequest) toExperiment(actorID string) *experiments.Experiment {
	return &experiments.Experiment{
		Name:           r.Name,
		Description:    r.Description,
		Type:           r.Type,
		Goal:           r.Goal,
		Variants:       r.Variants,
		TargetAudience: r.TargetAudience,
		Schedule:       r.Schedule,
		Metadata:       r.Metadata,
		CreatedBy:      actorID,
	}
}

// CreateExperiment handles POST /experiments. Status is always forced to
// draft regardless of the request body.
func (h *Handler) CreateExperiment(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	exp := req.toExperiment(actorID(c))
	if err := h.registry.Create(c.Request.Context(), exp); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, exp)
}

// GetExperiment handles GET /experiments/:id.
func (h *Handler) GetExperiment(c *gin.Context) {
	testID, ok := h.testID(c)
	if !ok {
		return
	}
	exp, err := h.registry.Get(c.Request.Context(), testID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, exp)
}

// ListExperiments handles GET /experiments with status/type filters and
// limit/offset paging.
func (h *Handler) ListExperiments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	filter := experiments.ListFilter{
		Status:    experiments.Status(c.Query("status")),
		Type:      experiments.TestType(c.Query("type")),
		CreatedBy: c.Query("created_by"),
		Limit:     limit,
		Offset:    offset,
	}

	exps, total, err := h.registry.List(c.Request.Context(), filter)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"experiments": exps,
		"total":       total,
		"limit":       limit,
		"offset":      offset,
	})
}

// UpdateExperiment handles PUT /experiments/:id. Only drafts are editable.
func (h *Handler) UpdateExperiment(c *gin.Context) {
	testID, ok := h.testID(c)
	if !ok {
		return
	}
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	exp := req.toExperiment("")
	exp.ID = testID
	exp.UpdatedBy = actorID(c)
	if err := h.registry.Update(c.Request.Context(), exp); err != nil {
		h.renderError(c, err)
		return
	}
	updated, err := h.registry.Get(c.Request.Context(), testID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// DeleteExperiment handles DELETE /experiments/:id. Only drafts are
// deletable; anything that ever ran is cancelled instead.
func (h *Handler) DeleteExperiment(c *gin.Context) {
	testID, ok := h.testID(c)
	if !ok {
		return
	}
	if err := h.registry.Delete(c.Request.Context(), testID); err != nil {
		h.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Transition handles PUT /experiments/:id/{start,stop,pause,resume,cancel}.
func (h *Handler) Transition(verb string) gin.HandlerFunc {
	return func(c *gin.Context) {
		testID, ok := h.testID(c)
		if !ok {
			return
		}
		actor := actorID(c)

		var err error
		switch verb {
		case "start":
			err = h.lifecycle.Start(c.Request.Context(), testID, actor)
		case "stop":
			err = h.lifecycle.Stop(c.Request.Context(), testID, actor)
		case "pause":
			err = h.lifecycle.Pause(c.Request.Context(), testID, actor)
		case "resume":
			err = h.lifecycle.Resume(c.Request.Context(), testID, actor)
		case "cancel":
			err = h.lifecycle.Cancel(c.Request.Context(), testID, actor)
		}
		if err != nil {
			h.renderError(c, err)
			return
		}
		if h.cache != nil {
			h.cache.Invalidate(c.Request.Context(), testID)
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// GetResults handles GET /experiments/:id/results. The Redis copy is served
// while fresh; otherwise the snapshot is recomputed from the ledger and
// re-cached.
func (h *Handler) GetResults(c *gin.Context) {
	testID, ok := h.testID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if h.cache != nil {
		if snap := h.cache.Get(ctx, testID); snap != nil {
			c.JSON(http.StatusOK, snap)
			return
		}
	}

	snap, err := h.results.Compute(ctx, testID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	if h.cache != nil {
		h.cache.Set(ctx, snap)
	}
	c.JSON(http.StatusOK, snap)
}

// GetActiveExperiments handles GET /experiments/active for the calling user.
func (h *Handler) GetActiveExperiments(c *gin.Context) {
	userID := c.GetHeader(userIDHeader)
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + userIDHeader + " header"})
		return
	}
	exps, err := h.service.ActiveTestsForUser(c.Request.Context(), userID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"experiments": exps})
}

// assignRequest is the optional POST body for an explicit assignment.
type assignRequest struct {
	SessionID string                    `json:"session_id"`
	Context   *experiments.EventContext `json:"context"`
}

// AssignVariant handles POST /experiments/:id/assign. A nil assignment is a
// 200 with assigned=false: the caller shows control and moves on.
func (h *Handler) AssignVariant(c *gin.Context) {
	testID, ok := h.testID(c)
	if !ok {
		return
	}
	userID := c.GetHeader(userIDHeader)
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + userIDHeader + " header"})
		return
	}

	var req assignRequest
	_ = c.ShouldBindJSON(&req)
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = c.GetHeader(sessionIDHeader)
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	assignment := h.service.Assign(c.Request.Context(), testID, userID, sessionID, req.Context)
	if assignment == nil {
		c.JSON(http.StatusOK, gin.H{"assigned": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assigned": true, "assignment": assignment})
}

// eventRequest is the POST body for a participation event.
type eventRequest struct {
	Event    experiments.EventKind      `json:"event" binding:"required"`
	Context  *experiments.EventContext  `json:"context"`
	Metadata *experiments.EventMetadata `json:"metadata"`
}

// RecordEvent handles POST /experiments/:id/events. Always 202: event
// recording must never fail the business action that triggered it.
func (h *Handler) RecordEvent(c *gin.Context) {
	testID, ok := h.testID(c)
	if !ok {
		return
	}
	userID := c.GetHeader(userIDHeader)
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + userIDHeader + " header"})
		return
	}
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	h.service.RecordEvent(c.Request.Context(), testID, userID, req.Event, req.Context, req.Metadata)
	c.Status(http.StatusAccepted)
}

// GetEventBreakdown handles GET /experiments/:id/events/breakdown, the raw
// per-variant, per-event counts behind the dashboard.
func (h *Handler) GetEventBreakdown(c *gin.Context) {
	testID, ok := h.testID(c)
	if !ok {
		return
	}
	// Existence check so unknown ids are 404, not an empty breakdown.
	if _, err := h.registry.Get(c.Request.Context(), testID); err != nil {
		h.renderError(c, err)
		return
	}
	rows, err := h.service.EventBreakdown(c.Request.Context(), testID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"breakdown": rows})
}

// GetUserTimeline handles GET /users/:userId/events with optional from/to
// RFC 3339 bounds.
func (h *Handler) GetUserTimeline(c *gin.Context) {
	userID := c.Param("userId")

	var from, to time.Time
	if raw := c.Query("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from timestamp"})
			return
		}
		from = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to timestamp"})
			return
		}
		to = parsed
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	events, err := h.service.UserTimeline(c.Request.Context(), userID, from, to, limit)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handler) testID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid experiment id"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) renderError(c *gin.Context, err error) {
	var (
		validationErr *experiments.ValidationError
		notFoundErr   *experiments.NotFoundError
		conflictErr   *experiments.ConflictError
	)
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Error()})
	case errors.As(err, &notFoundErr):
		c.JSON(http.StatusNotFound, gin.H{"error": notFoundErr.Error()})
	case errors.As(err, &conflictErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":  conflictErr.Error(),
			"status": conflictErr.Status,
		})
	default:
		h.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
