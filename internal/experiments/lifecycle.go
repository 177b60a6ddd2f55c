package experiments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// legalTransitions is the experiment state machine. completed and cancelled
// are terminal. Status is always read from the registry; there is no cached
// copy to diverge from.
var legalTransitions = map[Status][]Status{
	StatusDraft:  {StatusActive, StatusCancelled},
	StatusActive: {StatusPaused, StatusCompleted, StatusCancelled},
	StatusPaused: {StatusActive, StatusCancelled},
}

// CanTransition reports whether the state machine permits from→to.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Lifecycle applies operator-driven status transitions. The registry's
// conditional updates are the only guard: two concurrent identical calls get
// exactly one success, and the loser sees a ConflictError describing the
// status the winner left behind.
type Lifecycle struct {
	registry *Registry
	logger   *zap.Logger
}

// NewLifecycle creates the controller.
func NewLifecycle(registry *Registry, logger *zap.Logger) *Lifecycle {
	return &Lifecycle{registry: registry, logger: logger}
}

// Start activates a draft and stamps the recruitment start.
func (c *Lifecycle) Start(ctx context.Context, testID uuid.UUID, actorID string) error {
	ok, err := c.registry.Start(ctx, testID, actorID)
	return c.finish(ctx, testID, actorID, "start", ok, err)
}

// Stop completes an active experiment and stamps the end.
func (c *Lifecycle) Stop(ctx context.Context, testID uuid.UUID, actorID string) error {
	ok, err := c.registry.Stop(ctx, testID, actorID)
	return c.finish(ctx, testID, actorID, "stop", ok, err)
}

// Pause suspends recruitment without ending the experiment.
func (c *Lifecycle) Pause(ctx context.Context, testID uuid.UUID, actorID string) error {
	ok, err := c.registry.Transition(ctx, testID, []Status{StatusActive}, StatusPaused, actorID, nil)
	return c.finish(ctx, testID, actorID, "pause", ok, err)
}

// Resume reopens a paused experiment.
func (c *Lifecycle) Resume(ctx context.Context, testID uuid.UUID, actorID string) error {
	ok, err := c.registry.Transition(ctx, testID, []Status{StatusPaused}, StatusActive, actorID, nil)
	return c.finish(ctx, testID, actorID, "resume", ok, err)
}

// Cancel terminates an experiment from any non-terminal state. Cancelled
// experiments keep their rows and their ledger history.
func (c *Lifecycle) Cancel(ctx context.Context, testID uuid.UUID, actorID string) error {
	ok, err := c.registry.Transition(ctx, testID,
		[]Status{StatusDraft, StatusActive, StatusPaused}, StatusCancelled, actorID,
		map[string]interface{}{"end_date": time.Now().UTC()})
	return c.finish(ctx, testID, actorID, "cancel", ok, err)
}

func (c *Lifecycle) finish(ctx context.Context, testID uuid.UUID, actorID, verb string, ok bool, err error) error {
	if err != nil {
		lifecycleTransitions.WithLabelValues(verb, "error").Inc()
		return err
	}
	if !ok {
		lifecycleTransitions.WithLabelValues(verb, "conflict").Inc()
		return c.registry.conflictOrNotFound(ctx, testID, verb)
	}
	lifecycleTransitions.WithLabelValues(verb, "ok").Inc()
	c.logger.Info("experiment transition",
		zap.String("test_id", testID.String()),
		zap.String("verb", verb),
		zap.String("actor", actorID))
	return nil
}
