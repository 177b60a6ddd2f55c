package experiments

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventPublisher exports participation events to an external stream for
// downstream analytics. Publishing is best effort: failures are logged and
// never block or fail the user-facing action that produced the event.
type EventPublisher interface {
	PublishParticipation(ctx context.Context, p *Participation) error
}

// Service answers "which variant does this user see" on the hot request path
// and records every subsequent lifecycle event. It holds no state of its own;
// any number of replicas can run concurrently because correctness rests on
// the store's conditional-insert and conditional-update guarantees.
type Service struct {
	registry  *Registry
	ledger    *Ledger
	audience  AudiencePredicate
	publisher EventPublisher
	logger    *zap.Logger
	now       func() time.Time
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithAudience installs a targeting predicate.
func WithAudience(p AudiencePredicate) ServiceOption {
	return func(s *Service) { s.audience = p }
}

// WithPublisher installs an event stream publisher.
func WithPublisher(p EventPublisher) ServiceOption {
	return func(s *Service) { s.publisher = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates the assignment service.
func NewService(registry *Registry, ledger *Ledger, logger *zap.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		registry: registry,
		ledger:   ledger,
		audience: AllowAllAudience{},
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Assign resolves the user's variant for a test. It returns nil whenever no
// assignment applies: test missing or not recruiting, user excluded by
// targeting, or an internal failure. A nil result means "show control, no
// experiment". An experimentation failure must never break the feature
// underneath it, so internal errors are logged here and swallowed.
//
// Assignment is idempotent. A prior assigned event always wins, even if the
// weights changed since: re-weighting only moves users who have not been
// bucketed yet.
func (s *Service) Assign(ctx context.Context, testID uuid.UUID, userID, sessionID string, evCtx *EventContext) *Assignment {
	exp, err := s.registry.GetEligible(ctx, testID, s.now())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			assignmentsTotal.WithLabelValues(outcomeIneligible).Inc()
			return nil
		}
		s.logAssignmentError(testID, userID, err)
		return nil
	}

	existing, err := s.ledger.GetAssignment(ctx, testID, userID)
	if err != nil {
		s.logAssignmentError(testID, userID, err)
		return nil
	}
	if existing != nil {
		assignmentsTotal.WithLabelValues(outcomeExisting).Inc()
		return s.buildAssignment(exp, existing.VariantID)
	}

	if exp.TargetAudience.Excludes(userID) {
		assignmentsTotal.WithLabelValues(outcomeExcluded).Inc()
		return nil
	}
	eligible, err := s.audience.Eligible(ctx, userID, exp.TargetAudience)
	if err != nil {
		s.logAssignmentError(testID, userID, err)
		return nil
	}
	if !eligible {
		assignmentsTotal.WithLabelValues(outcomeExcluded).Inc()
		return nil
	}

	variantID := BucketVariant(userID, exp.ID.String(), exp.Variants)

	row := &Participation{
		TestID:    testID,
		UserID:    userID,
		VariantID: variantID,
		SessionID: sessionID,
		Context:   evCtx,
		Timestamp: s.now().UTC(),
	}
	winner, created, err := s.ledger.RecordAssignment(ctx, row)
	if err != nil {
		s.logAssignmentError(testID, userID, err)
		return nil
	}
	if created {
		assignmentsTotal.WithLabelValues(outcomeNew).Inc()
		s.publish(ctx, winner)
	} else {
		// Lost the insert race; the winner's variant is authoritative.
		assignmentsTotal.WithLabelValues(outcomeExisting).Inc()
	}
	return s.buildAssignment(exp, winner.VariantID)
}

// RecordEvent appends a post-assignment lifecycle event. A user who was never
// assigned to the test produces no row: the call is a silent no-op, and any
// store failure is logged and swallowed so analytics plumbing cannot fail the
// business action that triggered it.
func (s *Service) RecordEvent(ctx context.Context, testID uuid.UUID, userID string, event EventKind, evCtx *EventContext, meta *EventMetadata) {
	switch event {
	case EventExposed, EventInteracted, EventConverted, EventCompleted:
	default:
		s.logger.Warn("dropping participation event of invalid kind",
			zap.String("test_id", testID.String()),
			zap.String("event", string(event)))
		return
	}

	assignment, err := s.ledger.GetAssignment(ctx, testID, userID)
	if err != nil {
		s.logger.Error("event recording failed",
			zap.String("test_id", testID.String()),
			zap.String("user_id", userID),
			zap.Error(err))
		return
	}
	if assignment == nil {
		return
	}

	row := &Participation{
		TestID:    testID,
		UserID:    userID,
		VariantID: assignment.VariantID,
		SessionID: assignment.SessionID,
		Event:     event,
		Context:   evCtx,
		Metadata:  meta,
		Timestamp: s.now().UTC(),
	}
	if err := s.ledger.Append(ctx, row); err != nil {
		s.logger.Error("event recording failed",
			zap.String("test_id", testID.String()),
			zap.String("user_id", userID),
			zap.String("event", string(event)),
			zap.Error(err))
		return
	}
	s.publish(ctx, row)
}

// ActiveTestsForUser lists the experiments currently recruiting that the user
// is not explicitly excluded from. Callers use it to decide whether Assign is
// worth calling at all.
func (s *Service) ActiveTestsForUser(ctx context.Context, userID string) ([]*Experiment, error) {
	exps, err := s.registry.FindEligibleActive(ctx, s.now())
	if err != nil {
		return nil, err
	}
	out := exps[:0]
	for _, exp := range exps {
		if !exp.TargetAudience.Excludes(userID) {
			out = append(out, exp)
		}
	}
	return out, nil
}

// EventBreakdown exposes the ledger's per-variant, per-event counts.
func (s *Service) EventBreakdown(ctx context.Context, testID uuid.UUID) ([]EventBreakdown, error) {
	return s.ledger.CountByVariantEvent(ctx, testID)
}

// UserTimeline exposes a user's events across all tests in a time range.
func (s *Service) UserTimeline(ctx context.Context, userID string, from, to time.Time, limit int) ([]*Participation, error) {
	return s.ledger.ListByUser(ctx, userID, from, to, limit)
}

func (s *Service) buildAssignment(exp *Experiment, variantID string) *Assignment {
	variant, _ := exp.Variants.ByID(variantID)
	return &Assignment{
		TestID:        exp.ID,
		VariantID:     variantID,
		VariantConfig: variant.Config,
		IsControl:     variantID == ControlVariantID,
	}
}

func (s *Service) publish(ctx context.Context, p *Participation) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishParticipation(ctx, p); err != nil {
		s.logger.Warn("participation event publish failed",
			zap.String("test_id", p.TestID.String()),
			zap.String("event", string(p.Event)),
			zap.Error(err))
	}
}

func (s *Service) logAssignmentError(testID uuid.UUID, userID string, err error) {
	assignmentsTotal.WithLabelValues(outcomeError).Inc()
	aerr := &AssignmentError{TestID: testID.String(), UserID: userID, Err: err}
	s.logger.Error("assignment fell back to control", zap.Error(aerr))
}
