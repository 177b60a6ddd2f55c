package experiments

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// weightTolerance is the allowed float drift on the 100% weight sum.
const weightTolerance = 0.01

// Registry is the durable store of experiment definitions. All lifecycle
// transitions go through conditional updates keyed on the expected prior
// status, so concurrent operators cannot both win the same transition.
type Registry struct {
	db       *gorm.DB
	logger   *zap.Logger
	validate *validator.Validate
}

// NewRegistry creates a registry over the given database handle.
func NewRegistry(db *gorm.DB, logger *zap.Logger) *Registry {
	return &Registry{
		db:       db,
		logger:   logger,
		validate: validator.New(),
	}
}

// ListFilter narrows and pages List results.
type ListFilter struct {
	Status    Status
	Type      TestType
	CreatedBy string
	Limit     int
	Offset    int
}

// Create validates and persists a new definition. Status is forced to draft
// regardless of what the caller put on the struct.
func (r *Registry) Create(ctx context.Context, exp *Experiment) error {
	if err := r.validateDefinition(exp); err != nil {
		return err
	}

	exp.Status = StatusDraft
	exp.Results = nil
	if exp.ID == uuid.Nil {
		exp.ID = uuid.New()
	}

	start := time.Now()
	if err := r.db.WithContext(ctx).Create(exp).Error; err != nil {
		return fmt.Errorf("create experiment: %w", err)
	}
	storeDuration.WithLabelValues("registry_create").Observe(time.Since(start).Seconds())

	r.logger.Info("experiment created",
		zap.String("test_id", exp.ID.String()),
		zap.String("name", exp.Name),
		zap.String("created_by", exp.CreatedBy))
	return nil
}

// Get loads a definition by id.
func (r *Registry) Get(ctx context.Context, testID uuid.UUID) (*Experiment, error) {
	var exp Experiment
	err := r.db.WithContext(ctx).First(&exp, "id = ?", testID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{TestID: testID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("get experiment: %w", err)
	}
	return &exp, nil
}

// List returns definitions matching the filter plus the unpaged total.
func (r *Registry) List(ctx context.Context, filter ListFilter) ([]*Experiment, int64, error) {
	query := r.db.WithContext(ctx).Model(&Experiment{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.CreatedBy != "" {
		query = query.Where("created_by = ?", filter.CreatedBy)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count experiments: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var exps []*Experiment
	err := query.Order("created_at DESC").Limit(limit).Offset(filter.Offset).Find(&exps).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list experiments: %w", err)
	}
	return exps, total, nil
}

// Update replaces a draft definition's editable fields. Any other status is a
// conflict: once an experiment starts recruiting, its variants are frozen so
// bucketing boundaries cannot move under assigned users.
func (r *Registry) Update(ctx context.Context, exp *Experiment) error {
	if err := r.validateDefinition(exp); err != nil {
		return err
	}

	res := r.db.WithContext(ctx).Model(&Experiment{}).
		Where("id = ? AND status = ?", exp.ID, StatusDraft).
		Updates(map[string]interface{}{
			"name":             exp.Name,
			"description":      exp.Description,
			"type":             exp.Type,
			"goal":             exp.Goal,
			"variants":         exp.Variants,
			"target_audience":  exp.TargetAudience,
			"start_date":       exp.Schedule.StartDate,
			"end_date":         exp.Schedule.EndDate,
			"min_sample_size":  exp.Schedule.MinSampleSize,
			"confidence_level": exp.Schedule.ConfidenceLevel,
			"metadata":         exp.Metadata,
			"updated_by":       exp.UpdatedBy,
		})
	if res.Error != nil {
		return fmt.Errorf("update experiment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return r.conflictOrNotFound(ctx, exp.ID, "update")
	}
	return nil
}

// Delete removes a draft. Experiments that ever left draft are never deleted,
// only cancelled.
func (r *Registry) Delete(ctx context.Context, testID uuid.UUID) error {
	res := r.db.WithContext(ctx).
		Where("id = ? AND status = ?", testID, StatusDraft).
		Delete(&Experiment{})
	if res.Error != nil {
		return fmt.Errorf("delete experiment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return r.conflictOrNotFound(ctx, testID, "delete")
	}
	return nil
}

// Transition atomically moves an experiment from one of the expected statuses
// to the target status, stamping the extra columns. It returns false without
// error when the experiment exists but is not in an expected status; exactly
// one of N concurrent identical calls observes true.
func (r *Registry) Transition(ctx context.Context, testID uuid.UUID, from []Status, to Status, actorID string, stamp map[string]interface{}) (bool, error) {
	set := map[string]interface{}{
		"status":     to,
		"updated_by": actorID,
	}
	for col, val := range stamp {
		set[col] = val
	}

	start := time.Now()
	res := r.db.WithContext(ctx).Model(&Experiment{}).
		Where("id = ? AND status IN ?", testID, from).
		Updates(set)
	storeDuration.WithLabelValues("registry_transition").Observe(time.Since(start).Seconds())
	if res.Error != nil {
		return false, fmt.Errorf("transition experiment to %s: %w", to, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Start moves a draft to active and stamps the real recruitment start.
func (r *Registry) Start(ctx context.Context, testID uuid.UUID, actorID string) (bool, error) {
	return r.Transition(ctx, testID, []Status{StatusDraft}, StatusActive, actorID,
		map[string]interface{}{"start_date": time.Now().UTC()})
}

// Stop moves an active experiment to completed and stamps the end.
func (r *Registry) Stop(ctx context.Context, testID uuid.UUID, actorID string) (bool, error) {
	return r.Transition(ctx, testID, []Status{StatusActive}, StatusCompleted, actorID,
		map[string]interface{}{"end_date": time.Now().UTC()})
}

// FindEligibleActive returns every experiment that can recruit at the given
// instant: active, started, and not past its end date.
func (r *Registry) FindEligibleActive(ctx context.Context, now time.Time) ([]*Experiment, error) {
	var exps []*Experiment
	err := r.db.WithContext(ctx).
		Where("status = ? AND start_date <= ?", StatusActive, now).
		Where("end_date IS NULL OR end_date >= ?", now).
		Order("start_date DESC").
		Find(&exps).Error
	if err != nil {
		return nil, fmt.Errorf("find eligible experiments: %w", err)
	}
	return exps, nil
}

// GetEligible is the single-test form of FindEligibleActive. A missing or
// currently ineligible experiment both come back as ErrNotFound; the
// assignment path treats either as "no experiment running".
func (r *Registry) GetEligible(ctx context.Context, testID uuid.UUID, now time.Time) (*Experiment, error) {
	var exp Experiment
	err := r.db.WithContext(ctx).
		Where("id = ? AND status = ? AND start_date <= ?", testID, StatusActive, now).
		Where("end_date IS NULL OR end_date >= ?", now).
		First(&exp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{TestID: testID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("get eligible experiment: %w", err)
	}
	return &exp, nil
}

// SaveSnapshot caches a computed snapshot on the experiment row. Advisory
// only: the participation ledger stays the source of truth.
func (r *Registry) SaveSnapshot(ctx context.Context, testID uuid.UUID, snap *Snapshot) error {
	res := r.db.WithContext(ctx).Model(&Experiment{}).
		Where("id = ?", testID).
		Update("results", snap)
	if res.Error != nil {
		return fmt.Errorf("save snapshot: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &NotFoundError{TestID: testID.String()}
	}
	return nil
}

func (r *Registry) conflictOrNotFound(ctx context.Context, testID uuid.UUID, attempt string) error {
	exp, err := r.Get(ctx, testID)
	if err != nil {
		return err
	}
	return &ConflictError{TestID: testID.String(), Status: exp.Status, Attempt: attempt}
}

func (r *Registry) validateDefinition(exp *Experiment) error {
	if len(exp.Variants) < 2 {
		return newValidationError("variants", "at least 2 variants required")
	}
	seen := make(map[string]struct{}, len(exp.Variants))
	for _, v := range exp.Variants {
		if v.ID == "" {
			return newValidationError("variants", "variant id must not be empty")
		}
		if _, dup := seen[v.ID]; dup {
			return newValidationError("variants", fmt.Sprintf("duplicate variant id %q", v.ID))
		}
		seen[v.ID] = struct{}{}
	}
	if total := exp.Variants.TotalWeight(); math.Abs(total-100) > weightTolerance {
		return newValidationError("variants", fmt.Sprintf("weights sum to %.2f, expected 100", total))
	}
	if exp.Schedule.StartDate.IsZero() {
		return newValidationError("schedule.start_date", "start date is required")
	}
	if exp.Schedule.EndDate != nil && exp.Schedule.EndDate.Before(exp.Schedule.StartDate) {
		return newValidationError("schedule.end_date", "end date precedes start date")
	}
	if cl := exp.Schedule.ConfidenceLevel; cl != 0 && (cl <= 0.5 || cl >= 1) {
		return newValidationError("schedule.confidence_level", "confidence level must be in (0.5, 1)")
	}
	if err := r.validate.Struct(exp); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return newValidationError(verrs[0].Namespace(), verrs[0].Tag())
		}
		return newValidationError("", err.Error())
	}
	return nil
}
