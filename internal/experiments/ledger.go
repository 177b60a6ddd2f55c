package experiments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ledgerBatchSize bounds how many rows a results scan holds at once.
const ledgerBatchSize = 1000

// Ledger is the append-only store of participation events. Rows are never
// updated or deleted here; retention sweeps live outside the engine.
type Ledger struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewLedger creates a ledger over the given database handle. The handle must
// be opened with TranslateError so duplicate-key conflicts surface as
// gorm.ErrDuplicatedKey.
func NewLedger(db *gorm.DB, logger *zap.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

// Append inserts one event row.
func (l *Ledger) Append(ctx context.Context, p *Participation) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}

	start := time.Now()
	if err := l.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("append participation event: %w", err)
	}
	storeDuration.WithLabelValues("ledger_append").Observe(time.Since(start).Seconds())
	eventsTotal.WithLabelValues(string(p.Event)).Inc()
	return nil
}

// RecordAssignment appends the assigned event for a (test, user) pair. The
// unique index on AssignmentKey makes this safe under concurrent callers:
// exactly one insert wins, and every loser re-reads and returns the winning
// row instead of erroring. The bool reports whether this call was the winner.
func (l *Ledger) RecordAssignment(ctx context.Context, p *Participation) (*Participation, bool, error) {
	p.Event = EventAssigned
	key := AssignmentKeyFor(p.TestID, p.UserID)
	p.AssignmentKey = &key
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}

	err := l.db.WithContext(ctx).Create(p).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		winner, lookupErr := l.GetAssignment(ctx, p.TestID, p.UserID)
		if lookupErr != nil {
			return nil, false, lookupErr
		}
		if winner == nil {
			return nil, false, fmt.Errorf("assignment conflict for %s but no winning row found", key)
		}
		return winner, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("record assignment: %w", err)
	}
	eventsTotal.WithLabelValues(string(EventAssigned)).Inc()
	return p, true, nil
}

// GetAssignment returns the assigned event for a (test, user) pair, or nil
// when the user was never assigned.
func (l *Ledger) GetAssignment(ctx context.Context, testID uuid.UUID, userID string) (*Participation, error) {
	var p Participation
	err := l.db.WithContext(ctx).
		Where("test_id = ? AND user_id = ? AND event = ?", testID, userID, EventAssigned).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	return &p, nil
}

// ForEachByTest streams every event for a test in bounded batches, each row
// exactly once. Batch pagination cursors on the primary key, so no ordering
// clause may be added here; rows arrive in id order, not time order, and
// callers that care about ordering must not use this scan. The callback
// returning an error aborts the scan.
func (l *Ledger) ForEachByTest(ctx context.Context, testID uuid.UUID, fn func(*Participation) error) error {
	var batch []*Participation
	res := l.db.WithContext(ctx).
		Where("test_id = ?", testID).
		FindInBatches(&batch, ledgerBatchSize, func(_ *gorm.DB, _ int) error {
			for _, p := range batch {
				if err := fn(p); err != nil {
					return err
				}
			}
			return nil
		})
	if res.Error != nil {
		return fmt.Errorf("scan participation events: %w", res.Error)
	}
	return nil
}

// ListByUser returns a user's events across all tests within a time range,
// newest first. Zero time bounds are open-ended.
func (l *Ledger) ListByUser(ctx context.Context, userID string, from, to time.Time, limit int) ([]*Participation, error) {
	query := l.db.WithContext(ctx).Where("user_id = ?", userID)
	if !from.IsZero() {
		query = query.Where("timestamp >= ?", from)
	}
	if !to.IsZero() {
		query = query.Where("timestamp <= ?", to)
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var events []*Participation
	if err := query.Order("timestamp DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("list events by user: %w", err)
	}
	return events, nil
}

// ListByVariant returns events for one variant of a test, optionally filtered
// by event kind.
func (l *Ledger) ListByVariant(ctx context.Context, testID uuid.UUID, variantID string, event EventKind) ([]*Participation, error) {
	query := l.db.WithContext(ctx).Where("test_id = ? AND variant_id = ?", testID, variantID)
	if event != "" {
		query = query.Where("event = ?", event)
	}

	var events []*Participation
	if err := query.Order("timestamp ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("list events by variant: %w", err)
	}
	return events, nil
}

// EventBreakdown is one row of the per-variant, per-event count query backing
// the dashboard breakdown.
type EventBreakdown struct {
	VariantID string    `json:"variant_id"`
	Event     EventKind `json:"event"`
	Count     int64     `json:"count"`
}

// CountByVariantEvent aggregates raw event counts grouped by variant and
// event kind.
func (l *Ledger) CountByVariantEvent(ctx context.Context, testID uuid.UUID) ([]EventBreakdown, error) {
	var rows []EventBreakdown
	err := l.db.WithContext(ctx).Model(&Participation{}).
		Select("variant_id, event, COUNT(*) AS count").
		Where("test_id = ?", testID).
		Group("variant_id").Group("event").
		Order("variant_id ASC").Order("event ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count events by variant: %w", err)
	}
	return rows, nil
}
