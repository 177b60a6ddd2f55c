package experiments

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// defaultMinSampleSize applies when the schedule does not set one.
const defaultMinSampleSize = 1000

// defaultConfidenceLevel applies when the schedule does not set one.
const defaultConfidenceLevel = 0.95

// waldZ is the 95% two-sided normal quantile used for the per-variant
// confidence interval.
const waldZ = 1.96

// ResultsEngine derives statistical verdicts from the participation ledger.
// Snapshots are recomputable at any time: the ledger is authoritative and the
// cached copy on the experiment row is advisory.
type ResultsEngine struct {
	registry   *Registry
	ledger     *Ledger
	sig        SignificanceTest
	logger     *zap.Logger
	minSample  int64
	confidence float64
}

// WithSignificanceTest swaps the hypothesis test implementation.
func WithSignificanceTest(sig SignificanceTest) ResultsOption {
	return func(e *ResultsEngine) { e.sig = sig }
}

// WithDefaults overrides the fallback minimum sample size and confidence
// level used when a schedule does not set its own.
func WithDefaults(minSample int64, confidence float64) ResultsOption {
	return func(e *ResultsEngine) {
		if minSample > 0 {
			e.minSample = minSample
		}
		if confidence > 0.5 && confidence < 1 {
			e.confidence = confidence
		}
	}
}

// ResultsOption customizes a ResultsEngine.
type ResultsOption func(*ResultsEngine)

// NewResultsEngine creates the engine with the two-proportion z-test as the
// default significance strategy.
func NewResultsEngine(registry *Registry, ledger *Ledger, logger *zap.Logger, opts ...ResultsOption) *ResultsEngine {
	e := &ResultsEngine{
		registry:   registry,
		ledger:     ledger,
		sig:        TwoProportionZTest{},
		logger:     logger,
		minSample:  defaultMinSampleSize,
		confidence: defaultConfidenceLevel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// variantTally accumulates one variant's ledger scan state.
type variantTally struct {
	participants map[string]struct{}
	conversions  map[string]struct{}
	exposures    int64
	interactions int64
}

func newVariantTally() *variantTally {
	return &variantTally{
		participants: make(map[string]struct{}),
		conversions:  make(map[string]struct{}),
	}
}

// Compute builds a fresh snapshot for the experiment from the full event
// ledger. A test with no events yields all-zero variant rows and no winner; a
// missing test is a NotFoundError. The snapshot is cached onto the experiment
// row on the way out, but a cache write failure only logs; the computed
// snapshot is still returned.
func (e *ResultsEngine) Compute(ctx context.Context, testID uuid.UUID) (*Snapshot, error) {
	started := time.Now()
	defer func() {
		resultsDuration.Observe(time.Since(started).Seconds())
	}()

	exp, err := e.registry.Get(ctx, testID)
	if err != nil {
		return nil, err
	}

	// Every defined variant appears in the snapshot even with zero events.
	tallies := make(map[string]*variantTally, len(exp.Variants))
	for _, v := range exp.Variants {
		tallies[v.ID] = newVariantTally()
	}

	allParticipants := make(map[string]struct{})
	err = e.ledger.ForEachByTest(ctx, testID, func(p *Participation) error {
		tally, ok := tallies[p.VariantID]
		if !ok {
			// Rows can reference variants no longer in the definition only
			// if the definition was edited; keep their history visible.
			tally = newVariantTally()
			tallies[p.VariantID] = tally
		}
		switch p.Event {
		case EventAssigned:
			tally.participants[p.UserID] = struct{}{}
			allParticipants[p.UserID] = struct{}{}
		case EventExposed:
			tally.exposures++
		case EventInteracted:
			tally.interactions++
		case EventConverted:
			tally.conversions[p.UserID] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("compute results for %s: %w", testID, err)
	}

	confidence := exp.Schedule.ConfidenceLevel
	if confidence == 0 {
		confidence = e.confidence
	}
	alpha := 1 - confidence

	control := Proportion{}
	if tally, ok := tallies[ControlVariantID]; ok {
		control = Proportion{
			Successes: int64(len(tally.conversions)),
			Trials:    int64(len(tally.participants)),
		}
	}

	results := make(map[string]VariantResult, len(tallies))
	for variantID, tally := range tallies {
		vr := VariantResult{
			Participants: int64(len(tally.participants)),
			Conversions:  int64(len(tally.conversions)),
			Exposures:    tally.exposures,
			Interactions: tally.interactions,
			PValue:       1,
		}
		if vr.Participants > 0 {
			vr.ConversionRate = float64(vr.Conversions) / float64(vr.Participants)
			vr.ConfidenceInterval = waldInterval(vr.ConversionRate, vr.Participants)
		}
		if variantID != ControlVariantID {
			verdict := e.sig.Compare(Proportion{Successes: vr.Conversions, Trials: vr.Participants}, control, alpha)
			vr.PValue = verdict.PValue
			vr.EffectSize = verdict.EffectSize
			vr.IsSignificant = verdict.Significant
		}
		results[variantID] = vr
	}

	winner, tie := pickWinner(results)
	adequate := e.sampleSizeAdequate(exp, results)

	snap := &Snapshot{
		TestID:             exp.ID,
		Status:             exp.Status,
		TotalParticipants:  int64(len(allParticipants)),
		VariantResults:     results,
		Winner:             winner,
		ConfidenceLevel:    overallConfidence(results),
		Recommendation:     recommend(winner, tie, results, adequate),
		SampleSizeAdequate: adequate,
	}

	if err := e.registry.SaveSnapshot(ctx, testID, snap); err != nil {
		e.logger.Warn("snapshot cache write failed",
			zap.String("test_id", testID.String()),
			zap.Error(err))
	}
	return snap, nil
}

// waldInterval is rate ± z*sqrt(rate*(1-rate)/n), clamped to [0,1].
func waldInterval(rate float64, n int64) [2]float64 {
	se := math.Sqrt(rate * (1 - rate) / float64(n))
	return [2]float64{
		math.Max(0, rate-waldZ*se),
		math.Min(1, rate+waldZ*se),
	}
}

// pickWinner returns the variant with the strictly highest conversion rate
// among variants with at least one participant. A shared maximum is a tie:
// no winner is declared rather than picking arbitrarily.
func pickWinner(results map[string]VariantResult) (winner string, tie bool) {
	best := -1.0
	for variantID, vr := range results {
		if vr.Participants == 0 {
			continue
		}
		switch {
		case vr.ConversionRate > best:
			best = vr.ConversionRate
			winner = variantID
			tie = false
		case vr.ConversionRate == best:
			tie = true
		}
	}
	if tie || best < 0 {
		return "", tie
	}
	return winner, false
}

func (e *ResultsEngine) sampleSizeAdequate(exp *Experiment, results map[string]VariantResult) bool {
	min := exp.Schedule.MinSampleSize
	if min <= 0 {
		min = e.minSample
	}
	for _, v := range exp.Variants {
		if results[v.ID].Participants < min {
			return false
		}
	}
	return true
}

// overallConfidence is the share of non-control variants whose difference
// from control is significant.
func overallConfidence(results map[string]VariantResult) float64 {
	var candidates, significant int
	for variantID, vr := range results {
		if variantID == ControlVariantID {
			continue
		}
		candidates++
		if vr.IsSignificant {
			significant++
		}
	}
	if candidates == 0 {
		return 0
	}
	return float64(significant) / float64(candidates)
}

// recommend phrases the verdict. It never claims significance while the
// sample size is inadequate.
func recommend(winner string, tie bool, results map[string]VariantResult, adequate bool) string {
	if tie {
		return "Variants show insufficient differentiation; continue testing."
	}
	if winner == "" {
		return "No participants recorded yet; continue running the experiment."
	}
	vr := results[winner]
	switch {
	case vr.IsSignificant && adequate:
		return fmt.Sprintf("Variant %s shows a statistically significant improvement; consider implementing it.", winner)
	case !adequate:
		return fmt.Sprintf("Variant %s leads, but the sample size is below the configured minimum; continue testing.", winner)
	default:
		return fmt.Sprintf("Variant %s leads, but the difference is not statistically significant; continue testing.", winner)
	}
}
