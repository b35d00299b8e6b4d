package eligibility

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/trialmatch/internal/platform/metrics"
)

// Engine evaluates criteria trees against patient snapshots. An Engine holds
// only immutable configuration and may be used from many goroutines.
type Engine struct {
	matcher   *Matcher
	validator *Validator
	fetcher   SnapshotFetcher
	policy    AbsentDataPolicy
	now       func() time.Time
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithCodingTable replaces the default coding table.
func WithCodingTable(t *CodingTable) Option {
	return func(e *Engine) { e.matcher = NewMatcher(t) }
}

// WithMaxDepth sets the validator depth limit.
func WithMaxDepth(depth int) Option {
	return func(e *Engine) { e.validator = NewValidator(depth) }
}

// WithAbsentDataPolicy sets how exists/not_exists treat a missing resource type.
func WithAbsentDataPolicy(p AbsentDataPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithClock sets the source of the default reference time.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an Engine reading snapshots from fetcher. fetcher may be
// nil when only EvaluateSnapshot is used.
func NewEngine(fetcher SnapshotFetcher, opts ...Option) *Engine {
	e := &Engine{
		matcher:   NewMatcher(nil),
		validator: NewValidator(DefaultMaxDepth),
		fetcher:   fetcher,
		policy:    AbsentNotMet,
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Matcher returns the engine's matcher.
func (e *Engine) Matcher() *Matcher { return e.matcher }

// Validate checks a tree without evaluating it.
func (e *Engine) Validate(root Node) error {
	if err := e.validator.Validate(root); err != nil {
		e.metrics.IncrementValidationFailure()
		return err
	}
	return nil
}

// EvaluateSnapshot evaluates root against snap at the reference time at
// (zero selects the engine clock). It has no side effects on its inputs and
// returns identical reports for identical inputs. The only error is a
// *ValidationError.
func (e *Engine) EvaluateSnapshot(root Node, snap *Snapshot, at time.Time) (*Report, error) {
	if err := e.Validate(root); err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = e.now()
	}
	at = at.UTC()
	if snap == nil {
		snap = NewSnapshot("", nil)
	}

	env := &Env{ReferenceTime: at, Matcher: e.matcher, AbsentData: e.policy}
	report := Aggregate(evaluateNode(env, root, snap, rootPath))
	report.PatientID = snap.PatientID()
	report.ReferenceTime = at
	return report, nil
}

// Evaluate validates root, fetches every referenced resource type of the
// patient exactly once, then evaluates in memory. Fetch problems degrade
// affected leaves to Indeterminate; only validation errors are returned.
func (e *Engine) Evaluate(ctx context.Context, patientID string, root Node, at time.Time) (*Report, error) {
	start := time.Now()
	if err := e.Validate(root); err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = e.now()
	}

	types := ReferencedTypes(root)
	snap, err := e.fetch(ctx, patientID, types)
	if err != nil {
		e.logger.Warn().Err(err).Str("patient_id", patientID).Msg("snapshot fetch failed for all resource types")
		b := NewSnapshotBuilder(patientID)
		for _, rt := range types {
			b.Fail(rt, err)
		}
		snap = b.Build()
	}

	report, err := e.EvaluateSnapshot(root, snap, at)
	if err != nil {
		return nil, err
	}
	report.PatientID = patientID

	elapsed := time.Since(start)
	e.metrics.ObserveEvaluateLatency(elapsed)
	e.metrics.IncrementOutcome(report.Status.String(), string(report.Recommendation))
	e.logger.Debug().
		Str("patient_id", patientID).
		Int("leaves", report.Summary.Total).
		Str("status", report.Status.String()).
		Bool("partial", report.Partial).
		Dur("duration", elapsed).
		Msg("eligibility evaluated")
	return report, nil
}

var errNoFetcherConfigured = errors.New("engine has no snapshot fetcher")

func (e *Engine) fetch(ctx context.Context, patientID string, types []ResourceType) (*Snapshot, error) {
	if e.fetcher == nil {
		return nil, errNoFetcherConfigured
	}
	snap, err := e.fetcher.Fetch(ctx, patientID, types)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, errors.New("fetcher returned no snapshot")
	}
	return snap, nil
}
