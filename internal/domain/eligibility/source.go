package eligibility

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/trialmatch/internal/platform/metrics"
)

// DefaultFetchTimeout bounds each resource type fetch.
const DefaultFetchTimeout = 5 * time.Second

// ErrNoFetcher is recorded for resource types nobody registered a fetcher for.
var ErrNoFetcher = errors.New("no fetcher registered")

// SnapshotFetcher retrieves a patient's records for every requested type in
// one call. Per-type failures are recorded on the Snapshot; an error return
// means nothing could be fetched.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, patientID string, types []ResourceType) (*Snapshot, error)
}

// TypeFetcher retrieves all records of one resource type for a patient.
type TypeFetcher func(ctx context.Context, patientID string) ([]Record, error)

// Assembler builds snapshots from per-type fetchers run concurrently.
type Assembler struct {
	fetchers map[ResourceType]TypeFetcher
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewAssembler creates an Assembler; timeout <= 0 selects DefaultFetchTimeout.
func NewAssembler(timeout time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Assembler {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Assembler{
		fetchers: make(map[ResourceType]TypeFetcher),
		timeout:  timeout,
		metrics:  m,
		logger:   logger,
	}
}

// Register sets the fetcher for a resource type, replacing any previous one.
func (a *Assembler) Register(rt ResourceType, fn TypeFetcher) {
	a.fetchers[rt] = fn
}

// Fetch runs one fetch per requested type in parallel, each under its own
// timeout. A failed type never cancels the others.
func (a *Assembler) Fetch(ctx context.Context, patientID string, types []ResourceType) (*Snapshot, error) {
	type result struct {
		records []Record
		err     error
	}
	results := make([]result, len(types))

	var g errgroup.Group
	for i, rt := range types {
		fn, ok := a.fetchers[rt]
		if !ok {
			results[i].err = ErrNoFetcher
			continue
		}
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()

			start := time.Now()
			recs, err := fn(fctx, patientID)
			if err == nil && fctx.Err() != nil {
				err = fctx.Err()
			}
			a.metrics.ObserveFetch(string(rt), time.Since(start), err)
			results[i] = result{records: recs, err: err}
			return nil
		})
	}
	_ = g.Wait()

	b := NewSnapshotBuilder(patientID)
	for i, rt := range types {
		if err := results[i].err; err != nil {
			a.logger.Warn().Err(err).
				Str("patient_id", patientID).
				Str("resource_type", string(rt)).
				Msg("snapshot fetch failed")
			b.Fail(rt, err)
			continue
		}
		b.Add(rt, results[i].records...)
	}
	return b.Build(), nil
}
