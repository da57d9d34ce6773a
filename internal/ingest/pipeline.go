// Package ingest persists validated sensor readings and implements the
// retrieve and purge operations over the reading store.
//
// A batch is written as one insert per reading, issued concurrently. Unless the
// pipeline is configured as transactional, a failed insert does not undo the
// inserts that already succeeded.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sensorhub/sensorhub/internal/db/models"
	"github.com/sensorhub/sensorhub/internal/storage"
	"github.com/sensorhub/sensorhub/internal/telemetry"
)

// ReadingStore is the subset of the reading repository the pipeline needs.
type ReadingStore interface {
	InsertReading(ctx context.Context, reading *models.SensorReading) error
	InsertReadingsTx(ctx context.Context, readings []models.SensorReading) error
	ListReadings(ctx context.Context) ([]models.SensorReading, error)
	DeleteAllReadings(ctx context.Context) (int64, error)
	DeleteReadings(ctx context.Context, ids []int64) (int64, error)
}

// PartialFailureError reports a batch in which at least one write failed.
// Succeeded rows remain persisted unless the pipeline is transactional.
type PartialFailureError struct {
	Total     int
	Succeeded int
	Failed    int
	Err       error // first write error observed
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("ingest: %d of %d readings failed: %v", e.Failed, e.Total, e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

// Options configures a Pipeline.
type Options struct {
	// MaxConcurrency bounds in-flight inserts per batch. Zero means unbounded.
	MaxConcurrency int
	// Transactional writes each batch in a single transaction.
	Transactional bool

	// Archive, when set, receives a JSON export of the readings before a purge.
	Archive        storage.Storage
	ArchiveBackend string
	ArchivePrefix  string
}

// Pipeline writes, lists and purges sensor readings.
type Pipeline struct {
	store ReadingStore
	opts  Options
	now   func() time.Time
}

// NewPipeline creates a Pipeline over store.
func NewPipeline(store ReadingStore, opts Options) *Pipeline {
	if opts.ArchivePrefix == "" {
		opts.ArchivePrefix = "archives"
	}
	if opts.ArchiveBackend == "" {
		opts.ArchiveBackend = "unknown"
	}
	return &Pipeline{store: store, opts: opts, now: time.Now}
}

// Ingest stores every reading, filling in ID and RecordedAt in place. It
// returns only after all writes have finished. Any failed write yields a
// *PartialFailureError.
func (p *Pipeline) Ingest(ctx context.Context, readings []models.SensorReading) error {
	if len(readings) == 0 {
		return nil
	}

	var err error
	if p.opts.Transactional {
		err = p.ingestTx(ctx, readings)
	} else {
		err = p.ingestConcurrent(ctx, readings)
	}
	if err != nil {
		telemetry.IngestBatchesTotal.WithLabelValues(telemetry.OutcomeFailed).Inc()
		return err
	}

	telemetry.IngestBatchesTotal.WithLabelValues(telemetry.OutcomeAcknowledged).Inc()
	telemetry.ReadingsIngestedTotal.Add(float64(len(readings)))
	telemetry.IngestBatchSize.Observe(float64(len(readings)))
	return nil
}

func (p *Pipeline) ingestConcurrent(ctx context.Context, readings []models.SensorReading) error {
	var (
		g         errgroup.Group
		succeeded atomic.Int64
	)
	if p.opts.MaxConcurrency > 0 {
		g.SetLimit(p.opts.MaxConcurrency)
	}

	// A plain Group: one failed insert must not cancel its siblings.
	for i := range readings {
		reading := &readings[i]
		g.Go(func() error {
			if err := p.store.InsertReading(ctx, reading); err != nil {
				return err
			}
			succeeded.Add(1)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		ok := int(succeeded.Load())
		slog.Error("ingest batch partially failed",
			"total", len(readings), "succeeded", ok, "error", err)
		return &PartialFailureError{
			Total:     len(readings),
			Succeeded: ok,
			Failed:    len(readings) - ok,
			Err:       err,
		}
	}
	return nil
}

func (p *Pipeline) ingestTx(ctx context.Context, readings []models.SensorReading) error {
	if err := p.store.InsertReadingsTx(ctx, readings); err != nil {
		slog.Error("ingest batch rolled back", "total", len(readings), "error", err)
		return &PartialFailureError{
			Total:  len(readings),
			Failed: len(readings),
			Err:    err,
		}
	}
	return nil
}

// RetrieveAll returns every stored reading ordered by ID.
func (p *Pipeline) RetrieveAll(ctx context.Context) ([]models.SensorReading, error) {
	readings, err := p.store.ListReadings(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieve readings: %w", err)
	}
	return readings, nil
}
