package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/sensorhub/sensorhub/internal/db/models"
	"github.com/sensorhub/sensorhub/internal/telemetry"
	"github.com/sensorhub/sensorhub/pkg/checksum"
)

// ErrArchiveFailed is returned when the pre-purge export could not be stored.
// Nothing has been deleted when it is returned.
var ErrArchiveFailed = errors.New("archive before purge failed")

// PurgeAll deletes stored readings and returns how many were removed.
//
// Without an archive backend every reading is deleted. With one, the current
// readings are exported first and only the exported rows are deleted, so a
// reading committed after the export survives whatever its ID.
func (p *Pipeline) PurgeAll(ctx context.Context) (int64, error) {
	if p.opts.Archive == nil {
		n, err := p.store.DeleteAllReadings(ctx)
		if err != nil {
			return 0, fmt.Errorf("purge readings: %w", err)
		}
		telemetry.ReadingsPurgedTotal.Add(float64(n))
		return n, nil
	}

	readings, err := p.store.ListReadings(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge readings: list for archive: %w", err)
	}
	if len(readings) == 0 {
		return 0, nil
	}

	objectPath, err := p.archive(ctx, readings)
	if err != nil {
		return 0, err
	}

	ids := make([]int64, len(readings))
	for i, r := range readings {
		ids[i] = r.ID
	}
	n, err := p.store.DeleteReadings(ctx, ids)
	if err != nil {
		// The rows are still there; drop the export so it does not look like a completed purge.
		if delErr := p.opts.Archive.Delete(ctx, objectPath); delErr != nil {
			slog.Warn("failed to remove archive after purge error", "path", objectPath, "error", delErr)
		}
		return 0, fmt.Errorf("purge readings: %w", err)
	}

	telemetry.ReadingsPurgedTotal.Add(float64(n))
	return n, nil
}

// archive uploads readings as one JSON document and returns its object path.
func (p *Pipeline) archive(ctx context.Context, readings []models.SensorReading) (string, error) {
	backend := p.opts.ArchiveBackend

	payload, err := json.Marshal(readings)
	if err != nil {
		return "", fmt.Errorf("%w: encode: %v", ErrArchiveFailed, err)
	}
	want, err := checksum.CalculateSHA256(bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrArchiveFailed, err)
	}

	objectPath := path.Join(p.opts.ArchivePrefix,
		fmt.Sprintf("readings-%s.json", p.now().UTC().Format("20060102T150405.000000000Z")))

	res, err := p.opts.Archive.Upload(ctx, objectPath, bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		telemetry.ArchiveUploadsTotal.WithLabelValues(backend, "failure").Inc()
		return "", fmt.Errorf("%w: %v", ErrArchiveFailed, err)
	}
	if res.Checksum != want {
		telemetry.ArchiveUploadsTotal.WithLabelValues(backend, "failure").Inc()
		if delErr := p.opts.Archive.Delete(ctx, objectPath); delErr != nil {
			slog.Warn("failed to remove archive with bad checksum", "path", objectPath, "error", delErr)
		}
		return "", fmt.Errorf("%w: checksum mismatch for %s (stored %s, expected %s)",
			ErrArchiveFailed, objectPath, res.Checksum, want)
	}

	telemetry.ArchiveUploadsTotal.WithLabelValues(backend, "success").Inc()
	slog.Info("archived readings before purge",
		"backend", backend,
		"path", res.Path,
		"readings", len(readings),
		"bytes", res.Size,
		"sha256", res.Checksum,
		"max_id", readings[len(readings)-1].ID,
	)
	return objectPath, nil
}
