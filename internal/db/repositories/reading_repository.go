// reading_repository.go implements ReadingRepository on sqlx. Every insert is
// a single statement, so a reading is either fully stored or not at all.
package repositories

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sensorhub/sensorhub/internal/db/models"
)

const insertReadingQuery = `
	INSERT INTO sensor_readings (sensor_id, sensor_type, environment, value)
	VALUES ($1, $2, $3, $4)
	RETURNING id, recorded_at
`

// ReadingRepository handles sensor reading database operations
type ReadingRepository struct {
	db *sqlx.DB
}

// NewReadingRepository creates a new ReadingRepository
func NewReadingRepository(db *sqlx.DB) *ReadingRepository {
	return &ReadingRepository{db: db}
}

// InsertReading stores one reading and fills in its ID and RecordedAt.
func (r *ReadingRepository) InsertReading(ctx context.Context, reading *models.SensorReading) error {
	err := r.db.QueryRowxContext(ctx, insertReadingQuery,
		reading.SensorID,
		reading.SensorType,
		reading.Environment,
		reading.Value,
	).Scan(&reading.ID, &reading.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert reading for sensor %d: %w", reading.SensorID, err)
	}
	return nil
}

// InsertReadingsTx stores all readings in one transaction: either every row
// is committed or none is.
func (r *ReadingRepository) InsertReadingsTx(ctx context.Context, readings []models.SensorReading) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reading batch: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i := range readings {
		reading := &readings[i]
		if err = tx.QueryRowxContext(ctx, insertReadingQuery,
			reading.SensorID,
			reading.SensorType,
			reading.Environment,
			reading.Value,
		).Scan(&reading.ID, &reading.RecordedAt); err != nil {
			return fmt.Errorf("insert reading %d of batch: %w", i, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit reading batch: %w", err)
	}
	return nil
}

// ListReadings returns every stored reading ordered by ID.
func (r *ReadingRepository) ListReadings(ctx context.Context) ([]models.SensorReading, error) {
	readings := []models.SensorReading{}
	query := `
		SELECT id, sensor_id, sensor_type, environment, value, recorded_at
		FROM sensor_readings
		ORDER BY id
	`
	if err := r.db.SelectContext(ctx, &readings, query); err != nil {
		return nil, fmt.Errorf("list readings: %w", err)
	}
	return readings, nil
}

// DeleteAllReadings removes every reading and returns how many were removed.
func (r *ReadingRepository) DeleteAllReadings(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sensor_readings`)
	if err != nil {
		return 0, fmt.Errorf("delete readings: %w", err)
	}
	return result.RowsAffected()
}

// DeleteReadings removes exactly the readings with the given IDs. Used after
// an archive so that only exported rows are removed.
func (r *ReadingRepository) DeleteReadings(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := r.db.ExecContext(ctx, `DELETE FROM sensor_readings WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("delete %d readings: %w", len(ids), err)
	}
	return result.RowsAffected()
}

// CountReadings returns the number of stored readings.
func (r *ReadingRepository) CountReadings(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM sensor_readings`); err != nil {
		return 0, fmt.Errorf("count readings: %w", err)
	}
	return n, nil
}
