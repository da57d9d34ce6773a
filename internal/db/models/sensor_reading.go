package models

import "time"

// SensorReading is one measurement reported by a sensor. Rows are immutable
// once written and only ever removed by a purge.
type SensorReading struct {
	ID          int64     `db:"id" json:"id"`
	SensorID    int64     `db:"sensor_id" json:"sensor_id"`
	SensorType  string    `db:"sensor_type" json:"sensor_type"`
	Environment string    `db:"environment" json:"environment"`
	Value       float64   `db:"value" json:"value"`
	RecordedAt  time.Time `db:"recorded_at" json:"recorded_at"`
}
