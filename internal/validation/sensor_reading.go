// Package validation checks sensor reading payloads before anything reaches
// the ingestion pipeline. A batch is rejected as a whole on the first invalid
// element, so a rejected request never writes a row.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/sensorhub/sensorhub/internal/db/models"
)

// Canonical field names of a reading.
const (
	FieldSensorID    = "sensor_id"
	FieldSensorType  = "sensor_type"
	FieldEnvironment = "environment"
	FieldValue       = "value"
)

// fieldAliases lists the accepted JSON keys per field, canonical name first.
// The other names are what deployed sensor firmware still sends.
var fieldAliases = map[string][]string{
	FieldSensorID:    {"sensor_id"},
	FieldSensorType:  {"sensor_type", "tipo_sensor", "tipo"},
	FieldEnvironment: {"environment", "ambiente"},
	FieldValue:       {"value", "valor"},
}

// ValidationError describes why a payload was rejected. Index is the
// zero-based position in the batch, or -1 when the body as a whole is bad.
type ValidationError struct {
	Index   int
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return e.Message
	}
	if e.Field == "" {
		return fmt.Sprintf("reading %d: %s", e.Index, e.Message)
	}
	return fmt.Sprintf("reading %d: %s: %s", e.Index, e.Field, e.Message)
}

func bodyError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Index: -1, Message: fmt.Sprintf(format, args...)}
}

func fieldError(index int, field string) *ValidationError {
	return &ValidationError{Index: index, Field: field, Message: "invalid or missing " + field}
}

// DecodeReadings parses a request body holding either one reading object or
// an array of them, and validates every element in order. maxBatchSize of
// zero means no limit.
func DecodeReadings(body []byte, maxBatchSize int) ([]models.SensorReading, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, bodyError("request body is empty")
	}
	if !json.Valid(trimmed) {
		return nil, bodyError("request body is not valid JSON")
	}

	var elems []json.RawMessage
	switch trimmed[0] {
	case '{':
		elems = []json.RawMessage{trimmed}
	case '[':
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return nil, bodyError("request body is not valid JSON")
		}
		if len(elems) == 0 {
			return nil, bodyError("batch contains no readings")
		}
	default:
		return nil, bodyError("request body must be a reading object or an array of readings")
	}

	if maxBatchSize > 0 && len(elems) > maxBatchSize {
		return nil, bodyError("batch of %d readings exceeds the limit of %d", len(elems), maxBatchSize)
	}

	readings := make([]models.SensorReading, 0, len(elems))
	for i, raw := range elems {
		r, err := decodeReading(i, raw)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, nil
}

func decodeReading(index int, raw json.RawMessage) (models.SensorReading, error) {
	var fields map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return models.SensorReading{}, &ValidationError{Index: index, Message: "reading must be a JSON object"}
	}

	sensorID, ok := sensorIDField(fields)
	if !ok {
		return models.SensorReading{}, fieldError(index, FieldSensorID)
	}
	sensorType, ok := stringField(fields, FieldSensorType)
	if !ok {
		return models.SensorReading{}, fieldError(index, FieldSensorType)
	}
	environment, ok := stringField(fields, FieldEnvironment)
	if !ok {
		return models.SensorReading{}, fieldError(index, FieldEnvironment)
	}
	value, ok := numberField(fields, FieldValue)
	if !ok {
		return models.SensorReading{}, fieldError(index, FieldValue)
	}

	return models.SensorReading{
		SensorID:    sensorID,
		SensorType:  sensorType,
		Environment: environment,
		Value:       value,
	}, nil
}

func lookup(fields map[string]interface{}, field string) (interface{}, bool) {
	for _, name := range fieldAliases[field] {
		if v, ok := fields[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// sensorIDField accepts a non-zero integral JSON number. 0 is treated as
// absent, as existing clients send it for unconfigured sensors.
func sensorIDField(fields map[string]interface{}) (int64, bool) {
	v, ok := lookup(fields, FieldSensorID)
	if !ok {
		return 0, false
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	if id, err := n.Int64(); err == nil {
		return id, id != 0
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), f != 0
}

// stringField accepts a non-empty JSON string.
func stringField(fields map[string]interface{}, field string) (string, bool) {
	v, ok := lookup(fields, field)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// numberField accepts any finite JSON number, including 0.
func numberField(fields map[string]interface{}, field string) (float64, bool) {
	v, ok := lookup(fields, field)
	if !ok {
		return 0, false
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	f, err := n.Float64()
	return f, err == nil
}
