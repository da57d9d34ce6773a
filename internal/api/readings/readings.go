// Package readings implements the authenticated sensor reading endpoints:
// ingest, list and purge.
package readings

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sensorhub/sensorhub/internal/config"
	"github.com/sensorhub/sensorhub/internal/ingest"
	"github.com/sensorhub/sensorhub/internal/middleware"
	"github.com/sensorhub/sensorhub/internal/telemetry"
	"github.com/sensorhub/sensorhub/internal/validation"
)

// MaxBodyBytes caps the size of an ingest request body.
const MaxBodyBytes = 4 << 20

const msgStoreFailure = "Failed to process sensor readings"

// ReadingHandlers serves the /sensor-readings endpoints
type ReadingHandlers struct {
	cfg      *config.IngestConfig
	pipeline *ingest.Pipeline
}

// NewReadingHandlers creates a new ReadingHandlers instance
func NewReadingHandlers(cfg *config.IngestConfig, pipeline *ingest.Pipeline) *ReadingHandlers {
	return &ReadingHandlers{cfg: cfg, pipeline: pipeline}
}

// IngestHandler validates a reading or batch of readings and stores them.
// An invalid element rejects the whole batch before anything is written.
// POST /sensor-readings
func (h *ReadingHandlers) IngestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				telemetry.IngestBatchesTotal.WithLabelValues(telemetry.OutcomeRejected).Inc()
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}

		readings, err := validation.DecodeReadings(body, h.cfg.MaxBatchSize)
		if err != nil {
			telemetry.IngestBatchesTotal.WithLabelValues(telemetry.OutcomeRejected).Inc()
			resp := gin.H{"error": err.Error()}
			var verr *validation.ValidationError
			if errors.As(err, &verr) {
				if verr.Index >= 0 {
					resp["index"] = verr.Index
				}
				if verr.Field != "" {
					resp["field"] = verr.Field
				}
			}
			c.JSON(http.StatusBadRequest, resp)
			return
		}

		if err := h.pipeline.Ingest(c.Request.Context(), readings); err != nil {
			requestID, _ := c.Get(middleware.RequestIDKey)
			slog.Error("failed to store sensor readings",
				"request_id", requestID, "count", len(readings), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": msgStoreFailure})
			return
		}

		middleware.SetAuditAction(c, "sensor_readings.ingest", "sensor_reading")
		middleware.AddAuditMetadata(c, "count", len(readings))

		c.JSON(http.StatusCreated, gin.H{
			"message": "Sensor readings received and stored",
			"count":   len(readings),
		})
	}
}

// ListHandler returns every stored reading
// GET /sensor-readings
func (h *ReadingHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		readings, err := h.pipeline.RetrieveAll(c.Request.Context())
		if err != nil {
			slog.Error("failed to list sensor readings", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve sensor readings"})
			return
		}
		c.JSON(http.StatusOK, readings)
	}
}

// PurgeHandler deletes stored readings, archiving them first when an archive
// backend is configured.
// DELETE /sensor-readings
func (h *ReadingHandlers) PurgeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		deleted, err := h.pipeline.PurgeAll(c.Request.Context())
		if err != nil {
			msg := "Failed to delete sensor readings"
			if errors.Is(err, ingest.ErrArchiveFailed) {
				msg = "Failed to archive sensor readings; nothing was deleted"
			}
			slog.Error("failed to purge sensor readings", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
			return
		}

		middleware.SetAuditAction(c, "sensor_readings.purge", "sensor_reading")
		middleware.AddAuditMetadata(c, "deleted", deleted)

		c.JSON(http.StatusOK, gin.H{
			"message": "Sensor readings deleted",
			"deleted": deleted,
		})
	}
}
