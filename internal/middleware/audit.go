// audit.go records successful state-changing requests to the audit log. The
// write happens after the response on a background goroutine, so a slow or
// failing audit store never delays or fails the request itself.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sensorhub/sensorhub/internal/db/models"
	"github.com/sensorhub/sensorhub/internal/safego"
)

const (
	auditActionKey   = "audit_action"
	auditResourceKey = "audit_resource"
	auditSubjectKey  = "audit_subject"
	auditMetaKey     = "audit_metadata"

	auditWriteTimeout = 5 * time.Second
)

// AuditRecorder persists audit entries
type AuditRecorder interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// SetAuditAction names the action and resource type a handler performed.
// Requests without an action fall back to "<METHOD> <route>".
func SetAuditAction(c *gin.Context, action, resourceType string) {
	c.Set(auditActionKey, action)
	c.Set(auditResourceKey, resourceType)
}

// SetAuditSubject records the user an unauthenticated request acted on, such
// as the account created by /register.
func SetAuditSubject(c *gin.Context, userID string) {
	c.Set(auditSubjectKey, userID)
}

// AddAuditMetadata attaches one key to the entry's metadata
func AddAuditMetadata(c *gin.Context, key string, value interface{}) {
	meta, _ := c.Get(auditMetaKey)
	m, ok := meta.(map[string]interface{})
	if !ok {
		m = map[string]interface{}{}
		c.Set(auditMetaKey, m)
	}
	m[key] = value
}

// AuditMiddleware writes an entry for every non-GET request that completed
// with a status below 400. A nil recorder disables auditing.
func AuditMiddleware(recorder AuditRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if recorder == nil {
			return
		}
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			return
		}
		status := c.Writer.Status()
		if status >= http.StatusBadRequest {
			return
		}

		entry := buildAuditLog(c, status)
		requestID := c.GetString(RequestIDKey)

		safego.Go("audit-log", func() {
			ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
			defer cancel()
			if err := recorder.CreateAuditLog(ctx, entry); err != nil {
				slog.Error("failed to write audit log",
					"action", entry.Action, "request_id", requestID, "error", err)
			}
		})
	}
}

// buildAuditLog copies everything it needs out of c; the gin context must not
// be touched once the handler chain returns.
func buildAuditLog(c *gin.Context, status int) *models.AuditLog {
	action := c.GetString(auditActionKey)
	if action == "" {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		action = c.Request.Method + " " + route
	}

	entry := &models.AuditLog{Action: action}

	if uid := c.GetString(UserIDKey); uid != "" {
		entry.UserID = &uid
	} else if subject := c.GetString(auditSubjectKey); subject != "" {
		entry.UserID = &subject
	}
	if rt := c.GetString(auditResourceKey); rt != "" {
		entry.ResourceType = &rt
	}
	if ip := c.ClientIP(); ip != "" {
		entry.IPAddress = &ip
	}

	meta := map[string]interface{}{"status_code": status}
	if extra, ok := c.Get(auditMetaKey); ok {
		if m, ok := extra.(map[string]interface{}); ok {
			for k, v := range m {
				meta[k] = v
			}
		}
	}
	if id := c.GetString(RequestIDKey); id != "" {
		meta["request_id"] = id
	}
	entry.Metadata = meta
	return entry
}
