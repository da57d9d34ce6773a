// audit_repository.go implements AuditRepository, writing and reading the
// audit trail of state-changing requests.
package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sensorhub/sensorhub/internal/db/models"
)

const insertAuditLogQuery = `
	INSERT INTO audit_logs (id, user_id, action, resource_type, metadata, ip_address, created_at)
	VALUES (:id, :user_id, :action, :resource_type, :metadata, :ip_address, :created_at)`

// AuditRepository persists audit entries. It satisfies middleware.AuditRecorder.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// CreateAuditLog assigns the entry an id and timestamp and stores it.
func (r *AuditRepository) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	entry.ID = uuid.New().String()
	entry.CreatedAt = time.Now()

	if _, err := r.db.NamedExecContext(ctx, insertAuditLogQuery, entry); err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	return nil
}

// ListRecentAuditLogs returns the newest entries first. An empty action
// matches every action.
func (r *AuditRepository) ListRecentAuditLogs(ctx context.Context, action string, limit int) ([]*models.AuditLog, error) {
	entries := make([]*models.AuditLog, 0, limit)
	err := r.db.SelectContext(ctx, &entries, `
		SELECT id, user_id, action, resource_type, metadata, ip_address, created_at
		FROM audit_logs
		WHERE ($1 = '' OR action = $1)
		ORDER BY created_at DESC
		LIMIT $2`, action, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	return entries, nil
}
