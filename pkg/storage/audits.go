package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/quantfoundry/tradeengine/pkg/types"
)

// AuditRepository appends audit rows. Events are searchable by type.
type AuditRepository interface {
	Append(a *AuditLog) error
	// Record builds and appends a row from an event, description and
	// structured details.
	Record(event types.AuditEvent, description string, details map[string]interface{}) error
	ListRecent(limit int) ([]AuditLog, error)
	ListByEventType(event types.AuditEvent, limit int) ([]AuditLog, error)
}

type auditRepo struct {
	db *gorm.DB
}

func (r *auditRepo) Append(a *AuditLog) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	return r.db.Create(a).Error
}

func (r *auditRepo) Record(event types.AuditEvent, description string, details map[string]interface{}) error {
	row := &AuditLog{
		EventType:   event,
		Description: description,
	}
	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err != nil {
			return err
		}
		row.Details = string(data)
	}
	return r.Append(row)
}

func (r *auditRepo) ListRecent(limit int) ([]AuditLog, error) {
	var out []AuditLog
	err := r.db.Order("timestamp desc").Limit(limit).Find(&out).Error
	return out, err
}

func (r *auditRepo) ListByEventType(event types.AuditEvent, limit int) ([]AuditLog, error) {
	var out []AuditLog
	err := r.db.Where("event_type = ?", event).Order("timestamp desc").Limit(limit).Find(&out).Error
	return out, err
}
