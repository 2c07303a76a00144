package hipaa

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/messaging/internal/platform/db"
)

// Outcome codes follow the FHIR AuditEvent convention.
const (
	OutcomeSuccess = "0"
	OutcomeFailure = "4"
)

// AuditEvent is one row of the audit_event table.
type AuditEvent struct {
	ID           uuid.UUID         `json:"id"`
	Action       string            `json:"action"`
	ActionCode   string            `json:"action_code"` // C/R/U/D/E
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id,omitempty"`
	ActorID      string            `json:"actor_id"`
	Outcome      string            `json:"outcome"`
	Details      map[string]string `json:"details,omitempty"`
	Recorded     time.Time         `json:"recorded"`
}

// AuditLogger writes audit events to Postgres. When the context carries a
// transaction the event commits or rolls back with it.
type AuditLogger struct {
	pool *pgxpool.Pool
}

func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// LogEvent records that actorID performed action (e.g. "message.delete") on
// a resource of resourceType. details["resource_id"], when present, is lifted
// into its own column.
func (a *AuditLogger) LogEvent(ctx context.Context, actorID, action, resourceType string, success bool, details map[string]string) error {
	event := NewEvent(actorID, action, resourceType, success, details)

	var raw []byte
	if len(event.Details) > 0 {
		var err error
		if raw, err = json.Marshal(event.Details); err != nil {
			return fmt.Errorf("hipaa audit: encode details: %w", err)
		}
	}

	err := db.Conn(ctx, a.pool).QueryRow(ctx, `
		INSERT INTO audit_event (action, action_code, resource_type, resource_id, actor_id, outcome, details, recorded)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)
		RETURNING id`,
		event.Action, event.ActionCode, event.ResourceType, event.ResourceID,
		event.ActorID, event.Outcome, raw, event.Recorded,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("hipaa audit: insert %s: %w", action, err)
	}
	return nil
}

// NewEvent builds an unsaved AuditEvent.
func NewEvent(actorID, action, resourceType string, success bool, details map[string]string) *AuditEvent {
	event := &AuditEvent{
		Action:       action,
		ActionCode:   ActionCode(action),
		ResourceType: resourceType,
		ActorID:      actorID,
		Outcome:      OutcomeSuccess,
		Recorded:     time.Now().UTC(),
	}
	if !success {
		event.Outcome = OutcomeFailure
	}
	if len(details) > 0 {
		event.Details = make(map[string]string, len(details))
		for k, v := range details {
			if k == "resource_id" {
				event.ResourceID = v
				continue
			}
			event.Details[k] = v
		}
	}
	return event
}

// ActionCode maps the verb of a dotted action name to the FHIR
// create/read/update/delete/execute code.
func ActionCode(action string) string {
	verb := action
	if i := strings.LastIndex(action, "."); i >= 0 {
		verb = action[i+1:]
	}
	switch verb {
	case "create", "send":
		return "C"
	case "read", "get", "list", "search", "subscribe":
		return "R"
	case "update", "mark_read":
		return "U"
	case "delete":
		return "D"
	default:
		return "E"
	}
}
