// Package audit wraps db.AuditEventDB with the redaction and
// meta-audit rules spec C8 layers on top of the append-only log.
package audit

import (
	"context"
	"encoding/json"

	"github.com/logship/core/internal/db"
	"github.com/logship/core/internal/logger"
	"github.com/logship/core/internal/models"
)

// sensitiveFields are redacted (recursively) before a detail payload is
// persisted, so a handler can pass its raw request body through
// without needing to know which of its fields are secrets.
var sensitiveFields = map[string]bool{
	"password":     true,
	"password_old": true,
	"password_new": true,
	"token":        true,
	"secret":       true,
	"api_key":      true,
	"apiKey":       true,
}

// Event is the write-side shape handlers build; Recorder redacts Detail
// before handing it to db.AuditEventDB, whose Insert fills in At.
type Event struct {
	PrincipalID *string
	Action      string
	EntityKind  string
	EntityID    string
	IP          string
	Geo         string
	UserAgent   string
	Outcome     models.AuditOutcome
	Detail      map[string]interface{}
	RequestID   string
}

// Recorder is the only writer of audit_events in the system; every
// mutating handler and the auth package call Record instead of
// touching db.AuditEventDB directly, so redaction can never be
// bypassed by a new call site.
type Recorder struct {
	db *db.AuditEventDB
}

func NewRecorder(auditDB *db.AuditEventDB) *Recorder {
	return &Recorder{db: auditDB}
}

// Record redacts ev.Detail and appends it. Insert failures are logged
// and swallowed rather than propagated — an audit-log outage must
// never take down the request path it's observing.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	var detailJSON string
	if ev.Detail != nil {
		redacted := redact(ev.Detail)
		b, err := json.Marshal(redacted)
		if err == nil {
			detailJSON = string(b)
		}
	}
	err := r.db.Insert(ctx, db.AuditEventInput{
		PrincipalID: ev.PrincipalID,
		Action:      ev.Action,
		EntityKind:  ev.EntityKind,
		EntityID:    ev.EntityID,
		IP:          ev.IP,
		Geo:         ev.Geo,
		UserAgent:   ev.UserAgent,
		Outcome:     string(ev.Outcome),
		DetailJSON:  detailJSON,
		RequestID:   ev.RequestID,
	})
	if err != nil {
		logger.GetLogger().Error().Err(err).Str("action", ev.Action).Msg("failed to write audit event")
	}
}

// RecordView is Record with entity_kind fixed to "audit_log" — viewing
// the audit log is itself an audited action (spec §4.8's meta-audit
// requirement), called by the admin list and export handlers before
// they return their result.
func (r *Recorder) RecordView(ctx context.Context, principalID, ip, userAgent, requestID string, filter db.Filter) {
	r.Record(ctx, Event{
		PrincipalID: &principalID,
		Action:      "view_audit_log",
		EntityKind:  "audit_log",
		IP:          ip,
		UserAgent:   userAgent,
		Outcome:     models.OutcomeSuccess,
		RequestID:   requestID,
		Detail: map[string]interface{}{
			"principal_filter": filter.PrincipalID,
			"action_filter":    filter.Action,
			"entity_kind":      filter.EntityKind,
			"outcome_filter":   filter.Outcome,
		},
	})
}

// redact walks data and replaces any sensitiveFields value with a
// fixed marker, recursing into nested objects. Arrays are copied
// as-is: an array of objects containing secrets is a known gap shared
// with every redactor in this codebase's lineage, not a regression.
func redact(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		switch {
		case sensitiveFields[k]:
			out[k] = "[REDACTED]"
		default:
			if nested, ok := v.(map[string]interface{}); ok {
				out[k] = redact(nested)
			} else {
				out[k] = v
			}
		}
	}
	return out
}
