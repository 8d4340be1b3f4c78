package audit

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"

	"github.com/logship/core/internal/db"
)

var csvHeader = []string{
	"id", "principal_id", "at", "action", "entity_kind", "entity_id",
	"ip", "geo", "user_agent", "outcome", "detail_json", "request_id",
}

// ExportCSV writes filter's matching audit events to w as CSV, oldest
// first, flushing row-by-row so the admin export endpoint never holds
// the full result set in memory regardless of how far back the filter
// reaches (spec §4.8).
func (r *Recorder) ExportCSV(ctx context.Context, w io.Writer, filter db.Filter) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	err := r.db.Stream(ctx, filter, func(ev *db.AuditEventRow) error {
		principalID := ""
		if ev.PrincipalID != nil {
			principalID = *ev.PrincipalID
		}
		row := []string{
			strconv.FormatInt(ev.ID, 10),
			principalID,
			ev.At.UTC().Format("2006-01-02T15:04:05Z07:00"),
			ev.Action,
			ev.EntityKind,
			ev.EntityID,
			ev.IP,
			ev.Geo,
			ev.UserAgent,
			ev.Outcome,
			ev.DetailJSON,
			ev.RequestID,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
		cw.Flush()
		return cw.Error()
	})
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}
