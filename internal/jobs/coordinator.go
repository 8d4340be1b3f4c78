// Package jobs coordinates Analysis submission and execution: the
// state machine described in spec §4.4, built on the CAS transitions
// in internal/db and the subprocess worker in internal/parser.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/logship/core/internal/db"
	"github.com/logship/core/internal/models"
)

// Coordinator validates and records Analysis submissions. It does not
// run parsers itself — that's Pool's job — so an HTTP handler can
// submit synchronously without blocking on parser execution.
type Coordinator struct {
	analysisDB   *db.AnalysisDB
	logFileDB    *db.LogFileDB
	descriptorDB *db.ParserDescriptorDB
}

func NewCoordinator(analysisDB *db.AnalysisDB, logFileDB *db.LogFileDB, descriptorDB *db.ParserDescriptorDB) *Coordinator {
	return &Coordinator{analysisDB: analysisDB, logFileDB: logFileDB, descriptorDB: descriptorDB}
}

// Submit validates spec §4.4's submission preconditions (principal
// active; mode_keys non-empty and visible; log_file not deleted) and
// inserts a pending Analysis. Quota precondition 3 is checked by the
// upload handler directly against db.PrincipalDB.ReserveQuota before
// this is called — it only applies to the upload path, not to
// analyses against an already-stored file.
func (c *Coordinator) Submit(ctx context.Context, principal *models.Principal, logFile *models.LogFile, modeKeys []string, timezone, sessionLabel, externalRef string, windowStart, windowEnd *time.Time) (*models.Analysis, error) {
	if !principal.Active {
		return nil, fmt.Errorf("jobs: principal %s is not active", principal.ID)
	}
	if len(modeKeys) == 0 {
		return nil, fmt.Errorf("jobs: mode_keys must be non-empty")
	}
	if logFile.SoftDeletedAt != nil || logFile.HardDeletedAt != nil {
		return nil, fmt.Errorf("jobs: log file %s has been deleted", logFile.ID)
	}

	for _, key := range modeKeys {
		d, err := c.descriptorDB.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("jobs: look up mode %q: %w", key, err)
		}
		if d == nil || !d.Enabled {
			return nil, fmt.Errorf("jobs: mode %q is not available", key)
		}
		if d.AdminOnly && principal.Role != models.RoleAdmin {
			return nil, fmt.Errorf("jobs: mode %q requires admin role", key)
		}
		if !d.VisibleToUsers && principal.Role != models.RoleAdmin {
			allow, ok, err := c.descriptorDB.HasPermission(ctx, principal.ID, key)
			if err != nil {
				return nil, fmt.Errorf("jobs: check permission for mode %q: %w", key, err)
			}
			if !ok || !allow {
				return nil, fmt.Errorf("jobs: mode %q is not visible to this principal", key)
			}
		}
	}

	return c.analysisDB.CreateAnalysis(ctx, principal.ID, logFile.ID, modeKeys, timezone, sessionLabel, externalRef, windowStart, windowEnd)
}

// RequestCancel flags id for cooperative cancellation. A still-pending
// analysis has no worker to cooperate with, so it's cancelled directly;
// a running one is flagged and a worker observes it between chunks.
func (c *Coordinator) RequestCancel(ctx context.Context, id string, status models.AnalysisStatus) error {
	if status == models.StatusPending {
		return c.analysisDB.CancelPending(ctx, id)
	}
	return c.analysisDB.RequestCancel(ctx, id)
}
