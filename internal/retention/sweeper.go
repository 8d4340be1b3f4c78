// Package retention runs the periodic soft/hard deletion sweeps
// described in spec C5, on a cron schedule.
package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/logship/core/internal/db"
	"github.com/logship/core/internal/logger"
	"github.com/logship/core/internal/models"
	"github.com/logship/core/internal/objectstore"
)

const (
	defaultSoftSpec = "@hourly"
	defaultHardSpec = "@daily"
)

// Sweeper runs the soft and hard deletion sweeps against every
// principal with stored log files, applying each file's
// most-specific-wins RetentionPolicy (principal > role > global).
type Sweeper struct {
	logFileDB        *db.LogFileDB
	retentionDB      *db.RetentionPolicyDB
	principalDB      *db.PrincipalDB
	auditDB          *db.AuditEventDB
	store            objectstore.Backend
	softCronSpec     string
	hardCronSpec     string
}

func NewSweeper(logFileDB *db.LogFileDB, retentionDB *db.RetentionPolicyDB, principalDB *db.PrincipalDB, auditDB *db.AuditEventDB, store objectstore.Backend) *Sweeper {
	return &Sweeper{
		logFileDB:    logFileDB,
		retentionDB:  retentionDB,
		principalDB:  principalDB,
		auditDB:      auditDB,
		store:        store,
		softCronSpec: defaultSoftSpec,
		hardCronSpec: defaultHardSpec,
	}
}

// Start schedules the soft and hard sweeps on a *cron.Cron and starts
// it. The returned cron can be Stop()ped by the caller on shutdown.
func (s *Sweeper) Start(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()
	log := logger.Retention()

	if _, err := c.AddFunc(s.softCronSpec, func() {
		if err := s.SoftSweep(ctx); err != nil {
			log.Error().Err(err).Msg("soft sweep failed")
		}
	}); err != nil {
		return nil, err
	}
	if _, err := c.AddFunc(s.hardCronSpec, func() {
		if err := s.HardSweep(ctx); err != nil {
			log.Error().Err(err).Msg("hard sweep failed")
		}
	}); err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

// SoftSweep soft-deletes every LogFile past its owner's effective
// soft_after_days, for every principal with stored files.
func (s *Sweeper) SoftSweep(ctx context.Context) error {
	log := logger.Retention()
	principalIDs, err := s.retentionDB.ListPrincipalIDsWithUsage(ctx)
	if err != nil {
		return err
	}

	for _, principalID := range principalIDs {
		principal, err := s.principalDB.GetPrincipal(ctx, principalID)
		if err != nil || principal == nil {
			continue
		}
		policy, err := s.retentionDB.Resolve(ctx, principalID, principal.Role)
		if err != nil {
			log.Warn().Err(err).Str("principal_id", principalID).Msg("could not resolve retention policy")
			continue
		}
		if policy == nil || policy.SoftAfterDays <= 0 {
			continue
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -policy.SoftAfterDays)

		candidates, err := s.logFileDB.ListSoftDeleteCandidates(ctx, principalID, cutoff)
		if err != nil {
			log.Warn().Err(err).Str("principal_id", principalID).Msg("list soft-delete candidates failed")
			continue
		}
		for _, f := range candidates {
			if err := s.logFileDB.SoftDelete(ctx, nil, f.ID); err != nil {
				log.Warn().Err(err).Str("log_file_id", f.ID).Msg("soft delete failed")
				continue
			}
			s.recordDeletion(ctx, f.ID, "soft")
		}
	}
	return nil
}

// HardSweep purges the backing bytes of every LogFile whose soft
// deletion predates its owner's effective hard_after_soft_days.
func (s *Sweeper) HardSweep(ctx context.Context) error {
	log := logger.Retention()
	principalIDs, err := s.retentionDB.ListPrincipalIDsWithUsage(ctx)
	if err != nil {
		return err
	}

	for _, principalID := range principalIDs {
		principal, err := s.principalDB.GetPrincipal(ctx, principalID)
		if err != nil || principal == nil {
			continue
		}
		policy, err := s.retentionDB.Resolve(ctx, principalID, principal.Role)
		if err != nil {
			log.Warn().Err(err).Str("principal_id", principalID).Msg("could not resolve retention policy")
			continue
		}
		if policy == nil || policy.HardAfterSoftDays <= 0 {
			continue
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -policy.HardAfterSoftDays)

		candidates, err := s.logFileDB.ListHardDeleteCandidates(ctx, principalID, cutoff)
		if err != nil {
			log.Warn().Err(err).Str("principal_id", principalID).Msg("list hard-delete candidates failed")
			continue
		}
		for _, f := range candidates {
			if f.StoredPath != nil {
				if err := s.store.Delete(ctx, *f.StoredPath); err != nil {
					log.Warn().Err(err).Str("log_file_id", f.ID).Msg("object store delete failed; leaving stored_path intact")
					continue
				}
			}
			if err := s.logFileDB.HardDelete(ctx, nil, f.ID); err != nil {
				log.Warn().Err(err).Str("log_file_id", f.ID).Msg("hard delete failed")
				continue
			}
			if err := s.principalDB.RecomputeUsedBytes(ctx, principalID); err != nil {
				log.Warn().Err(err).Str("principal_id", principalID).Msg("quota reconciliation after hard delete failed")
			}
			s.recordDeletion(ctx, f.ID, "hard")
		}
	}
	return nil
}

// recordDeletion writes both the AuditEvent and deletion_log row every
// sweep-driven deletion must produce (spec §4.5), actor "system".
func (s *Sweeper) recordDeletion(ctx context.Context, logFileID, kind string) {
	log := logger.Retention()
	if err := s.auditDB.Insert(ctx, db.AuditEventInput{
		At:         time.Now().UTC(),
		Action:     kind + "_delete",
		EntityKind: "log_file",
		EntityID:   logFileID,
		IP:         "-",
		UserAgent:  "retention-sweeper",
		Outcome:    string(models.OutcomeSuccess),
	}); err != nil {
		log.Warn().Err(err).Str("log_file_id", logFileID).Msg("failed to record audit event for sweep deletion")
	}
	if err := s.auditDB.RecordDeletion(ctx, db.DeletionLogEntry{LogFileID: logFileID, Kind: kind, Actor: "system"}); err != nil {
		log.Warn().Err(err).Str("log_file_id", logFileID).Msg("failed to record deletion log entry")
	}
}
