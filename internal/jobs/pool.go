package jobs

import (
	"context"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/logship/core/internal/archive"
	"github.com/logship/core/internal/db"
	"github.com/logship/core/internal/logger"
	"github.com/logship/core/internal/models"
	"github.com/logship/core/internal/objectstore"
	"github.com/logship/core/internal/parser"
)

// claimPollInterval is how often an idle Pool checks for new work.
const claimPollInterval = 2 * time.Second

// Pool claims pending Analyses and runs their modes to completion. The
// number of parser subprocesses running at any moment is bounded by a
// single semaphore shared across every concurrently-executing
// Analysis, matching spec §4.3's "fixed number of concurrent parser
// processes" — not a per-analysis limit.
type Pool struct {
	analysisDB *db.AnalysisDB
	resultDB   *db.AnalysisResultDB
	logFileDB  *db.LogFileDB
	registry   *parser.Registry
	worker     *parser.Worker
	store      objectstore.Backend
	sem        chan struct{}
	scratchDir string
}

// NewPool builds a Pool with concurrency concurrent parser subprocess
// slots. concurrency <= 0 defaults to runtime.NumCPU().
func NewPool(analysisDB *db.AnalysisDB, resultDB *db.AnalysisResultDB, logFileDB *db.LogFileDB, registry *parser.Registry, store objectstore.Backend, scratchDir string, concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	return &Pool{
		analysisDB: analysisDB,
		resultDB:   resultDB,
		logFileDB:  logFileDB,
		registry:   registry,
		worker:     parser.NewWorker(registry),
		store:      store,
		sem:        make(chan struct{}, concurrency),
		scratchDir: scratchDir,
	}
}

// Run claims and executes Analyses until ctx is cancelled. Each claimed
// Analysis is executed in its own goroutine; subprocess concurrency is
// bounded by the shared semaphore, not by how many Analyses are
// in-flight, so claiming outpaces execution gracefully rather than
// stalling the claim loop.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(claimPollInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				an, err := p.analysisDB.ClaimNext(ctx)
				if err != nil {
					logger.Parser().Error().Err(err).Msg("claim next analysis failed")
					break
				}
				if an == nil {
					break
				}
				wg.Add(1)
				go func(an *models.Analysis) {
					defer wg.Done()
					p.execute(ctx, an)
				}(an)
			}
		}
	}
}

func (p *Pool) execute(ctx context.Context, an *models.Analysis) {
	log := logger.Parser().With().Str("analysis_id", an.ID).Logger()

	logFile, err := p.logFileDB.Get(ctx, an.LogFileID)
	if err != nil || logFile == nil || logFile.HardDeletedAt != nil || logFile.StoredPath == nil {
		p.failAnalysis(ctx, an.ID, "parser_failure", "source archive is no longer available")
		return
	}

	localPath, cleanup, err := p.materialize(ctx, *logFile.StoredPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to stage archive for parsing")
		p.failAnalysis(ctx, an.ID, "parser_failure", "failed to stage archive")
		return
	}
	defer cleanup()

	if stats, format, err := archive.Stat(localPath); err == nil {
		log.Debug().
			Str("format", string(format)).
			Int("member_count", stats.MemberCount).
			Time("earliest_mtime", stats.EarliestMtime).
			Time("latest_mtime", stats.LatestMtime).
			Msg("staged archive membership")
	}

	if an.WindowStart != nil && an.WindowEnd != nil {
		filtered, err := archive.FilterByTime(localPath, *an.WindowStart, *an.WindowEnd, 0, p.scratchDir)
		if err == nil && filtered != localPath {
			defer os.Remove(filtered)
			localPath = filtered
		}
	}

	outcomes, cancelled := p.runModes(ctx, an, localPath)

	if cancelled {
		if err := p.analysisDB.CancelRunning(ctx, an.ID); err != nil && err != db.ErrStaleTransition {
			log.Error().Err(err).Msg("failed to mark analysis cancelled")
		}
		return
	}

	allCompleted := true
	for _, outcome := range outcomes {
		if outcome != "completed" {
			allCompleted = false
			break
		}
	}

	now := time.Now().UTC()
	var startedAt time.Time
	if an.StartedAt != nil {
		startedAt = *an.StartedAt
	} else {
		startedAt = now
	}
	durationMs := now.Sub(startedAt).Milliseconds()

	if allCompleted {
		if err := p.analysisDB.Complete(ctx, an.ID, durationMs); err != nil && err != db.ErrStaleTransition {
			log.Error().Err(err).Msg("failed to mark analysis completed")
		}
	} else {
		if err := p.analysisDB.Fail(ctx, an.ID, "partial", "one or more modes failed"); err != nil && err != db.ErrStaleTransition {
			log.Error().Err(err).Msg("failed to mark analysis failed")
		}
	}
}

// runModes fans each mode_key out across the shared subprocess
// semaphore, upserts each mode's AnalysisResult, and returns each
// mode's outcome string in mode_key order plus whether the Analysis as
// a whole was cancelled (spec §4.4: a cancel request wins over
// whatever partial-success outcome the modes would otherwise produce).
func (p *Pool) runModes(ctx context.Context, an *models.Analysis, archivePath string) ([]string, bool) {
	outcomes := make([]string, len(an.ModeKeys))
	var cancelled int32
	var wg sync.WaitGroup
	var progressMu sync.Mutex
	lastReport := time.Now()

	for i, modeKey := range an.ModeKeys {
		wg.Add(1)
		go func(i int, modeKey string) {
			defer wg.Done()

			select {
			case p.sem <- struct{}{}:
			case <-ctx.Done():
				outcomes[i] = "failed"
				return
			}
			defer func() { <-p.sem }()

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go p.watchCancellation(runCtx, cancel, an.ID)

			req := parser.Request{
				AnalysisID:  an.ID,
				ModeKey:     modeKey,
				ArchivePath: archivePath,
				Timezone:    an.Timezone,
				WindowStart: an.WindowStart,
				WindowEnd:   an.WindowEnd,
			}
			result := p.worker.Run(runCtx, req, func(pct int) {
				progressMu.Lock()
				defer progressMu.Unlock()
				if time.Since(lastReport) >= time.Second {
					_ = p.analysisDB.UpdateProgress(ctx, an.ID, progressForModes(i, len(an.ModeKeys)))
					lastReport = time.Now()
				}
			})
			if result.Cancelled {
				atomic.StoreInt32(&cancelled, 1)
				outcomes[i] = result.Outcome
				return
			}

			_ = p.resultDB.Upsert(ctx, db.NewResult(an.ID, modeKey, nil, result.StructuredPayload, result.Outcome, warningsOrError(result)))
			outcomes[i] = result.Outcome
		}(i, modeKey)
	}
	wg.Wait()
	return outcomes, atomic.LoadInt32(&cancelled) == 1
}

func warningsOrError(r parser.Result) []string {
	if r.Outcome == "completed" {
		return r.Warnings
	}
	msg := r.ErrorKind
	if r.ErrorMessage != "" {
		msg = r.ErrorKind + ": " + r.ErrorMessage
	}
	return append([]string{msg}, r.Warnings...)
}

// progressForModes reports coarse progress, non-decreasing in i, across
// a multi-mode analysis — mode i finishing its heartbeat phase counts as
// (i+1)/(2*total) of the way through; Complete later sets 100.
func progressForModes(i, total int) int {
	if total <= 0 {
		return 0
	}
	return ((i + 1) * 100) / (total * 2)
}

// watchCancellation polls cancel_requested and cancels runCtx, which
// parser.Worker observes to SIGTERM the subprocess and, after a grace
// window, SIGKILL it if it hasn't exited.
func (p *Pool) watchCancellation(ctx context.Context, cancel context.CancelFunc, analysisID string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := p.analysisDB.IsCancelRequested(ctx, analysisID)
			if err == nil && requested {
				cancel()
				return
			}
		}
	}
}

func (p *Pool) failAnalysis(ctx context.Context, id, kind, message string) {
	if err := p.analysisDB.Fail(ctx, id, kind, message); err != nil && err != db.ErrStaleTransition {
		logger.Parser().Error().Err(err).Str("analysis_id", id).Msg("failed to mark analysis failed")
	}
}

// materialize copies storedRef's bytes to a local temp file so the
// parser subprocess (which reads a filesystem path, not a stream) can
// work against it regardless of which objectstore.Backend holds it.
func (p *Pool) materialize(ctx context.Context, storedRef string) (path string, cleanup func(), err error) {
	r, err := p.store.OpenReader(ctx, storedRef)
	if err != nil {
		return "", nil, err
	}
	defer r.Close()

	tmp, err := os.CreateTemp(p.scratchDir, "analysis-*")
	if err != nil {
		return "", nil, err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", nil, err
	}
	name := tmp.Name()
	return name, func() { os.Remove(name) }, nil
}
