package parser

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/logship/core/internal/logger"
	"github.com/logship/core/internal/models"
)

// Request describes one mode invocation against one archive.
type Request struct {
	AnalysisID  string
	ModeKey     string
	ArchivePath string
	Timezone    string
	WindowStart *time.Time
	WindowEnd   *time.Time
}

// Result is one mode's terminal outcome, ready for
// db.AnalysisResultDB.Upsert.
type Result struct {
	Outcome           string // "completed" | "failed"
	StructuredPayload string
	Warnings          []string
	ErrorKind         string
	ErrorMessage      string
	// Cancelled is set when the mode stopped because its context was
	// cancelled (cooperative cancel request or pool shutdown) rather
	// than because the parser itself failed — the caller should drive
	// the owning Analysis to "cancelled", not "failed".
	Cancelled bool
}

// ProgressFunc is invoked at least once a second while a parser
// subprocess runs, reporting a best-effort percentage (0-100, or -1 if
// unknown — a bare heartbeat).
type ProgressFunc func(pct int)

// terminationGrace is how long a cancelled or timed-out parser gets to
// exit cleanly after SIGTERM before being SIGKILLed (spec §4.4).
const terminationGrace = 5 * time.Second

// Worker runs parser subprocesses under Registry-defined contracts.
// It never builds a shell command line: argv is always an explicit
// []string, so a hostile mode key or path can't be interpreted as
// shell syntax.
type Worker struct {
	registry *Registry
}

func NewWorker(registry *Registry) *Worker {
	return &Worker{registry: registry}
}

// Run executes req's mode to completion (or timeout/OOM/failure),
// reporting progress via report at least once a second.
func (w *Worker) Run(ctx context.Context, req Request, report ProgressFunc) Result {
	d, ok := w.registry.Get(req.ModeKey)
	if !ok {
		return Result{Outcome: "failed", ErrorKind: "parser_failure", ErrorMessage: fmt.Sprintf("mode %q is not registered", req.ModeKey)}
	}
	if !ValidModeKey(req.ModeKey) {
		return Result{Outcome: "failed", ErrorKind: "parser_failure", ErrorMessage: "mode key failed validation"}
	}

	runCtx, cancel := context.WithTimeout(ctx, d.Timeout())
	defer cancel()

	args := buildArgs(d, req)
	cmd := exec.Command(d.BinaryPath, args...)
	cmd.Env = []string{"PATH=/usr/bin:/bin"}

	var stdout bytes.Buffer
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{Outcome: "failed", ErrorKind: "parser_failure", ErrorMessage: err.Error()}
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	log := logger.Parser().With().Str("analysis_id", req.AnalysisID).Str("mode_key", req.ModeKey).Logger()

	if err := cmd.Start(); err != nil {
		return Result{Outcome: "failed", ErrorKind: "parser_failure", ErrorMessage: fmt.Sprintf("spawn failed: %v", err)}
	}

	done := make(chan struct{})
	var lineCount int64
	var mu sync.Mutex
	go func() {
		sc := bufio.NewScanner(stdoutPipe)
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for sc.Scan() {
			stdout.Write(sc.Bytes())
			stdout.WriteByte('\n')
			mu.Lock()
			lineCount++
			mu.Unlock()
		}
		close(done)
	}()

	var oomFlag int32
	if d.MemorySoftCapMB > 0 {
		go monitorMemory(runCtx, cmd, int64(d.MemorySoftCapMB)*1024*1024, &oomFlag)
	}

	processExited := make(chan struct{})
	go terminateOnCancel(runCtx, cmd, processExited)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
progressLoop:
	for {
		select {
		case <-done:
			break progressLoop
		case <-ticker.C:
			if report != nil {
				// Stdout line counts don't map to a known total, so
				// progress is reported as a heartbeat rather than a
				// real percentage (spec §4.3 permits either).
				report(-1)
			}
		}
	}

	waitErr := cmd.Wait()
	close(processExited)

	if runCtx.Err() == context.DeadlineExceeded {
		log.Warn().Msg("parser timed out")
		return Result{Outcome: "failed", ErrorKind: "parser_timeout", ErrorMessage: "parser exceeded its wall-clock budget"}
	}
	if atomic.LoadInt32(&oomFlag) == 1 {
		log.Warn().Msg("parser exceeded its memory cap")
		return Result{Outcome: "failed", ErrorKind: "parser_oom", ErrorMessage: "parser exceeded its memory soft cap"}
	}
	if runCtx.Err() == context.Canceled {
		log.Info().Msg("parser cancelled")
		return Result{Outcome: "failed", ErrorKind: "parser_failure", ErrorMessage: "cancelled", Cancelled: true}
	}
	if waitErr != nil {
		log.Warn().Err(waitErr).Str("stderr", truncateForLog(stderr.String())).Msg("parser exited non-zero")
		return Result{Outcome: "failed", ErrorKind: "parser_failure", ErrorMessage: fmt.Sprintf("parser exited with error: %v", waitErr)}
	}

	return normalize(d, stdout.String())
}

// buildArgs substitutes the registry's templated placeholders with
// req's concrete values. Placeholders are literal tokens, never
// interpolated into a shell string — each becomes exactly one argv
// element.
func buildArgs(d Descriptor, req Request) []string {
	args := make([]string, 0, len(d.ArgsTemplate))
	for _, tmpl := range d.ArgsTemplate {
		switch tmpl {
		case "{archive_path}":
			args = append(args, req.ArchivePath)
		case "{timezone}":
			args = append(args, req.Timezone)
		case "{window_start}":
			if req.WindowStart != nil {
				args = append(args, req.WindowStart.UTC().Format(time.RFC3339))
			}
		case "{window_end}":
			if req.WindowEnd != nil {
				args = append(args, req.WindowEnd.UTC().Format(time.RFC3339))
			}
		case "{mode_key}":
			args = append(args, req.ModeKey)
		default:
			args = append(args, tmpl)
		}
	}
	return args
}

func normalize(d Descriptor, raw string) Result {
	var n Normalized
	switch d.OutputShape {
	case models.OutputShapeCSV:
		n = NormalizeCSV(raw)
	case models.OutputShapeKeyValue:
		n = NormalizeKeyValue(raw)
	case models.OutputShapeStructuredBlock:
		n = NormalizeStructuredBlocks(raw, d.BlockPattern)
	case models.OutputShapeFreeText:
		n = NormalizeFreeText(raw, 0)
	default:
		n = Normalized{Payload: map[string]interface{}{"raw": raw}, Warnings: []string{"parse_degraded: unknown output shape"}}
	}
	payload, err := n.MarshalPayload()
	if err != nil {
		return Result{Outcome: "failed", ErrorKind: "parser_failure", ErrorMessage: "failed to serialize parser output"}
	}
	return Result{Outcome: "completed", StructuredPayload: payload, Warnings: n.Warnings}
}

func truncateForLog(s string) string {
	const max = 2048
	if len(s) > max {
		return s[:max] + "...(truncated)"
	}
	return s
}

// terminateOnCancel waits for runCtx to end (timeout or cooperative
// cancellation request) and sends SIGTERM, giving the child
// terminationGrace to exit before SIGKILLing it. No-op if the process
// already exited first (processExited closes before runCtx.Done() in
// the common case).
func terminateOnCancel(runCtx context.Context, cmd *exec.Cmd, processExited chan struct{}) {
	select {
	case <-processExited:
		return
	case <-runCtx.Done():
	}
	if cmd.Process == nil {
		return
	}
	cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-processExited:
		return
	case <-time.After(terminationGrace):
		cmd.Process.Kill()
	}
}

// monitorMemory polls the child's RSS (Linux /proc) and kills it if it
// exceeds capBytes. This is a soft, best-effort cap: it has no effect
// on non-Linux build targets or sandboxes without /proc.
func monitorMemory(ctx context.Context, cmd *exec.Cmd, capBytes int64, oomFlag *int32) {
	if runtime.GOOS != "linux" {
		return
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cmd.Process == nil {
				continue
			}
			rss, err := readRSS(cmd.Process.Pid)
			if err != nil {
				continue
			}
			if rss > capBytes {
				atomic.StoreInt32(oomFlag, 1)
				cmd.Process.Kill()
				return
			}
		}
	}
}

func readRSS(pid int) (int64, error) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "status"))
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "VmRSS:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				kb, err := strconv.ParseInt(fields[1], 10, 64)
				if err != nil {
					return 0, err
				}
				return kb * 1024, nil
			}
		}
	}
	return 0, fmt.Errorf("VmRSS not found")
}
