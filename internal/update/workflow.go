// Package update orchestrates the kiosk's git self-update: fetch, pull,
// and branch switches run through the command runner, serialized by the
// job coordinator in-process and by an advisory lock on the repository
// across processes. Pull output streams line by line to whichever sink
// is attached while the operation lock is held.
package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gofrs/flock"

	"github.com/stationboard/stationboard/internal/coordinator"
	"github.com/stationboard/stationboard/internal/runner"
)

// Status is the externally observable state of the update machinery.
type Status string

// State machine: Idle -> Checking -> {UpdatesFound, UpToDate, Error}.
// A terminal state stays observable until the next operation moves the
// machine back through Checking.
const (
	StatusIdle         Status = "IDLE"
	StatusChecking     Status = "CHECKING"
	StatusUpdatesFound Status = "UPDATES_FOUND"
	StatusUpToDate     Status = "UP_TO_DATE"
	StatusError        Status = "ERROR"
)

const (
	shortCommandTimeout = 10 * time.Second
	fetchTimeout        = 60 * time.Second
	// busyWaitBound caps how long a pull politely polls for another
	// in-flight operation before falling back to a blocking acquire.
	busyWaitBound = 10 * time.Second
)

// CheckResult is the outcome of a non-destructive update check.
type CheckResult struct {
	UpdatesAvailable bool   `json:"updates_available"`
	LocalHead        string `json:"local_head,omitempty"`
	RemoteHead       string `json:"remote_head,omitempty"`
	Error            string `json:"error,omitempty"`
}

// PullResult is the terminal outcome of a pull.
type PullResult struct {
	ExitCode      int    `json:"exit_code"`
	HasError      bool   `json:"has_error"`
	HasUpdates    bool   `json:"has_updates"`
	CommitMessage string `json:"commit_message,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// SwitchResult is the outcome of a branch switch.
type SwitchResult struct {
	Success bool   `json:"success"`
	Branch  string `json:"branch,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BranchConfig persists the branch the kiosk tracks. Satisfied by the
// config store.
type BranchConfig interface {
	GetString(key string) string
	Set(key string, value any) bool
}

// branchKey is the config document key holding the tracked branch.
const branchKey = "update_branch"

// Metrics receives update operation outcomes. Satisfied by the
// telemetry package; a nil Metrics disables recording.
type Metrics interface {
	RecordPull(outcome string, duration time.Duration)
	RecordCheck(updatesAvailable bool)
}

// Workflow drives the update operations.
type Workflow struct {
	runner   runner.Runner
	coord    coordinator.Coordinator
	cfg      BranchConfig
	repoDir  string
	repoLock *flock.Flock
	metrics  Metrics

	mu              sync.Mutex
	status          Status
	updateAvailable bool
	pulling         bool
	current         *runner.Handle
	lastResult      *PullResult
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithMetrics attaches an operation metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(w *Workflow) { w.metrics = m }
}

// New returns a Workflow operating on the git working tree at repoDir.
// The coordinator must be the process-wide one; the repository lock
// additionally excludes other OS processes using the same tree.
func New(r runner.Runner, coord coordinator.Coordinator, cfg BranchConfig, repoDir string, opts ...Option) *Workflow {
	w := &Workflow{
		runner:   r,
		coord:    coord,
		cfg:      cfg,
		repoDir:  repoDir,
		repoLock: flock.New(filepath.Join(repoDir, ".git", "stationboard-update.lock")),
		status:   StatusIdle,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Workflow) git(label string, timeout time.Duration, args ...string) runner.Spec {
	return runner.Spec{
		Name:    "git",
		Args:    args,
		Dir:     w.repoDir,
		Timeout: timeout,
		Label:   label,
	}
}

// runLocked executes a mutating git command under the cross-process
// repository lock. Hold time is bounded by the command timeout.
func (w *Workflow) runLocked(ctx context.Context, spec runner.Spec) runner.Result {
	if err := w.repoLock.Lock(); err != nil {
		return runner.Result{ExitCode: -1, Err: fmt.Sprintf("lock repository: %v", err)}
	}
	defer func() { _ = w.repoLock.Unlock() }()
	return w.runner.Run(ctx, spec)
}

func (w *Workflow) setStatus(s Status) {
	w.mu.Lock()
	old := w.status
	w.status = s
	w.mu.Unlock()
	if old != s {
		slog.Info("update status changed", "from", old, "to", s)
	}
}

// Status returns the current state machine position.
func (w *Workflow) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// LastResult returns the outcome of the most recent pull, if any.
func (w *Workflow) LastResult() *PullResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastResult == nil {
		return nil
	}
	result := *w.lastResult
	return &result
}

// UpdateAvailable reports the flag maintained by background checks.
func (w *Workflow) UpdateAvailable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.updateAvailable
}

func (w *Workflow) setUpdateAvailable(available bool) {
	w.mu.Lock()
	changed := w.updateAvailable != available
	w.updateAvailable = available
	w.mu.Unlock()
	if changed {
		slog.Info("update availability changed", "available", available)
	}
}

// Fetch refreshes remote refs without touching the working tree.
func (w *Workflow) Fetch(ctx context.Context) runner.Result {
	return w.runLocked(ctx, w.git("git fetch", fetchTimeout, "fetch"))
}

// Heads resolves the local HEAD and the remote head for branch. An
// empty branch falls back to origin/main, then origin/master.
func (w *Workflow) Heads(ctx context.Context, branch string) (local, remote string, err error) {
	localRes := w.runner.Run(ctx, w.git("git rev-parse HEAD", shortCommandTimeout, "rev-parse", "HEAD"))
	if !localRes.OK() {
		return "", "", errors.New("failed to get local HEAD")
	}
	local = strings.TrimSpace(localRes.Stdout)

	candidates := []string{"origin/main", "origin/master"}
	if branch != "" {
		candidates = []string{"origin/" + branch}
	}
	for _, ref := range candidates {
		res := w.runner.Run(ctx, w.git("git rev-parse "+ref, shortCommandTimeout, "rev-parse", ref))
		if res.OK() {
			return local, strings.TrimSpace(res.Stdout), nil
		}
	}
	return "", "", errors.New("could not determine remote branch")
}

// CheckForUpdates fetches and compares local HEAD against the remote
// head for branch. Never mutates the working tree. A busy coordinator
// is a normal outcome surfaced in the result.
func (w *Workflow) CheckForUpdates(ctx context.Context, branch string) CheckResult {
	if !w.coord.TryStartOperation() {
		return CheckResult{Error: "another update operation is already in progress"}
	}
	defer w.coord.FinishOperation()

	w.setStatus(StatusChecking)

	if branch == "" {
		branch = w.cfg.GetString(branchKey)
	}

	if res := w.Fetch(ctx); !res.OK() {
		w.setStatus(StatusError)
		return CheckResult{Error: "failed to fetch from remote"}
	}

	local, remote, err := w.Heads(ctx, branch)
	if err != nil {
		w.setStatus(StatusError)
		return CheckResult{Error: err.Error()}
	}

	available := local != remote
	w.setUpdateAvailable(available)
	if w.metrics != nil {
		w.metrics.RecordCheck(available)
	}
	if available {
		w.setStatus(StatusUpdatesFound)
	} else {
		w.setStatus(StatusUpToDate)
	}
	return CheckResult{
		UpdatesAvailable: available,
		LocalHead:        shortHash(local),
		RemoteHead:       shortHash(remote),
	}
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}

var errStillBusy = errors.New("operation still in progress")

// waitForIdle politely polls for another in-flight operation to finish,
// bounded by busyWaitBound. Past the bound the caller proceeds to a
// blocking acquire; the policy lives here and nowhere else.
func (w *Workflow) waitForIdle(ctx context.Context, sink func(string)) {
	if !w.coord.IsActive() {
		return
	}
	sink("Waiting for background update check to finish...")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if w.coord.IsActive() {
			return struct{}{}, errStillBusy
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(busyWaitBound))
	if err != nil {
		slog.Warn("timed out waiting for in-flight operation, blocking on acquire")
	}
}

// RunPull performs a git pull, streaming every output line to sink and
// returning the classified terminal outcome. A concurrent pull gets a
// busy result immediately without spawning a git process; any other
// in-flight operation is waited out per waitForIdle.
func (w *Workflow) RunPull(ctx context.Context, sink func(string)) PullResult {
	if sink == nil {
		sink = func(string) {}
	} else {
		sink = safeSink(sink)
	}

	w.mu.Lock()
	if w.pulling {
		w.mu.Unlock()
		return PullResult{ExitCode: -1, HasError: true, Reason: "busy"}
	}
	w.pulling = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.pulling = false
		w.current = nil
		w.mu.Unlock()
	}()

	w.waitForIdle(ctx, sink)

	var result PullResult
	w.coord.RunExclusive(func() {
		result = w.doPull(ctx, sink)
	})

	w.mu.Lock()
	stored := result
	w.lastResult = &stored
	w.mu.Unlock()
	return result
}

// safeSink isolates sink panics per line. A panicking sink must never
// stop the drain loop: an undrained handle blocks the scanner goroutine
// once the line buffer fills, and with it the pull itself.
func safeSink(sink func(string)) func(string) {
	return func(line string) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("pull output sink panicked", "panic", r)
			}
		}()
		sink(line)
	}
}

func (w *Workflow) doPull(ctx context.Context, sink func(string)) PullResult {
	start := time.Now()
	w.setStatus(StatusChecking)
	sink("Running git pull...")

	if err := w.repoLock.Lock(); err != nil {
		w.setStatus(StatusError)
		return PullResult{ExitCode: -1, HasError: true, Reason: fmt.Sprintf("lock repository: %v", err)}
	}
	defer func() { _ = w.repoLock.Unlock() }()

	handle, err := w.runner.Start(ctx, w.git("git pull", 0, "pull"))
	if err != nil {
		w.setStatus(StatusError)
		w.recordPull("spawn_error", start)
		return PullResult{ExitCode: -1, HasError: true, Reason: err.Error()}
	}

	w.mu.Lock()
	w.current = handle
	w.mu.Unlock()

	for line := range handle.Lines() {
		sink(line)
	}

	exitCode := handle.Wait()
	output := handle.Output()
	sink(fmt.Sprintf("Process finished with exit code: %d", exitCode))

	result := PullResult{ExitCode: exitCode}
	result.HasError = exitCode != 0 || HasError(output)
	if !result.HasError {
		result.HasUpdates = HasUpdates(output)
		if result.HasUpdates {
			result.CommitMessage = w.LatestCommitMessage(ctx)
		}
		// A clean pull means the tree now matches the remote.
		w.setUpdateAvailable(false)
	}

	switch {
	case result.HasError:
		w.setStatus(StatusError)
		w.recordPull("error", start)
	case result.HasUpdates:
		w.setStatus(StatusUpdatesFound)
		w.recordPull("updates", start)
	default:
		w.setStatus(StatusUpToDate)
		w.recordPull("up_to_date", start)
	}
	return result
}

func (w *Workflow) recordPull(outcome string, start time.Time) {
	if w.metrics != nil {
		w.metrics.RecordPull(outcome, time.Since(start))
	}
}

// CancelPull kills an in-flight pull's child process. The operation
// lock is still released and the inactive notification still emitted
// through the normal RunPull exit path.
func (w *Workflow) CancelPull() {
	w.mu.Lock()
	handle := w.current
	w.mu.Unlock()
	if handle != nil {
		slog.Info("cancelling in-flight pull")
		_ = handle.Kill()
	}
}

// SwitchBranch fetches all remotes and checks out name. Failure of
// either step returns a structured error and leaves the configured
// branch unchanged; success persists the new branch name.
func (w *Workflow) SwitchBranch(ctx context.Context, name string) SwitchResult {
	name = strings.TrimSpace(name)
	if name == "" {
		return SwitchResult{Error: "branch name is required"}
	}
	if !w.coord.TryStartOperation() {
		return SwitchResult{Error: "another update operation is already in progress"}
	}
	defer w.coord.FinishOperation()

	w.setStatus(StatusChecking)
	defer w.setStatus(StatusIdle)

	if res := w.runLocked(ctx, w.git("git fetch --all", fetchTimeout, "fetch", "--all")); !res.OK() {
		return SwitchResult{Error: fmt.Sprintf("fetch failed: %s", firstNonEmpty(strings.TrimSpace(res.Stderr), res.Err, "unknown error"))}
	}
	if res := w.runLocked(ctx, w.git("git checkout "+name, shortCommandTimeout, "checkout", name)); !res.OK() {
		return SwitchResult{Error: fmt.Sprintf("checkout failed: %s", firstNonEmpty(strings.TrimSpace(res.Stderr), res.Err, "unknown error"))}
	}

	w.cfg.Set(branchKey, name)
	return SwitchResult{
		Success: true,
		Branch:  name,
		Message: fmt.Sprintf("Switched to branch %s", name),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// RemoteBranches lists the branches available on the remote, without
// the origin/ prefix.
func (w *Workflow) RemoteBranches(ctx context.Context) []string {
	res := w.runner.Run(ctx, w.git("git branch -r --format=%(refname:short)", shortCommandTimeout,
		"branch", "-r", "--format=%(refname:short)"))
	if !res.OK() {
		return nil
	}
	var branches []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, "HEAD") {
			continue
		}
		branches = append(branches, strings.TrimPrefix(line, "origin/"))
	}
	return branches
}

// CurrentBranch returns the checked-out branch name, or "" when
// detached.
func (w *Workflow) CurrentBranch(ctx context.Context) string {
	res := w.runner.Run(ctx, w.git("git rev-parse --abbrev-ref HEAD", shortCommandTimeout,
		"rev-parse", "--abbrev-ref", "HEAD"))
	if !res.OK() {
		return ""
	}
	branch := strings.TrimSpace(res.Stdout)
	if branch == "HEAD" {
		return ""
	}
	return branch
}

// LatestCommitMessage returns the subject of the most recent commit.
func (w *Workflow) LatestCommitMessage(ctx context.Context) string {
	res := w.runner.Run(ctx, w.git("git log -1", shortCommandTimeout, "log", "-1", "--format=%s"))
	if !res.OK() {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

// CommitVersion returns a human-readable description of the current
// commit for the settings page.
func (w *Workflow) CommitVersion(ctx context.Context) string {
	res := w.runner.Run(ctx, w.git("git log -1 --format=%h - %s (%ad)", shortCommandTimeout,
		"log", "-1", "--format=%h - %s (%ad)", "--date=format:%b %d, %Y %I:%M %p"))
	if !res.OK() || strings.TrimSpace(res.Stdout) == "" {
		return "Not available"
	}
	return strings.TrimSpace(res.Stdout)
}
