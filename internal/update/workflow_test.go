package update

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stationboard/stationboard/internal/coordinator"
	"github.com/stationboard/stationboard/internal/runner"
)

// fakeGit answers short git commands from a canned table and backs
// streamed pulls with a real shell process so the Handle plumbing is
// exercised end to end.
type fakeGit struct {
	real runner.Runner

	mu         sync.Mutex
	results    map[string]runner.Result // keyed by the joined argument list
	pullScript string
	runs       []string
	starts     atomic.Int32
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		real:       runner.New(),
		results:    map[string]runner.Result{},
		pullScript: "echo 'Already up to date.'",
	}
}

func (f *fakeGit) stub(args string, result runner.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[args] = result
}

func (f *fakeGit) Run(_ context.Context, spec runner.Spec) runner.Result {
	key := strings.Join(spec.Args, " ")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, key)
	if result, ok := f.results[key]; ok {
		return result
	}
	return runner.Result{ExitCode: 0}
}

func (f *fakeGit) Start(ctx context.Context, _ runner.Spec) (*runner.Handle, error) {
	f.starts.Add(1)
	f.mu.Lock()
	script := f.pullScript
	f.mu.Unlock()
	return f.real.Start(ctx, runner.Spec{Name: "sh", Args: []string{"-c", script}})
}

func (f *fakeGit) ran(args string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r == args {
			return true
		}
	}
	return false
}

type fakeBranchConfig struct {
	mu     sync.Mutex
	values map[string]string
}

func (c *fakeBranchConfig) GetString(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key]
}

func (c *fakeBranchConfig) Set(key string, value any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = map[string]string{}
	}
	c.values[key], _ = value.(string)
	return true
}

func newTestWorkflow(t *testing.T, git *fakeGit, cfg *fakeBranchConfig) (*Workflow, coordinator.Coordinator) {
	t.Helper()
	repoDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repoDir, ".git"), 0750))
	coord := coordinator.New()
	return New(git, coord, cfg, repoDir), coord
}

const (
	localHead  = "aaaaaaaa1111111111111111111111111111aaaa"
	remoteHead = "bbbbbbbb2222222222222222222222222222bbbb"
)

func TestCheckForUpdatesUpToDate(t *testing.T) {
	t.Parallel()
	git := newFakeGit()
	git.stub("rev-parse HEAD", runner.Result{Stdout: localHead + "\n"})
	git.stub("rev-parse origin/main", runner.Result{Stdout: localHead + "\n"})
	w, _ := newTestWorkflow(t, git, &fakeBranchConfig{})

	result := w.CheckForUpdates(context.Background(), "")

	assert.Empty(t, result.Error)
	assert.False(t, result.UpdatesAvailable)
	assert.Equal(t, localHead[:8], result.LocalHead)
	assert.False(t, w.UpdateAvailable())
	assert.Equal(t, StatusUpToDate, w.Status())
	assert.True(t, git.ran("fetch"))
}

func TestCheckForUpdatesFindsUpdates(t *testing.T) {
	t.Parallel()
	git := newFakeGit()
	git.stub("rev-parse HEAD", runner.Result{Stdout: localHead + "\n"})
	git.stub("rev-parse origin/main", runner.Result{Stdout: remoteHead + "\n"})
	w, _ := newTestWorkflow(t, git, &fakeBranchConfig{})

	result := w.CheckForUpdates(context.Background(), "")

	assert.True(t, result.UpdatesAvailable)
	assert.Equal(t, localHead[:8], result.LocalHead)
	assert.Equal(t, remoteHead[:8], result.RemoteHead)
	assert.True(t, w.UpdateAvailable())
}

func TestCheckForUpdatesUsesConfiguredBranch(t *testing.T) {
	t.Parallel()
	git := newFakeGit()
	git.stub("rev-parse HEAD", runner.Result{Stdout: localHead + "\n"})
	git.stub("rev-parse origin/develop", runner.Result{Stdout: remoteHead + "\n"})
	cfg := &fakeBranchConfig{values: map[string]string{"update_branch": "develop"}}
	w, _ := newTestWorkflow(t, git, cfg)

	result := w.CheckForUpdates(context.Background(), "")

	assert.True(t, result.UpdatesAvailable)
	assert.True(t, git.ran("rev-parse origin/develop"))
	assert.False(t, git.ran("rev-parse origin/main"))
}

func TestCheckForUpdatesFallsBackToMaster(t *testing.T) {
	t.Parallel()
	git := newFakeGit()
	git.stub("rev-parse HEAD", runner.Result{Stdout: localHead + "\n"})
	git.stub("rev-parse origin/main", runner.Result{ExitCode: 128, Stderr: "unknown revision"})
	git.stub("rev-parse origin/master", runner.Result{Stdout: localHead + "\n"})
	w, _ := newTestWorkflow(t, git, &fakeBranchConfig{})

	result := w.CheckForUpdates(context.Background(), "")

	assert.Empty(t, result.Error)
	assert.False(t, result.UpdatesAvailable)
	assert.True(t, git.ran("rev-parse origin/master"))
}

func TestCheckForUpdatesFetchFailure(t *testing.T) {
	t.Parallel()
	git := newFakeGit()
	git.stub("fetch", runner.Result{ExitCode: 1, Stderr: "fatal: unable to access remote"})
	w, _ := newTestWorkflow(t, git, &fakeBranchConfig{})

	result := w.CheckForUpdates(context.Background(), "")

	assert.Equal(t, "failed to fetch from remote", result.Error)
	assert.Equal(t, StatusError, w.Status())
}

func TestCheckForUpdatesBusyCoordinator(t *testing.T) {
	t.Parallel()
	git := newFakeGit()
	w, coord := newTestWorkflow(t, git, &fakeBranchConfig{})

	require.True(t, coord.TryStartOperation())
	defer coord.FinishOperation()

	result := w.CheckForUpdates(context.Background(), "")

	assert.NotEmpty(t, result.Error)
	assert.False(t, git.ran("fetch"), "a busy check never touches git")
}

func TestRunPullUpToDate(t *testing.T) {
	t.Parallel()
	git := newFakeGit()
	w, _ := newTestWorkflow(t, git, &fakeBranchConfig{})

	var lines []string
	result := w.RunPull(context.Background(), func(line string) {
		lines = append(lines, line)
	})

	assert.Equal(t, 0, result.ExitCode)
	assert.False(t, result.HasError)
	assert.False(t, result.HasUpdates)
	assert.Contains(t, lines, "Running git pull...")
	assert.Contains(t, lines, "Already up to date.")
	assert.Contains(t, lines, "Process finished with exit code: 0")
	assert.Equal(t, StatusUpToDate, w.Status())

	last := w.LastResult()
	require.NotNil(t, last)
	assert.Equal(t, result, *last)
}

func TestRunPullWithUpdates(t *testing.T) {
	t.Parallel()
	git := newFakeGit()
	git.pullScript = "printf 'Updating a1b2c3..d4e5f6\\n 3 files changed, 10 insertions(+)\\n'"
	git.stub("log -1 --format=%s", runner.Result{Stdout: "Fix display flicker\n"})
	w, _ := newTestWorkflow(t, git, &fakeBranchConfig{})
	w.setUpdateAvailable(true)

	result := w.RunPull(context.Background(), nil)

	assert.Equal(t, 0, result.ExitCode)
	assert.False(t, result.HasError)
	assert.True(t, result.HasUpdates)
	assert.Equal(t, "Fix display flicker", result.CommitMessage)
	assert.False(t, w.UpdateAvailable(), "a clean pull clears the pending-update flag")
}

func TestRunPullError(t *testing.T) {
	t.Parallel()
	git := newFakeGit()
	git.pullScript = "echo 'error: your local changes would be overwritten'; exit 1"
	w, _ := newTestWorkflow(t, git, &fakeBranchConfig{})

	result := w.RunPull(context.Background(), nil)

	assert.Equal(t, 1, result.ExitCode)
	assert.True(t, result.HasError)
	assert.False(t, result.HasUpdates)
	assert.Equal(t, StatusError, w.Status())
}

func TestTerminalStatusPersistsUntilNextOperation(t *testing.T) {
	t.Parallel()
	git := newFakeGit()
	git.pullScript = "printf 'Updating a1b2c3..d4e5f6\\n 3 files changed, 10 insertions(+)\\n'"
	git.stub("log -1 --format=%s", runner.Result{Stdout: "Fix display flicker\n"})
	git.stub("rev-parse HEAD", runner.Result{Stdout: localHead + "\n"})
	git.stub("rev-parse origin/main", runner.Result{Stdout: localHead + "\n"})
	w, _ := newTestWorkflow(t, git, &fakeBranchConfig{})

	w.RunPull(context.Background(), nil)

	// The pull outcome stays observable by polling callers; it is not
	// collapsed back to IDLE the instant the pull returns.
	assert.Equal(t, StatusUpdatesFound, w.Status())
	assert.Equal(t, StatusUpdatesFound, w.Status(), "repeat reads see the same terminal state")

	// The next operation moves the machine through CHECKING to its own
	// terminal state.
	w.CheckForUpdates(context.Background(), "")
	assert.Equal(t, StatusUpToDate, w.Status())
}

func TestRunPullConcurrentGetsBusy(t *testing.T) {
	t.Parallel()
	git := newFakeGit()
	git.pullScript = "echo started; sleep 2; echo 'Already up to date.'"
	w, _ := newTestWorkflow(t, git, &fakeBranchConfig{})

	started := make(chan struct{})
	first := make(chan PullResult, 1)
	go func() {
		first <- w.RunPull(context.Background(), func(line string) {
			if line == "started" {
				close(started)
			}
		})
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first pull never produced output")
	}

	second := w.RunPull(context.Background(), nil)
	assert.Equal(t, -1, second.ExitCode)
	assert.True(t, second.HasError)
	assert.Equal(t, "busy", second.Reason)
	assert.Equal(t, int32(1), git.starts.Load(), "the busy pull must not spawn a git process")

	result := <-first
	assert.False(t, result.HasError)
}

func TestRunPullWaitsOutInFlightCheck(t *testing.T) {
	t.Parallel()
	git := newFakeGit()
	w, coord := newTestWorkflow(t, git, &fakeBranchConfig{})

	require.True(t, coord.TryStartOperation())
	time.AfterFunc(300*time.Millisecond, coord.FinishOperation)

	var lines []string
	result := w.RunPull(context.Background(), func(line string) {
		lines = append(lines, line)
	})

	assert.False(t, result.HasError)
	assert.Contains(t, lines, "Waiting for background update check to finish...")
}

func TestRunPullSinkPanicIsolated(t *testing.T) {
	t.Parallel()
	git := newFakeGit()
	// Far more output after the panic than the line buffer holds: the
	// drain must keep consuming or the stream backs up and the pull
	// never finishes.
	git.pullScript = "echo 'remote: start'; seq 1 500; echo 'Already up to date.'"
	w, coord := newTestWorkflow(t, git, &fakeBranchConfig{})

	done := make(chan PullResult, 1)
	go func() {
		done <- w.RunPull(context.Background(), func(line string) {
			if line == "remote: start" {
				panic("sink bug")
			}
		})
	}()

	select {
	case result := <-done:
		assert.Equal(t, 0, result.ExitCode)
		assert.False(t, result.HasError)
	case <-time.After(10 * time.Second):
		t.Fatal("pull never returned after the sink panic")
	}
	assert.False(t, coord.IsActive(), "operation lock released despite the sink panic")

	// The machinery is still usable: a follow-up pull is not busy.
	second := w.RunPull(context.Background(), nil)
	assert.NotEqual(t, "busy", second.Reason)
	assert.False(t, second.HasError)
}

func TestCancelPull(t *testing.T) {
	t.Parallel()
	git := newFakeGit()
	git.pullScript = "echo running; exec sleep 30"
	w, _ := newTestWorkflow(t, git, &fakeBranchConfig{})

	started := make(chan struct{})
	done := make(chan PullResult, 1)
	go func() {
		done <- w.RunPull(context.Background(), func(line string) {
			if line == "running" {
				close(started)
			}
		})
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("pull never produced output")
	}
	w.CancelPull()

	select {
	case result := <-done:
		assert.True(t, result.HasError)
		assert.NotEqual(t, 0, result.ExitCode)
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled pull never finished")
	}
}

func TestSwitchBranch(t *testing.T) {
	t.Parallel()
	git := newFakeGit()
	cfg := &fakeBranchConfig{}
	w, _ := newTestWorkflow(t, git, cfg)

	result := w.SwitchBranch(context.Background(), "develop")

	assert.True(t, result.Success)
	assert.Equal(t, "develop", result.Branch)
	assert.Equal(t, "develop", cfg.GetString("update_branch"))
	assert.True(t, git.ran("fetch --all"))
	assert.True(t, git.ran("checkout develop"))
}

func TestSwitchBranchCheckoutFailure(t *testing.T) {
	t.Parallel()
	git := newFakeGit()
	git.stub("checkout nope", runner.Result{ExitCode: 1, Stderr: "error: pathspec 'nope' did not match"})
	cfg := &fakeBranchConfig{values: map[string]string{"update_branch": "main"}}
	w, _ := newTestWorkflow(t, git, cfg)

	result := w.SwitchBranch(context.Background(), "nope")

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "checkout failed")
	assert.Equal(t, "main", cfg.GetString("update_branch"), "a failed switch leaves the tracked branch alone")
}

func TestSwitchBranchValidation(t *testing.T) {
	t.Parallel()
	git := newFakeGit()
	w, coord := newTestWorkflow(t, git, &fakeBranchConfig{})

	result := w.SwitchBranch(context.Background(), "   ")
	assert.Equal(t, "branch name is required", result.Error)

	require.True(t, coord.TryStartOperation())
	defer coord.FinishOperation()
	result = w.SwitchBranch(context.Background(), "develop")
	assert.NotEmpty(t, result.Error)
	assert.False(t, git.ran("checkout develop"))
}

func TestRemoteBranches(t *testing.T) {
	t.Parallel()
	git := newFakeGit()
	git.stub("branch -r --format=%(refname:short)", runner.Result{
		Stdout: "origin/HEAD\norigin/main\norigin/develop\n",
	})
	w, _ := newTestWorkflow(t, git, &fakeBranchConfig{})

	assert.Equal(t, []string{"main", "develop"}, w.RemoteBranches(context.Background()))
}

func TestCurrentBranch(t *testing.T) {
	t.Parallel()
	git := newFakeGit()
	git.stub("rev-parse --abbrev-ref HEAD", runner.Result{Stdout: "main\n"})
	w, _ := newTestWorkflow(t, git, &fakeBranchConfig{})
	assert.Equal(t, "main", w.CurrentBranch(context.Background()))

	git.stub("rev-parse --abbrev-ref HEAD", runner.Result{Stdout: "HEAD\n"})
	assert.Empty(t, w.CurrentBranch(context.Background()), "detached HEAD reads as no branch")
}

func TestCommitVersion(t *testing.T) {
	t.Parallel()
	git := newFakeGit()
	w, _ := newTestWorkflow(t, git, &fakeBranchConfig{})

	git.stub("log -1 --format=%h - %s (%ad) --date=format:%b %d, %Y %I:%M %p", runner.Result{
		Stdout: "a1b2c3d - Fix display flicker (Aug 01, 2026 09:30 AM)\n",
	})
	assert.Equal(t, "a1b2c3d - Fix display flicker (Aug 01, 2026 09:30 AM)", w.CommitVersion(context.Background()))

	git.stub("log -1 --format=%h - %s (%ad) --date=format:%b %d, %Y %I:%M %p", runner.Result{ExitCode: 128})
	assert.Equal(t, "Not available", w.CommitVersion(context.Background()))
}
