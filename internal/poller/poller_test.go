package poller

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stationboard/stationboard/internal/config"
	"github.com/stationboard/stationboard/internal/coordinator"
	"github.com/stationboard/stationboard/internal/runner"
	"github.com/stationboard/stationboard/internal/update"
)

type fakeRunner struct {
	mu   sync.Mutex
	runs []string
}

func (f *fakeRunner) Run(_ context.Context, spec runner.Spec) runner.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, strings.Join(spec.Args, " "))
	if spec.Args[0] == "rev-parse" {
		return runner.Result{Stdout: "aaaa1111aaaa1111aaaa1111aaaa1111aaaa1111\n"}
	}
	return runner.Result{ExitCode: 0}
}

func (f *fakeRunner) Start(context.Context, runner.Spec) (*runner.Handle, error) {
	panic("not used by the poller")
}

func (f *fakeRunner) ran(args string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r == args {
			return true
		}
	}
	return false
}

func newTestPoller(t *testing.T) (*Poller, *fakeRunner, coordinator.Coordinator, *config.Store) {
	t.Helper()
	repoDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repoDir, ".git"), 0750))

	r := &fakeRunner{}
	coord := coordinator.New()
	cfg := config.NewStore(filepath.Join(t.TempDir(), "config.json"))
	workflow := update.New(r, coord, cfg, repoDir)
	return New(workflow, coord, cfg), r, coord, cfg
}

func TestInterval(t *testing.T) {
	t.Parallel()
	p, _, _, cfg := newTestPoller(t)

	assert.Equal(t, 300*time.Second, p.interval(), "default cadence")

	require.True(t, cfg.Set("update_check_interval_seconds", 60))
	assert.Equal(t, 60*time.Second, p.interval())
}

func TestCheckRunsWorkflow(t *testing.T) {
	t.Parallel()
	p, r, _, _ := newTestPoller(t)

	p.check(context.Background())
	assert.True(t, r.ran("fetch"))
	assert.True(t, r.ran("rev-parse HEAD"))
}

func TestCheckSkipsWhileOperationActive(t *testing.T) {
	t.Parallel()
	p, r, coord, _ := newTestPoller(t)

	require.True(t, coord.TryStartOperation())
	defer coord.FinishOperation()

	p.check(context.Background())
	assert.False(t, r.ran("fetch"), "checks never queue behind a running operation")
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	p, _, _, cfg := newTestPoller(t)

	started := make(chan error, 1)
	go func() {
		started <- p.Start(context.Background())
	}()

	// Give the loop a moment to subscribe, then reconfigure the cadence
	// while it is running.
	time.Sleep(50 * time.Millisecond)
	require.True(t, cfg.Set("update_check_interval_seconds", 10))

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	select {
	case err := <-started:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
