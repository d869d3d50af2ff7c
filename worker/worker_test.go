package worker_test

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/iobaixas/nack/worker"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testworkerBin string

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "nack-testworker")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)

	testworkerBin = filepath.Join(dir, "testworker")

	build := exec.Command("go", "build", "-o", testworkerBin, "github.com/iobaixas/nack/internal/testworker")
	if out, err := build.CombinedOutput(); err != nil {
		panic("build testworker: " + err.Error() + "\n" + string(out))
	}

	os.Exit(m.Run())
}

func writeFixtureConfig(t *testing.T, cfg map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func newTestWorker(t *testing.T, cfg map[string]any, opts worker.Options) *worker.Worker {
	t.Helper()
	configPath := writeFixtureConfig(t, cfg)
	opts.Program = testworkerBin
	return worker.New(1, configPath, opts, zap.NewNop())
}

func waitForEvent(t *testing.T, ch <-chan worker.Event, want worker.EventType, timeout time.Duration) worker.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", want)
		}
	}
}

func TestWorker_SpawnReachesReady(t *testing.T) {
	w := newTestWorker(t, map[string]any{"status": 200, "body": "hello"}, worker.Options{})

	ch, cancel := w.Subscribe()
	defer cancel()

	require.NoError(t, w.Spawn(context.Background()))

	waitForEvent(t, ch, worker.EventSpawning, time.Second)
	waitForEvent(t, ch, worker.EventReady, 2*time.Second)

	require.Equal(t, worker.StateReady, w.State())

	require.NoError(t, w.Terminate())
	waitForEvent(t, ch, worker.EventExit, 2*time.Second)
}

func TestWorker_SpawnFailsIfNotAbsent(t *testing.T) {
	w := newTestWorker(t, map[string]any{}, worker.Options{})

	require.NoError(t, w.Spawn(context.Background()))
	err := w.Spawn(context.Background())
	require.ErrorIs(t, err, worker.ErrNotAbsent)

	_ = w.Terminate()
}

func TestWorker_ConfigMissingSurfacesError(t *testing.T) {
	w := worker.New(1, "/nonexistent/config.json", worker.Options{Program: testworkerBin}, zap.NewNop())

	ch, cancel := w.Subscribe()
	defer cancel()

	require.NoError(t, w.Spawn(context.Background()))

	ev := waitForEvent(t, ch, worker.EventError, time.Second)
	require.ErrorIs(t, ev.Err, worker.ErrConfigMissing)
	require.Equal(t, worker.StateAbsent, w.State())
}

func TestWorker_WorkerProgramMissingSurfacesError(t *testing.T) {
	configPath := writeFixtureConfig(t, map[string]any{})
	w := worker.New(1, configPath, worker.Options{Program: "nack-worker-does-not-exist"}, zap.NewNop())

	ch, cancel := w.Subscribe()
	defer cancel()

	require.NoError(t, w.Spawn(context.Background()))

	ev := waitForEvent(t, ch, worker.EventError, time.Second)
	require.ErrorIs(t, ev.Err, worker.ErrWorkerProgramMissing)
}

func TestWorker_CrashSurfacesExit(t *testing.T) {
	w := newTestWorker(t, map[string]any{"crash": "b00m"}, worker.Options{})

	ch, cancel := w.Subscribe()
	defer cancel()

	require.NoError(t, w.Spawn(context.Background()))

	ev := waitForEvent(t, ch, worker.EventExit, 2*time.Second)
	require.NotNil(t, ev.Exit.Code)
	require.NotZero(t, *ev.Exit.Code)
	require.Equal(t, worker.StateAbsent, w.State())
}

func TestWorker_CreateConnectionTransitionsToBusyThenReady(t *testing.T) {
	w := newTestWorker(t, map[string]any{"status": 200, "body": "hi"}, worker.Options{})

	ch, cancel := w.Subscribe()
	defer cancel()

	sockPath, err := w.CreateConnection(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, sockPath)
	require.Equal(t, worker.StateBusy, w.State())

	waitForEvent(t, ch, worker.EventBusy, 2*time.Second)

	w.ReleaseConnection()
	require.Equal(t, worker.StateReady, w.State())

	require.NoError(t, w.Terminate())
	waitForEvent(t, ch, worker.EventExit, 2*time.Second)
}

func TestWorker_RestartCyclesThroughStates(t *testing.T) {
	w := newTestWorker(t, map[string]any{"status": 200}, worker.Options{})

	ch, cancel := w.Subscribe()
	defer cancel()

	require.NoError(t, w.Spawn(context.Background()))
	waitForEvent(t, ch, worker.EventReady, 2*time.Second)

	go func() {
		_ = w.Restart(context.Background())
	}()

	waitForEvent(t, ch, worker.EventQuitting, 2*time.Second)
	waitForEvent(t, ch, worker.EventExit, 2*time.Second)
	waitForEvent(t, ch, worker.EventReady, 2*time.Second)

	require.NoError(t, w.Terminate())
	waitForEvent(t, ch, worker.EventExit, 2*time.Second)
}

func TestWorker_IdleTimerQuitsBusyWorker(t *testing.T) {
	w := newTestWorker(t, map[string]any{"status": 200}, worker.Options{Idle: 50 * time.Millisecond})

	ch, cancel := w.Subscribe()
	defer cancel()

	_, err := w.CreateConnection(context.Background())
	require.NoError(t, err)

	waitForEvent(t, ch, worker.EventIdle, time.Second)
	waitForEvent(t, ch, worker.EventQuitting, time.Second)
	waitForEvent(t, ch, worker.EventExit, 2*time.Second)
}
