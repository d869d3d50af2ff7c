package pool_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/iobaixas/nack/pool"
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

func newTestPool(t *testing.T, cfg map[string]any, opts pool.Options) *pool.Pool {
	t.Helper()
	configPath := writeFixtureConfig(t, cfg)
	opts.Program = testworkerBin
	p, err := pool.New(configPath, opts, zap.NewNop(), nil)
	require.NoError(t, err)
	return p
}

func waitForEvent(t *testing.T, ch <-chan pool.Event, want pool.EventType, timeout time.Duration) pool.Event {
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

// TestPool_TwoWorkerReadiness implements spec.md section 8 scenario 1.
func TestPool_TwoWorkerReadiness(t *testing.T) {
	p := newTestPool(t, map[string]any{"status": 200}, pool.Options{Size: 2})

	require.Len(t, p.Workers(), 2)
	require.Equal(t, 0, p.ReadyCount())

	ch, cancel := p.Subscribe()
	defer cancel()

	require.NoError(t, p.Spawn(context.Background()))

	waitForEvent(t, ch, pool.EventReady, 2*time.Second)
	require.Eventually(t, func() bool {
		return p.ReadyCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Quit())
	waitForEvent(t, ch, pool.EventExit, 2*time.Second)
	require.Eventually(t, func() bool {
		return p.ReadyCount() == 0 && p.AliveCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// TestPool_RoundRobinFallback implements spec.md section 8 scenario 2:
// with both workers busy, four consecutive NextWorker calls return
// indices 0, 1, 0, 1.
func TestPool_RoundRobinFallback(t *testing.T) {
	p := newTestPool(t, map[string]any{"status": 200}, pool.Options{Size: 2})

	workers := p.Workers()
	for _, w := range workers {
		_, err := w.CreateConnection(context.Background())
		require.NoError(t, err)
	}
	defer func() {
		for _, w := range workers {
			_ = w.Terminate()
		}
	}()

	for i := 0; i < 4; i++ {
		w, err := p.NextWorker()
		require.NoError(t, err)
		require.Equal(t, workers[i%2].ID(), w.ID())
	}
}

// TestPool_ProxyHappyPath implements spec.md section 8 scenario 3.
func TestPool_ProxyHappyPath(t *testing.T) {
	p := newTestPool(t, map[string]any{"status": 200, "body": "hello"}, pool.Options{Size: 1})

	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	rec := httptest.NewRecorder()

	err := p.Proxy(context.Background(), req, rec)
	require.NoError(t, err)

	require.Equal(t, 200, rec.Code)
	require.Equal(t, "hello", rec.Body.String())

	for _, w := range p.Workers() {
		_ = w.Terminate()
	}
}

// TestPool_ApplicationErrorSurfaces implements spec.md section 8
// scenario 4: a fixture whose config load fails exits before its
// handshake; that surfaces as a worker:exit with a non-zero exit code,
// and the pool then emits exit. No worker:error is emitted for it, and
// the fixture's crash message is not carried on any event.
func TestPool_ApplicationErrorSurfaces(t *testing.T) {
	p := newTestPool(t, map[string]any{"crash": "b00m"}, pool.Options{Size: 1})

	ch, cancel := p.Subscribe()
	defer cancel()

	require.NoError(t, p.Spawn(context.Background()))

	ev := waitForEvent(t, ch, pool.EventWorkerExit, 2*time.Second)
	require.NotNil(t, ev.Exit.Code)
	require.NotZero(t, *ev.Exit.Code)

	waitForEvent(t, ch, pool.EventExit, 2*time.Second)
}

// TestPool_Restart implements spec.md section 8 scenario 5: a fully
// ready size-2 pool, told to restart, cycles every worker through
// quitting -> absent -> spawning -> ready; the callback fires at least
// once, and a subsequent quit still terminates cleanly.
func TestPool_Restart(t *testing.T) {
	p := newTestPool(t, map[string]any{"status": 200}, pool.Options{Size: 2})

	ch, cancel := p.Subscribe()
	defer cancel()

	require.NoError(t, p.Spawn(context.Background()))
	waitForEvent(t, ch, pool.EventReady, 2*time.Second)

	cbCh := make(chan struct{}, 1)
	go func() {
		_ = p.Restart(context.Background(), func() {
			select {
			case cbCh <- struct{}{}:
			default:
			}
		})
	}()

	waitForEvent(t, ch, pool.EventWorkerQuitting, 2*time.Second)
	waitForEvent(t, ch, pool.EventWorkerExit, 2*time.Second)
	waitForEvent(t, ch, pool.EventWorkerReady, 2*time.Second)

	select {
	case <-cbCh:
	case <-time.After(2 * time.Second):
		t.Fatal("restart callback never fired")
	}

	for _, w := range p.Workers() {
		require.Equal(t, worker.StateReady, w.State())
	}

	require.NoError(t, p.Quit())
}
