package cluster

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/sourcegraph/log/logtest"

	"github.com/utopia-scale/utopia/config"
	"github.com/utopia-scale/utopia/internal/handshake"
	"github.com/utopia-scale/utopia/internal/testutil"
)

// TestMain lets this test binary double as a cluster worker: when
// ClusterSupervisor re-execs it with the handshake environment set (as it
// does for any real worker, per spec.md §4.2), it binds the assigned port
// and serves a minimal handler instead of running the test suite. This
// mirrors the handshake package's own self-exec helper pattern.
func TestMain(m *testing.M) {
	if handshake.IsWorker() {
		runWorkerHelper()
		return
	}
	os.Exit(m.Run())
}

func runWorkerHelper() {
	port, _ := handshake.WorkerPort()
	pid, _ := handshake.ProcessID()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%d", pid)
	})
	_ = http.ListenAndServe(fmt.Sprintf("127.0.0.1:%d", port), mux)
}

func waitUntilListening(t *testing.T, port int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("port %d never started listening within %s", port, timeout)
}

func waitUntilNotListening(t *testing.T, port int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 100*time.Millisecond)
		if err != nil {
			return
		}
		conn.Close()
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("port %d was still listening after %s", port, timeout)
}

func TestSupervisorSpawnsAndListensOnEveryWorkerPort(t *testing.T) {
	basePort, err := testutil.FreePortRange(3)
	if err != nil {
		t.Fatalf("allocating port range: %v", err)
	}
	cfg, err := config.New(3, basePort, false, 0, config.RoundRobin, config.Cluster)
	if err != nil {
		t.Fatalf("building config: %v", err)
	}

	sup := New(cfg, nil, logtest.NoOp(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sup.Start(ctx); err != nil {
			t.Errorf("Start returned an error: %v", err)
		}
	}()

	for id := 0; id < cfg.Processes; id++ {
		waitUntilListening(t, cfg.WorkerPort(id), 5*time.Second)
	}
	if got := sup.roster.Len(); got != cfg.Processes {
		t.Errorf("expected %d roster entries, got %d", cfg.Processes, got)
	}

	sup.Shutdown()
	<-done

	for id := 0; id < cfg.Processes; id++ {
		waitUntilNotListening(t, cfg.WorkerPort(id), 3*time.Second)
	}
}

func TestSupervisorRestartsAKilledWorkerOnTheSamePort(t *testing.T) {
	basePort, err := testutil.FreePortRange(2)
	if err != nil {
		t.Fatalf("allocating port range: %v", err)
	}
	cfg, err := config.New(2, basePort, false, 0, config.RoundRobin, config.Cluster)
	if err != nil {
		t.Fatalf("building config: %v", err)
	}

	sup := New(cfg, nil, logtest.NoOp(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Start(ctx)
	}()
	defer func() {
		sup.Shutdown()
		<-done
	}()

	for id := 0; id < cfg.Processes; id++ {
		waitUntilListening(t, cfg.WorkerPort(id), 5*time.Second)
	}

	killedPort := cfg.WorkerPort(0)
	h, ok := sup.roster.Get(0)
	if !ok {
		t.Fatal("expected worker 0 to be in the roster")
	}
	if err := h.Process().Process.Kill(); err != nil {
		t.Fatalf("killing worker 0: %v", err)
	}

	waitUntilNotListening(t, killedPort, 2*time.Second)
	// restartBackoff is 2s; allow generous headroom for the respawn.
	waitUntilListening(t, killedPort, 5*time.Second)

	newH, ok := sup.roster.Get(0)
	if !ok {
		t.Fatal("expected worker 0 to be back in the roster after restart")
	}
	if newH.RestartCount() != 1 {
		t.Errorf("expected restart count 1, got %d", newH.RestartCount())
	}
	if newH.Port != killedPort {
		t.Errorf("expected the restarted worker to keep port %d, got %d", killedPort, newH.Port)
	}
}
