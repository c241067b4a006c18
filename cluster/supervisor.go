// Package cluster implements the ClusterSupervisor described in
// spec.md §4.2: it spawns N copies of the current executable as worker
// children via an environment handshake, restarts them on exit, forwards
// their stdio, and optionally starts a ReverseProxy in front of them.
package cluster

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sourcegraph/log"

	"github.com/utopia-scale/utopia/config"
	"github.com/utopia-scale/utopia/internal/handshake"
	"github.com/utopia-scale/utopia/proxy"
	"github.com/utopia-scale/utopia/roster"
)

// restartBackoff is the fixed delay between observing a child's exit and
// respawning it, per spec.md §4.2.
const restartBackoff = 2 * time.Second

var workerRestartsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "utopia_worker_restarts_total",
	Help: "The total number of cluster worker process restarts",
})

// ClusterSupervisor owns the worker roster and, optionally, the
// ReverseProxy started in front of it.
type ClusterSupervisor struct {
	cfg  config.ScalingConfig
	argv []string
	log  log.Logger

	roster    *roster.Roster
	proxy     *proxy.ReverseProxy
	proxyOpts []proxy.Option

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	doneWg       sync.WaitGroup
}

// Option configures a ClusterSupervisor at construction time.
type Option func(*ClusterSupervisor)

// WithProxyOptions forwards proxy.Option values (such as
// proxy.WithListenerFactory, used by internal/upgrade) to the
// ReverseProxy the supervisor builds when cfg.EnableProxy is set.
func WithProxyOptions(opts ...proxy.Option) Option {
	return func(s *ClusterSupervisor) { s.proxyOpts = append(s.proxyOpts, opts...) }
}

// New constructs a supervisor for the given config. argv is forwarded to
// every spawned child (typically os.Args[1:], so the child re-executes
// the same binary with the same flags — the handshake environment, not
// argv, is what tells it to run in worker mode).
func New(cfg config.ScalingConfig, argv []string, logger log.Logger, opts ...Option) *ClusterSupervisor {
	s := &ClusterSupervisor{
		cfg:        cfg,
		argv:       argv,
		log:        logger,
		roster:     roster.New(),
		shutdownCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start spawns cfg.Processes workers, installs signal handlers, and
// optionally starts the ReverseProxy. It does not return until
// Shutdown is called or a termination signal arrives.
func (s *ClusterSupervisor) Start(ctx context.Context) error {
	if s.cfg.Mode != "" && s.cfg.Mode != config.Cluster {
		s.log.Fatal("scaling mode is not wired into the supervisor", log.String("mode", string(s.cfg.Mode)))
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cluster: resolving current executable: %w", err)
	}

	if err := s.spawnInitial(ctx, executable); err != nil {
		return err
	}

	s.installSignalHandlers()

	if s.cfg.EnableProxy {
		s.proxy = proxy.New(s.cfg.ProxyPort, s.cfg.Strategy, s.roster, log.Scoped("proxy", "reverse proxy"), s.proxyOpts...)
		s.doneWg.Add(1)
		go func() {
			defer s.doneWg.Done()
			if err := s.proxy.Start(ctx); err != nil {
				s.log.Error("reverse proxy exited", log.Error(err))
			}
		}()
	} else {
		for _, h := range s.roster.Snapshot() {
			s.log.Info("worker listening", log.Int("id", h.ID), log.String("url", fmt.Sprintf("http://127.0.0.1:%d", h.Port)))
		}
	}

	<-s.shutdownCh
	s.doneWg.Wait()
	return nil
}

// spawnInitial issues all N spawns concurrently and waits for all of
// them to return before declaring readiness, per spec.md §4.2.
func (s *ClusterSupervisor) spawnInitial(ctx context.Context, executable string) error {
	var wg sync.WaitGroup
	errs := make([]error, s.cfg.Processes)
	for id := 0; id < s.cfg.Processes; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			port := s.cfg.WorkerPort(id)
			cmd, err := s.spawnChild(ctx, executable, id, port)
			if err != nil {
				errs[id] = err
				return
			}
			h := &roster.WorkerHandle{ID: id, Port: port}
			h.SetProcess(cmd)
			s.roster.Put(h)
			s.watch(executable, h)
		}(id)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			// SpawnFailure: OS refuses to start a child. Fatal.
			s.log.Fatal("spawning worker failed", log.Error(err))
		}
	}
	return nil
}

// spawnChild starts one worker child process with the handshake
// environment set, mirroring the teacher's spawnWorker/exec.CommandContext
// pattern, and returns the running *exec.Cmd.
func (s *ClusterSupervisor) spawnChild(ctx context.Context, executable string, id, port int) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, executable, s.argv...)
	cmd.Env = handshake.WorkerEnv(os.Environ(), id, port)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// New process group so a worker's own subprocesses can be killed
		// alongside it.
		Setpgid: true,
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, fmt.Errorf("cluster: starting worker %d on port %d: %w", id, port, err)
	}

	go s.forwardOutput(id, port, pr)
	return cmd, nil
}

// forwardOutput forwards a child's combined stdout/stderr to the
// supervisor's logger, one log entry per line, as the teacher does in its
// worker.watch goroutine. The child's stdout and stderr are merged into
// one stream, and the lines are not written verbatim to the supervisor's
// own stdout or stderr.
func (s *ClusterSupervisor) forwardOutput(id, port int, pr *io.PipeReader) {
	r := bufio.NewReader(pr)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			s.log.Info(line, log.Int("worker.id", id), log.Int("worker.port", port))
		}
		if err != nil {
			return
		}
	}
}

// watch waits for a child to exit, then restarts it after the fixed
// backoff, per spec.md §4.2 steps 1-4. It runs for the lifetime of the
// supervisor, since restarts are unbounded.
func (s *ClusterSupervisor) watch(executable string, h *roster.WorkerHandle) {
	s.doneWg.Add(1)
	go func() {
		defer s.doneWg.Done()
		for {
			cmd := h.Process()
			var state *os.ProcessState
			var err error
			if cmd != nil && cmd.Process != nil {
				state, err = cmd.Process.Wait()
			}

			select {
			case <-s.shutdownCh:
				return
			default:
			}

			exitCode := -1
			if state != nil {
				exitCode = state.ExitCode()
			}
			fields := []log.Field{
				log.Int("id", h.ID),
				log.Int("port", h.Port),
				log.Int("exit_code", exitCode),
			}
			if err != nil {
				fields = append(fields, log.Error(err))
			}
			s.log.Info("worker exited", fields...)

			s.roster.Remove(h.ID)
			h.SetProcess(nil)
			workerRestartsCounter.Inc()

			select {
			case <-s.shutdownCh:
				return
			case <-time.After(restartBackoff):
			}

			newCmd, spawnErr := s.spawnChild(context.Background(), executable, h.ID, h.Port)
			if spawnErr != nil {
				s.log.Fatal("restarting worker failed", log.Error(spawnErr))
			}
			h.SetProcess(newCmd)
			h.BumpRestartCount()
			s.roster.Put(h)
		}
	}()
}

// installSignalHandlers wires SIGINT (all platforms) and SIGTERM
// (non-Windows) to Shutdown, per spec.md §4.2/§6.
func (s *ClusterSupervisor) installSignalHandlers() {
	sigCh := make(chan os.Signal, 1)
	registerShutdownSignals(sigCh)
	go func() {
		<-sigCh
		s.Shutdown()
	}()
}

// Shutdown terminates every live child process without waiting for
// in-flight requests to drain (spec.md §4.2, §9 Open Question 3), then
// unblocks Start. The caller is expected to exit(0) after Start returns,
// per spec.md §6.
func (s *ClusterSupervisor) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.log.Info("shutting down cluster")
		for _, h := range s.roster.Snapshot() {
			terminateChild(h.Process())
		}
		if s.proxy != nil {
			s.proxy.Close()
		}
		close(s.shutdownCh)
	})
}
