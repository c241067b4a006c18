package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/log"

	"github.com/utopia-scale/utopia/cluster"
	"github.com/utopia-scale/utopia/compute"
	"github.com/utopia-scale/utopia/config"
	"github.com/utopia-scale/utopia/internal/demoserver"
	"github.com/utopia-scale/utopia/internal/handshake"
	"github.com/utopia-scale/utopia/internal/hostname"
	"github.com/utopia-scale/utopia/internal/upgrade"
	"github.com/utopia-scale/utopia/proxy"
)

var (
	flagPrometheus        = flag.String("prometheus", ":6060", "publish Prometheus metrics on specified address, empty to disable")
	flagPrometheusAppName = flag.String("prometheus-app-name", "utopia", "app name used as the log resource name")
	flagGracefulUpgrade   = flag.Bool("graceful-upgrade", false, "hand the reverse proxy's listener to cloudflare/tableflip, so SIGHUP re-execs without dropping connections")
	flagComputeExecutors  = flag.Int("compute-executors", 2, "number of compute executors each worker initializes for its demo /compute endpoint")
)

// main is the process-role discriminator described in spec.md §4.1: the
// same binary, re-exec'd by a ClusterSupervisor with the handshake
// environment set, runs as a worker instead of a supervisor.
func main() {
	if err := config.LoadDotEnv(""); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	loadConfig := config.Flags(flag.CommandLine)
	flag.Parse()

	liblog := log.Init(log.Resource{
		Name:       *flagPrometheusAppName,
		InstanceID: hostname.Get(),
		Version:    "",
	})
	defer liblog.Sync()

	if *flagPrometheus != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*flagPrometheus, mux); err != nil {
				log.Scoped("metrics", "prometheus endpoint").Error("server exited", log.Error(err))
			}
		}()
	}

	if handshake.IsWorker() {
		runWorker()
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Scoped("config", "flag validation").Fatal("invalid configuration", log.Error(err))
	}
	runSupervisor(cfg)
}

// runSupervisor starts the ClusterSupervisor, which re-execs this same
// binary as cfg.Processes workers (spec.md §4.2).
func runSupervisor(cfg config.ScalingConfig) {
	logger := log.Scoped("supervisor", "cluster supervisor")

	var opts []cluster.Option
	var upg *upgrade.Upgrader
	if cfg.EnableProxy && *flagGracefulUpgrade {
		var err error
		upg, err = upgrade.New(log.Scoped("upgrade", "graceful listener handoff"))
		if err != nil {
			logger.Fatal("starting graceful upgrade listener", log.Error(err))
		}
		defer upg.Stop()
		opts = append(opts, cluster.WithProxyOptions(proxy.WithListenerFactory(upg.Listener)))
	}

	supervisor := cluster.New(cfg, os.Args[1:], logger, opts...)

	if upg != nil {
		if err := upg.Ready(); err != nil {
			logger.Fatal("signaling upgrade readiness", log.Error(err))
		}
	}

	if err := supervisor.Start(context.Background()); err != nil {
		logger.Fatal("supervisor exited", log.Error(err))
	}
}

// runWorker runs this process as a cluster worker: it serves the demo
// HTTP handler on its handshake-assigned port and, alongside it,
// initializes a ComputePool so the §4.4 compute offload path has a real
// caller to exercise end-to-end (spec.md §8 scenario 5).
func runWorker() {
	port, _ := handshake.WorkerPort()
	logger := log.Scoped("worker", "cluster worker").With(log.Int("port", port))

	pool := compute.New(map[string]compute.HandlerFunc{
		"echo": func(payload interface{}) (interface{}, error) { return payload, nil },
	}, log.Scoped("compute", "worker compute pool").With(log.Int("port", port)))
	if err := pool.Initialize(*flagComputeExecutors); err != nil {
		logger.Fatal("initializing compute pool", log.Error(err))
	}
	defer pool.Shutdown()

	addr := fmt.Sprintf("0.0.0.0:%d", port)
	logger.Info("listening", log.String("addr", addr))
	if err := http.ListenAndServe(addr, demoserver.Handler(port, pool)); err != nil {
		logger.Fatal("server exited", log.Error(err))
	}
}
