// Package config defines ScalingConfig, the immutable record described
// in spec.md §3, and the flag/.env-based loading described in
// SPEC_FULL.md §2.1.
package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Strategy is a worker selection policy for the reverse proxy.
type Strategy string

const (
	RoundRobin       Strategy = "round_robin"
	LeastConnections Strategy = "least_connections"
	Random           Strategy = "random"
)

// Mode is the scaling mode carried in ScalingConfig. Only Cluster is
// wired into ClusterSupervisor today; Single and Hybrid are accepted and
// validated but rejected at supervisor start (see DESIGN.md, Open
// Question 5).
type Mode string

const (
	Cluster Mode = "cluster"
	Single  Mode = "single"
	Hybrid  Mode = "hybrid"
)

const defaultProxyPort = 8080

// ScalingConfig is the immutable worker-pool/proxy configuration
// described in spec.md §3. Construct it with New or the loader returned
// by Flags; both validate invariants.
type ScalingConfig struct {
	Processes   int
	BasePort    int
	EnableProxy bool
	ProxyPort   int
	Strategy    Strategy
	Mode        Mode
}

// New validates and returns a ScalingConfig, applying the proxyPort
// default (8080) when enableProxy is true and proxyPort is 0.
func New(processes, basePort int, enableProxy bool, proxyPort int, strategy Strategy, mode Mode) (ScalingConfig, error) {
	cfg := ScalingConfig{
		Processes:   processes,
		BasePort:    basePort,
		EnableProxy: enableProxy,
		ProxyPort:   proxyPort,
		Strategy:    strategy,
		Mode:        mode,
	}
	if cfg.EnableProxy && cfg.ProxyPort == 0 {
		cfg.ProxyPort = defaultProxyPort
	}
	if err := cfg.Validate(); err != nil {
		return ScalingConfig{}, err
	}
	return cfg, nil
}

// Validate enforces the invariants from spec.md §3: basePort+processes-1
// must stay in range, and proxyPort must not collide with the worker
// port range.
func (c ScalingConfig) Validate() error {
	if c.Processes < 1 {
		return fmt.Errorf("config: processes must be >= 1, got %d", c.Processes)
	}
	if c.BasePort < 1 || c.BasePort > 65535 {
		return fmt.Errorf("config: basePort must be in [1,65535], got %d", c.BasePort)
	}
	if c.BasePort+c.Processes-1 > 65535 {
		return fmt.Errorf("config: basePort+processes-1 exceeds 65535 (basePort=%d processes=%d)", c.BasePort, c.Processes)
	}
	switch c.Strategy {
	case RoundRobin, LeastConnections, Random:
	default:
		return fmt.Errorf("config: unknown strategy %q", c.Strategy)
	}
	switch c.Mode {
	case Cluster, Single, Hybrid, "":
	default:
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}
	if c.EnableProxy {
		if c.ProxyPort < 1 || c.ProxyPort > 65535 {
			return fmt.Errorf("config: proxyPort must be in [1,65535], got %d", c.ProxyPort)
		}
		if c.ProxyPort >= c.BasePort && c.ProxyPort < c.BasePort+c.Processes {
			return fmt.Errorf("config: proxyPort %d collides with worker port range [%d,%d)", c.ProxyPort, c.BasePort, c.BasePort+c.Processes)
		}
	}
	return nil
}

// WorkerPort returns basePort+id.
func (c ScalingConfig) WorkerPort(id int) int {
	return c.BasePort + id
}

// Flags registers ScalingConfig fields on the given FlagSet, mirroring
// the teacher's top-level flag.* var block, and returns a loader that
// must be called after flag.Parse.
func Flags(fs *flag.FlagSet) func() (ScalingConfig, error) {
	processes := fs.Int("workers", 4, "number of worker subprocesses to spawn")
	basePort := fs.Int("base-port", 9000, "first worker port; workers bind basePort..basePort+workers-1")
	enableProxy := fs.Bool("proxy", true, "start the reverse proxy in front of the worker pool")
	proxyPort := fs.Int("proxy-port", 0, "reverse proxy listen port (defaults to 8080 if proxy is enabled and this is left at 0)")
	strategy := fs.String("strategy", string(RoundRobin), "selection strategy: round_robin, least_connections, random")
	mode := fs.String("mode", string(Cluster), "scaling mode: cluster (only mode wired today), single, hybrid")

	return func() (ScalingConfig, error) {
		return New(*processes, *basePort, *enableProxy, *proxyPort, Strategy(*strategy), Mode(*mode))
	}
}

// LoadDotEnv overlays a .env file onto the process environment before
// flags are parsed, the way itsAurora413-csgo-auto/csqaq-sampler loads
// its database credentials. The file is optional: a missing file is not
// an error, but a malformed one is reported so the caller can log it.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: loading %s: %w", path, err)
	}
	return nil
}
