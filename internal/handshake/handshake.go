// Package handshake is the process-role discriminator described in
// spec.md §4.1 and §6: it reads the three UTOPIA_* environment variables
// exactly once and exposes them through read-only accessors, rather than
// letting callers free-float os.Getenv queries throughout the program.
package handshake

import (
	"os"
	"strconv"
)

const (
	envProcessID   = "UTOPIA_PROCESS_ID"
	envWorkerPort  = "UTOPIA_WORKER_PORT"
	envScalingMode = "UTOPIA_SCALING_MODE"

	workerMode = "worker"
)

type handshakeState struct {
	scalingMode string

	processID   int
	hasProcID   bool
	workerPort  int
	hasWorkerPt bool

	isWorker bool
}

var state = load()

func load() handshakeState {
	var s handshakeState
	s.scalingMode = os.Getenv(envScalingMode)

	pid, pidErr := strconv.Atoi(os.Getenv(envProcessID))
	port, portErr := strconv.Atoi(os.Getenv(envWorkerPort))

	s.hasProcID = pidErr == nil && pid >= 0
	s.hasWorkerPt = portErr == nil && port >= 0 && port <= 65535
	s.processID = pid
	s.workerPort = port

	// A child must treat all three as a single handshake: only when both
	// the process id and the worker port parse do we run as a worker.
	s.isWorker = s.hasProcID && s.hasWorkerPt

	return s
}

// IsClusterMode reports whether UTOPIA_SCALING_MODE is set at all.
func IsClusterMode() bool {
	return state.scalingMode != ""
}

// IsWorker reports whether this process was spawned as a cluster worker:
// UTOPIA_PROCESS_ID parsed as a non-negative integer and
// UTOPIA_WORKER_PORT as an integer in [0,65535]. This is the single
// dispatch point callers should use; it
// does not require UTOPIA_SCALING_MODE to equal "worker" (that value is
// informational, for the introspection surface below).
func IsWorker() bool {
	return state.isWorker
}

// WorkerPort returns the port this worker must bind, if present.
func WorkerPort() (int, bool) {
	return state.workerPort, state.hasWorkerPt
}

// ProcessID returns this worker's stable id, if present.
func ProcessID() (int, bool) {
	return state.processID, state.hasProcID
}

// ScalingMode returns the literal value of UTOPIA_SCALING_MODE, which is
// "worker" for spawned children and empty for the supervisor itself.
func ScalingMode() string {
	return state.scalingMode
}

// WorkerEnv builds the handshake environment for a child with the given
// id and port, appended to an existing environment slice (e.g.
// os.Environ()).
func WorkerEnv(base []string, id, port int) []string {
	env := make([]string, len(base), len(base)+3)
	copy(env, base)
	return append(env,
		envProcessID+"="+strconv.Itoa(id),
		envWorkerPort+"="+strconv.Itoa(port),
		envScalingMode+"="+workerMode,
	)
}
