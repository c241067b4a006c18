//go:build windows

package cluster

import (
	"os"
	"os/exec"
	"os/signal"
)

// registerShutdownSignals wires SIGINT only, per spec.md §4.2/§6
// ("SIGTERM on non-Windows platforms").
func registerShutdownSignals(sigCh chan os.Signal) {
	signal.Notify(sigCh, os.Interrupt)
}

// terminateChild kills the child; Windows has no SIGTERM equivalent
// delivered the same way, so this is a hard kill.
func terminateChild(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
