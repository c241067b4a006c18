// Package upgrade wraps github.com/cloudflare/tableflip behind the
// proxy.ListenerFactory shape, letting the reverse proxy's own listening
// socket be handed off across a SIGHUP-triggered binary re-exec without
// dropping in-flight connections. This is additive ambient reliability
// (SPEC_FULL.md §4.7): it touches only the proxy's own listener, never
// the cluster worker restart semantics in spec.md §4.2, which are
// unchanged.
//
// Grounded on Ankit-Kulkarni-go-experiments/graceful_restarts/tbflip/main.go
// (tableflip.New, upg.Listen, upg.Ready, upg.Exit, SIGHUP -> upg.Upgrade()).
package upgrade

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudflare/tableflip"
	"github.com/sourcegraph/log"
)

// Upgrader owns a tableflip instance for the life of the process.
type Upgrader struct {
	upg *tableflip.Upgrader
	log log.Logger
}

// New constructs an Upgrader and starts its SIGHUP listener loop.
func New(logger log.Logger) (*Upgrader, error) {
	upg, err := tableflip.New(tableflip.Options{})
	if err != nil {
		return nil, err
	}
	u := &Upgrader{upg: upg, log: logger}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)
	go func() {
		for range sig {
			u.log.Info("received SIGHUP, requesting listener upgrade")
			if err := upg.Upgrade(); err != nil {
				u.log.Error("upgrade failed", log.Error(err))
			}
		}
	}()

	return u, nil
}

// Listener implements proxy.ListenerFactory: it hands back a
// tableflip-managed listener for addr. Listen must be called before
// Ready (tableflip's own contract).
func (u *Upgrader) Listener(addr string) (net.Listener, error) {
	return u.upg.Listen("tcp", addr)
}

// Ready signals that the new process is ready to serve, letting the
// parent stop accepting while it drains existing connections.
func (u *Upgrader) Ready() error {
	return u.upg.Ready()
}

// Exit returns a channel closed when it's time for this process to wind
// down (a newer child took over, or the process received SIGTERM).
func (u *Upgrader) Exit() <-chan struct{} {
	return u.upg.Exit()
}

// Stop releases tableflip's resources. Call via defer after New.
func (u *Upgrader) Stop() {
	u.upg.Stop()
}
