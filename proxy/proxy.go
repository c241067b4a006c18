// Package proxy implements the ReverseProxy described in spec.md §4.3:
// an HTTP/1.1 server that selects a backend WorkerHandle per request,
// forwards the request upstream over loopback with per-backend
// connection accounting, and streams the response back to the client.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sourcegraph/log"

	"github.com/utopia-scale/utopia/config"
	"github.com/utopia-scale/utopia/roster"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "utopia_proxy_requests_total",
		Help: "Total requests proxied to a worker, by worker id and outcome",
	}, []string{"worker_id", "status"})

	activeConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "utopia_proxy_active_connections",
		Help: "In-flight upstream connections per worker",
	}, []string{"worker_id"})
)

// ListenerFactory builds the net.Listener the proxy serves on. The
// default is a plain net.Listen("tcp", addr); internal/upgrade supplies
// a tableflip-backed one for zero-downtime listener handoff
// (SPEC_FULL.md §4.7).
type ListenerFactory func(addr string) (net.Listener, error)

// Option configures a ReverseProxy at construction time.
type Option func(*ReverseProxy)

// WithListenerFactory overrides how the proxy's listening socket is
// created.
func WithListenerFactory(f ListenerFactory) Option {
	return func(p *ReverseProxy) { p.listenerFactory = f }
}

// ReverseProxy is the HTTP/1.1 reverse proxy in front of a worker
// roster, per spec.md §4.3.
type ReverseProxy struct {
	port     int
	roster   *roster.Roster
	selector selector
	log      log.Logger
	client   *http.Client

	listenerFactory ListenerFactory

	mu     sync.Mutex
	server *http.Server
}

// New constructs a ReverseProxy bound to port, selecting backends from
// roster according to strategy.
func New(port int, strategy config.Strategy, rstr *roster.Roster, logger log.Logger, opts ...Option) *ReverseProxy {
	p := &ReverseProxy{
		port:     port,
		roster:   rstr,
		selector: newSelector(strategy),
		log:      logger,
		// Deliberately no timeouts: spec.md §5/§9 leaves upstream
		// operations unbounded ("is indefinite blocking intended?" is an
		// open question resolved by not guessing — see DESIGN.md).
		client: &http.Client{Transport: &http.Transport{}},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start binds the listener and serves until ctx is canceled or Close is
// called. It returns nil on a clean shutdown.
func (p *ReverseProxy) Start(ctx context.Context) error {
	addr := fmt.Sprintf("0.0.0.0:%d", p.port)

	factory := p.listenerFactory
	if factory == nil {
		factory = func(addr string) (net.Listener, error) { return net.Listen("tcp", addr) }
	}
	ln, err := factory(addr)
	if err != nil {
		return fmt.Errorf("proxy: binding %s: %w", addr, err)
	}

	server := &http.Server{Handler: http.HandlerFunc(p.ServeHTTP)}
	p.mu.Lock()
	p.server = server
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.Close()
	}()

	p.log.Info("reverse proxy listening", log.String("addr", addr))
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close shuts down the proxy's listener immediately, without waiting
// for in-flight requests to drain (consistent with the supervisor's own
// non-draining Shutdown, spec.md §9 Open Question 3).
func (p *ReverseProxy) Close() {
	p.mu.Lock()
	server := p.server
	p.mu.Unlock()
	if server != nil {
		_ = server.Close()
	}
}

// ServeHTTP implements the request lifecycle of spec.md §4.3 steps 1-8.
func (p *ReverseProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handles := p.roster.Snapshot()
	h, ok := p.selector.Select(handles)
	if !ok {
		// Roster empty: return 502 without selecting, per spec.md §4.3.
		writeBadGateway(w)
		return
	}

	h.IncActive()
	activeConnections.WithLabelValues(workerLabel(h.ID)).Inc()
	defer func() {
		h.DecActive()
		activeConnections.WithLabelValues(workerLabel(h.ID)).Dec()
	}()

	outReq, err := p.buildUpstreamRequest(r, h)
	if err != nil {
		p.fail(w, h, err)
		return
	}

	resp, err := p.client.Do(outReq)
	if err != nil {
		p.fail(w, h, err)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// ClientIOFailure writing the response back: connection is
		// closed, no error response can be written at this point.
		p.log.Warn("error streaming response body", log.Int("worker.id", h.ID), log.Error(err))
		requestsTotal.WithLabelValues(workerLabel(h.ID), "client_io_error").Inc()
		return
	}
	requestsTotal.WithLabelValues(workerLabel(h.ID), "ok").Inc()
}

// buildUpstreamRequest copies method, path+query, and every header
// except Host from r, per spec.md §4.3 steps 4-6. Go's http.Request
// never carries Host as a map entry in Header (it lives in the Host
// field), so copying r.Header verbatim already excludes it; the upstream
// request's Host is instead derived from its own URL, which is what
// makes the upstream HTTP client set its own Host header.
func (p *ReverseProxy) buildUpstreamRequest(r *http.Request, h *roster.WorkerHandle) (*http.Request, error) {
	upstream := fmt.Sprintf("http://127.0.0.1:%d%s", h.Port, r.URL.RequestURI())
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstream, r.Body)
	if err != nil {
		return nil, err
	}
	for k, vv := range r.Header {
		for _, v := range vv {
			outReq.Header.Add(k, v)
		}
	}
	outReq.ContentLength = r.ContentLength
	return outReq, nil
}

// fail surfaces an UpstreamFailure as a 502, per spec.md §4.3/§7. Errors
// while writing the error response itself are swallowed.
func (p *ReverseProxy) fail(w http.ResponseWriter, h *roster.WorkerHandle, err error) {
	p.log.Warn("upstream request failed", log.Int("worker.id", h.ID), log.Error(err))
	requestsTotal.WithLabelValues(workerLabel(h.ID), "bad_gateway").Inc()
	writeBadGateway(w)
}

func writeBadGateway(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = w.Write([]byte("Bad Gateway"))
}

func workerLabel(id int) string {
	return fmt.Sprintf("%d", id)
}
