package proxy

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sourcegraph/log/logtest"

	"github.com/utopia-scale/utopia/config"
	"github.com/utopia-scale/utopia/internal/testutil"
	"github.com/utopia-scale/utopia/roster"
)

// startEchoBackend binds an httptest server to a specific loopback port
// (rather than httptest's usual arbitrary port) so it can be addressed as
// 127.0.0.1:<port>, matching how the proxy dials a WorkerHandle's port.
func startEchoBackend(t *testing.T, port int, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("listening on port %d: %v", port, err)
	}
	ts := httptest.NewUnstartedServer(handler)
	ts.Listener.Close()
	ts.Listener = ln
	ts.Start()
	t.Cleanup(ts.Close)
	return ts
}

func freePorts(t *testing.T, n int) []int {
	t.Helper()
	ports := make([]int, n)
	for i := 0; i < n; i++ {
		p, err := testutil.FreePort()
		if err != nil {
			t.Fatalf("allocating free port: %v", err)
		}
		ports[i] = p
	}
	return ports
}

func newTestRoster(ports ...int) *roster.Roster {
	r := roster.New()
	for i, p := range ports {
		r.Put(&roster.WorkerHandle{ID: i, Port: p})
	}
	return r
}

func TestProxyForwardsAndEchoesBodyExactly(t *testing.T) {
	ports := freePorts(t, 1)
	startEchoBackend(t, ports[0], func(w http.ResponseWriter, r *http.Request) {
		io.Copy(w, r.Body)
	})

	r := newTestRoster(ports[0])
	p := New(0, config.RoundRobin, r, logtest.NoOp(t))

	sizes := []int{0, 1, 1 << 20}
	for _, size := range sizes {
		body := strings.Repeat("x", size)
		req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(body))
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("size %d: expected 200, got %d", size, rec.Code)
		}
		if rec.Body.String() != body {
			t.Fatalf("size %d: body mismatch (got %d bytes, want %d)", size, rec.Body.Len(), size)
		}
	}
}

func TestProxyPreservesHeadersExceptHost(t *testing.T) {
	ports := freePorts(t, 1)
	var observedHost string
	var observedA, observedB string
	startEchoBackend(t, ports[0], func(w http.ResponseWriter, r *http.Request) {
		observedHost = r.Host
		observedA = r.Header.Get("X-A")
		observedB = r.Header.Get("X-B")
		w.WriteHeader(http.StatusOK)
	})

	r := newTestRoster(ports[0])
	p := New(0, config.RoundRobin, r, logtest.NoOp(t))

	req := httptest.NewRequest(http.MethodGet, "/x?q=1", nil)
	req.Header.Set("X-A", "1")
	req.Header.Set("X-B", "2")
	req.Host = "example"
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if observedA != "1" || observedB != "2" {
		t.Errorf("expected headers X-A=1 X-B=2, got X-A=%q X-B=%q", observedA, observedB)
	}
	if observedHost == "example" {
		t.Errorf("expected Host to NOT be forwarded as 'example', got %q", observedHost)
	}
	if !strings.HasPrefix(observedHost, "127.0.0.1:") {
		t.Errorf("expected upstream Host to be 127.0.0.1:<port>, got %q", observedHost)
	}
}

func TestProxyRoundRobinOrder(t *testing.T) {
	ports := freePorts(t, 3)
	for _, port := range ports {
		port := port
		startEchoBackend(t, port, func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, strconv.Itoa(port))
		})
	}

	r := newTestRoster(ports...)
	p := New(0, config.RoundRobin, r, logtest.NoOp(t))

	var got []string
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)
		got = append(got, rec.Body.String())
	}

	want := []string{strconv.Itoa(ports[0]), strconv.Itoa(ports[1]), strconv.Itoa(ports[2]), strconv.Itoa(ports[0]), strconv.Itoa(ports[1]), strconv.Itoa(ports[2])}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("request %d: expected port %s, got %s (full sequence %v)", i, want[i], got[i], got)
		}
	}
}

func TestProxyLeastConnectionsRoutesAwayFromStalledWorker(t *testing.T) {
	ports := freePorts(t, 2)
	var release sync.WaitGroup
	release.Add(1)

	startEchoBackend(t, ports[0], func(w http.ResponseWriter, r *http.Request) {
		release.Wait() // worker 0 stalls until released
		w.WriteHeader(http.StatusOK)
	})
	startEchoBackend(t, ports[1], func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r := newTestRoster(ports...)
	p := New(0, config.LeastConnections, r, logtest.NoOp(t))

	// Tie up worker 0 with an in-flight request.
	done := make(chan struct{})
	go func() {
		defer close(done)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)
	}()
	// Give the goroutine time to increment worker 0's active-connection
	// counter before the next selection happens.
	time.Sleep(50 * time.Millisecond)

	handles, _ := r.Get(0)
	if handles.ActiveConnections() != 1 {
		t.Fatalf("expected worker 0 to have 1 active connection, got %d", handles.ActiveConnections())
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from the idle worker, got %d", rec.Code)
	}

	release.Done()
	<-done
}

func TestProxyReturns502OnEmptyRoster(t *testing.T) {
	p := New(0, config.RoundRobin, roster.New(), logtest.NoOp(t))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	start := time.Now()
	p.ServeHTTP(rec, req)
	elapsed := time.Since(start)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
	if rec.Body.String() != "Bad Gateway" {
		t.Errorf("expected body %q, got %q", "Bad Gateway", rec.Body.String())
	}
	if elapsed > time.Second {
		t.Errorf("expected the 502 to return promptly, took %s", elapsed)
	}
}

func TestProxyReturns502OnUpstreamConnectionRefused(t *testing.T) {
	ports := freePorts(t, 1) // never bound, so connection is refused
	r := newTestRoster(ports[0])
	p := New(0, config.RoundRobin, r, logtest.NoOp(t))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
		t.Errorf("expected Content-Type text/plain, got %q", ct)
	}
}

func TestProxyDecrementsActiveConnectionsAfterRequest(t *testing.T) {
	ports := freePorts(t, 1)
	startEchoBackend(t, ports[0], func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r := newTestRoster(ports[0])
	p := New(0, config.RoundRobin, r, logtest.NoOp(t))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	h, _ := r.Get(0)
	if h.ActiveConnections() != 0 {
		t.Errorf("expected active connections to return to 0 after request completes, got %d", h.ActiveConnections())
	}
}
