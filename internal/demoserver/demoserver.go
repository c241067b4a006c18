// Package demoserver is a minimal worker HTTP handler used to exercise
// the cluster/proxy end-to-end, grounded on the teacher's -demo handler
// and tokuhirom-liveroll/testutils/demohttpd. It carries none of the
// CORE line budget (spec.md §1 explicitly places demonstration servers
// OUT of scope) and intentionally does nothing beyond what the
// end-to-end scenarios in spec.md §8 need: reporting its own port/id,
// echoing the request body, and giving the ComputePool (spec.md §4.4) a
// real caller to offload onto.
package demoserver

import (
	"fmt"
	"io"
	"net/http"

	"github.com/utopia-scale/utopia/compute"
	"github.com/utopia-scale/utopia/internal/handshake"
)

// Handler returns an http.Handler that:
//   - responds to GET / with its own worker port (spec.md §8 scenario 1,
//     "workers respond with their port"),
//   - echoes the request body bit-identically for any other method or
//     path (spec.md §8 round-trip property),
//   - reports its process id when running as a cluster worker
//     (spec.md §8 scenario 4),
//   - offloads /compute (any method) onto pool, round-tripping the request body
//     through the "echo" handler registered in cmd/utopia, so the
//     ComputePool's executor/inline dispatch is reachable over HTTP.
func Handler(port int, pool *compute.ComputePool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/" {
			handleEcho(w, r, port)
			return
		}
		fmt.Fprintf(w, "%d", port)
	})
	mux.HandleFunc("/compute", func(w http.ResponseWriter, r *http.Request) {
		handleCompute(w, r, pool)
	})
	return mux
}

func handleCompute(w http.ResponseWriter, r *http.Request, pool *compute.ComputePool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := pool.Submit(r.Context(), "echo", body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	_, _ = w.Write(result.([]byte))
}

func handleEcho(w http.ResponseWriter, r *http.Request, port int) {
	if pid, ok := handshake.ProcessID(); ok {
		w.Header().Set("X-Worker-Process-Id", fmt.Sprintf("%d", pid))
	}
	w.Header().Set("X-Worker-Port", fmt.Sprintf("%d", port))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, r.Body)
}
