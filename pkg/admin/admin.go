// Package admin serves the operational endpoints every serving-layer
// process exposes next to its public API: prometheus metrics, a liveness
// ping, a readiness report, and pprof.
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Readiness reports whether the process can serve traffic. A non-empty
// issues map explains what is missing, keyed by component.
type Readiness func(*http.Request) (bool, map[string]string)

type handler struct {
	promHandler http.Handler
	ready       Readiness
}

// StartServer starts an admin server listening on a given address. The
// readiness callback may be nil, in which case /ready always reports ready.
func StartServer(addr string, ready Readiness) {
	log.Infof("starting admin server on %s", addr)

	h := &handler{
		promHandler: promhttp.Handler(),
		ready:       ready,
	}

	log.Fatal(http.ListenAndServe(addr, h))
}

func (h *handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	debugPathPrefix := "/debug/pprof/"
	switch req.URL.Path {
	case "/metrics":
		h.promHandler.ServeHTTP(w, req)
	case "/ping":
		h.servePing(w)
	case "/ready":
		h.serveReady(w, req)
	case fmt.Sprintf("%scmdline", debugPathPrefix):
		pprof.Cmdline(w, req)
	case fmt.Sprintf("%sprofile", debugPathPrefix):
		pprof.Profile(w, req)
	case fmt.Sprintf("%strace", debugPathPrefix):
		pprof.Trace(w, req)
	case fmt.Sprintf("%ssymbol", debugPathPrefix):
		pprof.Symbol(w, req)
	default:
		if strings.HasPrefix(req.URL.Path, "/debug/pprof/") {
			pprof.Index(w, req)
		} else {
			http.NotFound(w, req)
		}
	}
}

func (h *handler) servePing(w http.ResponseWriter) {
	w.Write([]byte("pong\n"))
}

func (h *handler) serveReady(w http.ResponseWriter, req *http.Request) {
	if h.ready == nil {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
		return
	}

	ready, issues := h.ready(req)
	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "not ready",
			"issues": issues,
		})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
