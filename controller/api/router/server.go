// Package router implements the serving-layer frontend. It fronts every
// group worker behind one address: each request names an asset, the asset
// resolves to its group's worker, and the request is proxied through
// unchanged. Clients never learn the per-group topology.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/julienschmidt/httprouter"
	logging "github.com/sirupsen/logrus"
)

// Resolver maps an asset to the URL of the worker serving its group ("" =
// no group mapped) and reports aggregate readiness. *routing.Controller
// satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, assetUUID string) (string, error)
	IsReady(ctx context.Context) (bool, map[string]string)
}

// ServerConfig carries the frontend's collaborators.
type ServerConfig struct {
	Resolver Resolver
	Log      *logging.Entry
}

// Server handles the frontend's routes.
type Server struct {
	router   *httprouter.Router
	resolver Resolver
	log      *logging.Entry

	mu      sync.Mutex
	proxies map[string]*reverseProxy
}

// NewServer returns an initialized server.
func NewServer(cfg ServerConfig) *Server {
	log := cfg.Log
	if log == nil {
		log = logging.NewEntry(logging.StandardLogger())
	}

	s := &Server{
		resolver: cfg.Resolver,
		log:      log.WithField("component", "router"),
		proxies:  map[string]*reverseProxy{},
	}

	s.router = &httprouter.Router{
		RedirectTrailingSlash:  true,
		RedirectFixedPath:      true,
		HandleMethodNotAllowed: false, // disable 405s
	}
	s.router.GET("/asset_stream", s.handleProxy)
	s.router.GET("/asset_state", s.handleProxy)
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ready", s.handleReady)
	return s
}

// this is called by the HTTP server to actually respond to a request
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.router.ServeHTTP(w, req)
}

// handleProxy resolves the asset named in the request to its group's
// worker and proxies the request through. `/asset_stream` and
// `/asset_state` share this path; the worker interprets the rest of the
// query string.
func (s *Server) handleProxy(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	assetUUID := req.URL.Query().Get("asset_uuid")
	if assetUUID == "" {
		renderDetail(w, http.StatusBadRequest, "asset_uuid query parameter is required")
		return
	}

	target, err := s.resolver.Resolve(req.Context(), assetUUID)
	if err != nil {
		s.log.Errorf("resolving asset %s: %s", assetUUID, err)
		renderDetail(w, http.StatusBadGateway, "could not resolve asset: %s", err)
		return
	}
	if target == "" {
		renderDetail(w, http.StatusNotFound, "no group for asset %s", assetUUID)
		return
	}

	proxy, err := s.proxyFor(target)
	if err != nil {
		s.log.Errorf("parsing worker URL %s: %s", target, err)
		renderDetail(w, http.StatusBadGateway, "invalid worker URL")
		return
	}
	proxy.ServeHTTP(w, req)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	renderJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	ready, issues := s.Ready(req)
	if !ready {
		renderJSON(w, http.StatusServiceUnavailable, readyDoc{Status: "not ready", Issues: issues})
		return
	}
	renderJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Ready reports the resolver's aggregate readiness. Also served on the
// admin port.
func (s *Server) Ready(req *http.Request) (bool, map[string]string) {
	return s.resolver.IsReady(req.Context())
}

// proxyFor returns the proxy for a worker URL. Workers are few and
// long-lived, so proxies are built once and shared across requests.
func (s *Server) proxyFor(target string) (*reverseProxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if proxy, ok := s.proxies[target]; ok {
		return proxy, nil
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	proxy := newReverseProxy(parsed, s.log)
	s.proxies[target] = proxy
	return proxy, nil
}

type (
	errorDoc struct {
		Detail string `json:"detail"`
	}

	readyDoc struct {
		Status string            `json:"status"`
		Issues map[string]string `json:"issues"`
	}
)

func renderJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func renderDetail(w http.ResponseWriter, status int, format string, args ...interface{}) {
	renderJSON(w, status, errorDoc{Detail: fmt.Sprintf(format, args...)})
}
