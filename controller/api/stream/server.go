package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	logging "github.com/sirupsen/logrus"

	"github.com/openfactoryio/serving-layer/pkg/ksql"
)

const readinessProbeTimeout = 2 * time.Second

// StateQuerier reads latest-known snapshot values from the assets
// projection. Implementations return ksql.ErrNoRows when nothing matches.
type StateQuerier interface {
	DataItem(ctx context.Context, assetUUID, id string) (*DataItem, error)
	DataItems(ctx context.Context, assetUUID string) ([]DataItem, error)
}

// ServerConfig carries the worker HTTP surface's collaborators.
type ServerConfig struct {
	Registry   *Registry
	Dispatcher *Dispatcher
	State      StateQuerier
	// KSQLReady probes the snapshot projection for the readiness report;
	// nil means the projection is not part of readiness.
	KSQLReady     func(context.Context) error
	QueueCapacity int
	Log           *logging.Entry
}

// Server hosts the worker's public HTTP surface: the live SSE stream, the
// point-query snapshot, and the health and readiness probes.
type Server struct {
	router        *httprouter.Router
	registry      *Registry
	dispatcher    *Dispatcher
	state         StateQuerier
	ksqlReady     func(context.Context) error
	queueCapacity int
	log           *logging.Entry
}

// NewServer wires the handlers onto their routes.
func NewServer(cfg ServerConfig) *Server {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.Log == nil {
		cfg.Log = logging.NewEntry(logging.StandardLogger())
	}
	s := &Server{
		registry:      cfg.Registry,
		dispatcher:    cfg.Dispatcher,
		state:         cfg.State,
		ksqlReady:     cfg.KSQLReady,
		queueCapacity: cfg.QueueCapacity,
		log:           cfg.Log,
	}

	s.router = &httprouter.Router{
		RedirectTrailingSlash:  true,
		RedirectFixedPath:      true,
		HandleMethodNotAllowed: false, // disable 405s
	}
	s.router.GET("/asset_stream", s.handleAssetStream)
	s.router.GET("/asset_state", s.handleAssetState)
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ready", s.handleReady)
	return s
}

// this is called by the HTTP server to actually respond to a request
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.router.ServeHTTP(w, req)
}

// handleAssetStream serves `GET /asset_stream?asset_uuid=A[&id=I]` as an
// SSE stream of asset_update events. A fresh queue is attached for the
// connection's lifetime and detached on every exit path.
func (s *Server) handleAssetStream(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	assetUUID := req.FormValue("asset_uuid")
	if assetUUID == "" {
		renderDetail(w, http.StatusBadRequest, "asset_uuid query parameter is required")
		return
	}
	itemID := req.FormValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		renderDetail(w, http.StatusInternalServerError, "streaming unsupported by connection")
		return
	}

	key := subscriptionKey(s.registry.Mode(), assetUUID, itemID)
	queue := NewQueue(s.queueCapacity)
	s.registry.Attach(key, queue)
	defer s.registry.Detach(key, queue)

	log := s.log.WithField("key", key)
	log.Debug("subscriber attached")
	defer log.Debug("subscriber detached")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// In exact mode the bus key is the bare asset uuid, so an item filter
	// has to inspect payloads. In prefix mode the composite subscription
	// key already narrows the stream.
	filterItem := itemID != "" && s.registry.Mode() == MatchExact

	ctx := req.Context()
	for {
		select {
		case <-ctx.Done():
			// Client went away; payloads enqueued between now and detach
			// are lost, which the contract permits.
			return
		case payload := <-queue.Recv():
			if filterItem && !payloadMatchesItem(payload, itemID) {
				continue
			}
			if err := writeEvent(w, payload); err != nil {
				log.Debugf("write failed, closing stream: %s", err)
				return
			}
			flusher.Flush()
		}
	}
}

// handleAssetState serves `GET /asset_state?asset_uuid=A[&id=I]`: the
// latest snapshot of one data item, or of every data item of the asset.
func (s *Server) handleAssetState(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	assetUUID := req.FormValue("asset_uuid")
	if assetUUID == "" {
		renderDetail(w, http.StatusBadRequest, "asset_uuid query parameter is required")
		return
	}
	itemID := req.FormValue("id")

	if itemID != "" {
		item, err := s.state.DataItem(req.Context(), assetUUID, itemID)
		if errors.Is(err, ksql.ErrNoRows) {
			renderDetail(w, http.StatusNotFound, "No data found for the given asset_uuid and id.")
			return
		}
		if err != nil {
			renderDetail(w, http.StatusInternalServerError, "ksqlDB query failed: %s", err)
			return
		}
		renderJSON(w, http.StatusOK, assetItemDoc{AssetUUID: assetUUID, DataItem: *item})
		return
	}

	items, err := s.state.DataItems(req.Context(), assetUUID)
	if errors.Is(err, ksql.ErrNoRows) {
		renderDetail(w, http.StatusNotFound, "No data found for the given asset_uuid.")
		return
	}
	if err != nil {
		renderDetail(w, http.StatusInternalServerError, "ksqlDB query failed: %s", err)
		return
	}
	renderJSON(w, http.StatusOK, assetItemsDoc{AssetUUID: assetUUID, DataItems: items})
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

// Ready aggregates the worker's readiness: the dispatcher must be in its
// delivery loop and the snapshot projection reachable. Also served on the
// admin port.
func (s *Server) Ready(req *http.Request) (bool, map[string]string) {
	issues := map[string]string{}

	if s.dispatcher != nil && !s.dispatcher.Running() {
		issues["dispatcher"] = fmt.Sprintf("dispatcher is %s", s.dispatcher.State())
	}

	if s.ksqlReady != nil {
		ctx, cancel := context.WithTimeout(req.Context(), readinessProbeTimeout)
		defer cancel()
		if err := s.ksqlReady(ctx); err != nil {
			issues["ksqldb"] = err.Error()
		}
	}

	return len(issues) == 0, issues
}

type (
	errorDoc struct {
		Detail string `json:"detail"`
	}

	readyDoc struct {
		Status string            `json:"status"`
		Issues map[string]string `json:"issues"`
	}

	assetItemDoc struct {
		AssetUUID string `json:"asset_uuid"`
		DataItem
	}

	assetItemsDoc struct {
		AssetUUID string     `json:"asset_uuid"`
		DataItems []DataItem `json:"dataItems"`
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

// writeEvent frames one SSE event with the payload bytes unmodified.
func writeEvent(w io.Writer, payload []byte) error {
	_, err := fmt.Fprintf(w, "event: asset_update\ndata: %s\n\n", payload)
	return err
}

// payloadMatchesItem decodes just enough of the payload to read its id.
// Undecodable payloads never match a filter.
func payloadMatchesItem(payload []byte, itemID string) bool {
	var envelope struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return false
	}
	return envelope.ID == itemID
}

// subscriptionKey builds the registry key for a connection: the bare
// asset uuid in exact mode, "{asset_uuid}|{id}" or "{asset_uuid}|" in
// prefix mode.
func subscriptionKey(mode Mode, assetUUID, itemID string) string {
	if mode == MatchPrefix {
		if itemID != "" {
			return assetUUID + "|" + itemID
		}
		return assetUUID + "|"
	}
	return assetUUID
}
