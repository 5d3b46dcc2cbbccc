package router

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-test/deep"
	logging "github.com/sirupsen/logrus"
)

type fakeResolver struct {
	targets map[string]string
	err     error
	ready   bool
	issues  map[string]string
}

func (f *fakeResolver) Resolve(_ context.Context, assetUUID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.targets[assetUUID], nil
}

func (f *fakeResolver) IsReady(_ context.Context) (bool, map[string]string) {
	return f.ready, f.issues
}

func newTestServer(t *testing.T, resolver *fakeResolver) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(ServerConfig{
		Resolver: resolver,
		Log:      logging.WithField("test", t.Name()),
	}))
	t.Cleanup(srv.Close)
	return srv
}

func httpGet(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("unexpected request error: %s", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("unexpected read error: %s", err)
	}
	return resp.StatusCode, string(body)
}

func decodeDetail(t *testing.T, body string) string {
	t.Helper()
	var doc errorDoc
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		t.Fatalf("undecodable error body %q: %s", body, err)
	}
	return doc.Detail
}

func TestProxyRequiresAssetUUID(t *testing.T) {
	srv := newTestServer(t, &fakeResolver{ready: true})

	for _, path := range []string{"/asset_stream", "/asset_state"} {
		status, body := httpGet(t, srv.URL+path)
		if status != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, status)
		}
		if detail := decodeDetail(t, body); detail != "asset_uuid query parameter is required" {
			t.Fatalf("%s: unexpected detail %q", path, detail)
		}
	}
}

func TestProxyUnknownAsset(t *testing.T) {
	srv := newTestServer(t, &fakeResolver{ready: true})

	status, body := httpGet(t, srv.URL+"/asset_stream?asset_uuid=WTVB01-404")
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	if detail := decodeDetail(t, body); detail != "no group for asset WTVB01-404" {
		t.Fatalf("unexpected detail %q", detail)
	}
}

func TestProxyResolverError(t *testing.T) {
	srv := newTestServer(t, &fakeResolver{err: fmt.Errorf("ksqldb down")})

	status, body := httpGet(t, srv.URL+"/asset_stream?asset_uuid=WTVB01-001")
	if status != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", status)
	}
	if detail := decodeDetail(t, body); detail != "could not resolve asset: ksqldb down" {
		t.Fatalf("unexpected detail %q", detail)
	}
}

func TestProxyForwardsToWorker(t *testing.T) {
	var gotPath, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"asset_uuid":"WTVB01-001"}`)
	}))
	t.Cleanup(upstream.Close)

	srv := newTestServer(t, &fakeResolver{targets: map[string]string{"WTVB01-001": upstream.URL}})

	resp, err := http.Get(srv.URL + "/asset_state?asset_uuid=WTVB01-001&id=temp")
	if err != nil {
		t.Fatalf("unexpected request error: %s", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if gotPath != "/asset_state" {
		t.Fatalf("worker saw path %q", gotPath)
	}
	if gotQuery != "asset_uuid=WTVB01-001&id=temp" {
		t.Fatalf("worker saw query %q", gotQuery)
	}
	if via := resp.Header.Get("Via"); via != "1.1 serving-layer-router" {
		t.Fatalf("unexpected Via header %q", via)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("unexpected read error: %s", err)
	}
	if got := strings.TrimSpace(string(body)); got != `{"asset_uuid":"WTVB01-001"}` {
		t.Fatalf("unexpected body %q", got)
	}
}

func TestProxyStreamsEvents(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "event: asset_update\ndata: %s\n\n", `{"id":"temp","value":"21.5"}`)
		flusher.Flush()
		fmt.Fprintf(w, "event: asset_update\ndata: %s\n\n", `{"id":"avail","value":"AVAILABLE"}`)
		flusher.Flush()
	}))
	t.Cleanup(upstream.Close)

	srv := newTestServer(t, &fakeResolver{targets: map[string]string{"WTVB01-001": upstream.URL}})

	resp, err := http.Get(srv.URL + "/asset_stream?asset_uuid=WTVB01-001")
	if err != nil {
		t.Fatalf("unexpected request error: %s", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	expected := []string{`{"id":"temp","value":"21.5"}`, `{"id":"avail","value":"AVAILABLE"}`}
	for _, data := range expected {
		if got := readEvent(t, reader); got != data {
			t.Fatalf("expected event data %q, got %q", data, got)
		}
	}
}

// readEvent consumes one `event:`/`data:` SSE frame and returns the data
// line.
func readEvent(t *testing.T, reader *bufio.Reader) string {
	t.Helper()

	var data string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("unexpected stream error: %s", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			if name := strings.TrimPrefix(line, "event: "); name != "asset_update" {
				t.Fatalf("unexpected event name %q", name)
			}
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			return data
		}
	}
}

func TestProxyWorkerUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := upstream.URL
	upstream.Close()

	srv := newTestServer(t, &fakeResolver{targets: map[string]string{"WTVB01-001": target}})

	status, body := httpGet(t, srv.URL+"/asset_stream?asset_uuid=WTVB01-001")
	if status != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", status)
	}
	if detail := decodeDetail(t, body); detail != "group worker unreachable" {
		t.Fatalf("unexpected detail %q", detail)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeResolver{ready: true})

	status, body := httpGet(t, srv.URL+"/health")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if got := strings.TrimSpace(body); got != `{"status":"ok"}` {
		t.Fatalf("unexpected body %q", got)
	}
}

func TestReadyReportsIssues(t *testing.T) {
	resolver := &fakeResolver{
		issues: map[string]string{"grouping_strategy": "ksqldb unreachable"},
	}
	srv := newTestServer(t, resolver)

	status, body := httpGet(t, srv.URL+"/ready")
	if status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", status)
	}

	var doc readyDoc
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		t.Fatalf("undecodable ready body %q: %s", body, err)
	}
	expected := readyDoc{
		Status: "not ready",
		Issues: map[string]string{"grouping_strategy": "ksqldb unreachable"},
	}
	if diff := deep.Equal(doc, expected); diff != nil {
		t.Fatalf("unexpected readiness: %v", diff)
	}

	resolver.ready = true
	resolver.issues = nil
	status, body = httpGet(t, srv.URL+"/ready")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if got := strings.TrimSpace(body); got != `{"status":"ready"}` {
		t.Fatalf("unexpected body %q", got)
	}
}
