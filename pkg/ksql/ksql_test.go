package ksql

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-test/deep"
)

func TestQueryParsesRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/query" {
			t.Errorf("expected /query, got %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != MediaType {
			t.Errorf("expected content type %s, got %s", MediaType, ct)
		}
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("malformed request body: %s", err)
		}
		if !strings.HasPrefix(req["ksql"].(string), "SELECT") {
			t.Errorf("unexpected ksql statement: %v", req["ksql"])
		}
		w.Write([]byte(`[
			{"header":{"queryId":"transient_42","schema":"` + "`ASSET_UUID` STRING, `ID` STRING, `VALUE` STRING" + `"}},
			{"row":{"columns":["WTVB01-001","avail","AVAILABLE"]}},
			{"row":{"columns":["WTVB01-001","temp","22.4"]}},
			{"finalMessage":"Limit Reached"}
		]`))
	}))
	defer srv.Close()

	rows, err := New(srv.URL).Query(context.Background(), "SELECT asset_uuid, id, value FROM assets;")
	if err != nil {
		t.Fatalf("Query returned error: %s", err)
	}

	expected := []Row{
		{"ASSET_UUID": "WTVB01-001", "ID": "avail", "VALUE": "AVAILABLE"},
		{"ASSET_UUID": "WTVB01-001", "ID": "temp", "VALUE": "22.4"},
	}
	if diff := deep.Equal(rows, expected); diff != nil {
		t.Fatalf("unexpected rows: %v", diff)
	}
}

func TestQueryRowNoRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"header":{"queryId":"q","schema":"` + "`ASSET_UUID` STRING" + `"}}]`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).QueryRow(context.Background(), "SELECT asset_uuid FROM assets WHERE key = 'none';")
	if !errors.Is(err, ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

func TestQueryServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"@type":"statement_error","error_code":40001,"message":"Line 1: SELECT column cannot be resolved"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Query(context.Background(), "SELECT nope FROM assets;")
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if !strings.Contains(err.Error(), "cannot be resolved") {
		t.Fatalf("expected server message in error, got %q", err)
	}
}

func TestQueryMidStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"header":{"queryId":"q","schema":"` + "`ID` STRING" + `"}},
			{"row":{"columns":["avail"]}},
			{"errorMessage":{"message":"query terminated"}}
		]`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Query(context.Background(), "SELECT id FROM assets;")
	if err == nil || !strings.Contains(err.Error(), "query terminated") {
		t.Fatalf("expected mid-stream error, got %v", err)
	}
}

func TestExec(t *testing.T) {
	var gotPath, gotStatement string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var req map[string]interface{}
		json.NewDecoder(r.Body).Decode(&req)
		gotStatement, _ = req["ksql"].(string)
		w.Write([]byte(`[{"@type":"currentStatus","commandStatus":{"status":"SUCCESS"}}]`))
	}))
	defer srv.Close()

	err := New(srv.URL).Exec(context.Background(), "DROP STREAM IF EXISTS asset_stream_wc1 DELETE TOPIC;")
	if err != nil {
		t.Fatalf("Exec returned error: %s", err)
	}
	if gotPath != "/ksql" {
		t.Errorf("expected /ksql, got %s", gotPath)
	}
	if !strings.HasPrefix(gotStatement, "DROP STREAM") {
		t.Errorf("unexpected statement: %s", gotStatement)
	}
}

func TestInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/info" {
			t.Errorf("expected /info, got %s", r.URL.Path)
		}
		w.Write([]byte(`{"KsqlServerInfo":{"version":"7.5.0"}}`))
	}))
	defer srv.Close()

	if err := New(srv.URL).Info(context.Background()); err != nil {
		t.Fatalf("Info returned error: %s", err)
	}
}

func TestInfoUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	if err := New(srv.URL).Info(context.Background()); err == nil {
		t.Fatal("expected error for closed server")
	}
}

func TestEscapeLiteral(t *testing.T) {
	testCases := []struct {
		in  string
		out string
	}{
		{"wc1", "wc1"},
		{"it's", "it''s"},
		{"'; DROP STREAM x; --", "''; DROP STREAM x; --"},
		{"", ""},
	}

	for _, tc := range testCases {
		if got := EscapeLiteral(tc.in); got != tc.out {
			t.Errorf("EscapeLiteral(%q): expected %q, got %q", tc.in, tc.out, got)
		}
	}
}

func TestParseSchemaColumns(t *testing.T) {
	testCases := []struct {
		schema  string
		columns []string
	}{
		{"`ASSET_UUID` STRING", []string{"ASSET_UUID"}},
		{"`ASSET_UUID` STRING, `ID` STRING", []string{"ASSET_UUID", "ID"}},
		{"`UNS_LEVELS` MAP<STRING, STRING>, `ASSET_UUID` STRING", []string{"UNS_LEVELS", "ASSET_UUID"}},
		{"`GROUP_NAME` STRING", []string{"GROUP_NAME"}},
		{"ID STRING, VALUE STRING", []string{"ID", "VALUE"}},
	}

	for _, tc := range testCases {
		t.Run(tc.schema, func(t *testing.T) {
			if diff := deep.Equal(parseSchemaColumns(tc.schema), tc.columns); diff != nil {
				t.Fatalf("unexpected columns: %v", diff)
			}
		})
	}
}
