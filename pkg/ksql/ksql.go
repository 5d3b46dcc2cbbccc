// Package ksql implements a minimal client for the ksqlDB REST API,
// covering the three interactions the serving layer needs: pull queries
// against materialized tables (POST /query), DDL statements for derived
// streams (POST /ksql), and a server reachability probe (GET /info).
package ksql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// MediaType is the ksqlDB v1 REST content type.
	MediaType = "application/vnd.ksql.v1+json"

	defaultTimeout = 5 * time.Second
)

// ErrNoRows is returned by QueryRow when the query matched nothing.
var ErrNoRows = errors.New("ksql: no rows in result set")

// Row maps column names to values. ksqlDB upper-cases unquoted
// identifiers, so keys are upper-case ("ASSET_UUID", "ID", ...).
type Row map[string]interface{}

// String returns the named column as a string, or "" when the column is
// absent, null, or not a string.
func (r Row) String(column string) string {
	if v, ok := r[column].(string); ok {
		return v
	}
	return ""
}

// Client talks to one ksqlDB server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a Client for the ksqlDB server at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

type request struct {
	KSQL              string            `json:"ksql"`
	StreamsProperties map[string]string `json:"streamsProperties,omitempty"`
}

// Query runs a pull query and returns all result rows. An empty result is
// a nil error with an empty slice; transport and server errors are wrapped.
func (c *Client) Query(ctx context.Context, sql string) ([]Row, error) {
	body, err := c.post(ctx, "/query", sql)
	if err != nil {
		return nil, err
	}

	var envelope []json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("ksql: malformed query response: %w", err)
	}
	if len(envelope) == 0 {
		return nil, errors.New("ksql: empty query response")
	}

	var header struct {
		Header struct {
			Schema string `json:"schema"`
		} `json:"header"`
	}
	if err := json.Unmarshal(envelope[0], &header); err != nil {
		return nil, fmt.Errorf("ksql: malformed query header: %w", err)
	}
	columns := parseSchemaColumns(header.Header.Schema)

	rows := make([]Row, 0, len(envelope)-1)
	for _, raw := range envelope[1:] {
		var entry struct {
			Row *struct {
				Columns []interface{} `json:"columns"`
			} `json:"row"`
			ErrorMessage *struct {
				Message string `json:"message"`
			} `json:"errorMessage"`
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("ksql: malformed query row: %w", err)
		}
		if entry.ErrorMessage != nil {
			return nil, fmt.Errorf("ksql: query failed mid-stream: %s", entry.ErrorMessage.Message)
		}
		if entry.Row == nil {
			// finalMessage or other trailer
			continue
		}
		row := make(Row, len(columns))
		for i, v := range entry.Row.Columns {
			if i < len(columns) {
				row[columns[i]] = v
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// QueryRow runs a pull query expected to match at most one row and returns
// it, or ErrNoRows.
func (c *Client) QueryRow(ctx context.Context, sql string) (Row, error) {
	rows, err := c.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	return rows[0], nil
}

// Exec runs a DDL/DML statement (CREATE STREAM, DROP STREAM, ...).
func (c *Client) Exec(ctx context.Context, sql string) error {
	_, err := c.post(ctx, "/ksql", sql)
	return err
}

// Info probes the server; a nil error means ksqlDB answered GET /info.
func (c *Client) Info(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/info", nil)
	if err != nil {
		return err
	}
	rsp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ksql: server unreachable: %w", err)
	}
	defer rsp.Body.Close()
	io.Copy(io.Discard, rsp.Body)

	if rsp.StatusCode != http.StatusOK {
		return fmt.Errorf("ksql: unexpected /info response: %s", rsp.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path, sql string) ([]byte, error) {
	payload, err := json.Marshal(request{KSQL: sql})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", MediaType)
	req.Header.Set("Accept", MediaType)

	rsp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ksql: server unreachable: %w", err)
	}
	defer rsp.Body.Close()

	body, err := io.ReadAll(rsp.Body)
	if err != nil {
		return nil, fmt.Errorf("ksql: reading response: %w", err)
	}

	if rsp.StatusCode != http.StatusOK {
		var serverErr struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &serverErr) == nil && serverErr.Message != "" {
			return nil, fmt.Errorf("ksql: %s: %s", rsp.Status, serverErr.Message)
		}
		return nil, fmt.Errorf("ksql: unexpected response: %s", rsp.Status)
	}
	return body, nil
}

// EscapeLiteral escapes a value for interpolation into a single-quoted
// ksqlDB string literal by doubling every single quote.
func EscapeLiteral(value string) string {
	return strings.ReplaceAll(value, "'", "''")
}

// parseSchemaColumns extracts the column names from a ksqlDB header schema
// such as "`ASSET_UUID` STRING, `UNS_LEVELS` MAP<STRING, STRING>". Commas
// inside type parameters do not split columns.
func parseSchemaColumns(schema string) []string {
	var columns []string
	depth := 0
	start := 0
	flush := func(segment string) {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			return
		}
		if i := strings.IndexByte(segment, '`'); i >= 0 {
			if j := strings.IndexByte(segment[i+1:], '`'); j >= 0 {
				columns = append(columns, segment[i+1:i+1+j])
				return
			}
		}
		// Unquoted identifier; take the first token.
		columns = append(columns, strings.Fields(segment)[0])
	}
	for i := 0; i < len(schema); i++ {
		switch schema[i] {
		case '<':
			depth++
		case '>':
			depth--
		case ',':
			if depth == 0 {
				flush(schema[start:i])
				start = i + 1
			}
		}
	}
	flush(schema[start:])
	return columns
}
