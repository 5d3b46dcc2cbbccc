package stream

import (
	"context"
	"fmt"

	"github.com/openfactoryio/serving-layer/pkg/ksql"
)

// DataItem is one snapshot row from the assets projection.
type DataItem struct {
	ID        string `json:"id"`
	Value     string `json:"value"`
	Type      string `json:"type"`
	Tag       string `json:"tag"`
	Timestamp string `json:"timestamp"`
}

// KSQLStateStore implements StateQuerier with pull queries against a
// ksqlDB table keyed by "{asset_uuid}|{id}". No caching: every request
// reads the latest projected value.
type KSQLStateStore struct {
	client *ksql.Client
	table  string
}

// NewKSQLStateStore returns a store reading from the named table.
func NewKSQLStateStore(client *ksql.Client, table string) *KSQLStateStore {
	return &KSQLStateStore{client: client, table: table}
}

// DataItem returns the latest value of one data item, or ksql.ErrNoRows.
func (s *KSQLStateStore) DataItem(ctx context.Context, assetUUID, id string) (*DataItem, error) {
	compositeKey := fmt.Sprintf("%s|%s", assetUUID, id)
	query := fmt.Sprintf(
		"SELECT asset_uuid, id, value, type, tag, timestamp FROM %s WHERE key = '%s' LIMIT 1;",
		s.table, ksql.EscapeLiteral(compositeKey),
	)

	row, err := s.client.QueryRow(ctx, query)
	if err != nil {
		return nil, err
	}
	item := rowToDataItem(row)
	return &item, nil
}

// DataItems returns the latest value of every data item of an asset, or
// ksql.ErrNoRows when the asset is unknown.
func (s *KSQLStateStore) DataItems(ctx context.Context, assetUUID string) ([]DataItem, error) {
	query := fmt.Sprintf(
		"SELECT asset_uuid, id, value, type, tag, timestamp FROM %s WHERE asset_uuid = '%s' LIMIT 100;",
		s.table, ksql.EscapeLiteral(assetUUID),
	)

	rows, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ksql.ErrNoRows
	}

	items := make([]DataItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, rowToDataItem(row))
	}
	return items, nil
}

func rowToDataItem(row ksql.Row) DataItem {
	return DataItem{
		ID:        row.String("ID"),
		Value:     row.String("VALUE"),
		Type:      row.String("TYPE"),
		Tag:       row.String("TAG"),
		Timestamp: row.String("TIMESTAMP"),
	}
}
