// Package grouping assigns assets to serving groups and manages the
// per-group derived streams in ksqlDB.
package grouping

import (
	"context"
	"errors"
	"fmt"
	"time"

	cache "github.com/patrickmn/go-cache"
	logging "github.com/sirupsen/logrus"

	"github.com/openfactoryio/serving-layer/pkg/ksql"
)

const (
	// DefaultCacheTTL bounds how stale an asset-to-group lookup may be.
	DefaultCacheTTL = 30 * time.Second

	readyProbeTimeout = 2 * time.Second
)

// UNSLevelConfig parameterizes a UNSLevelStrategy.
type UNSLevelConfig struct {
	// Level is the UNS hierarchy level used as the grouping key, e.g.
	// "workcenter" or "area".
	Level string
	// UNSMap is the ksqlDB table mapping assets to their UNS levels.
	UNSMap string
	// AssetsStream is the enriched stream the derived streams select from.
	AssetsStream string
	// CacheTTL overrides DefaultCacheTTL when positive.
	CacheTTL time.Duration
	Log      *logging.Entry
}

// UNSLevelStrategy groups assets by one UNS level. Group membership is
// read from the UNS map table; derived streams are created as filtered
// joins against it. All interpolated literals are escaped by quote
// doubling, and the level is escaped once at construction.
type UNSLevelStrategy struct {
	client       *ksql.Client
	level        string
	unsMap       string
	assetsStream string
	groups       *cache.Cache
	log          *logging.Entry
}

// NewUNSLevelStrategy returns a strategy reading group membership through
// client.
func NewUNSLevelStrategy(client *ksql.Client, cfg UNSLevelConfig) *UNSLevelStrategy {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Log == nil {
		cfg.Log = logging.NewEntry(logging.StandardLogger())
	}
	return &UNSLevelStrategy{
		client:       client,
		level:        ksql.EscapeLiteral(cfg.Level),
		unsMap:       cfg.UNSMap,
		assetsStream: cfg.AssetsStream,
		groups:       cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		log:          cfg.Log.WithField("level", cfg.Level),
	}
}

// GroupForAsset returns the group the asset belongs to, or "" when the
// asset is unknown or carries no value at the grouping level. Positive
// lookups are cached for the TTL; misses are not, so an asset appearing
// in the UNS map becomes routable immediately.
func (s *UNSLevelStrategy) GroupForAsset(ctx context.Context, assetUUID string) (string, error) {
	if group, ok := s.groups.Get(assetUUID); ok {
		return group.(string), nil
	}

	query := fmt.Sprintf(
		"SELECT UNS_LEVELS['%s'] AS group_name FROM %s WHERE asset_uuid = '%s';",
		s.level, s.unsMap, ksql.EscapeLiteral(assetUUID),
	)
	row, err := s.client.QueryRow(ctx, query)
	if errors.Is(err, ksql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	group := row.String("GROUP_NAME")
	if group != "" {
		s.groups.SetDefault(assetUUID, group)
	}
	return group, nil
}

// AllGroups returns every group name currently present at the grouping
// level, deduplicated and with null levels dropped. Groups without assets
// do not appear.
func (s *UNSLevelStrategy) AllGroups(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf("SELECT UNS_LEVELS['%s'] AS group_name FROM %s;", s.level, s.unsMap)
	rows, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var groups []string
	for _, row := range rows {
		group := row.String("GROUP_NAME")
		if group == "" || seen[group] {
			continue
		}
		seen[group] = true
		groups = append(groups, group)
	}
	return groups, nil
}

// AssetsInGroup returns the UUIDs of every asset in the group.
func (s *UNSLevelStrategy) AssetsInGroup(ctx context.Context, group string) ([]string, error) {
	query := fmt.Sprintf(
		"SELECT asset_uuid FROM %s WHERE UNS_LEVELS['%s'] = '%s';",
		s.unsMap, s.level, ksql.EscapeLiteral(group),
	)
	rows, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var assets []string
	for _, row := range rows {
		uuid := row.String("ASSET_UUID")
		if uuid == "" || seen[uuid] {
			continue
		}
		seen[uuid] = true
		assets = append(assets, uuid)
	}
	return assets, nil
}

// StreamName returns the derived stream name for a group; its backing
// topic is "<stream>_topic".
func StreamName(group string) string {
	return "asset_stream_" + group
}

// TopicName returns the bus topic the group's derived stream writes to.
func TopicName(group string) string {
	return StreamName(group) + "_topic"
}

// ConsumerGroupName returns the bus consumer group the group's workers
// share, so replicas split partitions instead of double-delivering.
func ConsumerGroupName(group string) string {
	return StreamName(group) + "_consumer_group"
}

// CreateDerivedStream ensures the group's derived stream exists: a
// persistent query joining the enriched assets stream against the UNS map
// and keeping only the group's assets. IF NOT EXISTS makes it idempotent.
func (s *UNSLevelStrategy) CreateDerivedStream(ctx context.Context, group string) error {
	statement := fmt.Sprintf(
		"CREATE STREAM IF NOT EXISTS %s WITH (KAFKA_TOPIC='%s', VALUE_FORMAT='JSON') AS "+
			"SELECT s.* FROM %s s JOIN %s h ON s.asset_uuid = h.asset_uuid "+
			"WHERE h.uns_levels['%s'] = '%s';",
		StreamName(group), TopicName(group), s.assetsStream, s.unsMap,
		s.level, ksql.EscapeLiteral(group),
	)
	s.log.WithField("group", group).Infof("creating derived stream: %s", statement)
	return s.client.Exec(ctx, statement)
}

// RemoveDerivedStream drops the group's derived stream and its backing
// topic. IF EXISTS makes removal of an absent stream a no-op.
func (s *UNSLevelStrategy) RemoveDerivedStream(ctx context.Context, group string) error {
	statement := fmt.Sprintf("DROP STREAM IF EXISTS %s DELETE TOPIC;", StreamName(group))
	s.log.WithField("group", group).Infof("removing derived stream: %s", statement)
	return s.client.Exec(ctx, statement)
}

// Ready probes ksqlDB reachability. The reason is "" when ready.
func (s *UNSLevelStrategy) Ready(ctx context.Context) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, readyProbeTimeout)
	defer cancel()
	if err := s.client.Info(ctx); err != nil {
		return false, err.Error()
	}
	return true, ""
}
