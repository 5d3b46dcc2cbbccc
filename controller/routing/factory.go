package routing

import (
	"context"
	"fmt"

	logging "github.com/sirupsen/logrus"

	"github.com/openfactoryio/serving-layer/controller/grouping"
	"github.com/openfactoryio/serving-layer/controller/platform"
	"github.com/openfactoryio/serving-layer/pkg/config"
	"github.com/openfactoryio/serving-layer/pkg/ksql"
)

// FromSettings wires a Controller from the shared environment settings: a
// ksqlDB-backed UNS-level grouping strategy plus the configured deployment
// backend. The CLI and the router frontend both build their controller
// through here.
func FromSettings(ctx context.Context, s *config.Settings, log *logging.Entry) (*Controller, error) {
	if log == nil {
		log = logging.NewEntry(logging.StandardLogger())
	}

	strategy := grouping.NewUNSLevelStrategy(ksql.New(s.KSQLDBURL), grouping.UNSLevelConfig{
		Level:        s.GroupingStrategy,
		UNSMap:       s.KSQLDBUNSMap,
		AssetsStream: s.KSQLDBAssetsStream,
		Log:          log,
	})

	docker, err := platform.NewDockerClient()
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	var backend DeploymentPlatform
	switch s.DeploymentPlatform {
	case config.PlatformDocker:
		backend, err = platform.NewDockerPlatform(ctx, docker, platform.FromSettings(*s), log)
	default:
		backend, err = platform.NewSwarmPlatform(ctx, docker, platform.FromSettings(*s), log)
	}
	if err != nil {
		return nil, err
	}

	return NewController(Config{
		Grouping:    strategy,
		Platform:    backend,
		Mode:        s.RoutingMode,
		Environment: s.Environment,
		Log:         log,
	}), nil
}
