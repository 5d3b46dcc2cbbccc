// Package routing is the serving-layer control plane. It materializes one
// derived stream and one worker deployment per asset group, resolves assets
// to the worker serving their group, and aggregates readiness across the
// pieces it provisioned.
package routing

import (
	"context"
	"fmt"
	"sort"
	"sync"

	logging "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/openfactoryio/serving-layer/pkg/config"
)

// GroupingStrategy partitions assets into groups and manages the derived
// stream feeding each group's worker.
type GroupingStrategy interface {
	GroupForAsset(ctx context.Context, assetUUID string) (string, error)
	AllGroups(ctx context.Context) ([]string, error)
	AssetsInGroup(ctx context.Context, group string) ([]string, error)
	CreateDerivedStream(ctx context.Context, group string) error
	RemoveDerivedStream(ctx context.Context, group string) error
	Ready(ctx context.Context) (bool, string)
}

// DeploymentPlatform provisions group workers and the router frontend on
// the container infrastructure.
type DeploymentPlatform interface {
	DeployService(ctx context.Context, group string) error
	RemoveService(ctx context.Context, group string) error
	DeployRouter(ctx context.Context) error
	RemoveRouter(ctx context.Context) error
	ServiceURL(group string) string
	CheckServiceReady(ctx context.Context, group string) (bool, string)
	Ready(ctx context.Context) (bool, string)
}

// WorkerState tracks a group worker through its deployment lifecycle.
type WorkerState int

const (
	WorkerProvisioning WorkerState = iota
	WorkerReady
	WorkerFailed
	WorkerRemoved
)

func (s WorkerState) String() string {
	switch s {
	case WorkerProvisioning:
		return "provisioning"
	case WorkerReady:
		return "ready"
	case WorkerFailed:
		return "failed"
	case WorkerRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// WorkerHandle is the last known deployment state of a group's worker.
type WorkerHandle struct {
	Group string
	URL   string
	State WorkerState
}

// Config collects the Controller's collaborators and policy knobs.
type Config struct {
	Grouping GroupingStrategy
	Platform DeploymentPlatform
	// Mode selects when workers are provisioned: eager deploys every
	// known group up front, lazy deploys a group the first time one of
	// its assets is resolved.
	Mode        string
	Environment string
	Log         *logging.Entry
}

// Controller owns the group → worker topology.
type Controller struct {
	grouping GroupingStrategy
	platform DeploymentPlatform
	lazy     bool
	local    bool
	log      *logging.Entry

	deploys singleflight.Group

	mu      sync.Mutex
	workers map[string]WorkerHandle
}

// NewController builds a Controller; it performs no provisioning itself.
func NewController(cfg Config) *Controller {
	log := cfg.Log
	if log == nil {
		log = logging.NewEntry(logging.StandardLogger())
	}

	return &Controller{
		grouping: cfg.Grouping,
		platform: cfg.Platform,
		lazy:     cfg.Mode == config.RoutingLazy,
		local:    cfg.Environment == config.EnvLocal,
		log:      log.WithField("component", "routing-controller"),
		workers:  map[string]WorkerHandle{},
	}
}

// Deploy provisions one derived stream and one worker per known group,
// then the router frontend. The derived stream is always created before
// its worker so the worker's consumer finds the topic on first poll. In
// the local environment the router is not deployed; clients reach workers
// through their published host ports instead.
func (c *Controller) Deploy(ctx context.Context) error {
	groups, err := c.grouping.AllGroups(ctx)
	if err != nil {
		return fmt.Errorf("listing groups: %w", err)
	}

	c.log.Infof("deploying %d groups", len(groups))
	for _, group := range groups {
		if err := c.deployGroup(ctx, group); err != nil {
			return err
		}
	}

	if c.local {
		c.log.Info("local environment, skipping router deployment")
		return nil
	}
	if err := c.platform.DeployRouter(ctx); err != nil {
		return fmt.Errorf("deploying router: %w", err)
	}
	return nil
}

// Teardown removes every group's worker and derived stream, then the
// router. Within a group the worker goes first so no consumer is left
// polling a dropped topic.
func (c *Controller) Teardown(ctx context.Context) error {
	groups, err := c.grouping.AllGroups(ctx)
	if err != nil {
		return fmt.Errorf("listing groups: %w", err)
	}

	c.log.Infof("tearing down %d groups", len(groups))
	for _, group := range groups {
		if err := c.platform.RemoveService(ctx, group); err != nil {
			return fmt.Errorf("removing service for group %s: %w", group, err)
		}
		if err := c.grouping.RemoveDerivedStream(ctx, group); err != nil {
			return fmt.Errorf("removing derived stream for group %s: %w", group, err)
		}
		c.setWorker(group, WorkerRemoved)
	}

	if c.local {
		return nil
	}
	if err := c.platform.RemoveRouter(ctx); err != nil {
		return fmt.Errorf("removing router: %w", err)
	}
	return nil
}

// Resolve maps an asset to the URL of the worker serving its group. The
// empty URL means no group is mapped for the asset. In lazy mode the
// first resolve of a cold group provisions its stream and worker.
func (c *Controller) Resolve(ctx context.Context, assetUUID string) (string, error) {
	group, err := c.grouping.GroupForAsset(ctx, assetUUID)
	if err != nil {
		return "", err
	}
	if group == "" {
		c.log.Warnf("could not determine group for asset %s", assetUUID)
		return "", nil
	}
	c.log.Debugf("asset %s is in group %s", assetUUID, group)

	if c.lazy && !c.workerReady(group) {
		if err := c.ensureGroup(ctx, group); err != nil {
			return "", err
		}
	}

	return c.platform.ServiceURL(group), nil
}

// IsReady aggregates the readiness of the grouping strategy, the
// deployment platform, and the group workers. Ready iff the issue map
// comes back empty.
//
// Workers provisioned by this process are probed through their tracked
// state. In eager mode the fleet usually comes up in another process
// (the CLI), so untracked groups reported by the strategy are probed
// directly against the platform as well.
func (c *Controller) IsReady(ctx context.Context) (bool, map[string]string) {
	issues := map[string]string{}

	if ok, reason := c.grouping.Ready(ctx); !ok {
		issues["grouping_strategy"] = reason
	}
	if ok, reason := c.platform.Ready(ctx); !ok {
		issues["deployment_platform"] = reason
	}

	tracked := map[string]bool{}
	for _, handle := range c.Workers() {
		tracked[handle.Group] = true
		if handle.State == WorkerRemoved {
			continue
		}
		if handle.State != WorkerReady {
			issues["service:"+handle.Group] = fmt.Sprintf("worker is %s", handle.State)
			continue
		}
		if ok, reason := c.platform.CheckServiceReady(ctx, handle.Group); !ok {
			issues["service:"+handle.Group] = reason
		}
	}

	if !c.lazy {
		groups, err := c.grouping.AllGroups(ctx)
		if err != nil {
			if _, ok := issues["grouping_strategy"]; !ok {
				issues["grouping_strategy"] = fmt.Sprintf("listing groups: %s", err)
			}
		}
		for _, group := range groups {
			if tracked[group] {
				continue
			}
			if ok, reason := c.platform.CheckServiceReady(ctx, group); !ok {
				issues["service:"+group] = reason
			}
		}
	}

	return len(issues) == 0, issues
}

// Groups lists the asset groups known to the grouping strategy.
func (c *Controller) Groups(ctx context.Context) ([]string, error) {
	return c.grouping.AllGroups(ctx)
}

// Lazy reports whether the controller provisions workers on demand.
func (c *Controller) Lazy() bool {
	return c.lazy
}

// Workers returns a snapshot of the tracked worker handles ordered by
// group name.
func (c *Controller) Workers() []WorkerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()

	handles := make([]WorkerHandle, 0, len(c.workers))
	for _, h := range c.workers {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].Group < handles[j].Group })
	return handles
}

func (c *Controller) deployGroup(ctx context.Context, group string) error {
	c.setWorker(group, WorkerProvisioning)

	if err := c.grouping.CreateDerivedStream(ctx, group); err != nil {
		c.setWorker(group, WorkerFailed)
		return fmt.Errorf("creating derived stream for group %s: %w", group, err)
	}
	if err := c.platform.DeployService(ctx, group); err != nil {
		c.setWorker(group, WorkerFailed)
		return fmt.Errorf("deploying service for group %s: %w", group, err)
	}

	c.setWorker(group, WorkerReady)

	assets, err := c.grouping.AssetsInGroup(ctx, group)
	if err != nil {
		c.log.Debugf("could not list assets for group %s: %s", group, err)
		return nil
	}
	c.log.Infof("group %s serves %d assets at %s", group, len(assets), c.platform.ServiceURL(group))
	return nil
}

// ensureGroup provisions a cold group at most once even when many
// resolves race on it; concurrent callers share the in-flight deploy.
func (c *Controller) ensureGroup(ctx context.Context, group string) error {
	_, err, _ := c.deploys.Do(group, func() (interface{}, error) {
		if c.workerReady(group) {
			return nil, nil
		}
		return nil, c.deployGroup(ctx, group)
	})
	return err
}

func (c *Controller) workerReady(group string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.workers[group]
	return ok && h.State == WorkerReady
}

func (c *Controller) setWorker(group string, state WorkerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workers[group] = WorkerHandle{Group: group, URL: c.platform.ServiceURL(group), State: state}
}
