package platform

import (
	"context"
	"fmt"
	"net/http"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
	logging "github.com/sirupsen/logrus"

	"github.com/openfactoryio/serving-layer/pkg/config"
)

// swarmAPI is the slice of the Docker engine API the swarm backend uses.
// *client.Client satisfies it; tests substitute a fake.
type swarmAPI interface {
	Info(ctx context.Context) (types.Info, error)
	ServiceCreate(ctx context.Context, service swarm.ServiceSpec, options types.ServiceCreateOptions) (types.ServiceCreateResponse, error)
	ServiceList(ctx context.Context, options types.ServiceListOptions) ([]swarm.Service, error)
	ServiceRemove(ctx context.Context, serviceID string) error
}

// NewDockerClient returns an engine API client configured from the
// environment (DOCKER_HOST etc.), negotiating the API version with the
// daemon.
func NewDockerClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// SwarmPlatform deploys workers and the router as replicated Docker Swarm
// services on a shared overlay network.
type SwarmPlatform struct {
	api  swarmAPI
	cfg  Config
	http *http.Client
	log  *logging.Entry
}

// NewSwarmPlatform verifies that the daemon is reachable, part of a
// swarm, and a manager before returning. A backend that cannot mutate
// cluster state must fail here, before any deployment is attempted.
func NewSwarmPlatform(ctx context.Context, api swarmAPI, cfg Config, log *logging.Entry) (*SwarmPlatform, error) {
	if log == nil {
		log = logging.NewEntry(logging.StandardLogger())
	}

	info, err := api.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}
	if info.Swarm.LocalNodeState != swarm.LocalNodeStateActive {
		return nil, fmt.Errorf("node is not part of a swarm (state %s)", info.Swarm.LocalNodeState)
	}
	if !info.Swarm.ControlAvailable {
		return nil, fmt.Errorf("node %s is not a swarm manager", info.Swarm.NodeID)
	}

	return &SwarmPlatform{
		api:  api,
		cfg:  cfg,
		http: &http.Client{Timeout: readyProbeTimeout},
		log:  log.WithField("platform", "swarm"),
	}, nil
}

// DeployService ensures the group's worker service exists. An already
// deployed service is left untouched.
func (p *SwarmPlatform) DeployService(ctx context.Context, group string) error {
	name := ServiceName(group)
	existing, err := p.findService(ctx, name)
	if err != nil {
		return err
	}
	if existing != nil {
		p.log.Infof("service %s already deployed for group %s", name, group)
		return nil
	}

	var ports []swarm.PortConfig
	if p.cfg.Environment == config.EnvLocal {
		ports = append(ports, publishedPort(uint32(hostPort(p.cfg.GroupPortBase, group))))
	}

	p.log.Infof("deploying service %s for group %s using image %s", name, group, p.cfg.GroupImage)
	spec := p.serviceSpec(name, p.cfg.GroupImage, workerEnv(p.cfg, group), p.cfg.GroupReplicas,
		p.cfg.GroupCPULimit, p.cfg.GroupCPUReservation, ports)
	_, err = p.api.ServiceCreate(ctx, spec, types.ServiceCreateOptions{})
	if err != nil {
		return fmt.Errorf("creating service %s: %w", name, err)
	}
	return nil
}

// RemoveService removes the group's worker service; removing an absent
// service is a no-op.
func (p *SwarmPlatform) RemoveService(ctx context.Context, group string) error {
	name := ServiceName(group)
	existing, err := p.findService(ctx, name)
	if err != nil {
		return err
	}
	if existing == nil {
		p.log.Warnf("service %s not found for group %s", name, group)
		return nil
	}

	p.log.Infof("removing service %s for group %s", name, group)
	if err := p.api.ServiceRemove(ctx, existing.ID); err != nil {
		return fmt.Errorf("removing service %s: %w", name, err)
	}
	return nil
}

// DeployRouter ensures the router frontend service exists, with its port
// published so clients outside the overlay network can reach it.
func (p *SwarmPlatform) DeployRouter(ctx context.Context) error {
	existing, err := p.findService(ctx, RouterName)
	if err != nil {
		return err
	}
	if existing != nil {
		p.log.Infof("router service already deployed")
		return nil
	}

	p.log.Infof("deploying router service using image %s", p.cfg.RouterImage)
	spec := p.serviceSpec(RouterName, p.cfg.RouterImage, routerEnv(p.cfg), p.cfg.RouterReplicas,
		p.cfg.RouterCPULimit, p.cfg.RouterCPUReservation, []swarm.PortConfig{publishedPort(ServicePort)})
	_, err = p.api.ServiceCreate(ctx, spec, types.ServiceCreateOptions{})
	if err != nil {
		return fmt.Errorf("creating router service: %w", err)
	}
	return nil
}

// RemoveRouter removes the router frontend service if present.
func (p *SwarmPlatform) RemoveRouter(ctx context.Context) error {
	existing, err := p.findService(ctx, RouterName)
	if err != nil {
		return err
	}
	if existing == nil {
		p.log.Warnf("router service not found")
		return nil
	}

	p.log.Infof("removing router service")
	if err := p.api.ServiceRemove(ctx, existing.ID); err != nil {
		return fmt.Errorf("removing router service: %w", err)
	}
	return nil
}

// ServiceURL returns the URL clients use to reach the group's worker.
func (p *SwarmPlatform) ServiceURL(group string) string {
	return serviceURL(p.cfg, group)
}

// CheckServiceReady probes the group's worker readiness endpoint.
func (p *SwarmPlatform) CheckServiceReady(ctx context.Context, group string) (bool, string) {
	return probeReady(ctx, p.http, p.ServiceURL(group))
}

// Ready re-checks the constructor preconditions so readiness degrades
// when the node loses its manager role after startup.
func (p *SwarmPlatform) Ready(ctx context.Context) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, readyProbeTimeout)
	defer cancel()

	info, err := p.api.Info(ctx)
	if err != nil {
		return false, fmt.Sprintf("docker daemon unreachable: %s", err)
	}
	if info.Swarm.LocalNodeState != swarm.LocalNodeStateActive {
		return false, fmt.Sprintf("node is not part of a swarm (state %s)", info.Swarm.LocalNodeState)
	}
	if !info.Swarm.ControlAvailable {
		return false, "node is not a swarm manager"
	}
	return true, ""
}

// findService resolves a service by exact name. The name filter matches
// substrings, so results are compared against the wanted name.
func (p *SwarmPlatform) findService(ctx context.Context, name string) (*swarm.Service, error) {
	services, err := p.api.ServiceList(ctx, types.ServiceListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return nil, fmt.Errorf("listing services: %w", err)
	}
	for i := range services {
		if services[i].Spec.Name == name {
			return &services[i], nil
		}
	}
	return nil, nil
}

func (p *SwarmPlatform) serviceSpec(name, image string, env []string, replicas uint64, cpuLimit, cpuReservation float64, ports []swarm.PortConfig) swarm.ServiceSpec {
	spec := swarm.ServiceSpec{
		Annotations: swarm.Annotations{
			Name:   name,
			Labels: map[string]string{"io.openfactory.serving-layer": "true"},
		},
		TaskTemplate: swarm.TaskSpec{
			ContainerSpec: &swarm.ContainerSpec{
				Image: image,
				Env:   env,
			},
			Resources: &swarm.ResourceRequirements{
				Limits:       &swarm.Limit{NanoCPUs: nanoCPUs(cpuLimit)},
				Reservations: &swarm.Resources{NanoCPUs: nanoCPUs(cpuReservation)},
			},
			Networks: []swarm.NetworkAttachmentConfig{{Target: p.cfg.Network}},
		},
		Mode: swarm.ServiceMode{
			Replicated: &swarm.ReplicatedService{Replicas: &replicas},
		},
	}
	if len(ports) > 0 {
		spec.EndpointSpec = &swarm.EndpointSpec{Ports: ports}
	}
	return spec
}

func publishedPort(port uint32) swarm.PortConfig {
	return swarm.PortConfig{
		Protocol:      swarm.PortConfigProtocolTCP,
		TargetPort:    ServicePort,
		PublishedPort: port,
		PublishMode:   swarm.PortConfigPublishModeIngress,
	}
}

// nanoCPUs converts fractional CPUs to the engine's 1e-9 CPU unit.
func nanoCPUs(cpus float64) int64 {
	return int64(cpus * 1e9)
}
