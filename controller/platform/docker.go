package platform

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	logging "github.com/sirupsen/logrus"

	"github.com/openfactoryio/serving-layer/pkg/config"
)

// dockerAPI is the slice of the Docker engine API the container backend
// uses. *client.Client satisfies it; tests substitute a fake.
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
}

// DockerPlatform deploys workers and the router as plain containers on a
// single engine. Meant for local development and environments where
// orchestration happens elsewhere.
type DockerPlatform struct {
	api  dockerAPI
	cfg  Config
	http *http.Client
	log  *logging.Entry
}

// NewDockerPlatform verifies the engine is reachable before returning.
func NewDockerPlatform(ctx context.Context, api dockerAPI, cfg Config, log *logging.Entry) (*DockerPlatform, error) {
	if log == nil {
		log = logging.NewEntry(logging.StandardLogger())
	}

	if _, err := api.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker engine unreachable: %w", err)
	}

	return &DockerPlatform{
		api:  api,
		cfg:  cfg,
		http: &http.Client{Timeout: readyProbeTimeout},
		log:  log.WithField("platform", "docker"),
	}, nil
}

// DeployService launches the group's worker container. An existing
// container with the worker's name is left untouched.
func (p *DockerPlatform) DeployService(ctx context.Context, group string) error {
	name := ServiceName(group)
	if _, err := p.api.ContainerInspect(ctx, name); err == nil {
		p.log.Infof("container %s already running for group %s", name, group)
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspecting container %s: %w", name, err)
	}

	// In the local environment the worker is reached through a port
	// published on the host; elsewhere it stays internal to the network.
	var bindings nat.PortMap
	if p.cfg.Environment == config.EnvLocal {
		bindings = portBinding(hostPort(p.cfg.GroupPortBase, group))
	}

	p.log.Infof("starting container %s for group %s using image %s", name, group, p.cfg.GroupImage)
	return p.runContainer(ctx, name, p.cfg.GroupImage, workerEnv(p.cfg, group), bindings, p.cfg.GroupCPULimit)
}

// RemoveService stops and removes the group's worker container; an
// absent container is a no-op.
func (p *DockerPlatform) RemoveService(ctx context.Context, group string) error {
	return p.removeContainer(ctx, ServiceName(group))
}

// DeployRouter launches the router frontend with its port always
// published, since clients live outside the container network.
func (p *DockerPlatform) DeployRouter(ctx context.Context) error {
	if _, err := p.api.ContainerInspect(ctx, RouterName); err == nil {
		p.log.Infof("router container already running")
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspecting container %s: %w", RouterName, err)
	}

	p.log.Infof("starting router container using image %s", p.cfg.RouterImage)
	return p.runContainer(ctx, RouterName, p.cfg.RouterImage, routerEnv(p.cfg), portBinding(ServicePort), p.cfg.RouterCPULimit)
}

// RemoveRouter stops and removes the router container if present.
func (p *DockerPlatform) RemoveRouter(ctx context.Context) error {
	return p.removeContainer(ctx, RouterName)
}

// ServiceURL returns the URL clients use to reach the group's worker.
func (p *DockerPlatform) ServiceURL(group string) string {
	return serviceURL(p.cfg, group)
}

// CheckServiceReady probes the group's worker readiness endpoint.
func (p *DockerPlatform) CheckServiceReady(ctx context.Context, group string) (bool, string) {
	return probeReady(ctx, p.http, p.ServiceURL(group))
}

// Ready reports whether the engine still answers.
func (p *DockerPlatform) Ready(ctx context.Context) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, readyProbeTimeout)
	defer cancel()

	if _, err := p.api.Ping(ctx); err != nil {
		return false, fmt.Sprintf("docker engine unreachable: %s", err)
	}
	return true, ""
}

func (p *DockerPlatform) runContainer(ctx context.Context, name, image string, env []string, bindings nat.PortMap, cpuLimit float64) error {
	containerConfig := &container.Config{
		Image:  image,
		Env:    env,
		Labels: map[string]string{"io.openfactory.serving-layer": "true"},
	}
	hostConfig := &container.HostConfig{
		PortBindings: bindings,
		Resources: container.Resources{
			// Microseconds of CPU per 100ms period.
			CPUQuota:  int64(100000 * cpuLimit),
			CPUPeriod: 100000,
		},
	}
	networkingConfig := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			p.cfg.Network: {},
		},
	}

	created, err := p.api.ContainerCreate(ctx, containerConfig, hostConfig, networkingConfig, nil, name)
	if err != nil {
		return fmt.Errorf("creating container %s: %w", name, err)
	}
	if err := p.api.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", name, err)
	}
	return nil
}

func (p *DockerPlatform) removeContainer(ctx context.Context, name string) error {
	inspected, err := p.api.ContainerInspect(ctx, name)
	if errdefs.IsNotFound(err) {
		p.log.Warnf("container %s not found", name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspecting container %s: %w", name, err)
	}

	p.log.Infof("removing container %s", name)
	if err := p.api.ContainerStop(ctx, inspected.ID, container.StopOptions{}); err != nil {
		return fmt.Errorf("stopping container %s: %w", name, err)
	}
	if err := p.api.ContainerRemove(ctx, inspected.ID, types.ContainerRemoveOptions{}); err != nil {
		return fmt.Errorf("removing container %s: %w", name, err)
	}
	return nil
}

// portBinding publishes the service port on the given host port.
func portBinding(host int) nat.PortMap {
	port := nat.Port(fmt.Sprintf("%d/tcp", ServicePort))
	return nat.PortMap{
		port: []nat.PortBinding{{HostPort: strconv.Itoa(host)}},
	}
}
