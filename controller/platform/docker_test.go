package platform

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/go-test/deep"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	logging "github.com/sirupsen/logrus"

	"github.com/openfactoryio/serving-layer/pkg/config"
)

type createdContainer struct {
	name       string
	config     *container.Config
	host       *container.HostConfig
	networking *network.NetworkingConfig
}

type fakeDockerAPI struct {
	pingErr error

	mu         sync.Mutex
	containers map[string]string
	created    []createdContainer
	started    []string
	stopped    []string
	removed    []string
}

func newFakeDockerAPI() *fakeDockerAPI {
	return &fakeDockerAPI{containers: map[string]string{}}
}

func (f *fakeDockerAPI) Ping(_ context.Context) (types.Ping, error) {
	return types.Ping{}, f.pingErr
}

func (f *fakeDockerAPI) ContainerInspect(_ context.Context, containerID string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.containers[containerID]
	if !ok {
		return types.ContainerJSON{}, errdefs.NotFound(errors.New("no such container"))
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{ID: id, Name: "/" + containerID},
	}, nil
}

func (f *fakeDockerAPI) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, _ *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, createdContainer{
		name:       containerName,
		config:     config,
		host:       hostConfig,
		networking: networkingConfig,
	})
	id := fmt.Sprintf("ctr-%d", len(f.created))
	f.containers[containerName] = id
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDockerAPI) ContainerStart(_ context.Context, containerID string, _ types.ContainerStartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, containerID)
	return nil
}

func (f *fakeDockerAPI) ContainerStop(_ context.Context, containerID string, _ container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, containerID)
	return nil
}

func (f *fakeDockerAPI) ContainerRemove(_ context.Context, containerID string, _ types.ContainerRemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	for name, id := range f.containers {
		if id == containerID {
			delete(f.containers, name)
		}
	}
	return nil
}

func newDockerPlatform(t *testing.T, fake *fakeDockerAPI, cfg Config) *DockerPlatform {
	t.Helper()
	p, err := NewDockerPlatform(context.Background(), fake, cfg, logging.WithField("test", t.Name()))
	if err != nil {
		t.Fatalf("unexpected constructor error: %s", err)
	}
	return p
}

func TestNewDockerPlatformRequiresEngine(t *testing.T) {
	fake := newFakeDockerAPI()
	fake.pingErr = fmt.Errorf("connection refused")

	_, err := NewDockerPlatform(context.Background(), fake, testConfig(), logging.WithField("test", t.Name()))
	if err == nil {
		t.Fatal("expected a constructor error")
	}
	if !strings.Contains(err.Error(), "docker engine unreachable") {
		t.Fatalf("unexpected error: %s", err)
	}
}

func TestDockerDeployService(t *testing.T) {
	fake := newFakeDockerAPI()
	cfg := testConfig()
	p := newDockerPlatform(t, fake, cfg)

	if err := p.DeployService(context.Background(), "weld"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if len(fake.created) != 1 {
		t.Fatalf("expected 1 created container, got %d", len(fake.created))
	}
	ctr := fake.created[0]
	if ctr.name != "stream-api-group-weld" {
		t.Fatalf("unexpected container name: %s", ctr.name)
	}
	if ctr.config.Image != cfg.GroupImage {
		t.Fatalf("unexpected image: %s", ctr.config.Image)
	}
	if diff := deep.Equal(ctr.config.Env, workerEnv(cfg, "weld")); diff != nil {
		t.Fatalf("unexpected env: %v", diff)
	}
	// Outside the local environment no host port is bound.
	if len(ctr.host.PortBindings) != 0 {
		t.Fatalf("unexpected port bindings: %v", ctr.host.PortBindings)
	}
	if got := ctr.host.Resources.CPUQuota; got != 100000 {
		t.Fatalf("unexpected CPU quota: %d", got)
	}
	if got := ctr.host.Resources.CPUPeriod; got != 100000 {
		t.Fatalf("unexpected CPU period: %d", got)
	}
	if _, ok := ctr.networking.EndpointsConfig[cfg.Network]; !ok {
		t.Fatalf("container not attached to %s", cfg.Network)
	}
	if diff := deep.Equal(fake.started, []string{"ctr-1"}); diff != nil {
		t.Fatalf("unexpected starts: %v", diff)
	}
}

func TestDockerDeployServiceLocalBindsHostPort(t *testing.T) {
	fake := newFakeDockerAPI()
	cfg := testConfig()
	cfg.Environment = config.EnvLocal
	p := newDockerPlatform(t, fake, cfg)

	if err := p.DeployService(context.Background(), "weld"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	bindings := fake.created[0].host.PortBindings[nat.Port("5555/tcp")]
	if len(bindings) != 1 {
		t.Fatalf("expected one host binding, got %v", bindings)
	}
	if got, want := bindings[0].HostPort, strconv.Itoa(hostPort(cfg.GroupPortBase, "weld")); got != want {
		t.Fatalf("expected host port %s, got %s", want, got)
	}
}

func TestDockerDeployServiceIdempotent(t *testing.T) {
	fake := newFakeDockerAPI()
	fake.containers["stream-api-group-weld"] = "ctr-0"
	p := newDockerPlatform(t, fake, testConfig())

	if err := p.DeployService(context.Background(), "weld"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(fake.created) != 0 || len(fake.started) != 0 {
		t.Fatalf("expected no new container, got %v", fake.created)
	}
}

func TestDockerRemoveService(t *testing.T) {
	fake := newFakeDockerAPI()
	fake.containers["stream-api-group-weld"] = "ctr-0"
	p := newDockerPlatform(t, fake, testConfig())

	if err := p.RemoveService(context.Background(), "weld"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if diff := deep.Equal(fake.stopped, []string{"ctr-0"}); diff != nil {
		t.Fatalf("unexpected stops: %v", diff)
	}
	if diff := deep.Equal(fake.removed, []string{"ctr-0"}); diff != nil {
		t.Fatalf("unexpected removals: %v", diff)
	}

	// Removing an absent container is a no-op.
	if err := p.RemoveService(context.Background(), "weld"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(fake.removed) != 1 {
		t.Fatalf("expected no further removals, got %v", fake.removed)
	}
}

func TestDockerDeployRouter(t *testing.T) {
	fake := newFakeDockerAPI()
	cfg := testConfig()
	p := newDockerPlatform(t, fake, cfg)

	if err := p.DeployRouter(context.Background()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	ctr := fake.created[0]
	if ctr.name != RouterName {
		t.Fatalf("unexpected container name: %s", ctr.name)
	}
	if diff := deep.Equal(ctr.config.Env, routerEnv(cfg)); diff != nil {
		t.Fatalf("unexpected env: %v", diff)
	}
	// The router port is always published.
	bindings := ctr.host.PortBindings[nat.Port("5555/tcp")]
	if len(bindings) != 1 || bindings[0].HostPort != "5555" {
		t.Fatalf("unexpected router bindings: %v", bindings)
	}
}

func TestDockerReady(t *testing.T) {
	fake := newFakeDockerAPI()
	p := newDockerPlatform(t, fake, testConfig())

	if ready, reason := p.Ready(context.Background()); !ready || reason != "" {
		t.Fatalf("expected ready, got %v (%s)", ready, reason)
	}

	fake.pingErr = fmt.Errorf("connection refused")
	if ready, reason := p.Ready(context.Background()); ready || !strings.Contains(reason, "unreachable") {
		t.Fatalf("expected an engine reason, got %v (%s)", ready, reason)
	}
}
