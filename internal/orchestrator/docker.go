package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/gluk-w/clusterlink/internal/config"
	"github.com/gluk-w/clusterlink/internal/logging"
)

// DockerEngine runs cluster nodes as local Docker containers.
type DockerEngine struct {
	client *dockerclient.Client
}

// NewDockerEngine connects to the Docker daemon from the environment, or to
// host when set.
func NewDockerEngine(ctx context.Context, host string) (*DockerEngine, error) {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, dockerclient.WithHost(host))
	}
	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	d := &DockerEngine{client: cli}
	if err := d.Ping(ctx); err != nil {
		cli.Close()
		return nil, err
	}
	logging.Debugf("[orchestrator] docker daemon connected")
	return d, nil
}

// NewDockerProvisioner builds a Provisioner on Docker from settings.
func NewDockerProvisioner(ctx context.Context, s *config.Settings, nodes int, sshPublicKey string) (*Provisioner, error) {
	engine, err := NewDockerEngine(ctx, s.DockerHost)
	if err != nil {
		return nil, err
	}
	return NewProvisioner(engine, Options{
		Image:        s.DockerImage,
		Network:      s.DockerNetwork,
		Nodes:        nodes,
		ServerPort:   s.ServerPort,
		SSHPublicKey: sshPublicKey,
	}), nil
}

func (d *DockerEngine) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

func (d *DockerEngine) EnsureNetwork(ctx context.Context, name string) error {
	if _, err := d.client.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
		return nil
	}
	_, err := d.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{"managed-by": labelManagedBy},
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", name, err)
	}
	logging.Infof("[orchestrator] created docker network %s", name)
	return nil
}

func (d *DockerEngine) EnsureImage(ctx context.Context, img string) error {
	if _, _, err := d.client.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	}
	logging.Infof("[orchestrator] image %s not found locally, pulling", img)
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	return nil
}

func (d *DockerEngine) Inspect(ctx context.Context, name string) (NodeState, error) {
	inspect, err := d.client.ContainerInspect(ctx, name)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return NodeState{}, ErrNotFound
		}
		return NodeState{}, fmt.Errorf("inspect %s: %w", name, err)
	}

	st := NodeState{Name: name}
	if inspect.State != nil {
		st.Status = inspect.State.Status
		st.Running = inspect.State.Running
	}
	if inspect.NetworkSettings != nil {
		for _, ep := range inspect.NetworkSettings.Networks {
			if ep != nil && ep.IPAddress != "" {
				st.IP = ep.IPAddress
				break
			}
		}
	}
	return st, nil
}

func (d *DockerEngine) Create(ctx context.Context, spec NodeSpec) error {
	env := []string{"CLUSTERLINK_NODE_INDEX=" + strconv.Itoa(spec.Index)}
	if spec.SSHPublicKey != "" {
		env = append(env, "SSH_PUBLIC_KEY="+strings.TrimSpace(spec.SSHPublicKey))
	}

	exposed := nat.PortSet{"22/tcp": struct{}{}}
	if spec.ServerPort > 0 {
		exposed[nat.Port(fmt.Sprintf("%d/tcp", spec.ServerPort))] = struct{}{}
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		ExposedPorts: exposed,
		Labels: map[string]string{
			"managed-by": labelManagedBy,
			labelCluster: spec.Cluster,
			labelNode:    strconv.Itoa(spec.Index),
		},
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: spec.NanoCPUs,
			Memory:   spec.MemoryBytes,
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			spec.Network: {},
		},
	}

	if _, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, spec.Name); err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	return nil
}

func (d *DockerEngine) Start(ctx context.Context, name string) error {
	return d.client.ContainerStart(ctx, name, container.StartOptions{})
}

func (d *DockerEngine) Stop(ctx context.Context, name string) error {
	timeout := 30
	return d.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})
}

func (d *DockerEngine) Remove(ctx context.Context, name string) error {
	err := d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if dockerclient.IsErrNotFound(err) {
		return ErrNotFound
	}
	return err
}

func (d *DockerEngine) Close() error {
	return d.client.Close()
}

func parseCPUToNanoCPUs(cpuStr string) int64 {
	if cpuStr == "" {
		return 0
	}
	if strings.HasSuffix(cpuStr, "m") {
		n, _ := strconv.ParseInt(cpuStr[:len(cpuStr)-1], 10, 64)
		return n * 1_000_000
	}
	f, _ := strconv.ParseFloat(cpuStr, 64)
	return int64(f * 1_000_000_000)
}

func parseMemoryToBytes(memStr string) (int64, error) {
	if memStr == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(memStr)
	if err != nil {
		return 0, fmt.Errorf("memory limit %q: %w", memStr, err)
	}
	return n, nil
}

var _ Engine = (*DockerEngine)(nil)
