package podapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/docker/cli/opts"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	docker "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const containerVolumeDir = "/workspace"
const pollingInterval = 500 * time.Millisecond
const containerTimeout = 2 * time.Minute
const containerRemoveTimeout = 30 * time.Second
const containerCreatorLabel = "creator"
const containerCreator = "comfy-pod-mock"
const gpuCheckImage = "nvidia/cuda:11.8.0-base-ubuntu22.04"

var ErrContainerNotFound = errors.New("container not found")

// DockerClient is the subset of the Docker engine API the runtime uses.
type DockerClient interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// ContainerSpec describes the container backing one pod.
type ContainerSpec struct {
	PodID string
	Name  string
	Image string
	Env   map[string]string
}

// ContainerInfo is what the registry needs to know about a started container.
type ContainerInfo struct {
	ID string
	// HostPort is the host port the sidecar port was published on.
	HostPort string
}

type DockerRuntimeConfig struct {
	// SidecarPort is the container port to publish, e.g. "8189".
	SidecarPort string
	// ModelsPath is bind-mounted at /workspace when it exists.
	ModelsPath string
}

// DockerRuntime runs pod containers on the local Docker engine.
type DockerRuntime struct {
	sidecarPort nat.Port
	modelsPath  string

	dockerClient DockerClient

	gpuOnce   sync.Once
	gpuResult bool
}

func NewDockerRuntime(cfg DockerRuntimeConfig) (*DockerRuntime, error) {
	dockerClient, err := docker.NewClientWithOpts(docker.FromEnv, docker.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), containerTimeout)
	defer cancel()
	if err := removeExistingContainers(ctx, dockerClient); err != nil {
		return nil, err
	}

	return newDockerRuntime(cfg, dockerClient), nil
}

func newDockerRuntime(cfg DockerRuntimeConfig, client DockerClient) *DockerRuntime {
	return &DockerRuntime{
		sidecarPort:  nat.Port(cfg.SidecarPort + "/tcp"),
		modelsPath:   cfg.ModelsPath,
		dockerClient: client,
	}
}

func (d *DockerRuntime) Start(ctx context.Context, spec ContainerSpec) (*ContainerInfo, error) {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return nil, err
	}

	env := []string{"POD_ID=" + spec.PodID, "RUNPOD_POD_ID=" + spec.PodID}
	for k, v := range spec.Env {
		if k == "POD_ID" || k == "RUNPOD_POD_ID" {
			continue
		}
		env = append(env, k+"="+v)
	}

	containerConfig := &container.Config{
		Image: spec.Image,
		Env:   env,
		ExposedPorts: nat.PortSet{
			d.sidecarPort: struct{}{},
		},
		Labels: map[string]string{
			containerCreatorLabel: containerCreator,
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			// Empty host port lets the engine pick one.
			d.sidecarPort: []nat.PortBinding{{HostIP: "0.0.0.0"}},
		},
	}
	if d.modelsPath != "" {
		if _, err := os.Stat(d.modelsPath); err == nil {
			hostConfig.Mounts = []mount.Mount{
				{
					Type:   mount.TypeBind,
					Source: d.modelsPath,
					Target: containerVolumeDir,
				},
			}
		}
	}
	if d.hasGPU(ctx) {
		hostConfig.Resources.DeviceRequests = allGPUs()
		slog.Info("GPU available for pod", slog.String("podID", spec.PodID))
	} else {
		slog.Info("No GPU, running CPU-only", slog.String("podID", spec.PodID))
	}

	resp, err := d.dockerClient.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, containerTimeout)
	defer cancel()
	if err := d.dockerClient.ContainerStart(cctx, resp.ID, container.StartOptions{}); err != nil {
		discardContainer(d.dockerClient, resp.ID)
		return nil, err
	}
	if err := dockerWaitUntilRunning(cctx, d.dockerClient, resp.ID, pollingInterval); err != nil {
		discardContainer(d.dockerClient, resp.ID)
		return nil, err
	}

	info, err := d.dockerClient.ContainerInspect(cctx, resp.ID)
	if err != nil {
		return nil, err
	}

	slog.Info("Started pod container",
		slog.String("podID", spec.PodID),
		slog.String("name", spec.Name),
		slog.String("image", spec.Image))

	res := &ContainerInfo{ID: resp.ID}
	if info.NetworkSettings != nil {
		if bindings := info.NetworkSettings.Ports[d.sidecarPort]; len(bindings) > 0 {
			res.HostPort = bindings[0].HostPort
		}
	}
	return res, nil
}

// State returns the engine's state string for the container, e.g. "running".
func (d *DockerRuntime) State(ctx context.Context, containerID string) (string, error) {
	info, err := d.dockerClient.ContainerInspect(ctx, containerID)
	if docker.IsErrNotFound(err) {
		return "", ErrContainerNotFound
	}
	if err != nil {
		return "", err
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return "", fmt.Errorf("container %s has no state", containerID)
	}
	return info.State.Status, nil
}

func (d *DockerRuntime) Stop(ctx context.Context, containerID string) error {
	timeout := 10
	err := d.dockerClient.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	if docker.IsErrNotFound(err) {
		return ErrContainerNotFound
	}
	if err != nil && !errdefs.IsNotModified(err) {
		return err
	}
	return nil
}

func (d *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	err := d.dockerClient.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if docker.IsErrNotFound(err) {
		return ErrContainerNotFound
	}
	return err
}

func (d *DockerRuntime) ensureImage(ctx context.Context, imageName string) error {
	if _, _, err := d.dockerClient.ImageInspectWithRaw(ctx, imageName); err == nil {
		return nil
	}

	slog.Info("Pulling image", slog.String("image", imageName))
	reader, err := d.dockerClient.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	return nil
}

// hasGPU runs nvidia-smi in a throwaway container once and remembers whether
// it succeeded.
func (d *DockerRuntime) hasGPU(ctx context.Context) bool {
	d.gpuOnce.Do(func() {
		d.gpuResult = d.checkGPU(ctx) == nil
	})
	return d.gpuResult
}

func (d *DockerRuntime) checkGPU(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, containerTimeout)
	defer cancel()

	if err := d.ensureImage(ctx, gpuCheckImage); err != nil {
		return err
	}

	resp, err := d.dockerClient.ContainerCreate(ctx,
		&container.Config{Image: gpuCheckImage, Cmd: []string{"nvidia-smi"}},
		&container.HostConfig{Resources: container.Resources{DeviceRequests: allGPUs()}},
		nil, nil, "")
	if err != nil {
		return err
	}
	defer discardContainer(d.dockerClient, resp.ID)

	if err := d.dockerClient.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return err
	}

	statusCh, errCh := d.dockerClient.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return err
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return fmt.Errorf("nvidia-smi exited with %d", status.StatusCode)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func allGPUs() []container.DeviceRequest {
	gpuOpts := opts.GpuOpts{}
	gpuOpts.Set("all")
	return gpuOpts.Value()
}

func removeExistingContainers(ctx context.Context, client DockerClient) error {
	filters := filters.NewArgs(filters.Arg("label", containerCreatorLabel+"="+containerCreator))
	containers, err := client.ContainerList(ctx, container.ListOptions{All: true, Filters: filters})
	if err != nil {
		return err
	}

	for _, c := range containers {
		slog.Info("Removing existing mock pod container", slog.String("name", c.Names[0]))
		if err := forceRemove(client, c.ID); err != nil && !errors.Is(err, ErrContainerNotFound) {
			return err
		}
	}

	return nil
}

// forceRemove stops and deletes containerID, returning ErrContainerNotFound
// when Docker no longer knows it.
func forceRemove(client DockerClient, containerID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), containerRemoveTimeout)
	defer cancel()

	err := client.ContainerStop(ctx, containerID, container.StopOptions{})
	switch {
	case err == nil, errdefs.IsNotModified(err):
	case docker.IsErrNotFound(err):
		return fmt.Errorf("container %s: %w", containerID, ErrContainerNotFound)
	default:
		return fmt.Errorf("stopping container %s: %w", containerID, err)
	}

	err = client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	switch {
	case err == nil:
		return nil
	case docker.IsErrNotFound(err):
		return fmt.Errorf("container %s: %w", containerID, ErrContainerNotFound)
	default:
		return fmt.Errorf("removing container %s: %w", containerID, err)
	}
}

// discardContainer removes a container nobody will use and logs failures.
func discardContainer(client DockerClient, containerID string) {
	if err := forceRemove(client, containerID); err != nil && !errors.Is(err, ErrContainerNotFound) {
		slog.Warn("Could not discard container", slog.String("containerID", containerID), slog.String("error", err.Error()))
	}
}

func dockerWaitUntilRunning(ctx context.Context, client DockerClient, containerID string, pollingInterval time.Duration) error {
	ticker := time.NewTicker(pollingInterval)
	defer ticker.Stop()

	for {
		json, err := client.ContainerInspect(ctx, containerID)
		if err != nil {
			return err
		}
		if json.ContainerJSONBase != nil && json.State != nil && json.State.Running {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.New("timed out waiting for pod container")
		case <-ticker.C:
		}
	}
}
