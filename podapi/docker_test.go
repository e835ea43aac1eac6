package podapi

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	docker "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockDockerClient is a mock implementation of the Docker client.
type MockDockerClient struct {
	docker.Client
	mock.Mock
}

func (m *MockDockerClient) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	args := m.Called(ctx, ref, options)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

func (m *MockDockerClient) ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error) {
	args := m.Called(ctx, imageID)
	return args.Get(0).(types.ImageInspect), args.Get(1).([]byte), args.Error(2)
}

func (m *MockDockerClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	args := m.Called(ctx, config, hostConfig, networkingConfig, platform, containerName)
	return args.Get(0).(container.CreateResponse), args.Error(1)
}

func (m *MockDockerClient) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	args := m.Called(ctx, containerID, options)
	return args.Error(0)
}

func (m *MockDockerClient) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	args := m.Called(ctx, containerID, condition)
	return args.Get(0).(<-chan container.WaitResponse), args.Get(1).(<-chan error)
}

func (m *MockDockerClient) ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	args := m.Called(ctx, containerID)
	return args.Get(0).(types.ContainerJSON), args.Error(1)
}

func (m *MockDockerClient) ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
	args := m.Called(ctx, options)
	return args.Get(0).([]types.Container), args.Error(1)
}

func (m *MockDockerClient) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	args := m.Called(ctx, containerID, options)
	return args.Error(0)
}

func (m *MockDockerClient) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	args := m.Called(ctx, containerID, options)
	return args.Error(0)
}

func runningContainer(hostPort string) types.ContainerJSON {
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			State: &types.ContainerState{Status: "running", Running: true},
		},
		NetworkSettings: &types.NetworkSettings{
			NetworkSettingsBase: types.NetworkSettingsBase{
				Ports: nat.PortMap{
					"8189/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostPort}},
				},
			},
		},
	}
}

// withoutGPU marks the GPU check as done and negative.
func withoutGPU(d *DockerRuntime) *DockerRuntime {
	d.gpuOnce.Do(func() {})
	return d
}

func TestDockerRuntime_Start(t *testing.T) {
	mockDockerClient := new(MockDockerClient)
	modelsPath := t.TempDir()
	rt := withoutGPU(newDockerRuntime(DockerRuntimeConfig{SidecarPort: "8189", ModelsPath: modelsPath}, mockDockerClient))

	spec := ContainerSpec{
		PodID: "abc123",
		Name:  "mock-pod-abc123",
		Image: "comfy-pod:latest",
		Env:   map[string]string{"SIDECAR_API_KEY": "secret", "POD_ID": "ignored"},
	}

	mockDockerClient.On("ImageInspectWithRaw", mock.Anything, "comfy-pod:latest").Return(types.ImageInspect{}, []byte(nil), nil)
	mockDockerClient.On("ContainerCreate", mock.Anything,
		mock.MatchedBy(func(cfg *container.Config) bool {
			_, exposed := cfg.ExposedPorts["8189/tcp"]
			return exposed &&
				cfg.Labels[containerCreatorLabel] == containerCreator &&
				strings.Join(cfg.Env, ",") == "POD_ID=abc123,RUNPOD_POD_ID=abc123,SIDECAR_API_KEY=secret"
		}),
		mock.MatchedBy(func(hc *container.HostConfig) bool {
			return len(hc.Mounts) == 1 &&
				hc.Mounts[0].Type == mount.TypeBind &&
				hc.Mounts[0].Source == modelsPath &&
				hc.Mounts[0].Target == "/workspace" &&
				len(hc.PortBindings["8189/tcp"]) == 1 &&
				hc.DeviceRequests == nil
		}),
		mock.Anything, mock.Anything, "mock-pod-abc123").
		Return(container.CreateResponse{ID: "cid"}, nil)
	mockDockerClient.On("ContainerStart", mock.Anything, "cid", mock.Anything).Return(nil)
	mockDockerClient.On("ContainerInspect", mock.Anything, "cid").Return(runningContainer("32768"), nil)

	info, err := rt.Start(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, "cid", info.ID)
	require.Equal(t, "32768", info.HostPort)
	mockDockerClient.AssertNotCalled(t, "ImagePull", mock.Anything, mock.Anything, mock.Anything)
	mockDockerClient.AssertExpectations(t)
}

func TestDockerRuntime_StartPullFailure(t *testing.T) {
	mockDockerClient := new(MockDockerClient)
	rt := withoutGPU(newDockerRuntime(DockerRuntimeConfig{SidecarPort: "8189"}, mockDockerClient))

	mockDockerClient.On("ImageInspectWithRaw", mock.Anything, "missing:latest").Return(types.ImageInspect{}, []byte(nil), errors.New("no such image"))
	mockDockerClient.On("ImagePull", mock.Anything, "missing:latest", mock.Anything).Return(nil, errors.New("pull access denied"))

	_, err := rt.Start(context.Background(), ContainerSpec{PodID: "p", Name: "n", Image: "missing:latest"})
	require.ErrorContains(t, err, "failed to pull image missing:latest")
	mockDockerClient.AssertNotCalled(t, "ContainerCreate", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDockerRuntime_StartRemovesContainerOnStartError(t *testing.T) {
	mockDockerClient := new(MockDockerClient)
	rt := withoutGPU(newDockerRuntime(DockerRuntimeConfig{SidecarPort: "8189"}, mockDockerClient))

	mockDockerClient.On("ImageInspectWithRaw", mock.Anything, "img").Return(types.ImageInspect{}, []byte(nil), nil)
	mockDockerClient.On("ContainerCreate", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, "n").
		Return(container.CreateResponse{ID: "cid"}, nil)
	mockDockerClient.On("ContainerStart", mock.Anything, "cid", mock.Anything).Return(errors.New("port is already allocated"))
	mockDockerClient.On("ContainerStop", mock.Anything, "cid", mock.Anything).Return(nil)
	mockDockerClient.On("ContainerRemove", mock.Anything, "cid", mock.Anything).Return(nil)

	_, err := rt.Start(context.Background(), ContainerSpec{PodID: "p", Name: "n", Image: "img"})
	require.ErrorContains(t, err, "port is already allocated")
	mockDockerClient.AssertCalled(t, "ContainerRemove", mock.Anything, "cid", mock.Anything)
}

func TestDockerRuntime_State(t *testing.T) {
	mockDockerClient := new(MockDockerClient)
	rt := newDockerRuntime(DockerRuntimeConfig{SidecarPort: "8189"}, mockDockerClient)
	ctx := context.Background()

	exited := types.ContainerJSON{ContainerJSONBase: &types.ContainerJSONBase{State: &types.ContainerState{Status: "exited"}}}
	mockDockerClient.On("ContainerInspect", ctx, "exited").Return(exited, nil)
	mockDockerClient.On("ContainerInspect", ctx, "gone").Return(types.ContainerJSON{}, errdefs.NotFound(errors.New("no such container")))
	mockDockerClient.On("ContainerInspect", ctx, "broken").Return(types.ContainerJSON{}, errors.New("daemon unavailable"))

	state, err := rt.State(ctx, "exited")
	require.NoError(t, err)
	require.Equal(t, "exited", state)

	_, err = rt.State(ctx, "gone")
	require.ErrorIs(t, err, ErrContainerNotFound)

	_, err = rt.State(ctx, "broken")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrContainerNotFound)
}

func TestDockerRuntime_StopAndRemove(t *testing.T) {
	mockDockerClient := new(MockDockerClient)
	rt := newDockerRuntime(DockerRuntimeConfig{SidecarPort: "8189"}, mockDockerClient)
	ctx := context.Background()

	mockDockerClient.On("ContainerStop", ctx, "stopped", mock.Anything).Return(errdefs.NotModified(errors.New("already stopped")))
	mockDockerClient.On("ContainerStop", ctx, "gone", mock.Anything).Return(errdefs.NotFound(errors.New("no such container")))
	mockDockerClient.On("ContainerRemove", ctx, "cid", container.RemoveOptions{Force: true}).Return(nil)
	mockDockerClient.On("ContainerRemove", ctx, "gone", mock.Anything).Return(errdefs.NotFound(errors.New("no such container")))

	require.NoError(t, rt.Stop(ctx, "stopped"))
	require.ErrorIs(t, rt.Stop(ctx, "gone"), ErrContainerNotFound)
	require.NoError(t, rt.Remove(ctx, "cid"))
	require.ErrorIs(t, rt.Remove(ctx, "gone"), ErrContainerNotFound)
}

func TestDockerRuntime_CheckGPU(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int64
		expected bool
	}{
		{"nvidia-smi succeeds", 0, true},
		{"nvidia-smi fails", 9, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockDockerClient := new(MockDockerClient)
			rt := newDockerRuntime(DockerRuntimeConfig{SidecarPort: "8189"}, mockDockerClient)

			statusCh := make(chan container.WaitResponse, 1)
			errCh := make(chan error)
			statusCh <- container.WaitResponse{StatusCode: tt.exitCode}

			mockDockerClient.On("ImageInspectWithRaw", mock.Anything, gpuCheckImage).Return(types.ImageInspect{}, []byte(nil), nil)
			mockDockerClient.On("ContainerCreate", mock.Anything,
				mock.MatchedBy(func(cfg *container.Config) bool {
					return cfg.Image == gpuCheckImage && len(cfg.Cmd) == 1 && cfg.Cmd[0] == "nvidia-smi"
				}),
				mock.MatchedBy(func(hc *container.HostConfig) bool {
					return len(hc.DeviceRequests) == 1 && hc.DeviceRequests[0].Count == -1
				}),
				mock.Anything, mock.Anything, "").
				Return(container.CreateResponse{ID: "gpu-check"}, nil)
			mockDockerClient.On("ContainerStart", mock.Anything, "gpu-check", mock.Anything).Return(nil)
			mockDockerClient.On("ContainerWait", mock.Anything, "gpu-check", container.WaitConditionNotRunning).
				Return((<-chan container.WaitResponse)(statusCh), (<-chan error)(errCh))
			mockDockerClient.On("ContainerStop", mock.Anything, "gpu-check", mock.Anything).Return(nil)
			mockDockerClient.On("ContainerRemove", mock.Anything, "gpu-check", mock.Anything).Return(nil)

			require.Equal(t, tt.expected, rt.hasGPU(context.Background()))
			// The result is cached.
			require.Equal(t, tt.expected, rt.hasGPU(context.Background()))
			mockDockerClient.AssertNumberOfCalls(t, "ContainerCreate", 1)
			mockDockerClient.AssertCalled(t, "ContainerRemove", mock.Anything, "gpu-check", mock.Anything)
		})
	}
}

func TestRemoveExistingContainers(t *testing.T) {
	mockDockerClient := new(MockDockerClient)
	ctx := context.Background()

	mockDockerClient.On("ContainerList", ctx, mock.MatchedBy(func(opts container.ListOptions) bool {
		return opts.All && opts.Filters.ExactMatch("label", containerCreatorLabel+"="+containerCreator)
	})).Return([]types.Container{
		{ID: "old1", Names: []string{"/mock-pod-aaaa"}},
		{ID: "old2", Names: []string{"/mock-pod-bbbb"}},
	}, nil)
	mockDockerClient.On("ContainerStop", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	mockDockerClient.On("ContainerRemove", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, removeExistingContainers(ctx, mockDockerClient))
	mockDockerClient.AssertCalled(t, "ContainerRemove", mock.Anything, "old1", mock.Anything)
	mockDockerClient.AssertCalled(t, "ContainerRemove", mock.Anything, "old2", mock.Anything)
}

func TestForceRemove(t *testing.T) {
	notFound := errdefs.NotFound(errors.New("no such container"))

	tests := []struct {
		name      string
		stopErr   error
		removeErr error
		notFound  bool
		errText   string
	}{
		{name: "running"},
		{name: "already stopped", stopErr: errdefs.NotModified(errors.New("already stopped"))},
		{name: "gone before stop", stopErr: notFound, notFound: true},
		{name: "gone before remove", removeErr: notFound, notFound: true},
		{name: "stop fails", stopErr: errors.New("daemon busy"), errText: "stopping container cid: daemon busy"},
		{name: "remove fails", removeErr: errors.New("device busy"), errText: "removing container cid: device busy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockDockerClient := new(MockDockerClient)
			mockDockerClient.On("ContainerStop", mock.Anything, "cid", mock.Anything).Return(tt.stopErr)
			mockDockerClient.On("ContainerRemove", mock.Anything, "cid", container.RemoveOptions{Force: true}).Return(tt.removeErr)

			err := forceRemove(mockDockerClient, "cid")
			switch {
			case tt.notFound:
				require.ErrorIs(t, err, ErrContainerNotFound)
			case tt.errText != "":
				require.EqualError(t, err, tt.errText)
				require.NotErrorIs(t, err, ErrContainerNotFound)
			default:
				require.NoError(t, err)
			}
		})
	}
}

func TestRemoveExistingContainersSkipsVanished(t *testing.T) {
	mockDockerClient := new(MockDockerClient)
	mockDockerClient.On("ContainerList", mock.Anything, mock.Anything).Return([]types.Container{
		{ID: "old1", Names: []string{"/mock-pod-old1"}},
		{ID: "old2", Names: []string{"/mock-pod-old2"}},
	}, nil)
	mockDockerClient.On("ContainerStop", mock.Anything, "old1", mock.Anything).Return(errdefs.NotFound(errors.New("no such container")))
	mockDockerClient.On("ContainerStop", mock.Anything, "old2", mock.Anything).Return(nil)
	mockDockerClient.On("ContainerRemove", mock.Anything, "old2", mock.Anything).Return(nil)

	require.NoError(t, removeExistingContainers(context.Background(), mockDockerClient))
	mockDockerClient.AssertNotCalled(t, "ContainerRemove", mock.Anything, "old1", mock.Anything)
	mockDockerClient.AssertCalled(t, "ContainerRemove", mock.Anything, "old2", mock.Anything)
}
