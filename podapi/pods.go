package podapi

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	StatusStarting = "STARTING"
	StatusRunning  = "RUNNING"
	StatusExited   = "EXITED"
	StatusPaused   = "PAUSED"
)

const defaultContainerDiskInGb = 50

var ErrPodNotFound = errors.New("pod not found")

// containerStatus maps Docker engine states onto pod statuses. States not
// listed are upper-cased.
var containerStatus = map[string]string{
	"running": StatusRunning,
	"exited":  StatusExited,
	"paused":  StatusPaused,
	"created": StatusStarting,
}

func statusFromContainer(state string) string {
	if s, ok := containerStatus[state]; ok {
		return s
	}
	return strings.ToUpper(state)
}

type CreatePodRequest struct {
	Name              *string           `json:"name"`
	Image             *string           `json:"image"`
	GpuTypeID         *string           `json:"gpuTypeId"`
	ContainerDiskInGb *int              `json:"containerDiskInGb"`
	VolumeInGb        *int              `json:"volumeInGb"`
	Ports             []string          `json:"ports"`
	Env               map[string]string `json:"env"`
	NetworkVolumeID   *string           `json:"networkVolumeId"`
}

type Machine struct {
	GpuTypeID string `json:"gpuTypeId"`
	Location  string `json:"location"`
}

type GPU struct {
	ID          string `json:"id"`
	Count       int    `json:"count"`
	DisplayName string `json:"displayName"`
}

// Pod mirrors the hosting provider's pod resource. Fields prefixed with an
// underscore only exist in the mock.
type Pod struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	DesiredStatus     string            `json:"desiredStatus"`
	Image             string            `json:"image"`
	Env               map[string]string `json:"env"`
	Ports             []string          `json:"ports"`
	PortMappings      map[string]*int   `json:"portMappings"`
	ContainerDiskInGb int               `json:"containerDiskInGb"`
	VolumeMountPath   string            `json:"volumeMountPath"`
	LastStartedAt     *string           `json:"lastStartedAt"`
	LastStatusChange  string            `json:"lastStatusChange"`
	Machine           Machine           `json:"machine"`
	GPU               GPU               `json:"gpu"`
	CostPerHr         string            `json:"costPerHr"`
	AdjustedCostPerHr float64           `json:"adjustedCostPerHr"`
	ContainerID       *string           `json:"_containerId"`
	SidecarURL        *string           `json:"_sidecarUrl"`
}

type podRecord struct {
	id                string
	name              string
	image             string
	env               map[string]string
	ports             []string
	portMappings      map[string]*int
	containerDiskInGb int
	desiredStatus     string
	lastStartedAt     *string
	lastStatusChange  string
	containerID       string
	sidecarURL        string
}

func (p *podRecord) toPod() Pod {
	pod := Pod{
		ID:                p.id,
		Name:              p.name,
		DesiredStatus:     p.desiredStatus,
		Image:             p.image,
		Env:               p.env,
		Ports:             p.ports,
		PortMappings:      p.portMappings,
		ContainerDiskInGb: p.containerDiskInGb,
		VolumeMountPath:   containerVolumeDir,
		LastStartedAt:     p.lastStartedAt,
		LastStatusChange:  p.lastStatusChange,
		Machine:           Machine{GpuTypeID: "LOCAL_DOCKER", Location: "local"},
		GPU:               GPU{ID: "LOCAL", Count: 1, DisplayName: "Local Docker"},
		CostPerHr:         "0.00",
	}
	if pod.Env == nil {
		pod.Env = map[string]string{}
	}
	if pod.PortMappings == nil {
		pod.PortMappings = map[string]*int{}
	}
	if p.containerID != "" {
		id := p.containerID
		pod.ContainerID = &id
	}
	if p.sidecarURL != "" {
		u := p.sidecarURL
		pod.SidecarURL = &u
	}
	return pod
}

// newPodID returns a short hex id in the style of the provider's pod ids.
func newPodID() string {
	return strings.ReplaceAll(uuid.NewString()[:14], "-", "")
}

// registry is the in-memory pod store.
type registry struct {
	mu   sync.Mutex
	pods map[string]*podRecord
}

func newRegistry() *registry {
	return &registry{pods: make(map[string]*podRecord)}
}

func (r *registry) add(p *podRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pods[p.id] = p
}

// update applies fn to the pod under the lock and returns the resulting view.
func (r *registry) update(id string, fn func(p *podRecord)) (Pod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pods[id]
	if !ok {
		return Pod{}, ErrPodNotFound
	}
	fn(p)
	return p.toPod(), nil
}

func (r *registry) get(id string) (Pod, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pods[id]
	if !ok {
		return Pod{}, "", ErrPodNotFound
	}
	return p.toPod(), p.containerID, nil
}

func (r *registry) list() []Pod {
	r.mu.Lock()
	defer r.mu.Unlock()
	pods := make([]Pod, 0, len(r.pods))
	for _, p := range r.pods {
		pods = append(pods, p.toPod())
	}
	return pods
}

func (r *registry) remove(id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pods[id]
	if !ok {
		return "", ErrPodNotFound
	}
	delete(r.pods, id)
	return p.containerID, nil
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pods)
}

func timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
