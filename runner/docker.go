package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	docker "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/leptonai/go-lepton/clog"
	"github.com/leptonai/go-lepton/common"
	"github.com/leptonai/go-lepton/core"
	lpmon "github.com/leptonai/go-lepton/monitor"
)

const containerModelDir = "/models"
const containerPort = "8080/tcp"
const pollingInterval = 500 * time.Millisecond
const containerStopTimeout = 8 * time.Second
const containerRemoveTimeout = 30 * time.Second
const containerCreatorLabel = "creator"
const containerCreator = "photon-runner"
const containerCreatorIDLabel = "creator_id"
const containerVersionLabel = "ai.lepton.photon.version"

var containerTimeout = 3 * time.Minute
var containerWatchInterval = 5 * time.Second
var healthcheckTimeout = 5 * time.Second
var maxHealthCheckFailures = 2

// minRunnerVersion is the oldest photon runner image we know how to talk to.
var minRunnerVersion = semver.MustParse("0.1.0")

// Host port prefixes per task. Each GPU gets its own offset so multiple
// runners can share a machine.
var taskHostPorts = map[string]string{
	"text-generation":              "8000",
	"text2text-generation":         "8100",
	"summarization":                "8200",
	"sentiment-analysis":           "8300",
	"text-classification":          "8400",
	"audio-classification":         "8500",
	"automatic-speech-recognition": "8600",
	"depth-estimation":             "8700",
}

// ImageOverrides lets deployments swap runner images per task without
// rebuilding anything.
type ImageOverrides struct {
	Default   string            `json:"default"`
	Task      map[string]string `json:"task"`
	Quantized map[string]string `json:"quantized"`
}

// Task-specific runner images. Quantized variants carry ggml builds used
// when integer quantization is requested.
var taskToImage = map[string]string{
	"automatic-speech-recognition": core.BaseImageRepo + ":photon-runner-asr-" + core.BaseImageVersion,
	"audio-classification":         core.BaseImageRepo + ":photon-runner-audio-" + core.BaseImageVersion,
}
var quantizedTaskToImage = map[string]string{
	"text-generation":      core.BaseImageRepo + ":photon-runner-ggml-" + core.BaseImageVersion,
	"text2text-generation": core.BaseImageRepo + ":photon-runner-ggml-" + core.BaseImageVersion,
}

// DockerClient is the subset of the Docker API this package uses, split out
// so tests can substitute a mock.
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
}

var _ DockerClient = (*docker.Client)(nil)

var dockerWaitUntilRunningFunc = dockerWaitUntilRunning

func NewDefaultDockerClient() (DockerClient, error) {
	return docker.NewClientWithOpts(docker.FromEnv, docker.WithAPIVersionNegotiation())
}

// DockerManager starts and tracks photon runner containers, one per GPU.
type DockerManager struct {
	gpus      []string
	modelDir  string
	overrides ImageOverrides
	quantized bool
	creatorID string

	dockerClient DockerClient
	// gpu ID => container
	gpuContainers map[string]*RunnerContainer
	// idle containers, container name => container
	containers map[string]*RunnerContainer
	mu         *sync.Mutex
}

func NewDockerManager(overrides ImageOverrides, quantized bool, gpus []string, modelDir string, client DockerClient, creatorID string) (*DockerManager, error) {
	if client == nil {
		var err error
		client, err = NewDefaultDockerClient()
		if err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), containerTimeout)
	if _, err := RemoveExistingContainers(ctx, client, creatorID); err != nil {
		cancel()
		return nil, err
	}
	cancel()

	return &DockerManager{
		gpus:          gpus,
		modelDir:      modelDir,
		overrides:     overrides,
		quantized:     quantized,
		creatorID:     creatorID,
		dockerClient:  client,
		gpuContainers: make(map[string]*RunnerContainer),
		containers:    make(map[string]*RunnerContainer),
		mu:            &sync.Mutex{},
	}, nil
}

// EnsureImageAvailable pulls the runner image for the task if it is not
// already present locally.
func (m *DockerManager) EnsureImageAvailable(ctx context.Context, task string, modelID string) error {
	imageName := m.getContainerImageName(task)
	if m.isImageAvailable(ctx, task) {
		return nil
	}
	clog.Infof(ctx, "Pulling runner image task=%s model_id=%s image=%s", task, modelID, imageName)
	return m.pullImage(ctx, imageName)
}

// Warm starts a runner container ahead of the first request and keeps it
// around even when idle.
func (m *DockerManager) Warm(ctx context.Context, task string, modelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.createContainer(ctx, task, modelID, true)
	return err
}

func (m *DockerManager) Stop(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, rc := range m.containers {
		wg.Add(1)
		go func(rc *RunnerContainer) {
			defer wg.Done()
			m.destroyContainer(rc, false)
		}(rc)
	}
	wg.Wait()
	return nil
}

// Borrow takes an idle container for the task/model, starting a new one
// when none exists. The container is returned to the pool when ctx is done.
func (m *DockerManager) Borrow(ctx context.Context, task, modelID string) (*RunnerContainer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rc *RunnerContainer
	var err error
	for _, runner := range m.containers {
		if runner.Task == task && runner.ModelID == modelID {
			rc = runner
			break
		}
	}
	if rc == nil {
		rc, err = m.createContainer(ctx, task, modelID, false)
		if err != nil {
			return nil, err
		}
	}
	m.borrowContainerLocked(ctx, rc)
	m.reportCapacityLocked(task, modelID)
	return rc, nil
}

func (m *DockerManager) borrowContainerLocked(ctx context.Context, rc *RunnerContainer) {
	delete(m.containers, rc.Name)
	rc.Lock()
	rc.BorrowCtx = ctx
	rc.Unlock()
}

// returnContainer is called by watchContainer once the borrow context ends
// or the runner reports IDLE.
func (m *DockerManager) returnContainer(rc *RunnerContainer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rc.Lock()
	rc.BorrowCtx = nil
	rc.Unlock()
	m.containers[rc.Name] = rc
	m.reportCapacityLocked(rc.Task, rc.ModelID)
}

// getContainerImageName resolves the runner image for a task, preferring
// deployment overrides, then quantized builds when requested.
func (m *DockerManager) getContainerImageName(task string) string {
	if m.quantized {
		if image, ok := m.overrides.Quantized[task]; ok {
			return image
		}
		if image, ok := quantizedTaskToImage[task]; ok {
			return image
		}
		// fall through to the full-precision image
	}
	if image, ok := m.overrides.Task[task]; ok {
		return image
	}
	if image, ok := taskToImage[task]; ok {
		return image
	}
	if m.overrides.Default != "" {
		return m.overrides.Default
	}
	return core.BaseImage
}

// HasCapacity reports whether an idle container exists for the task/model
// or a GPU is free to start one.
func (m *DockerManager) HasCapacity(ctx context.Context, task, modelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rc := range m.containers {
		if rc.Task == task && rc.ModelID == modelID {
			return true
		}
	}
	if !m.isImageAvailable(ctx, task) {
		return false
	}
	_, err := m.allocGPU(ctx)
	return err == nil
}

func (m *DockerManager) isImageAvailable(ctx context.Context, task string) bool {
	imageName := m.getContainerImageName(task)
	_, _, err := m.dockerClient.ImageInspectWithRaw(ctx, imageName)
	return err == nil
}

func (m *DockerManager) pullImage(ctx context.Context, imageName string) error {
	reader, err := m.dockerClient.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	for {
		var progress jsonmessage.JSONMessage
		if err := decoder.Decode(&progress); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("error decoding progress message: %w", err)
		}
		if progress.Status != "" && progress.Progress != nil {
			clog.V(common.SHORT).Infof(ctx, "%s: %s", progress.Status, progress.Progress.String())
		}
	}
	return nil
}

// checkRunnerVersion rejects runner images older than minRunnerVersion.
// Images without the version label pass, they predate the labeling scheme.
func checkRunnerVersion(labels map[string]string) (string, error) {
	raw, ok := labels[containerVersionLabel]
	if !ok || raw == "" {
		return "", nil
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return "", fmt.Errorf("invalid runner version %q: %w", raw, err)
	}
	if v.LessThan(minRunnerVersion) {
		return "", fmt.Errorf("runner version %s is older than minimum supported %s", v, minRunnerVersion)
	}
	return raw, nil
}

func (m *DockerManager) createContainer(ctx context.Context, task string, modelID string, keepWarm bool) (*RunnerContainer, error) {
	gpu, err := m.allocGPU(ctx)
	if err != nil {
		return nil, err
	}

	hostPortPrefix, ok := taskHostPorts[task]
	if !ok {
		hostPortPrefix = "9000"
	}
	containerHostPort := hostPortPrefix[:2] + portOffset(gpu)
	containerName := dockerContainerName(task, modelID, containerHostPort)
	containerImage := m.getContainerImageName(task)

	imageInfo, _, err := m.dockerClient.ImageInspectWithRaw(ctx, containerImage)
	if err != nil {
		return nil, err
	}
	var labels map[string]string
	if imageInfo.Config != nil {
		labels = imageInfo.Config.Labels
	}
	runnerVersion, err := checkRunnerVersion(labels)
	if err != nil {
		return nil, err
	}

	clog.Infof(ctx, "Starting runner container gpu=%s name=%s model_id=%s image=%s", gpu, containerName, modelID, containerImage)

	envVars := []string{
		"TASK=" + task,
		"MODEL_ID=" + modelID,
	}
	if m.quantized {
		envVars = append(envVars, "USE_INT=1")
	}

	containerConfig := &container.Config{
		Image: containerImage,
		Env:   envVars,
		Volumes: map[string]struct{}{
			containerModelDir: {},
		},
		ExposedPorts: nat.PortSet{
			containerPort: struct{}{},
		},
		Labels: map[string]string{
			containerCreatorLabel:   containerCreator,
			containerCreatorIDLabel: m.creatorID,
		},
	}

	var deviceRequests []container.DeviceRequest
	if !isEmulatedGPU(gpu) {
		deviceRequests = append(deviceRequests, container.DeviceRequest{
			Driver:       "nvidia",
			DeviceIDs:    []string{gpu},
			Capabilities: [][]string{{"gpu"}},
		})
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			DeviceRequests: deviceRequests,
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: m.modelDir,
				Target: containerModelDir,
			},
		},
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: containerHostPort,
				},
			},
		},
		RestartPolicy: container.RestartPolicy{
			Name:              container.RestartPolicyOnFailure,
			MaximumRetryCount: 3,
		},
	}

	resp, err := m.dockerClient.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, containerTimeout)
	if err := m.dockerClient.ContainerStart(cctx, resp.ID, container.StartOptions{}); err != nil {
		cancel()
		dockerRemoveContainer(m.dockerClient, resp.ID)
		return nil, err
	}
	cancel()

	cctx, cancel = context.WithTimeout(ctx, containerTimeout)
	if err := dockerWaitUntilRunningFunc(cctx, m.dockerClient, resp.ID, pollingInterval); err != nil {
		cancel()
		dockerRemoveContainer(m.dockerClient, resp.ID)
		return nil, err
	}
	cancel()

	cfg := RunnerContainerConfig{
		Type:    Managed,
		Task:    task,
		ModelID: modelID,
		Endpoint: RunnerEndpoint{
			URL: "http://localhost:" + containerHostPort,
		},
		ID:               resp.ID,
		GPU:              gpu,
		KeepWarm:         keepWarm,
		containerTimeout: containerTimeout,
	}

	rc, isLoading, err := NewRunnerContainer(ctx, cfg, containerName)
	if err != nil {
		dockerRemoveContainer(m.dockerClient, resp.ID)
		return nil, err
	}
	rc.Version = runnerVersion

	m.containers[containerName] = rc
	m.gpuContainers[gpu] = rc

	if keepWarm && isLoading {
		// Keep loading containers out of the pool until the watch routine
		// sees an IDLE healthcheck.
		clog.Infof(ctx, "Warm container started in loading state container=%s", rc.Name)
		m.borrowContainerLocked(context.Background(), rc)
	}
	go m.watchContainer(rc)

	return rc, nil
}

func (m *DockerManager) allocGPU(ctx context.Context) (string, error) {
	for _, gpu := range m.gpus {
		if _, ok := m.gpuContainers[gpu]; !ok {
			return gpu, nil
		}
	}

	// Evict an idle container that is not kept warm
	for gpu, rc := range m.gpuContainers {
		_, isIdle := m.containers[rc.Name]
		if isIdle && !rc.KeepWarm {
			if err := m.destroyContainer(rc, true); err != nil {
				return "", err
			}
			return gpu, nil
		}
	}

	return "", errors.New("insufficient capacity")
}

// destroyContainer stops the container and removes it from the internal
// state. If locked is false the mutex is taken for the state update.
func (m *DockerManager) destroyContainer(rc *RunnerContainer, locked bool) error {
	clog.Infof(context.Background(), "Removing runner container gpu=%s name=%s model_id=%s", rc.GPU, rc.Name, rc.ModelID)

	if err := dockerRemoveContainer(m.dockerClient, rc.ID); err != nil {
		clog.Errorf(context.Background(), "Error removing runner container name=%s err=%q", rc.Name, err)
		return fmt.Errorf("failed to remove container %s: %w", rc.Name, err)
	}

	if !locked {
		m.mu.Lock()
		defer m.mu.Unlock()
	}
	delete(m.gpuContainers, rc.GPU)
	delete(m.containers, rc.Name)
	rc.Close()
	return nil
}

// watchContainer polls the runner's health and cleans up the internal state
// when the container dies. It also returns borrowed containers to the pool
// when their borrow context ends.
func (m *DockerManager) watchContainer(rc *RunnerContainer) {
	ticker := time.NewTicker(containerWatchInterval)
	defer ticker.Stop()

	logCtx := context.Background()
	var loadingStartTime time.Time
	failures := 0
	for {
		if failures >= maxHealthCheckFailures {
			clog.Errorf(logCtx, "Runner health check failed too many times container=%s", rc.Name)
			m.destroyContainer(rc, false)
			if rc.KeepWarm {
				clog.Infof(logCtx, "Restarting warm container container=%s", rc.Name)
				if err := m.Warm(context.Background(), rc.Task, rc.ModelID); err != nil {
					clog.Errorf(logCtx, "Error restarting warm container container=%s err=%q", rc.Name, err)
				}
			}
			return
		}

		borrowCtx := func() context.Context {
			rc.RLock()
			defer rc.RUnlock()
			return rc.BorrowCtx
		}

		var borrowDone <-chan struct{}
		if bc := borrowCtx(); bc != nil {
			borrowDone = bc.Done()
		}

		select {
		case <-borrowDone:
			m.returnContainer(rc)
			continue
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), healthcheckTimeout)
			status, err := rc.Health(ctx)
			cancel()
			if err != nil {
				failures++
				clog.Errorf(logCtx, "Error getting runner health container=%s err=%q", rc.Name, err)
				continue
			}

			isBorrowed := borrowCtx() != nil
			switch status {
			case HealthIdle:
				if isBorrowed {
					m.returnContainer(rc)
					continue
				}
				fallthrough
			case HealthOK:
				failures, loadingStartTime = 0, time.Time{}
				continue
			case HealthLoading:
				if loadingStartTime.IsZero() {
					failures, loadingStartTime = 0, time.Now()
					if !isBorrowed {
						m.mu.Lock()
						m.borrowContainerLocked(context.Background(), rc)
						m.mu.Unlock()
					}
				}
				if loadingTime := time.Since(loadingStartTime); loadingTime > containerTimeout {
					failures++
					clog.Errorf(logCtx, "Runner loading for too long container=%s dur=%v", rc.Name, loadingTime)
				}
				continue
			case HealthError:
				failures = maxHealthCheckFailures
				clog.Errorf(logCtx, "Runner returned ERROR state container=%s", rc.Name)
			default:
				clog.Errorf(logCtx, "Unknown runner status container=%s status=%s", rc.Name, status)
			}
		}
	}
}

// RemoveExistingContainers removes leftover runner containers from previous
// processes with the same creator id.
func RemoveExistingContainers(ctx context.Context, client DockerClient, creatorID string) (int, error) {
	if client == nil {
		var err error
		client, err = NewDefaultDockerClient()
		if err != nil {
			return 0, err
		}
	}

	byCreator := filters.NewArgs(filters.Arg("label", containerCreatorLabel+"="+containerCreator))
	containers, err := client.ContainerList(ctx, container.ListOptions{All: true, Filters: byCreator})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	removed := 0
	for _, c := range containers {
		id, hasID := c.Labels[containerCreatorIDLabel]
		if hasID && id != creatorID {
			continue
		}
		clog.Infof(ctx, "Removing leftover runner container name=%s", c.Names[0])
		if err := dockerRemoveContainer(client, c.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func dockerContainerName(task string, modelID string, suffix ...string) string {
	sanitizedModelID := strings.NewReplacer("/", "-", "_", "-").Replace(modelID)
	if len(suffix) > 0 {
		return fmt.Sprintf("%s_%s_%s", task, sanitizedModelID, suffix[0])
	}
	return fmt.Sprintf("%s_%s", task, sanitizedModelID)
}

func dockerRemoveContainer(client DockerClient, containerID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), containerRemoveTimeout)
	defer cancel()

	timeoutSec := int(containerStopTimeout.Seconds())
	err := client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSec})
	// Ignore "not found" or "already stopped" errors
	if err != nil && !docker.IsErrNotFound(err) && !errdefs.IsNotModified(err) {
		return err
	}

	err = client.ContainerRemove(ctx, containerID, container.RemoveOptions{})
	if err == nil || docker.IsErrNotFound(err) {
		return nil
	} else if !strings.Contains(err.Error(), "is already in progress") {
		return err
	}

	// The removal is asynchronous, wait until the container is actually gone
	ticker := time.NewTicker(pollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for container removal to complete")
		case <-ticker.C:
			_, err := client.ContainerInspect(ctx, containerID)
			if docker.IsErrNotFound(err) {
				return nil
			}
		}
	}
}

func dockerWaitUntilRunning(ctx context.Context, client DockerClient, containerID string, pollingInterval time.Duration) error {
	ticker := time.NewTicker(pollingInterval)
	defer ticker.Stop()

tickerLoop:
	for range ticker.C {
		select {
		case <-ctx.Done():
			return errors.New("timed out waiting for runner container")
		default:
			json, err := client.ContainerInspect(ctx, containerID)
			if err != nil {
				return err
			}
			if json.State.Running {
				break tickerLoop
			}
			if json.State != nil {
				status := strings.ToLower(json.State.Status)
				if status == "exited" || status == "dead" {
					return fmt.Errorf("container entered terminal state before running: %s (exitCode=%d)", json.State.Status, json.State.ExitCode)
				}
				if !json.State.Restarting && json.State.ExitCode != 0 {
					return fmt.Errorf("container exited before running (status=%s, exitCode=%d)", json.State.Status, json.State.ExitCode)
				}
				if !json.State.Restarting && json.State.Error != "" {
					return fmt.Errorf("container error before running: %s", json.State.Error)
				}
			}
		}
	}
	return nil
}

// Capacity describes how many containers are serving vs idle.
type Capacity struct {
	ContainersInUse int
	ContainersIdle  int
}

// GetCapacity returns container usage for a task/model pair, or totals when
// both are empty, plus the number of unallocated GPUs.
func (m *DockerManager) GetCapacity(task, modelID string) (Capacity, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCapacityLocked(task, modelID)
}

func (m *DockerManager) getCapacityLocked(task, modelID string) (Capacity, int) {
	if task == "" && modelID == "" {
		return Capacity{
			ContainersInUse: len(m.gpuContainers) - len(m.containers),
			ContainersIdle:  len(m.containers),
		}, len(m.gpus) - len(m.gpuContainers)
	}
	gpuContainers := 0
	for _, rc := range m.gpuContainers {
		if rc.Task == task && rc.ModelID == modelID {
			gpuContainers++
		}
	}
	idle := 0
	for _, rc := range m.containers {
		if rc.Task == task && rc.ModelID == modelID {
			idle++
		}
	}
	return Capacity{
		ContainersInUse: gpuContainers - idle,
		ContainersIdle:  idle,
	}, len(m.gpus) - gpuContainers
}

// reportCapacityLocked feeds the container gauges. Callers hold m.mu.
func (m *DockerManager) reportCapacityLocked(task, modelID string) {
	if !lpmon.Enabled {
		return
	}
	c, gpusIdle := m.getCapacityLocked(task, modelID)
	lpmon.ContainersInUse(c.ContainersInUse, task, modelID)
	lpmon.ContainersIdle(c.ContainersIdle, task, modelID)
	lpmon.GPUsIdle(gpusIdle, task, modelID)
}

func portOffset(gpu string) string {
	res := "00"
	if isEmulatedGPU(gpu) {
		gpu = strings.Replace(gpu, "emulated-", "", 1)
	}
	// last digit carries the gpu number
	return res[:1] + gpu
}

func isEmulatedGPU(gpu string) bool {
	return strings.HasPrefix(gpu, "emulated-")
}
