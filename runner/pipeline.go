package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/leptonai/go-lepton/clog"
	"github.com/leptonai/go-lepton/common"
	"github.com/leptonai/go-lepton/core"
)

// Pipeline serves inference for one task/model pair. RunnerContainer
// satisfies it, so external runner processes and in-process pipelines
// are interchangeable behind the load balancer.
type Pipeline interface {
	Run(ctx context.Context, req *core.InferenceRequest) (*core.InferenceResponse, error)
}

// PipelineFactory builds a pipeline for a task. The quantized flag asks
// for a reduced precision variant when the backend has one.
type PipelineFactory func(ctx context.Context, task, modelID string, quantized bool) (Pipeline, error)

var pipelineRegistry = core.NewRegistry()

// RegisterPipeline makes factory the builder for the given tasks.
func RegisterPipeline(factory PipelineFactory, tasks ...string) {
	pipelineRegistry.Register(factory, tasks...)
}

// PipelineTasks returns the tasks with a registered factory.
func PipelineTasks() []string {
	return pipelineRegistry.Keys()
}

// NewPipeline builds a pipeline for task serving modelID.
//
// ggml models only exist in quantized form, so they are built as such and
// a failure is final. For everything else, when quantized is requested the
// reduced precision build is tried first and full precision is the
// fallback.
func NewPipeline(ctx context.Context, task, modelID string, quantized bool) (Pipeline, error) {
	v := pipelineRegistry.Get(task)
	if v == nil {
		return nil, fmt.Errorf("no pipeline registered for task %s", task)
	}
	factory := v.(PipelineFactory)

	if strings.Contains(strings.ToLower(modelID), "ggml") {
		return factory(ctx, task, modelID, true)
	}
	if quantized {
		p, err := factory(ctx, task, modelID, true)
		if err == nil {
			return p, nil
		}
		clog.Errorf(ctx, "Quantized pipeline failed for model=%s, falling back to full precision err=%q", modelID, err)
	}
	return factory(ctx, task, modelID, false)
}

// ExternalPipelines points every known task at an already running runner
// process at endpoint instead of managed docker containers.
func ExternalPipelines(endpoint RunnerEndpoint) {
	factory := PipelineFactory(func(ctx context.Context, task, modelID string, quantized bool) (Pipeline, error) {
		cfg := RunnerContainerConfig{
			Type:             External,
			Task:             task,
			ModelID:          modelID,
			Endpoint:         endpoint,
			containerTimeout: containerTimeout,
		}
		rc, _, err := NewRunnerContainer(ctx, cfg, "external:"+endpoint.URL)
		if err != nil {
			return nil, err
		}
		return rc, nil
	})
	tasks := make([]string, 0, len(taskHostPorts))
	for task := range taskHostPorts {
		tasks = append(tasks, task)
	}
	RegisterPipeline(factory, tasks...)
}

// PipelineRunner serves inference through an in-process pipeline. The
// pipeline is built lazily on the first request and inflight requests are
// capped at capacity.
type PipelineRunner struct {
	task      string
	modelID   string
	quantized bool
	capacity  int
	device    string

	mu       sync.Mutex
	pipeline Pipeline
	inflight int
	stopped  bool
}

// NewPipelineRunnerFactory returns a session factory for
// core.NewLoadBalancingRunner backed by registered pipelines.
func NewPipelineRunnerFactory(task, modelID string, quantized bool, capacity int) func(device string) core.RunnerSession {
	return func(device string) core.RunnerSession {
		return &PipelineRunner{
			task:      task,
			modelID:   modelID,
			quantized: quantized,
			capacity:  capacity,
			device:    device,
		}
	}
}

func (r *PipelineRunner) acquire(ctx context.Context, task, modelID string) (Pipeline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, core.ErrRunnerStopped
	}
	if r.inflight >= r.capacity {
		return nil, core.ErrRunnerBusy
	}
	if r.pipeline == nil {
		p, err := NewPipeline(ctx, task, modelID, r.quantized)
		if err != nil {
			return nil, err
		}
		clog.V(common.DEBUG).Infof(ctx, "Created pipeline task=%s model=%s device=%s", task, modelID, r.device)
		r.pipeline = p
	}
	r.inflight++
	return r.pipeline, nil
}

func (r *PipelineRunner) release() {
	r.mu.Lock()
	r.inflight--
	r.mu.Unlock()
}

func (r *PipelineRunner) Run(ctx context.Context, req *core.InferenceRequest) (*core.InferenceResponse, error) {
	task := req.Task
	if task == "" {
		task = r.task
	}
	modelID := req.ModelID
	if modelID == "" {
		modelID = r.modelID
	}
	p, err := r.acquire(ctx, task, modelID)
	if err != nil {
		return nil, err
	}
	defer r.release()
	return p.Run(ctx, req)
}

func (r *PipelineRunner) HasCapacity(task, modelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.inflight >= r.capacity {
		return false
	}
	if task != "" && task != r.task {
		return false
	}
	return modelID == "" || modelID == r.modelID
}

// Stop rejects further requests. Inflight requests finish on their own.
func (r *PipelineRunner) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.pipeline = nil
	r.mu.Unlock()
}
