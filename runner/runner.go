package runner

import (
	"context"
	"errors"
	"sync"

	"github.com/leptonai/go-lepton/clog"
	"github.com/leptonai/go-lepton/common"
	"github.com/leptonai/go-lepton/core"
)

var ErrNoRunnerContainer = errors.New("no runner container available")

// LocalRunner serves inference on one GPU by borrowing a runner container
// from the manager for the lifetime of the session. It implements the
// session interface used by the load balancing runner.
type LocalRunner struct {
	manager *DockerManager
	device  string

	mu     sync.Mutex
	rc     *RunnerContainer
	cancel context.CancelFunc
}

// NewLocalRunnerFactory returns a session factory bound to the manager,
// suitable for core.NewLoadBalancingRunner.
func NewLocalRunnerFactory(manager *DockerManager) func(device string) core.RunnerSession {
	return func(device string) core.RunnerSession {
		return &LocalRunner{manager: manager, device: device}
	}
}

func (r *LocalRunner) container(ctx context.Context, task, modelID string) (*RunnerContainer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rc != nil {
		return r.rc, nil
	}
	// The borrow context outlives the request so the container stays with
	// this session until Stop.
	borrowCtx, cancel := context.WithCancel(context.Background())
	rc, err := r.manager.Borrow(borrowCtx, task, modelID)
	if err != nil {
		cancel()
		return nil, err
	}
	clog.V(common.DEBUG).Infof(ctx, "Borrowed runner container=%s device=%s", rc.Name, r.device)
	r.rc = rc
	r.cancel = cancel
	return rc, nil
}

func (r *LocalRunner) Run(ctx context.Context, req *core.InferenceRequest) (*core.InferenceResponse, error) {
	rc, err := r.container(ctx, req.Task, req.ModelID)
	if err != nil {
		return nil, err
	}
	return rc.Run(ctx, req)
}

func (r *LocalRunner) HasCapacity(task, modelID string) bool {
	r.mu.Lock()
	rc := r.rc
	r.mu.Unlock()
	if rc != nil {
		return rc.Task == task && rc.ModelID == modelID
	}
	return r.manager.HasCapacity(context.Background(), task, modelID)
}

// Stop releases the borrowed container back to the pool.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
		r.rc = nil
	}
}
