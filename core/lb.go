package core

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/leptonai/go-lepton/clog"
	"github.com/leptonai/go-lepton/common"
)

var ErrRunnerBusy = errors.New("RunnerBusy")
var ErrRunnerStopped = errors.New("RunnerStopped")

const maxSessionChannels = 4

// defaultSessionCost is assumed when a request does not bound its output.
const defaultSessionCost = 256

type RunnerSession interface {
	Runner
	Stop()
}

type newRunnerFn func(device string) RunnerSession

// LoadBalancingRunner distributes inference sessions across local GPU
// devices.
type LoadBalancingRunner struct {
	devices []string // Slice of device IDs
	newR    newRunnerFn

	// The following fields need to be protected by the mutex `mu`
	mu       *sync.RWMutex
	load     map[string]int
	sessions map[string]*runnerSession
	idx      int // Ensures a non-tapered work distribution
}

func NewLoadBalancingRunner(devices []string, newRunnerFn newRunnerFn) *LoadBalancingRunner {
	return &LoadBalancingRunner{
		devices:  devices,
		newR:     newRunnerFn,
		mu:       &sync.RWMutex{},
		load:     make(map[string]int),
		sessions: make(map[string]*runnerSession),
	}
}

func (lb *LoadBalancingRunner) HasCapacity(task, modelID string) bool {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return len(lb.sessions) < len(lb.devices)*maxSessionChannels
}

// EndSession tears down the serving session with the given id.
func (lb *LoadBalancingRunner) EndSession(sessionID string) {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	if session, exists := lb.sessions[sessionID]; exists {
		// delete session id here to avoid the race
		delete(lb.sessions, sessionID)
		// signal serving loop finish for this session
		close(session.stop)
		clog.V(common.DEBUG).Infof(context.TODO(), "LB: Serving session id=%s teared down", session.key)
	} else {
		clog.V(common.DEBUG).Infof(context.TODO(), "LB: Serving session id=%s already finished", sessionID)
	}
}

func (lb *LoadBalancingRunner) Run(ctx context.Context, req *InferenceRequest) (*InferenceResponse, error) {
	lb.mu.RLock()
	session, exists := lb.sessions[req.SessionID]
	lb.mu.RUnlock()
	if exists {
		clog.V(common.DEBUG).Infof(ctx, "LB: Using existing serving session for key=%s", session.key)
	} else {
		var err error
		session, err = lb.createSession(clog.Clone(context.Background(), ctx), req)
		if err != nil {
			return nil, err
		}
	}
	return session.Run(ctx, req)
}

func (lb *LoadBalancingRunner) createSession(ctx context.Context, req *InferenceRequest) (*runnerSession, error) {

	lb.mu.Lock()
	defer lb.mu.Unlock()

	job := req.SessionID
	if session, exists := lb.sessions[job]; exists {
		clog.V(common.DEBUG).Infof(ctx, "Attempted to create session but already exists key=%s", session.key)
		return session, nil
	}

	clog.V(common.DEBUG).Infof(ctx, "LB: Creating serving session for job=%s", job)
	device := lb.leastLoaded()

	// Acquire serving session. Map to job id + assigned device
	key := job + "_" + device
	costEstimate := calculateCost(req)

	// create the runner
	session := &runnerSession{
		runner:      lb.newR(device),
		key:         key,
		done:        make(chan struct{}),
		stop:        make(chan struct{}),
		sender:      make(chan *runnerParams, maxSessionChannels),
		makeContext: inferenceLoopContext,
	}
	lb.sessions[job] = session
	lb.load[device] += costEstimate
	lb.idx = (lb.idx + 1) % len(lb.devices)

	// Local cleanup function
	cleanupSession := func() {
		lb.mu.Lock()
		defer lb.mu.Unlock()
		_, exists := lb.sessions[job]
		if exists {
			delete(lb.sessions, job)
		}
		lb.load[device] -= costEstimate
		clog.V(common.DEBUG).Infof(ctx, "LB: Deleted serving session for key=%s", session.key)
	}

	go func() {
		session.loop(ctx)
		cleanupSession()
	}()

	clog.V(common.DEBUG).Infof(ctx, "LB: Created serving session for key=%s", session.key)
	return session, nil
}

// Find the lowest loaded device.
// Expects the mutex `lb.mu` to be locked by the caller.
func (lb *LoadBalancingRunner) leastLoaded() string {
	min, idx := math.MaxInt64, 0
	for i := 0; i < len(lb.devices); i++ {
		k := (i + lb.idx) % len(lb.devices)
		if lb.load[lb.devices[k]] < min {
			min = lb.load[lb.devices[k]]
			idx = k
		}
	}
	return lb.devices[idx]
}

type runnerParams struct {
	ctx context.Context
	req *InferenceRequest
	res chan struct {
		*InferenceResponse
		error
	}
}

type runnerSession struct {
	runner RunnerSession
	key    string

	sender chan *runnerParams
	// channel to handle errors or shutdown during inference
	done chan struct{}
	// channel to signal serving loop stop, done channel is not used when idle
	stop        chan struct{}
	makeContext func() (context.Context, context.CancelFunc)
}

func (sess *runnerSession) loop(logCtx context.Context) {
	defer func() {
		sess.runner.Stop()
		// Close the done channel to signal the sender(s) that the
		// serving loop has stopped
		close(sess.done)
	}()

	// Run everything on a single loop to mitigate threading issues,
	//   especially around runner cleanup
	for {
		ctx, cancel := sess.makeContext()
		select {
		case <-sess.stop:
			cancel()
			clog.V(common.DEBUG).Infof(logCtx, "LB: Serving loop stopped for key=%s", sess.key)
			return
		case <-ctx.Done():
			// Terminate the session after a period of inactivity
			clog.V(common.DEBUG).Infof(logCtx, "LB: Serving loop timed out for key=%s", sess.key)
			return
		case params := <-sess.sender:
			cancel()
			res, err := sess.runner.Run(params.ctx, params.req)
			params.res <- struct {
				*InferenceResponse
				error
			}{res, err}
			if err != nil {
				clog.V(common.DEBUG).Infof(logCtx, "LB: Stopping runner due to error for key=%s", sess.key)
				return
			}
		}
	}
}

func (sess *runnerSession) Run(ctx context.Context, req *InferenceRequest) (*InferenceResponse, error) {
	params := &runnerParams{
		req: req,
		ctx: ctx,
		res: make(chan struct {
			*InferenceResponse
			error
		})}
	select {
	case sess.sender <- params:
		clog.V(common.DEBUG).Infof(ctx, "LB: Inference submitted for key=%s", sess.key)
	default:
		clog.V(common.DEBUG).Infof(ctx, "LB: Runner was busy; exiting key=%s", sess.key)
		return nil, ErrRunnerBusy
	}
	select {
	case res := <-params.res:
		return res.InferenceResponse, res.error
	case <-sess.done:
		return nil, ErrRunnerStopped
	}
}

// calculateCost estimates session load from the request's output budget.
func calculateCost(req *InferenceRequest) int {
	if req == nil || req.MaxTokens <= 0 {
		return defaultSessionCost
	}
	return req.MaxTokens
}
