package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/leptonai/go-lepton/clog"
	"github.com/leptonai/go-lepton/common"
	lpmon "github.com/leptonai/go-lepton/monitor"
)

var ErrRemoteWorkerTimeout = errors.New("Remote worker took too long")
var ErrNoCompatibleWorkersAvailable = errors.New("no workers can process job requested")
var ErrNoWorkersAvailable = errors.New("no workers available")
var ErrUnknownWorker = errors.New("unknown worker")

// HeartbeatInterval is how often workers refresh their registration.
var HeartbeatInterval = 15 * time.Second

// heartbeatExpiry removes a worker from selection after missed heartbeats.
var heartbeatExpiry = 3 * HeartbeatInterval

// DispatchFunc sends an inference request to a remote worker. Injected by
// the server package so core stays transport agnostic.
type DispatchFunc func(ctx context.Context, addr string, req *InferenceRequest) (*InferenceResponse, error)

type RemoteWorker struct {
	manager *RemoteWorkerManager
	addr    string
	info    common.WorkerInfo

	// remaining capacity per task/model slot
	capacity map[string]int

	lastSeen time.Time
	eof      chan struct{}
}

func (rw *RemoteWorker) done() {
	// select so we don't block indefinitely if there's no listener
	select {
	case rw.eof <- struct{}{}:
	default:
	}
}

func (rw *RemoteWorker) Addr() string {
	return rw.addr
}

func capacityKey(task, modelID string) string {
	return task + "/" + modelID
}

type RemoteWorkerManager struct {
	remoteWorkers []*RemoteWorker
	liveWorkers   map[string]*RemoteWorker
	RTmutex       sync.Mutex

	// Map for keeping track of request sessions and their workers
	requestSessions map[string]*RemoteWorker

	dispatch DispatchFunc
}

func NewRemoteWorkerManager(dispatch DispatchFunc) *RemoteWorkerManager {
	return &RemoteWorkerManager{
		remoteWorkers:   []*RemoteWorker{},
		liveWorkers:     map[string]*RemoteWorker{},
		requestSessions: make(map[string]*RemoteWorker),
		dispatch:        dispatch,
	}
}

func newRemoteWorker(m *RemoteWorkerManager, info common.WorkerInfo) *RemoteWorker {
	return &RemoteWorker{
		manager:  m,
		addr:     info.Addr,
		info:     info,
		capacity: map[string]int{capacityKey(info.Task, info.ModelID): info.Capacity},
		lastSeen: time.Now(),
		eof:      make(chan struct{}, 1),
	}
}

// Register adds a worker to the live set. Re-registering an address
// replaces the previous entry.
func (rwm *RemoteWorkerManager) Register(info common.WorkerInfo) {
	rwm.RTmutex.Lock()
	defer rwm.RTmutex.Unlock()

	if prev, ok := rwm.liveWorkers[info.Addr]; ok {
		rwm.remoteWorkers = removeFromRemoteWorkers(prev, rwm.remoteWorkers)
		prev.done()
	}
	worker := newRemoteWorker(rwm, info)
	rwm.liveWorkers[info.Addr] = worker
	rwm.remoteWorkers = append(rwm.remoteWorkers, worker)
	glog.Infof("Registered worker=%s photon=%s model=%s capacity=%d", info.Addr, info.Photon, info.ModelID, info.Capacity)
}

// Heartbeat refreshes a worker's liveness. Unknown workers get
// ErrUnknownWorker so they re-register.
func (rwm *RemoteWorkerManager) Heartbeat(info common.WorkerInfo) error {
	rwm.RTmutex.Lock()
	defer rwm.RTmutex.Unlock()

	worker, ok := rwm.liveWorkers[info.Addr]
	if !ok {
		return ErrUnknownWorker
	}
	worker.lastSeen = time.Now()
	worker.info.Queued = info.Queued
	if info.Capacity != worker.info.Capacity {
		// Re-derive the remaining slot from the newly advertised capacity,
		// keeping in-flight requests accounted for. Remaining can dip below
		// zero until they drain.
		key := capacityKey(worker.info.Task, worker.info.ModelID)
		inflight := worker.info.Capacity - worker.capacity[key]
		worker.capacity[key] = info.Capacity - inflight
		worker.info.Capacity = info.Capacity
	}
	return nil
}

// Deregister removes a worker, e.g. on graceful worker shutdown.
func (rwm *RemoteWorkerManager) Deregister(addr string) {
	rwm.RTmutex.Lock()
	defer rwm.RTmutex.Unlock()

	worker, ok := rwm.liveWorkers[addr]
	if !ok {
		return
	}
	delete(rwm.liveWorkers, addr)
	rwm.remoteWorkers = removeFromRemoteWorkers(worker, rwm.remoteWorkers)
	worker.done()
	glog.Infof("Deregistered worker=%s", addr)
}

// Workers returns a snapshot of the live workers, pruning expired ones.
func (rwm *RemoteWorkerManager) Workers() []common.WorkerInfo {
	rwm.RTmutex.Lock()
	defer rwm.RTmutex.Unlock()

	rwm.pruneExpired()
	infos := make([]common.WorkerInfo, 0, len(rwm.remoteWorkers))
	for _, w := range rwm.remoteWorkers {
		infos = append(infos, w.info)
	}
	return infos
}

// Models returns the distinct task/model pairs currently served.
func (rwm *RemoteWorkerManager) Models() []common.WorkerInfo {
	rwm.RTmutex.Lock()
	defer rwm.RTmutex.Unlock()

	rwm.pruneExpired()
	seen := map[string]bool{}
	var models []common.WorkerInfo
	for _, w := range rwm.remoteWorkers {
		key := capacityKey(w.info.Task, w.info.ModelID)
		if !seen[key] {
			seen[key] = true
			models = append(models, common.WorkerInfo{Task: w.info.Task, ModelID: w.info.ModelID})
		}
	}
	return models
}

// caller should hold the mutex lock
func (rwm *RemoteWorkerManager) pruneExpired() {
	now := time.Now()
	for addr, w := range rwm.liveWorkers {
		if now.Sub(w.lastSeen) > heartbeatExpiry {
			glog.Warningf("Worker expired after missed heartbeats worker=%s", addr)
			delete(rwm.liveWorkers, addr)
			rwm.remoteWorkers = removeFromRemoteWorkers(w, rwm.remoteWorkers)
			w.done()
		}
	}
}

// RemoteWorkerFatalError wraps error to indicate that error is fatal.
// Addr names the worker the error came from, when known.
type RemoteWorkerFatalError struct {
	Addr string
	error
}

// NewRemoteWorkerFatalError creates new RemoteWorkerFatalError
// Exported here to be used in other packages
func NewRemoteWorkerFatalError(err error) error {
	return RemoteWorkerFatalError{error: err}
}

// Process runs an inference job on a remote worker from the pool, retrying
// on another worker when the first one fails fatally.
func (rwm *RemoteWorkerManager) Process(ctx context.Context, requestID string, req *InferenceRequest) (*InferenceResponse, error) {
	worker, err := rwm.SelectWorker(requestID, req.Task, req.ModelID)
	if err != nil {
		return nil, err
	}
	res, err := rwm.processOn(ctx, worker, requestID, req)
	if err != nil {
		rwm.RTmutex.Lock()
		rwm.completeRequest(requestID, req.Task, req.ModelID)
		rwm.RTmutex.Unlock()
	}
	_, fatal := err.(RemoteWorkerFatalError)
	if fatal {
		// Don't retry if we've timed out; the caller is likely to have moved on
		if err.(RemoteWorkerFatalError).error == ErrRemoteWorkerTimeout {
			return res, err
		}
		if lpmon.Enabled {
			lpmon.InferenceRetried()
		}
		return rwm.Process(ctx, requestID, req)
	}

	return res, err
}

func (rwm *RemoteWorkerManager) processOn(logCtx context.Context, rw *RemoteWorker, requestID string, req *InferenceRequest) (*InferenceResponse, error) {
	signalEOF := func(err error) (*InferenceResponse, error) {
		rw.done()
		rwm.RTmutex.Lock()
		delete(rwm.liveWorkers, rw.addr)
		rwm.remoteWorkers = removeFromRemoteWorkers(rw, rwm.remoteWorkers)
		rwm.RTmutex.Unlock()
		clog.Errorf(logCtx, "Fatal error with remote worker=%s request=%s task=%s model_id=%s err=%q", rw.addr, requestID, req.Task, req.ModelID, err)
		return nil, RemoteWorkerFatalError{Addr: rw.addr, error: err}
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(logCtx, common.MaxInferenceTimeout)
	defer cancel()

	res, err := rwm.dispatch(ctx, rw.addr, req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return signalEOF(ErrRemoteWorkerTimeout)
		}
		return signalEOF(err)
	}

	rwm.RTmutex.Lock()
	rwm.completeRequest(requestID, req.Task, req.ModelID)
	rwm.RTmutex.Unlock()

	clog.InfofErr(logCtx, "Received results from remote worker=%s request=%s task=%s model_id=%s dur=%v",
		rw.addr, requestID, req.Task, req.ModelID, time.Since(start), err)
	res.Worker = rw.addr
	return res, nil
}

// SelectWorker picks a worker with spare capacity for the task/model and
// decrements its capacity slot. Requests keep worker affinity.
func (rwm *RemoteWorkerManager) SelectWorker(requestID string, task string, modelID string) (*RemoteWorker, error) {
	rwm.RTmutex.Lock()
	defer rwm.RTmutex.Unlock()

	rwm.pruneExpired()

	checkWorkers := func(rwm *RemoteWorkerManager) bool {
		return len(rwm.remoteWorkers) > 0
	}

	findCompatibleWorker := func(rwm *RemoteWorkerManager) int {
		key := capacityKey(task, modelID)
		for idx, worker := range rwm.remoteWorkers {
			if worker.capacity[key] > 0 {
				worker.capacity[key] -= 1
				return idx
			}
		}
		return -1
	}

	for checkWorkers(rwm) {
		worker, sessionExists := rwm.requestSessions[requestID]
		newWorker := findCompatibleWorker(rwm)
		if newWorker == -1 {
			return nil, ErrNoCompatibleWorkersAvailable
		}
		if !sessionExists {
			worker = rwm.remoteWorkers[newWorker]
		}

		if _, ok := rwm.liveWorkers[worker.addr]; !ok {
			// Remove the session because the worker is no longer live
			if sessionExists {
				rwm.completeRequest(requestID, task, modelID)
			}
			// worker does not exist in table; remove and retry
			rwm.remoteWorkers = removeFromRemoteWorkers(worker, rwm.remoteWorkers)
			continue
		}

		if !sessionExists {
			// Assigning worker to request for future use
			rwm.requestSessions[requestID] = worker
		}
		return worker, nil
	}

	return nil, ErrNoWorkersAvailable
}

// completeRequest ends a request session and returns capacity to the
// worker's task/model slot. Caller should hold the mutex lock.
func (rwm *RemoteWorkerManager) completeRequest(requestID, task, modelID string) {
	worker, ok := rwm.requestSessions[requestID]
	if !ok {
		return
	}
	key := capacityKey(task, modelID)
	for idx, remoteWorker := range rwm.remoteWorkers {
		if worker.addr == remoteWorker.addr {
			if _, ok := rwm.remoteWorkers[idx].capacity[key]; ok {
				rwm.remoteWorkers[idx].capacity[key] += 1
			}
		}
	}
	delete(rwm.requestSessions, requestID)
}

func removeFromRemoteWorkers(rw *RemoteWorker, remoteWorkers []*RemoteWorker) []*RemoteWorker {
	if len(remoteWorkers) == 0 {
		// No workers to remove, return
		return remoteWorkers
	}

	newRemoteWs := make([]*RemoteWorker, 0)
	for _, w := range remoteWorkers {
		if w != rw {
			newRemoteWs = append(newRemoteWs, w)
		}
	}
	return newRemoteWs
}
