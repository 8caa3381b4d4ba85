package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/leptonai/go-lepton/clog"
	"github.com/leptonai/go-lepton/common"
	"github.com/leptonai/go-lepton/core"
	"github.com/leptonai/go-lepton/monitor"
)

// DefaultWorkerPort is the port workers listen on.
const DefaultWorkerPort = "21002"

// Worker serves inference for one photon and keeps itself registered with
// the controller.
type Worker struct {
	node           *core.LeptonNode
	controllerAddr string
	serviceAddr    string
	capacity       int
	gpus           int

	queued int64
}

// sessionEnder is implemented by runners that keep per-session serving
// state, like the load balancing runner.
type sessionEnder interface {
	EndSession(sessionID string)
}

func NewWorker(node *core.LeptonNode, controllerAddr, serviceAddr string, capacity, gpus int) *Worker {
	return &Worker{
		node:           node,
		controllerAddr: controllerAddr,
		serviceAddr:    serviceAddr,
		capacity:       capacity,
		gpus:           gpus,
	}
}

func (s *Worker) workerInfo() common.WorkerInfo {
	info := common.WorkerInfo{
		Addr:     s.serviceAddr,
		Capacity: s.capacity,
		GPUs:     s.gpus,
		Version:  core.LeptonVersion,
		Queued:   int(atomic.LoadInt64(&s.queued)),
	}
	if p := s.node.Photon; p != nil {
		info.Photon = p.Name
		info.Task = p.Task
		info.ModelID = p.ModelID
	}
	return info
}

// Handler builds the worker's HTTP mux.
func (s *Worker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthz)
	mux.HandleFunc("/openapi.json", s.openAPI)
	mux.HandleFunc("/run", s.run)
	if monitor.Enabled && monitor.Exporter != nil {
		mux.Handle("/metrics", monitor.Exporter)
	}
	return mux
}

func (s *Worker) healthz(w http.ResponseWriter, r *http.Request) {
	status := "OK"
	if p := s.node.Photon; p != nil && s.node.Runner != nil {
		if !s.node.Runner.HasCapacity(p.Task, p.ModelID) {
			status = "IDLE"
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Worker) openAPI(w http.ResponseWriter, r *http.Request) {
	p := s.node.Photon
	if p == nil {
		respondWithError(w, "no photon loaded", http.StatusNotFound)
		return
	}
	doc, err := p.OpenAPIDoc()
	if err != nil {
		respondWithError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

func (s *Worker) run(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.node.Runner == nil {
		respondWithError(w, "no runner configured", http.StatusServiceUnavailable)
		return
	}
	req := &core.InferenceRequest{}
	if err := decodeJSONBody(r, req); err != nil {
		respondWithError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = common.RandName()
	}
	// Requests without an explicit session are one-shot: their serving
	// session is torn down once the response is out.
	oneShot := req.SessionID == ""
	if oneShot {
		req.SessionID = req.ID
	}
	if p := s.node.Photon; p != nil {
		if req.Task == "" {
			req.Task = p.Task
		}
		if req.ModelID == "" {
			req.ModelID = p.ModelID
		}
	}

	atomic.AddInt64(&s.queued, 1)
	defer atomic.AddInt64(&s.queued, -1)

	ctx := clog.AddRequestID(r.Context(), req.ID)
	ctx, cancel := context.WithTimeout(ctx, common.MaxInferenceTimeout)
	defer cancel()

	start := time.Now()
	res, err := s.node.Runner.Run(ctx, req)
	if err != nil || oneShot {
		// failed sessions do not serve again either
		if ender, ok := s.node.Runner.(sessionEnder); ok {
			ender.EndSession(req.SessionID)
		}
	}
	if err != nil {
		clog.InfofErr(ctx, "Inference failed task=%s model_id=%s", req.Task, req.ModelID, err)
		if monitor.Enabled {
			monitor.InferenceRequestFailed(req.Task, req.ModelID, err.Error())
		}
		respondWithError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if monitor.Enabled {
		monitor.InferenceDone(req.Task, req.ModelID, time.Since(start))
	}
	respondJSON(w, http.StatusOK, res)
}

// RunWorker keeps the worker registered with the controller, sending
// heartbeats until ctx is cancelled. On unknown-worker replies it registers
// again; on shutdown it deregisters.
func RunWorker(ctx context.Context, s *Worker) {
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), common.HTTPTimeout)
		defer cancel()
		if err := DeregisterWorker(dctx, s.controllerAddr, s.serviceAddr); err != nil {
			glog.Errorf("Could not deregister worker err=%q", err)
		}
	}()

	if err := RegisterWorker(ctx, s.controllerAddr, s.workerInfo()); err != nil {
		glog.Errorf("Worker registration aborted err=%q", err)
		return
	}

	ticker := time.NewTicker(core.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			glog.Info("Stopping worker heartbeat loop")
			return
		case <-ticker.C:
			err := SendHeartbeat(ctx, s.controllerAddr, s.workerInfo())
			if err == core.ErrUnknownWorker {
				glog.Warning("Controller does not know this worker, registering again")
				if err := RegisterWorker(ctx, s.controllerAddr, s.workerInfo()); err != nil {
					glog.Errorf("Worker re-registration aborted err=%q", err)
					return
				}
			} else if err != nil {
				glog.Errorf("Heartbeat failed err=%q", err)
			}
		}
	}
}

// StartWorkerServer runs the worker's HTTP server and its registration loop
// until ctx is cancelled.
func StartWorkerServer(ctx context.Context, bindAddr string, s *Worker) error {
	srv := &http.Server{Addr: bindAddr, Handler: s.Handler()}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		RunWorker(ctx, s)
	}()
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	glog.Infof("Worker listening on %s, serving photon for controller=%s", bindAddr, s.controllerAddr)
	err := srv.ListenAndServe()
	wg.Wait()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
