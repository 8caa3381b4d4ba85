package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/dustin/go-humanize"
	"github.com/golang/glog"

	"github.com/leptonai/go-lepton/common"
	"github.com/leptonai/go-lepton/core"
	"github.com/leptonai/go-lepton/monitor"
)

// DefaultControllerPort is the port the controller listens on.
const DefaultControllerPort = "21001"

// minWorkerVersion is the oldest worker build allowed to register.
var minWorkerVersion = semver.MustParse("0.1.0")

func checkWorkerVersion(raw string) error {
	v, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("invalid worker version %q: %w", raw, err)
	}
	if v.LessThan(minWorkerVersion) {
		return fmt.Errorf("worker version %s is older than minimum supported %s, please upgrade", v, minWorkerVersion)
	}
	return nil
}

// Controller tracks registered workers and exposes the deployment API.
type Controller struct {
	node    *core.LeptonNode
	workers *core.RemoteWorkerManager

	// authToken guards the deployment API when non-empty.
	authToken string

	started time.Time
}

func NewController(node *core.LeptonNode, authToken string) *Controller {
	workers := node.WorkerManager
	if workers == nil {
		workers = core.NewRemoteWorkerManager(DispatchToWorker)
		node.WorkerManager = workers
	}
	return &Controller{
		node:      node,
		workers:   workers,
		authToken: authToken,
		started:   time.Now(),
	}
}

// Handler builds the controller's HTTP mux.
func (c *Controller) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(registerWorkerPath, c.registerWorker)
	mux.HandleFunc(heartbeatPath, c.heartbeat)
	mux.HandleFunc(deregisterPath, c.deregisterWorker)
	mux.HandleFunc(listWorkersPath, c.listWorkers)
	mux.HandleFunc(listModelsPath, c.listModels)
	mux.HandleFunc(getWorkerPath, c.getWorker)
	mux.HandleFunc("/run", c.run)
	mux.HandleFunc("/api/v1/deployments", c.deployments)
	mux.HandleFunc("/api/v1/deployments/", c.deployment)
	mux.HandleFunc("/status", c.status)
	mux.Handle("/setLogVerbosity", mustHaveFormParams(setLogVerbosityHandler(), "v"))
	mux.Handle("/setMaxInferenceTimeout", mustHaveFormParams(setMaxInferenceTimeoutHandler(), "timeout"))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	if monitor.Enabled && monitor.Exporter != nil {
		mux.Handle("/metrics", monitor.Exporter)
	}
	return mux
}

// StartControllerServer runs the controller until ctx is cancelled.
func StartControllerServer(ctx context.Context, addr string, c *Controller) error {
	srv := &http.Server{Addr: addr, Handler: c.Handler()}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()
	glog.Infof("Controller listening on %s", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (c *Controller) registerWorker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var info common.WorkerInfo
	if err := decodeJSONBody(r, &info); err != nil {
		respondWithError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if info.Addr == "" {
		respondWithError(w, "worker addr is required", http.StatusBadRequest)
		return
	}
	if err := checkWorkerVersion(info.Version); err != nil {
		respondWithError(w, err.Error(), http.StatusBadRequest)
		return
	}
	c.workers.Register(info)
	if monitor.Enabled {
		monitor.WorkersConnected(len(c.workers.Workers()))
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

func (c *Controller) heartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var info common.WorkerInfo
	if err := decodeJSONBody(r, &info); err != nil {
		respondWithError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := c.workers.Heartbeat(info); err != nil {
		// 410 tells the worker to register again
		respondWithError(w, err.Error(), http.StatusGone)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (c *Controller) deregisterWorker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Addr string `json:"addr"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		respondWithError(w, err.Error(), http.StatusBadRequest)
		return
	}
	c.workers.Deregister(body.Addr)
	if monitor.Enabled {
		monitor.WorkersConnected(len(c.workers.Workers()))
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (c *Controller) listWorkers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, c.workers.Workers())
}

func (c *Controller) listModels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, c.workers.Models())
}

// getWorker picks a worker for a task/model pair, reserving capacity for
// the request id. The frontend calls this when it wants to stream directly.
func (c *Controller) getWorker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		RequestID string `json:"request_id"`
		Task      string `json:"task"`
		ModelID   string `json:"model_id"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		respondWithError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.RequestID == "" {
		body.RequestID = common.RandName()
	}
	worker, err := c.workers.SelectWorker(body.RequestID, body.Task, body.ModelID)
	if err != nil {
		respondWithError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"addr":       worker.Addr(),
		"request_id": body.RequestID,
	})
}

// run dispatches an inference request to a worker and proxies back the
// result.
func (c *Controller) run(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, "method not allowed", http.StatusMethodNotAllowed)
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
	if req.Task == "" {
		req.Task = common.DefaultTask
	}
	if monitor.Enabled {
		monitor.InferenceRequest(req.Task, req.ModelID)
	}
	res, err := c.workers.Process(r.Context(), req.ID, req)
	if err != nil {
		if monitor.Enabled {
			monitor.InferenceRequestFailed(req.Task, req.ModelID, err.Error())
		}
		// name the failing worker so upstream callers can suspend it
		if fatal, ok := err.(core.RemoteWorkerFatalError); ok && fatal.Addr != "" {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error":  err.Error(),
				"worker": fatal.Addr,
			})
			return
		}
		respondWithError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// checkAuth enforces the workspace bearer token on the deployment API.
func (c *Controller) checkAuth(r *http.Request) bool {
	if c.authToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	return auth == "Bearer "+c.authToken
}

func (c *Controller) deployments(w http.ResponseWriter, r *http.Request) {
	if !c.checkAuth(r) {
		respondWithError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	store := c.node.Database
	if store == nil {
		respondWithError(w, "no deployment store", http.StatusInternalServerError)
		return
	}
	switch r.Method {
	case http.MethodGet:
		deployments, err := store.SelectDeployments(nil)
		if err != nil {
			respondWithError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, deployments)
	case http.MethodPost:
		// Deployments are created node-side; see `lep photon run`.
		respondWithError(w, "Please use `lep photon run` instead.", http.StatusMethodNotAllowed)
	default:
		respondWithError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (c *Controller) deployment(w http.ResponseWriter, r *http.Request) {
	if !c.checkAuth(r) {
		respondWithError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	store := c.node.Database
	if store == nil {
		respondWithError(w, "no deployment store", http.StatusInternalServerError)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/v1/deployments/")
	if name == "" {
		respondWithError(w, "deployment name is required", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet:
		d, err := store.GetDeployment(name)
		if err != nil {
			respondWithError(w, err.Error(), http.StatusNotFound)
			return
		}
		respondJSON(w, http.StatusOK, d)
	case http.MethodDelete:
		if _, err := store.GetDeployment(name); err != nil {
			respondWithError(w, err.Error(), http.StatusNotFound)
			return
		}
		if err := store.DeleteDeployment(name); err != nil {
			respondWithError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		respondWithError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (c *Controller) status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"version": core.LeptonVersion,
		"uptime":  humanize.Time(c.started),
		"workers": len(c.workers.Workers()),
		"models":  c.workers.Models(),
	})
}
