// Package server implements the HTTP surfaces of the lepton node: the
// controller (worker registry + dispatch), the worker and the frontend.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"

	"github.com/leptonai/go-lepton/clog"
	"github.com/leptonai/go-lepton/common"
	"github.com/leptonai/go-lepton/core"
)

// Controller endpoints used by workers and frontends.
const (
	registerWorkerPath = "/register_worker"
	heartbeatPath      = "/heartbeat"
	listWorkersPath    = "/list_workers"
	listModelsPath     = "/list_models"
	getWorkerPath      = "/get_worker"
	deregisterPath     = "/deregister_worker"
)

var httpClient = &http.Client{
	Transport: &http.Transport{
		DialContext: (&net.Dialer{Timeout: common.HTTPDialTimeout}).DialContext,
	},
	Timeout: common.HTTPTimeout,
}

// dispatchClient carries inference traffic, which can take far longer
// than control plane calls.
var dispatchClient = &http.Client{
	Transport: &http.Transport{
		DialContext: (&net.Dialer{Timeout: common.HTTPDialTimeout}).DialContext,
	},
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("Error writing JSON response err=%q", err)
	}
}

func respondWithError(w http.ResponseWriter, errMsg string, code int) {
	glog.Errorf("HTTP Response Error %v: %v", code, errMsg)
	http.Error(w, errMsg, code)
}

func decodeJSONBody(r *http.Request, v interface{}) error {
	body, err := common.ReadAtMost(r.Body, common.MaxBodySize)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// postJSON posts v to url and decodes the JSON reply into out when out is
// non-nil. Non-2xx replies surface as errors carrying the response body.
func postJSON(ctx context.Context, client *http.Client, url string, v interface{}, out interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := common.ReadAtMost(resp.Body, common.MaxBodySize)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpError{Code: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

type httpError struct {
	Code int
	Body string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// RegisterWorker announces a worker to the controller, retrying with
// exponential backoff until the controller is reachable. Returns once the
// registration succeeded or ctx is cancelled.
func RegisterWorker(ctx context.Context, controllerAddr string, info common.WorkerInfo) error {
	expb := backoff.NewExponentialBackOff()
	expb.MaxInterval = time.Minute
	expb.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		default:
		}
		glog.Infof("Registering worker to controller=%s", controllerAddr)
		err := postJSON(ctx, httpClient, common.JoinURL(controllerAddr, registerWorkerPath), info, nil)
		if err != nil {
			glog.Errorf("Could not register worker to controller err=%q", err)
		}
		return err
	}, expb)
}

// SendHeartbeat refreshes the worker's registration. A 410 reply means the
// controller no longer knows this worker and it must register again.
func SendHeartbeat(ctx context.Context, controllerAddr string, info common.WorkerInfo) error {
	err := postJSON(ctx, httpClient, common.JoinURL(controllerAddr, heartbeatPath), info, nil)
	if herr, ok := err.(*httpError); ok && herr.Code == http.StatusGone {
		return core.ErrUnknownWorker
	}
	return err
}

// DeregisterWorker tells the controller the worker is shutting down.
func DeregisterWorker(ctx context.Context, controllerAddr string, addr string) error {
	return postJSON(ctx, httpClient, common.JoinURL(controllerAddr, deregisterPath), map[string]string{"addr": addr}, nil)
}

// DispatchToWorker sends an inference request to a worker's /run endpoint.
// This is the transport behind core.DispatchFunc.
func DispatchToWorker(ctx context.Context, addr string, req *core.InferenceRequest) (*core.InferenceResponse, error) {
	url := addr
	if len(addr) < 7 || addr[:4] != "http" {
		url = "http://" + addr
	}
	res := &core.InferenceResponse{}
	start := time.Now()
	if err := postJSON(ctx, dispatchClient, common.JoinURL(url, "/run"), req, res); err != nil {
		return nil, err
	}
	clog.V(common.DEBUG).Infof(ctx, "Dispatched inference to worker=%s dur=%v", addr, time.Since(start))
	return res, nil
}
