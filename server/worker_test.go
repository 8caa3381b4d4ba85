package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/leptonai/go-lepton/common"
	"github.com/leptonai/go-lepton/core"
)

type stubNodeRunner struct {
	failRun      bool
	lastReq      *core.InferenceRequest
	capacityLeft bool
	ended        []string
}

func (s *stubNodeRunner) Run(ctx context.Context, req *core.InferenceRequest) (*core.InferenceResponse, error) {
	s.lastReq = req
	if s.failRun {
		return nil, errors.New("pipeline exploded")
	}
	return &core.InferenceResponse{ID: req.ID, Text: "out: " + req.Prompt, ModelID: req.ModelID}, nil
}

func (s *stubNodeRunner) HasCapacity(task, modelID string) bool { return s.capacityLeft }

func (s *stubNodeRunner) EndSession(sessionID string) { s.ended = append(s.ended, sessionID) }

func testWorker(t *testing.T, runner core.Runner) (*Worker, *httptest.Server) {
	node, err := core.NewLeptonNode(nil, t.TempDir())
	require.NoError(t, err)
	node.NodeType = core.WorkerNode
	node.Runner = runner

	photon, err := core.NewPhoton("gpt2-main", "text-generation:gpt2")
	require.NoError(t, err)
	node.Photon = photon

	s := NewWorker(node, "http://127.0.0.1:21001", "127.0.0.1:21002", 2, 1)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestWorkerHealthz(t *testing.T) {
	assert := assert.New(t)
	runner := &stubNodeRunner{capacityLeft: true}
	_, ts := testWorker(t, runner)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal("OK", health["status"])

	runner.capacityLeft = false
	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal("IDLE", health["status"])
}

func TestWorkerOpenAPI(t *testing.T) {
	assert := assert.New(t)
	_, ts := testWorker(t, &stubNodeRunner{capacityLeft: true})

	resp, err := http.Get(ts.URL + "/openapi.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)

	body, err := common.ReadAtMost(resp.Body, common.MaxBodySize)
	require.NoError(t, err)
	doc, err := openapi3.NewLoader().LoadFromData(body)
	require.NoError(t, err)
	assert.Equal("gpt2-main", doc.Info.Title)
	assert.NotNil(doc.Paths.Find("/run"))
}

func TestWorkerRun(t *testing.T) {
	assert := assert.New(t)
	runner := &stubNodeRunner{capacityLeft: true}
	_, ts := testWorker(t, runner)

	resp := postBody(t, ts.URL+"/run", core.InferenceRequest{Prompt: "hello"})
	assert.Equal(http.StatusOK, resp.StatusCode)
	var res core.InferenceResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	resp.Body.Close()
	assert.Equal("out: hello", res.Text)

	// the photon fills in missing task/model and an id becomes the session
	assert.Equal("text-generation", runner.lastReq.Task)
	assert.Equal("gpt2", runner.lastReq.ModelID)
	assert.NotEmpty(runner.lastReq.ID)
	assert.Equal(runner.lastReq.ID, runner.lastReq.SessionID)
}

func TestWorkerRunError(t *testing.T) {
	assert := assert.New(t)
	runner := &stubNodeRunner{failRun: true}
	_, ts := testWorker(t, runner)

	resp := postBody(t, ts.URL+"/run", core.InferenceRequest{Prompt: "hello", SessionID: "sess1"})
	defer resp.Body.Close()
	assert.Equal(http.StatusInternalServerError, resp.StatusCode)
	// failed sessions are torn down even when the client pinned one
	assert.Equal([]string{"sess1"}, runner.ended)
}

func TestWorkerRunEndsOneShotSession(t *testing.T) {
	assert := assert.New(t)
	runner := &stubNodeRunner{capacityLeft: true}
	_, ts := testWorker(t, runner)

	resp := postBody(t, ts.URL+"/run", core.InferenceRequest{Prompt: "hello"})
	resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal([]string{runner.lastReq.SessionID}, runner.ended)

	// pinned sessions stay up across requests
	resp = postBody(t, ts.URL+"/run", core.InferenceRequest{Prompt: "again", SessionID: "sess1"})
	resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Len(runner.ended, 1)
}

func TestWorkerInfoGPUs(t *testing.T) {
	assert := assert.New(t)
	s, _ := testWorker(t, &stubNodeRunner{capacityLeft: true})

	info := s.workerInfo()
	assert.Equal(2, info.Capacity)
	assert.Equal(1, info.GPUs)
}

func TestWorkerHeartbeatLoopReregisters(t *testing.T) {
	defer goleak.VerifyNone(t, common.IgnoreRoutines()...)

	assert := assert.New(t)

	registered := 0
	heartbeats := 0
	ctrl := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case registerWorkerPath:
			registered++
			w.Write([]byte("{}"))
		case heartbeatPath:
			heartbeats++
			// first heartbeat is rejected to force re-registration
			if heartbeats == 1 {
				http.Error(w, core.ErrUnknownWorker.Error(), http.StatusGone)
				return
			}
			w.Write([]byte("{}"))
		case deregisterPath:
			w.Write([]byte("{}"))
		}
	}))
	defer ctrl.Close()

	info := testWorkerInfo("127.0.0.1:21002")
	require.NoError(t, RegisterWorker(context.Background(), ctrl.URL, info))
	assert.Equal(1, registered)

	err := SendHeartbeat(context.Background(), ctrl.URL, info)
	assert.Equal(core.ErrUnknownWorker, err)
	require.NoError(t, RegisterWorker(context.Background(), ctrl.URL, info))
	assert.Equal(2, registered)

	require.NoError(t, SendHeartbeat(context.Background(), ctrl.URL, info))
	require.NoError(t, DeregisterWorker(context.Background(), ctrl.URL, info.Addr))
}
