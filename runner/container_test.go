package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leptonai/go-lepton/core"
)

func runnerServer(t *testing.T, status string) *httptest.Server {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			json.NewEncoder(w).Encode(map[string]string{"status": status})
		case "/run":
			var req core.InferenceRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(core.InferenceResponse{
				Text: "generated: " + req.Prompt,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func testContainer(t *testing.T, ts *httptest.Server) *RunnerContainer {
	cfg := RunnerContainerConfig{
		Task:             "text-generation",
		ModelID:          "gpt2",
		Endpoint:         RunnerEndpoint{URL: ts.URL},
		containerTimeout: 2 * time.Second,
	}
	rc, isLoading, err := NewRunnerContainer(context.Background(), cfg, "test-container")
	require.NoError(t, err)
	require.False(t, isLoading)
	return rc
}

func TestRunnerContainerHealth(t *testing.T) {
	require := require.New(t)
	rc := testContainer(t, runnerServer(t, HealthOK))

	status, err := rc.Health(context.Background())
	require.NoError(err)
	require.Equal(HealthOK, status)
}

func TestRunnerContainerLoading(t *testing.T) {
	require := require.New(t)
	ts := runnerServer(t, HealthLoading)

	cfg := RunnerContainerConfig{
		Task:             "text-generation",
		ModelID:          "gpt2",
		Endpoint:         RunnerEndpoint{URL: ts.URL},
		containerTimeout: 2 * time.Second,
	}
	_, isLoading, err := NewRunnerContainer(context.Background(), cfg, "test-container")
	require.NoError(err)
	require.True(isLoading)
}

func TestRunnerContainerRun(t *testing.T) {
	require := require.New(t)
	rc := testContainer(t, runnerServer(t, HealthOK))

	res, err := rc.Run(context.Background(), &core.InferenceRequest{
		ID:      "r1",
		Task:    "text-generation",
		ModelID: "gpt2",
		Prompt:  "hello",
	})
	require.NoError(err)
	require.Equal("generated: hello", res.Text)
	require.Equal("r1", res.ID)
	require.Equal("gpt2", res.ModelID)
}

func TestLocalRunnerSession(t *testing.T) {
	require := require.New(t)
	ts := runnerServer(t, HealthOK)

	idle := &RunnerContainer{
		Name: "idle",
		RunnerContainerConfig: RunnerContainerConfig{
			Task:     "text-generation",
			ModelID:  "gpt2",
			Endpoint: RunnerEndpoint{URL: ts.URL},
		},
		client: http.DefaultClient,
	}
	m := &DockerManager{
		gpus:          []string{"0"},
		gpuContainers: map[string]*RunnerContainer{"0": idle},
		containers:    map[string]*RunnerContainer{"idle": idle},
		mu:            &sync.Mutex{},
	}

	factory := NewLocalRunnerFactory(m)
	session := factory("0")

	res, err := session.Run(context.Background(), &core.InferenceRequest{
		ID:      "r1",
		Task:    "text-generation",
		ModelID: "gpt2",
		Prompt:  "hi",
	})
	require.NoError(err)
	require.Equal("generated: hi", res.Text)

	// the container is borrowed for the session
	require.Empty(m.containers)
	require.True(session.HasCapacity("text-generation", "gpt2"))
	require.False(session.HasCapacity("text-generation", "llama-2-7b"))

	session.Stop()
}
