// Package runner manages photon runner containers on the local machine and
// proxies inference requests into them.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/leptonai/go-lepton/clog"
	"github.com/leptonai/go-lepton/common"
	"github.com/leptonai/go-lepton/core"
)

// Health states reported by the photon runner's /healthz endpoint.
const (
	HealthOK      = "OK"
	HealthIdle    = "IDLE"
	HealthLoading = "LOADING"
	HealthError   = "ERROR"
)

type RunnerContainerType int

const (
	Managed RunnerContainerType = iota
	External
)

type RunnerEndpoint struct {
	URL string
}

type RunnerContainerConfig struct {
	Type     RunnerContainerType
	Task     string
	ModelID  string
	Endpoint RunnerEndpoint

	// Docker container fields
	ID       string
	GPU      string
	KeepWarm bool

	containerTimeout time.Duration
}

// RunnerContainer is a single photon runner serving one task/model pair.
type RunnerContainer struct {
	RunnerContainerConfig
	Name    string
	Version string

	// BorrowCtx is set while the container is handling a session and nil
	// while it sits in the idle pool.
	BorrowCtx context.Context
	sync.RWMutex

	client *http.Client
}

type healthResponse struct {
	Status string `json:"status"`
}

func NewRunnerContainer(ctx context.Context, cfg RunnerContainerConfig, name string) (*RunnerContainer, bool, error) {
	rc := &RunnerContainer{
		RunnerContainerConfig: cfg,
		Name:                  name,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: common.HTTPDialTimeout}).DialContext,
			},
		},
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.containerTimeout)
	defer cancel()

	// Wait for the runner to come up. A LOADING response means the model is
	// still being fetched but the server is reachable.
	ticker := time.NewTicker(pollingInterval)
	defer ticker.Stop()
	for {
		status, err := rc.Health(cctx)
		if err == nil {
			return rc, status == HealthLoading, nil
		}
		select {
		case <-cctx.Done():
			return nil, false, fmt.Errorf("runner %s did not become healthy: %w", name, err)
		case <-ticker.C:
		}
	}
}

// Health queries the runner's /healthz endpoint.
func (rc *RunnerContainer) Health(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rc.Endpoint.URL+"/healthz", nil)
	if err != nil {
		return "", err
	}
	resp, err := rc.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := common.ReadAtMost(resp.Body, common.MaxBodySize)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("health check returned %d: %s", resp.StatusCode, body)
	}
	var health healthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		// Older runner images reply with a bare "ok" body.
		return HealthOK, nil
	}
	if health.Status == "" {
		return HealthOK, nil
	}
	return health.Status, nil
}

// Run posts an inference request to the runner's /run endpoint.
func (rc *RunnerContainer) Run(ctx context.Context, req *core.InferenceRequest) (*core.InferenceResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, rc.Endpoint.URL+"/run", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := rc.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := common.ReadAtMost(resp.Body, common.MaxBodySize)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("runner %s returned %d: %s", rc.Name, resp.StatusCode, body)
	}

	res := &core.InferenceResponse{}
	if err := json.Unmarshal(body, res); err != nil {
		// Plain-text output from minimal runners
		res.Text = string(body)
	}
	res.ID = req.ID
	res.ModelID = rc.ModelID
	res.TookMs = time.Since(start).Milliseconds()
	clog.V(common.DEBUG).Infof(ctx, "Runner finished inference container=%s dur=%v", rc.Name, time.Since(start))
	return res, nil
}

// Close releases the container's HTTP connections.
func (rc *RunnerContainer) Close() error {
	rc.client.CloseIdleConnections()
	return nil
}
