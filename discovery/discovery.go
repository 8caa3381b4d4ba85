// Package discovery maintains the frontend's view of controllers and the
// workers they track.
package discovery

import (
	"container/heap"
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/golang/glog"

	"github.com/leptonai/go-lepton/common"
	"github.com/leptonai/go-lepton/monitor"
)

var getWorkersTimeoutLoop = 3 * time.Second

// getControllerWorkers fetches the worker list from one controller.
// Declared as a variable so tests can stub the network call.
var getControllerWorkers = func(ctx context.Context, uri *url.URL) ([]*common.WorkerInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, common.JoinURL(uri.String(), "/list_workers"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := common.ReadAtMost(resp.Body, common.MaxBodySize)
	if err != nil {
		return nil, err
	}
	var workers []*common.WorkerInfo
	if err := json.Unmarshal(body, &workers); err != nil {
		return nil, err
	}
	return workers, nil
}

type controllerPool struct {
	uris        []*url.URL
	pred        func(info *common.WorkerInfo) bool
	suspensions *suspensionList
}

func NewControllerPool(uris []*url.URL) *controllerPool {
	if len(uris) <= 0 {
		glog.Error("Controller pool does not have any URIs")
	}
	return &controllerPool{uris: uris, suspensions: newSuspensionList()}
}

// NewControllerPoolWithPred filters discovered workers through pred, e.g.
// to select only workers serving a given model.
func NewControllerPoolWithPred(uris []*url.URL, pred func(*common.WorkerInfo) bool) *controllerPool {
	pool := NewControllerPool(uris)
	pool.pred = pred
	return pool
}

func (p *controllerPool) GetURLs() []*url.URL {
	return p.uris
}

// GetWorkers probes all controllers in parallel and returns up to numWorkers
// non-suspended workers. Suspended workers are only used to backfill when too
// few responsive ones are found.
func (p *controllerPool) GetWorkers(numWorkers int) ([]*common.WorkerInfo, error) {
	numControllers := len(p.uris)
	ctx, cancel := context.WithTimeout(context.Background(), getWorkersTimeoutLoop)

	workersCh := make(chan []*common.WorkerInfo, numControllers)
	errCh := make(chan error, numControllers)
	getWorkers := func(uri *url.URL) {
		workers, err := getControllerWorkers(ctx, uri)
		if err != nil {
			if monitor.Enabled {
				monitor.LogDiscoveryError(err.Error())
			}
			errCh <- err
			return
		}
		workersCh <- workers
	}

	// Shuffle into a new slice to avoid mutating underlying data
	uris := make([]*url.URL, numControllers)
	for i, j := range rand.Perm(numControllers) {
		uris[i] = p.uris[j]
	}
	for _, uri := range uris {
		go getWorkers(uri)
	}

	timeout := false
	infos := []*common.WorkerInfo{}
	seen := map[string]bool{}
	suspendedInfos := newPriorityQueue()
	nbResp := 0
	for i := 0; i < numControllers && len(infos) < numWorkers && !timeout; i++ {
		select {
		case workers := <-workersCh:
			nbResp++
			for _, info := range workers {
				if seen[info.Addr] || (p.pred != nil && !p.pred(info)) {
					continue
				}
				seen[info.Addr] = true
				if p.suspensions.isSuspended(info.Addr) {
					heap.Push(suspendedInfos, &suspension{worker: info, time: p.suspensions.suspendedAt(info.Addr)})
					continue
				}
				if len(infos) < numWorkers {
					infos = append(infos, info)
				}
			}
		case <-errCh:
			nbResp++
		case <-ctx.Done():
			timeout = true
		}
	}
	cancel()

	if len(infos) < numWorkers {
		diff := int(math.Min(float64(numWorkers-len(infos)), float64(suspendedInfos.Len())))
		for i := 0; i < diff; i++ {
			info := suspendedInfos.Pop().(*suspension).worker
			infos = append(infos, info)
			p.suspensions.remove(info.Addr)
		}
	}

	glog.Infof("Done fetching worker info numWorkers=%d responses=%d/%d timeout=%t",
		len(infos), nbResp, len(uris), timeout)
	return infos, nil
}

func (p *controllerPool) Size() int {
	return len(p.uris)
}

func (p *controllerPool) SuspendWorker(addr string) {
	p.suspensions.suspend(addr)
}

func (p *controllerPool) Suspended(addr string) int64 {
	if p.suspensions.isSuspended(addr) {
		return p.suspensions.suspendedAt(addr).Unix()
	}
	return 0
}
