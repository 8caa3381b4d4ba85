package discovery

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leptonai/go-lepton/common"
)

func mustParseURLs(t *testing.T, raw ...string) []*url.URL {
	var uris []*url.URL
	for _, r := range raw {
		u, err := url.Parse(r)
		require.NoError(t, err)
		uris = append(uris, u)
	}
	return uris
}

func stubWorkers(byController map[string][]*common.WorkerInfo) func(ctx context.Context, uri *url.URL) ([]*common.WorkerInfo, error) {
	return func(ctx context.Context, uri *url.URL) ([]*common.WorkerInfo, error) {
		workers, ok := byController[uri.Host]
		if !ok {
			return nil, errors.New("connection refused")
		}
		return workers, nil
	}
}

func TestControllerPool_GetWorkers(t *testing.T) {
	assert := assert.New(t)

	oldGet := getControllerWorkers
	defer func() { getControllerWorkers = oldGet }()
	getControllerWorkers = stubWorkers(map[string][]*common.WorkerInfo{
		"ctrl1:21001": {
			{Addr: "10.0.0.1:21002", Task: "text-generation", ModelID: "gpt2"},
			{Addr: "10.0.0.2:21002", Task: "text-generation", ModelID: "gpt2"},
		},
	})

	pool := NewControllerPool(mustParseURLs(t, "http://ctrl1:21001"))
	assert.Equal(1, pool.Size())

	workers, err := pool.GetWorkers(5)
	assert.Nil(err)
	assert.Len(workers, 2)

	// numWorkers caps the result
	workers, err = pool.GetWorkers(1)
	assert.Nil(err)
	assert.Len(workers, 1)
}

func TestControllerPool_DedupAcrossControllers(t *testing.T) {
	assert := assert.New(t)

	oldGet := getControllerWorkers
	defer func() { getControllerWorkers = oldGet }()
	shared := &common.WorkerInfo{Addr: "10.0.0.1:21002", Task: "text-generation", ModelID: "gpt2"}
	getControllerWorkers = stubWorkers(map[string][]*common.WorkerInfo{
		"ctrl1:21001": {shared},
		"ctrl2:21001": {shared, {Addr: "10.0.0.2:21002", Task: "text-generation", ModelID: "gpt2"}},
	})

	pool := NewControllerPool(mustParseURLs(t, "http://ctrl1:21001", "http://ctrl2:21001"))
	workers, err := pool.GetWorkers(5)
	assert.Nil(err)
	assert.Len(workers, 2)
}

func TestControllerPool_UnreachableController(t *testing.T) {
	assert := assert.New(t)

	oldGet := getControllerWorkers
	defer func() { getControllerWorkers = oldGet }()
	getControllerWorkers = stubWorkers(map[string][]*common.WorkerInfo{
		"ctrl1:21001": {{Addr: "10.0.0.1:21002", Task: "text-generation", ModelID: "gpt2"}},
	})

	pool := NewControllerPool(mustParseURLs(t, "http://ctrl1:21001", "http://down:21001"))
	workers, err := pool.GetWorkers(5)
	assert.Nil(err)
	assert.Len(workers, 1)
}

func TestControllerPool_Pred(t *testing.T) {
	assert := assert.New(t)

	oldGet := getControllerWorkers
	defer func() { getControllerWorkers = oldGet }()
	getControllerWorkers = stubWorkers(map[string][]*common.WorkerInfo{
		"ctrl1:21001": {
			{Addr: "10.0.0.1:21002", Task: "text-generation", ModelID: "gpt2"},
			{Addr: "10.0.0.2:21002", Task: "summarization", ModelID: "t5-small"},
		},
	})

	pool := NewControllerPoolWithPred(mustParseURLs(t, "http://ctrl1:21001"), func(info *common.WorkerInfo) bool {
		return info.ModelID == "gpt2"
	})
	workers, err := pool.GetWorkers(5)
	assert.Nil(err)
	assert.Len(workers, 1)
	assert.Equal("10.0.0.1:21002", workers[0].Addr)
}

func TestControllerPool_Suspensions(t *testing.T) {
	assert := assert.New(t)

	oldGet := getControllerWorkers
	defer func() { getControllerWorkers = oldGet }()
	getControllerWorkers = stubWorkers(map[string][]*common.WorkerInfo{
		"ctrl1:21001": {
			{Addr: "10.0.0.1:21002", Task: "text-generation", ModelID: "gpt2"},
			{Addr: "10.0.0.2:21002", Task: "text-generation", ModelID: "gpt2"},
		},
	})

	pool := NewControllerPool(mustParseURLs(t, "http://ctrl1:21001"))
	pool.SuspendWorker("10.0.0.1:21002")
	assert.NotZero(pool.Suspended("10.0.0.1:21002"))
	assert.Zero(pool.Suspended("10.0.0.2:21002"))

	// suspended workers are skipped while enough others respond
	workers, err := pool.GetWorkers(1)
	assert.Nil(err)
	assert.Len(workers, 1)
	assert.Equal("10.0.0.2:21002", workers[0].Addr)

	// but backfill the result when there aren't enough
	workers, err = pool.GetWorkers(2)
	assert.Nil(err)
	assert.Len(workers, 2)
	// backfilling lifts the suspension
	assert.Zero(pool.Suspended("10.0.0.1:21002"))
}

func TestSuspensionList(t *testing.T) {
	assert := assert.New(t)
	l := newSuspensionList()

	assert.False(l.isSuspended("a"))
	l.suspend("a")
	assert.True(l.isSuspended("a"))
	assert.False(l.suspendedAt("a").IsZero())
	l.remove("a")
	assert.False(l.isSuspended("a"))
}
