package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/golang/glog"

	"contrib.go.opencensus.io/exporter/prometheus"
	rprom "github.com/prometheus/client_golang/prometheus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Enabled true if metrics was enabled in command line
var Enabled bool

// Exporter Prometheus exporter that handles `/metrics` endpoint
var Exporter *prometheus.Exporter

type censusMetricsCounter struct {
	nodeType string
	nodeID   string
	ctx      context.Context

	kNodeType  tag.Key
	kNodeID    tag.Key
	kTask      tag.Key
	kModelID   tag.Key
	kErrorCode tag.Key

	mInferenceRequest       *stats.Int64Measure
	mInferenceRequestFailed *stats.Int64Measure
	mInferenceRetried       *stats.Int64Measure
	mInferenceLatency       *stats.Float64Measure
	mWorkersConnected       *stats.Int64Measure
	mDiscoveryError         *stats.Int64Measure
	mContainersInUse        *stats.Int64Measure
	mContainersIdle         *stats.Int64Measure
	mGPUsIdle               *stats.Int64Measure

	lock sync.Mutex
}

var census censusMetricsCounter

func InitCensus(nodeType, nodeID, version string) {
	census = censusMetricsCounter{
		nodeType: nodeType,
		nodeID:   nodeID,
	}
	var err error
	census.kNodeType, _ = tag.NewKey("node_type")
	census.kNodeID, _ = tag.NewKey("node_id")
	census.kTask, _ = tag.NewKey("task")
	census.kModelID, _ = tag.NewKey("model_id")
	census.kErrorCode, _ = tag.NewKey("error_code")
	census.ctx, err = tag.New(context.Background(), tag.Insert(census.kNodeType, nodeType), tag.Insert(census.kNodeID, nodeID))
	if err != nil {
		glog.Fatal("Error creating context", err)
	}

	census.mInferenceRequest = stats.Int64("inference_request_total", "InferenceRequest", "tot")
	census.mInferenceRequestFailed = stats.Int64("inference_request_failed_total", "InferenceRequestFailed", "tot")
	census.mInferenceRetried = stats.Int64("inference_retried_total", "Number of times a request was retried on another worker", "tot")
	census.mInferenceLatency = stats.Float64("inference_latency_seconds", "End to end inference latency", "sec")
	census.mWorkersConnected = stats.Int64("workers_connected", "Number of live registered workers", "tot")
	census.mDiscoveryError = stats.Int64("discovery_errors_total", "Number of discovery errors", "tot")
	census.mContainersInUse = stats.Int64("runner_containers_in_use", "Number of runner containers currently serving", "tot")
	census.mContainersIdle = stats.Int64("runner_containers_idle", "Number of idle runner containers", "tot")
	census.mGPUsIdle = stats.Int64("gpus_idle", "Number of unallocated GPUs", "tot")

	glog.Infof("Compiler: %s Arch %s OS %s Go version %s", runtime.Compiler, runtime.GOARCH, runtime.GOOS, runtime.Version())
	glog.Infof("Lepton version: %s", version)
	glog.Infof("Node type %s node ID %s", nodeType, nodeID)

	baseTags := []tag.Key{census.kNodeID, census.kNodeType}
	modelTags := append([]tag.Key{census.kTask, census.kModelID}, baseTags...)
	views := []*view.View{
		{
			Name:        "inference_request_total",
			Measure:     census.mInferenceRequest,
			Description: "InferenceRequest",
			TagKeys:     modelTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "inference_request_failed_total",
			Measure:     census.mInferenceRequestFailed,
			Description: "InferenceRequestFailed",
			TagKeys:     append([]tag.Key{census.kErrorCode}, modelTags...),
			Aggregation: view.Count(),
		},
		{
			Name:        "inference_retried_total",
			Measure:     census.mInferenceRetried,
			Description: "InferenceRetried",
			TagKeys:     baseTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "inference_latency_seconds",
			Measure:     census.mInferenceLatency,
			Description: "InferenceLatency",
			TagKeys:     modelTags,
			Aggregation: view.Distribution(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
		},
		{
			Name:        "workers_connected",
			Measure:     census.mWorkersConnected,
			Description: "WorkersConnected",
			TagKeys:     baseTags,
			Aggregation: view.LastValue(),
		},
		{
			Name:        "discovery_errors_total",
			Measure:     census.mDiscoveryError,
			Description: "DiscoveryError",
			TagKeys:     append([]tag.Key{census.kErrorCode}, baseTags...),
			Aggregation: view.Count(),
		},
		{
			Name:        "runner_containers_in_use",
			Measure:     census.mContainersInUse,
			Description: "ContainersInUse",
			TagKeys:     modelTags,
			Aggregation: view.LastValue(),
		},
		{
			Name:        "runner_containers_idle",
			Measure:     census.mContainersIdle,
			Description: "ContainersIdle",
			TagKeys:     modelTags,
			Aggregation: view.LastValue(),
		},
		{
			Name:        "gpus_idle",
			Measure:     census.mGPUsIdle,
			Description: "GPUsIdle",
			TagKeys:     modelTags,
			Aggregation: view.LastValue(),
		},
	}

	if err := view.Register(views...); err != nil {
		glog.Fatalf("Failed to register views: %v", err)
	}
	registry := rprom.NewRegistry()
	registry.MustRegister(rprom.NewProcessCollector(rprom.ProcessCollectorOpts{}))
	registry.MustRegister(rprom.NewGoCollector())
	pe, err := prometheus.NewExporter(prometheus.Options{
		Namespace: "lepton",
		Registry:  registry,
	})
	if err != nil {
		glog.Fatalf("Failed to create the Prometheus stats exporter: %v", err)
	}
	view.RegisterExporter(pe)
	Exporter = pe

	// init metrics values
	stats.Record(census.ctx, census.mWorkersConnected.M(0))
}

func modelCtx(task, modelID string) context.Context {
	ctx, err := tag.New(census.ctx, tag.Upsert(census.kTask, task), tag.Upsert(census.kModelID, modelID))
	if err != nil {
		glog.Errorf("Error creating tagged context err=%q", err)
		return census.ctx
	}
	return ctx
}

// InferenceRequest records one dispatched inference request.
func InferenceRequest(task, modelID string) {
	stats.Record(modelCtx(task, modelID), census.mInferenceRequest.M(1))
}

// InferenceDone records end to end latency of a finished request.
func InferenceDone(task, modelID string, took time.Duration) {
	stats.Record(modelCtx(task, modelID), census.mInferenceLatency.M(took.Seconds()))
}

func InferenceRequestFailed(task, modelID, code string) {
	ctx, err := tag.New(modelCtx(task, modelID), tag.Upsert(census.kErrorCode, code))
	if err != nil {
		ctx = census.ctx
	}
	stats.Record(ctx, census.mInferenceRequestFailed.M(1))
}

func InferenceRetried() {
	stats.Record(census.ctx, census.mInferenceRetried.M(1))
}

// WorkersConnected records the current number of live workers.
func WorkersConnected(n int) {
	census.lock.Lock()
	defer census.lock.Unlock()
	stats.Record(census.ctx, census.mWorkersConnected.M(int64(n)))
}

func LogDiscoveryError(code string) {
	ctx, err := tag.New(census.ctx, tag.Upsert(census.kErrorCode, code))
	if err != nil {
		ctx = census.ctx
	}
	stats.Record(ctx, census.mDiscoveryError.M(1))
}

func ContainersInUse(n int, task, modelID string) {
	stats.Record(modelCtx(task, modelID), census.mContainersInUse.M(int64(n)))
}

func ContainersIdle(n int, task, modelID string) {
	stats.Record(modelCtx(task, modelID), census.mContainersIdle.M(int64(n)))
}

func GPUsIdle(n int, task, modelID string) {
	stats.Record(modelCtx(task, modelID), census.mGPUsIdle.M(int64(n)))
}
