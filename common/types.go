package common

import (
	"net/url"
)

// DefaultTask is assumed for model strings without an explicit task prefix.
const DefaultTask = "text-generation"

// Tasks that the pipeline registry knows how to build, mirroring the
// serving surface of the photon runtime.
var StandardTasks = []string{
	"audio-classification",
	"automatic-speech-recognition",
	"depth-estimation",
	"sentiment-analysis",
	"summarization",
	"text-classification",
	"text-generation",
	"text2text-generation",
}

// WorkerInfo is what a worker advertises to the controller at registration
// and on every heartbeat.
type WorkerInfo struct {
	Addr     string `json:"addr"`
	Photon   string `json:"photon"`
	Task     string `json:"task"`
	ModelID  string `json:"model_id"`
	Capacity int    `json:"capacity"`
	Version  string `json:"version"`
	GPUs     int    `json:"gpus"`
	Queued   int    `json:"queued,omitempty"`
}

// ControllerPool is the frontend's view of one or more controllers.
type ControllerPool interface {
	GetURLs() []*url.URL
	GetWorkers(int) ([]*WorkerInfo, error)
	Size() int
}

type Suspender interface {
	Suspended(addr string) int64
}

// DeploymentStore is the subset of the DB used by the controller.
type DeploymentStore interface {
	SelectDeployments(filter *DBDeploymentFilter) ([]*DBDeployment, error)
	GetDeployment(name string) (*DBDeployment, error)
	InsertDeployment(d *DBDeployment) error
	UpdateDeploymentState(name, state string) error
	DeleteDeployment(name string) error
}
