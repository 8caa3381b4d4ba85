/*
Core contains the main functionality of the Lepton node.
*/
package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/leptonai/go-lepton/common"
)

var ErrLeptonNode = errors.New("ErrLeptonNode")
var ErrNotFound = errors.New("ErrNotFound")

// LeptonVersion is overridden at build time with the VCS tag.
var LeptonVersion = "0.2.0-unstable"

type NodeType int

const (
	DefaultNode NodeType = iota
	ControllerNode
	WorkerNode
	FrontendNode
)

// InferenceLoopTimeout terminates idle serving sessions.
const InferenceLoopTimeout = 10 * time.Minute

// InferenceRequest is the unit of work dispatched between nodes.
type InferenceRequest struct {
	ID        string          `json:"id,omitempty"`
	Task      string          `json:"task"`
	ModelID   string          `json:"model_id"`
	SessionID string          `json:"session_id,omitempty"`
	Inputs    json.RawMessage `json:"inputs,omitempty"`
	Prompt    string          `json:"prompt,omitempty"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type InferenceResponse struct {
	ID      string          `json:"id,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
	Text    string          `json:"text,omitempty"`
	ModelID string          `json:"model_id,omitempty"`
	Worker  string          `json:"worker,omitempty"`
	TookMs  int64           `json:"took_ms,omitempty"`
}

// Runner executes inference for a loaded photon. Implemented by the
// in-process runner, the docker runner and the load balancing wrapper.
type Runner interface {
	Run(ctx context.Context, req *InferenceRequest) (*InferenceResponse, error)
	HasCapacity(task, modelID string) bool
}

// LeptonNode holds the state shared by the role servers.
type LeptonNode struct {
	NodeType NodeType
	Database *common.DB
	WorkDir  string

	// Worker role
	Photon *Photon
	Runner Runner

	// Controller role
	WorkerManager *RemoteWorkerManager
}

func NewLeptonNode(db *common.DB, workDir string) (*LeptonNode, error) {
	return &LeptonNode{
		NodeType: DefaultNode,
		Database: db,
		WorkDir:  workDir,
	}, nil
}

func inferenceLoopContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), InferenceLoopTimeout)
}
