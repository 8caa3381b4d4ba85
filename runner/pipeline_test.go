package runner

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leptonai/go-lepton/core"
)

type stubPipeline struct {
	quantized bool
}

func (p *stubPipeline) Run(ctx context.Context, req *core.InferenceRequest) (*core.InferenceResponse, error) {
	return &core.InferenceResponse{Text: "ok: " + req.Prompt}, nil
}

func TestNewPipelineUnknownTask(t *testing.T) {
	_, err := NewPipeline(context.Background(), "no-such-task", "gpt2", false)
	require.ErrorContains(t, err, "no pipeline registered for task no-such-task")
}

func TestNewPipelineQuantizedFallback(t *testing.T) {
	require := require.New(t)

	var calls []bool
	RegisterPipeline(func(ctx context.Context, task, modelID string, quantized bool) (Pipeline, error) {
		calls = append(calls, quantized)
		if quantized {
			return nil, errors.New("quantized build unavailable")
		}
		return &stubPipeline{quantized: quantized}, nil
	}, "test-task-fallback")

	p, err := NewPipeline(context.Background(), "test-task-fallback", "gpt2", true)
	require.NoError(err)
	require.NotNil(p)
	// Quantized is attempted first, full precision second.
	require.Equal([]bool{true, false}, calls)
}

func TestNewPipelineGgmlNoFallback(t *testing.T) {
	require := require.New(t)

	var calls []bool
	RegisterPipeline(func(ctx context.Context, task, modelID string, quantized bool) (Pipeline, error) {
		calls = append(calls, quantized)
		return nil, errors.New("missing weights")
	}, "test-task-ggml")

	_, err := NewPipeline(context.Background(), "test-task-ggml", "llama-7b-ggml-q4", false)
	require.ErrorContains(err, "missing weights")
	require.Equal([]bool{true}, calls)
}

func TestPipelineRunnerCapacity(t *testing.T) {
	require := require.New(t)

	block := make(chan struct{})
	started := make(chan struct{})
	RegisterPipeline(func(ctx context.Context, task, modelID string, quantized bool) (Pipeline, error) {
		return blockingPipeline{block: block, started: started}, nil
	}, "test-task-capacity")

	session := NewPipelineRunnerFactory("test-task-capacity", "gpt2", false, 1)("gpu-0")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := session.Run(context.Background(), &core.InferenceRequest{
			Task: "test-task-capacity", ModelID: "gpt2", Prompt: "hi",
		})
		require.NoError(err)
		require.Equal("done", res.Text)
	}()

	<-started
	require.False(session.HasCapacity("test-task-capacity", "gpt2"))
	_, err := session.Run(context.Background(), &core.InferenceRequest{Task: "test-task-capacity", ModelID: "gpt2"})
	require.ErrorIs(err, core.ErrRunnerBusy)

	close(block)
	wg.Wait()
	require.True(session.HasCapacity("test-task-capacity", "gpt2"))
	require.False(session.HasCapacity("test-task-capacity", "other-model"))
}

type blockingPipeline struct {
	block   chan struct{}
	started chan struct{}
}

func (p blockingPipeline) Run(ctx context.Context, req *core.InferenceRequest) (*core.InferenceResponse, error) {
	close(p.started)
	<-p.block
	return &core.InferenceResponse{Text: "done"}, nil
}

func TestPipelineRunnerStopped(t *testing.T) {
	require := require.New(t)

	RegisterPipeline(func(ctx context.Context, task, modelID string, quantized bool) (Pipeline, error) {
		return &stubPipeline{}, nil
	}, "test-task-stop")

	session := NewPipelineRunnerFactory("test-task-stop", "gpt2", false, 2)("gpu-0")
	session.Stop()

	_, err := session.Run(context.Background(), &core.InferenceRequest{Task: "test-task-stop", ModelID: "gpt2"})
	require.ErrorIs(err, core.ErrRunnerStopped)
	require.False(session.HasCapacity("test-task-stop", "gpt2"))
}

func TestExternalPipelines(t *testing.T) {
	require := require.New(t)

	ts := runnerServer(t, HealthOK)
	ExternalPipelines(RunnerEndpoint{URL: ts.URL})

	p, err := NewPipeline(context.Background(), "text-generation", "gpt2", false)
	require.NoError(err)

	res, err := p.Run(context.Background(), &core.InferenceRequest{
		Task: "text-generation", ModelID: "gpt2", Prompt: "hello",
	})
	require.NoError(err)
	require.Equal("generated: hello", res.Text)
}
