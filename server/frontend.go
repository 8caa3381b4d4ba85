package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/patrickmn/go-cache"

	"github.com/leptonai/go-lepton/common"
	"github.com/leptonai/go-lepton/core"
	"github.com/leptonai/go-lepton/monitor"
)

// DefaultFrontendPort is the port the frontend listens on.
const DefaultFrontendPort = "8080"

// DefaultControllerURL is used when CONTROLLER_ADDR is not set.
const DefaultControllerURL = "http://0.0.0.0:21001"

const (
	modelCacheKey        = "models"
	modelCacheExpiry     = 30 * time.Second
	modelCacheGCInterval = 5 * time.Minute
)

// Frontend is the public ingress: it serves the model list, proxies
// inference to the controller and hosts a minimal chat page.
type Frontend struct {
	controllerAddr string
	pool           common.ControllerPool

	cache   *cache.Cache
	started time.Time
}

// ControllerAddrFromEnv resolves the controller address the way the compose
// setup wires it.
func ControllerAddrFromEnv() string {
	if addr := os.Getenv("CONTROLLER_ADDR"); addr != "" {
		return addr
	}
	return DefaultControllerURL
}

func NewFrontend(controllerAddr string, pool common.ControllerPool) *Frontend {
	return &Frontend{
		controllerAddr: controllerAddr,
		pool:           pool,
		cache:          cache.New(modelCacheExpiry, modelCacheGCInterval),
		started:        time.Now(),
	}
}

// Handler builds the frontend's HTTP mux.
func (f *Frontend) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/models", f.models)
	mux.HandleFunc("/api/v1/run", f.run)
	mux.HandleFunc("/api/v1/chat/completions", f.chatCompletions)
	mux.HandleFunc("/api/v1/workers", f.workers)
	mux.HandleFunc("/chat", f.chat)
	mux.HandleFunc("/status", f.status)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	if monitor.Enabled && monitor.Exporter != nil {
		mux.Handle("/metrics", monitor.Exporter)
	}
	return mux
}

// StartFrontendServer runs the frontend until ctx is cancelled.
func StartFrontendServer(ctx context.Context, addr string, f *Frontend) error {
	srv := &http.Server{Addr: addr, Handler: f.Handler()}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()
	glog.Infof("Frontend listening on %s controller=%s", addr, f.controllerAddr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// fetchModels pulls the distinct served models from the controller.
// Declared as a variable so tests can stub the network call.
var fetchModels = func(ctx context.Context, controllerAddr string) ([]common.WorkerInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, common.JoinURL(controllerAddr, listModelsPath), nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := common.ReadAtMost(resp.Body, common.MaxBodySize)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &httpError{Code: resp.StatusCode, Body: string(body)}
	}
	var models []common.WorkerInfo
	if err := json.Unmarshal(body, &models); err != nil {
		return nil, err
	}
	return models, nil
}

// models serves the model list, cached briefly so chat page refreshes don't
// hammer the controller.
func (f *Frontend) models(w http.ResponseWriter, r *http.Request) {
	if cached, ok := f.cache.Get(modelCacheKey); ok {
		respondJSON(w, http.StatusOK, cached)
		return
	}
	models, err := fetchModels(r.Context(), f.controllerAddr)
	if err != nil {
		respondWithError(w, err.Error(), http.StatusBadGateway)
		return
	}
	f.cache.SetDefault(modelCacheKey, models)
	respondJSON(w, http.StatusOK, models)
}

// workerSuspender is implemented by pools with suspension bookkeeping.
type workerSuspender interface {
	SuspendWorker(addr string)
}

// suspendFromError parks the worker a failed dispatch named, so discovery
// deprioritizes it until it recovers.
func (f *Frontend) suspendFromError(err error) {
	if f.pool == nil {
		return
	}
	suspender, ok := f.pool.(workerSuspender)
	if !ok {
		return
	}
	var he *httpError
	if !errors.As(err, &he) {
		return
	}
	var body struct {
		Worker string `json:"worker"`
	}
	if json.Unmarshal([]byte(he.Body), &body) != nil || body.Worker == "" {
		return
	}
	glog.Warningf("Suspending worker=%s after failed dispatch", body.Worker)
	suspender.SuspendWorker(body.Worker)
}

// run proxies an inference request to the controller.
func (f *Frontend) run(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req := &core.InferenceRequest{}
	if err := decodeJSONBody(r, req); err != nil {
		respondWithError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = common.RandName()
	}
	start := time.Now()
	res := &core.InferenceResponse{}
	if err := postJSON(r.Context(), dispatchClient, common.JoinURL(f.controllerAddr, "/run"), req, res); err != nil {
		f.suspendFromError(err)
		respondWithError(w, err.Error(), http.StatusBadGateway)
		return
	}
	monitor.SendQueueEventAsync("inference", map[string]interface{}{
		"request_id": req.ID,
		"task":       req.Task,
		"model_id":   req.ModelID,
		"worker":     res.Worker,
		"took_ms":    time.Since(start).Milliseconds(),
	})
	respondJSON(w, http.StatusOK, res)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
}

// chatCompletions serves the OpenAI-style chat surface over the same
// inference path as /api/v1/run. The prompt is the last user message.
func (f *Frontend) chatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	chatReq := &chatCompletionRequest{}
	if err := decodeJSONBody(r, chatReq); err != nil {
		respondWithError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var prompt string
	for _, m := range chatReq.Messages {
		if m.Role == "user" {
			prompt = m.Content
		}
	}
	if prompt == "" {
		respondWithError(w, "no user message in request", http.StatusBadRequest)
		return
	}

	req := &core.InferenceRequest{
		ID:        common.RandName(),
		ModelID:   chatReq.Model,
		Prompt:    prompt,
		MaxTokens: chatReq.MaxTokens,
	}
	start := time.Now()
	res := &core.InferenceResponse{}
	if err := postJSON(r.Context(), dispatchClient, common.JoinURL(f.controllerAddr, "/run"), req, res); err != nil {
		f.suspendFromError(err)
		respondWithError(w, err.Error(), http.StatusBadGateway)
		return
	}
	monitor.SendQueueEventAsync("inference", map[string]interface{}{
		"request_id": req.ID,
		"model_id":   req.ModelID,
		"worker":     res.Worker,
		"took_ms":    time.Since(start).Milliseconds(),
	})
	respondJSON(w, http.StatusOK, &chatCompletionResponse{
		ID:      "chatcmpl-" + req.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   chatReq.Model,
		Choices: []chatCompletionChoice{{
			Message:      chatMessage{Role: "assistant", Content: res.Text},
			FinishReason: "stop",
		}},
	})
}

// workers exposes the discovered worker set, mostly for debugging.
func (f *Frontend) workers(w http.ResponseWriter, r *http.Request) {
	if f.pool == nil {
		respondJSON(w, http.StatusOK, []*common.WorkerInfo{})
		return
	}
	workers, err := f.pool.GetWorkers(100)
	if err != nil {
		respondWithError(w, err.Error(), http.StatusBadGateway)
		return
	}
	respondJSON(w, http.StatusOK, workers)
}

var chatTemplate = template.Must(template.New("chat").Parse(`<!doctype html>
<html>
<head><title>Lepton Chat</title></head>
<body>
<h3>Lepton Chat</h3>
<select id="model">
{{range .Models}}<option value="{{.ModelID}}">{{.ModelID}} ({{.Task}})</option>{{end}}
</select>
<div id="log"></div>
<input id="prompt" size="80" placeholder="Say something"/>
<button onclick="send()">Send</button>
<script>
async function send() {
  const prompt = document.getElementById('prompt').value;
  const model = document.getElementById('model').value;
  const resp = await fetch('/api/v1/run', {
    method: 'POST',
    headers: {'Content-Type': 'application/json'},
    body: JSON.stringify({model_id: model, prompt: prompt})
  });
  const data = await resp.json();
  document.getElementById('log').innerText += '\n> ' + prompt + '\n' + (data.text || '');
}
</script>
</body>
</html>`))

func (f *Frontend) chat(w http.ResponseWriter, r *http.Request) {
	models, err := fetchModels(r.Context(), f.controllerAddr)
	if err != nil {
		glog.Errorf("Could not fetch models for chat page err=%q", err)
	}
	w.Header().Set("Content-Type", "text/html")
	if err := chatTemplate.Execute(w, map[string]interface{}{"Models": models}); err != nil {
		glog.Errorf("Error rendering chat page err=%q", err)
	}
}

func (f *Frontend) status(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"version":     core.LeptonVersion,
		"controller":  f.controllerAddr,
		"uptime":      humanize.Time(f.started),
		"heap_in_use": humanize.Bytes(mem.HeapInuse),
		"goroutines":  fmt.Sprint(runtime.NumGoroutine()),
	})
}
