package core

import (
	"sync"

	"github.com/golang/glog"
)

// Registry is a keyed registry. Registering a key that already exists
// logs a warning and overrides the previous value.
type Registry struct {
	mu sync.RWMutex
	m  map[string]interface{}
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]interface{})}
}

func (r *Registry) Register(value interface{}, keys ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range keys {
		if prev, ok := r.m[key]; ok {
			glog.Warningf("Overriding previously registered %q value %v", key, prev)
		}
		r.m[key] = value
	}
}

// Get returns nil when the key was never registered.
func (r *Registry) Get(key string) interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.m[key]
}

func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.m))
	for k := range r.m {
		keys = append(keys, k)
	}
	return keys
}
