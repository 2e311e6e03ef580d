// Package health aggregates dependency probes for the health endpoint. A
// probe is just a ping; the registry turns results into reportable statuses
// with per-dependency latency.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the outcome of probing one dependency.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	LatencyMS int64  `json:"latencyMs"`
	Detail    string `json:"detail,omitempty"`
}

// Probe pings one dependency. A nil return means healthy.
type Probe func(ctx context.Context) error

// Registry holds named probes and runs them on demand.
type Registry struct {
	mu     sync.RWMutex
	names  []string
	probes map[string]Probe
}

func NewRegistry() *Registry {
	return &Registry{probes: make(map[string]Probe)}
}

// Register adds a probe under a name. Registering the same name again
// replaces the probe but keeps its position in the report.
func (r *Registry) Register(name string, p Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.probes[name]; !ok {
		r.names = append(r.names, name)
	}
	r.probes[name] = p
}

// CheckAll runs every probe in registration order and reports whether all
// dependencies are healthy.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := make([]string, len(r.names))
	copy(names, r.names)
	probes := make(map[string]Probe, len(r.probes))
	for n, p := range r.probes {
		probes[n] = p
	}
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		start := time.Now()
		err := probes[name](ctx)
		st := Status{
			Name:      name,
			Healthy:   err == nil,
			LatencyMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			st.Detail = err.Error()
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}
