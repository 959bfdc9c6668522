package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/ingestctl/internal/stream"
)

// Registry maps each stream to its live receiver handle. It is owned by the
// mailbox goroutine and never locked.
type Registry struct {
	handles map[stream.ID]stream.Handle
}

func newRegistry() *Registry {
	return &Registry{handles: make(map[stream.ID]stream.Handle)}
}

// put installs h for id, replacing any previous handle.
func (r *Registry) put(id stream.ID, h stream.Handle) (replaced bool) {
	_, replaced = r.handles[id]
	r.handles[id] = h
	return replaced
}

func (r *Registry) remove(id stream.ID) (stream.Handle, bool) {
	h, ok := r.handles[id]
	if ok {
		delete(r.handles, id)
	}
	return h, ok
}

func (r *Registry) len() int {
	return len(r.handles)
}

func (r *Registry) snapshot() []Registration {
	out := make([]Registration, 0, len(r.handles))
	for id, h := range r.handles {
		out = append(out, Registration{StreamID: id, Handle: h})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StreamID < out[j].StreamID
	})
	return out
}

// Registration is one registry entry as seen outside the mailbox.
type Registration struct {
	StreamID stream.ID
	Handle   stream.Handle
}

func (r Registration) Address() string {
	if r.Handle == nil {
		return ""
	}
	return r.Handle.Address()
}

// Failure records one receiver deregistration.
type Failure struct {
	StreamID stream.ID `json:"stream_id"`
	Address  string    `json:"address"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

const defaultFailureHistory = 128

type failureLog struct {
	mu    sync.RWMutex
	limit int
	items []Failure
}

func newFailureLog(limit int) *failureLog {
	if limit <= 0 {
		limit = defaultFailureHistory
	}
	return &failureLog{limit: limit}
}

func (f *failureLog) record(item Failure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	if over := len(f.items) - f.limit; over > 0 {
		f.items = append([]Failure(nil), f.items[over:]...)
	}
}

// recent returns up to limit failures, oldest first. limit <= 0 returns all.
func (f *failureLog) recent(limit int) []Failure {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if limit <= 0 || len(f.items) <= limit {
		out := make([]Failure, len(f.items))
		copy(out, f.items)
		return out
	}
	out := make([]Failure, limit)
	copy(out, f.items[len(f.items)-limit:])
	return out
}
