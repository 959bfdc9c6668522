// Package ledger buffers reported block references per stream until the batch
// scheduler drains them.
//
// Locking is two-level: a structural lock guards the stream->queue map and is
// held only to find or create a queue; each queue has its own lock guarding
// append and drain. Unrelated streams never contend on a queue lock.
package ledger

import (
	"sort"
	"sync"

	"github.com/danmuck/ingestctl/internal/stream"
)

type queue struct {
	mu   sync.Mutex
	refs []stream.BlockRef
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu     sync.RWMutex
	queues map[stream.ID]*queue
}

func New() *Ledger {
	return &Ledger{queues: make(map[stream.ID]*queue)}
}

// Append adds refs to the end of the stream's queue, creating it on first use.
func (l *Ledger) Append(id stream.ID, refs []stream.BlockRef) {
	if len(refs) == 0 {
		return
	}
	q := l.queueFor(id)
	q.mu.Lock()
	q.refs = append(q.refs, refs...)
	q.mu.Unlock()
}

// DrainAll removes and returns every queued ref for the stream. The result is
// never nil. Draining a stream that never received blocks creates no state.
func (l *Ledger) DrainAll(id stream.ID) []stream.BlockRef {
	q, ok := l.lookup(id)
	if !ok {
		return []stream.BlockRef{}
	}
	q.mu.Lock()
	out := q.refs
	q.refs = nil
	q.mu.Unlock()
	if out == nil {
		return []stream.BlockRef{}
	}
	return out
}

// Pending returns the number of queued refs for the stream.
func (l *Ledger) Pending(id stream.ID) int {
	q, ok := l.lookup(id)
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.refs)
}

// Streams returns ids that have a queue, in ascending order.
func (l *Ledger) Streams() []stream.ID {
	l.mu.RLock()
	out := make([]stream.ID, 0, len(l.queues))
	for id := range l.queues {
		out = append(out, id)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i] < out[j]
	})
	return out
}

func (l *Ledger) lookup(id stream.ID) (*queue, bool) {
	l.mu.RLock()
	q, ok := l.queues[id]
	l.mu.RUnlock()
	return q, ok
}

func (l *Ledger) queueFor(id stream.ID) *queue {
	if q, ok := l.lookup(id); ok {
		return q
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if q, ok := l.queues[id]; ok {
		return q
	}
	q := &queue{}
	l.queues[id] = q
	return q
}
