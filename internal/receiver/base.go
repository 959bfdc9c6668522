package receiver

import (
	"sync"

	"github.com/danmuck/ingestctl/internal/stream"
)

// Base carries the state every receiver needs. It doubles as the receiver's
// stream.Handle.
type Base struct {
	mu       sync.RWMutex
	id       stream.ID
	location string
	address  string
	reason   string

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewBase returns a Base that prefers location ("" for no preference) and
// advertises address.
func NewBase(location, address string) *Base {
	return &Base{
		location: location,
		address:  address,
		stopped:  make(chan struct{}),
	}
}

func (b *Base) SetStreamID(id stream.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.id = id
}

func (b *Base) StreamID() stream.ID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.id
}

func (b *Base) PreferredLocation() string {
	return b.location
}

func (b *Base) Address() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.address
}

func (b *Base) SetAddress(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.address = addr
}

// Stop records reason and closes Stopped. Later calls are ignored.
func (b *Base) Stop(reason string) {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.reason = reason
		b.mu.Unlock()
		close(b.stopped)
	})
}

func (b *Base) Stopped() <-chan struct{} {
	return b.stopped
}

func (b *Base) StopReason() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.reason
}
