package stream

import (
	"sync"
	"time"
)

const defaultMetadataHistory = 256

// Factory builds a fresh receiver for one stream.
type Factory func() Receiver

// MetadataEntry is one metadata payload observed for a stream.
type MetadataEntry struct {
	Metadata   any
	ObservedAt time.Time
}

// Definition is the standard InputStream: a receiver factory plus a bounded
// metadata log acting as the stream's metadata sink.
type Definition struct {
	id      ID
	name    string
	factory Factory

	mu      sync.Mutex
	limit   int
	history []MetadataEntry
}

// NewDefinition returns a stream definition for id backed by factory.
func NewDefinition(id ID, name string, factory Factory) *Definition {
	return &Definition{
		id:      id,
		name:    name,
		factory: factory,
		limit:   defaultMetadataHistory,
	}
}

func (d *Definition) ID() ID {
	return d.id
}

func (d *Definition) Name() string {
	if d.name == "" {
		return d.id.String()
	}
	return d.name
}

// NewReceiver returns nil when the definition has no factory.
func (d *Definition) NewReceiver() Receiver {
	if d.factory == nil {
		return nil
	}
	return d.factory()
}

// AddMetadata records metadata, dropping the oldest entry past the history limit.
func (d *Definition) AddMetadata(metadata any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, MetadataEntry{Metadata: metadata, ObservedAt: time.Now()})
	if over := len(d.history) - d.limit; over > 0 {
		d.history = append([]MetadataEntry(nil), d.history[over:]...)
	}
}

// RecentMetadata returns up to limit of the newest metadata entries, oldest first.
func (d *Definition) RecentMetadata(limit int) []MetadataEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := 0
	if limit > 0 && len(d.history) > limit {
		start = len(d.history) - limit
	}
	out := make([]MetadataEntry, len(d.history)-start)
	copy(out, d.history[start:])
	return out
}
