package receiver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/ingestctl/internal/stream"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBlockInterval = 200 * time.Millisecond
	finalFlushTimeout    = 5 * time.Second
)

// BlockMetadata is reported alongside every block the generator cuts.
type BlockMetadata struct {
	Records     int   `json:"records"`
	FirstOffset int64 `json:"first_offset"`
	LastOffset  int64 `json:"last_offset"`
}

type GeneratorConfig struct {
	Interval time.Duration
	Clock    clock.Clock
	Store    BlockStore
	NewRef   func(id stream.ID) stream.BlockRef
}

// NewBlockRef returns a unique ref of the form input-<stream>-<uuid>.
func NewBlockRef(id stream.ID) stream.BlockRef {
	return stream.BlockRef(fmt.Sprintf("input-%d-%s", int(id), uuid.NewString()))
}

// Generator buffers records and cuts them into one block per interval.
type Generator struct {
	id  stream.ID
	ep  stream.Endpoint
	cfg GeneratorConfig

	mu      sync.Mutex
	pending []Record
	blocks  int
}

func NewGenerator(id stream.ID, ep stream.Endpoint, cfg GeneratorConfig) *Generator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultBlockInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.NewRef == nil {
		cfg.NewRef = NewBlockRef
	}
	return &Generator{id: id, ep: ep, cfg: cfg}
}

// Add buffers one record for the next block.
func (g *Generator) Add(rec Record) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = append(g.pending, rec)
}

// Buffered reports how many records wait for the next block.
func (g *Generator) Buffered() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Blocks reports how many blocks have been cut and reported.
func (g *Generator) Blocks() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocks
}

// Flush cuts buffered records into one stored block and reports it. It
// returns "" when nothing was buffered. On failure the records go back to
// the front of the buffer for the next flush.
func (g *Generator) Flush(ctx context.Context) (stream.BlockRef, error) {
	g.mu.Lock()
	records := g.pending
	g.pending = nil
	g.mu.Unlock()
	if len(records) == 0 {
		return "", nil
	}

	ref := g.cfg.NewRef(g.id)
	if err := g.cfg.Store.Put(ref, records); err != nil {
		g.requeue(records)
		return "", fmt.Errorf("receiver: store block %s: %w", ref, err)
	}
	meta := BlockMetadata{
		Records:     len(records),
		FirstOffset: records[0].Offset,
		LastOffset:  records[len(records)-1].Offset,
	}
	if err := g.ep.ReportBlocks(ctx, g.id, []stream.BlockRef{ref}, meta); err != nil {
		g.cfg.Store.Delete(ref)
		g.requeue(records)
		return "", fmt.Errorf("receiver: report block %s: %w", ref, err)
	}

	g.mu.Lock()
	g.blocks++
	g.mu.Unlock()
	log.Debug().
		Int("stream_id", int(g.id)).
		Str("block", string(ref)).
		Int("records", meta.Records).
		Msg("receiver block reported")
	return ref, nil
}

// Run flushes once per interval until ctx is done, then flushes what is left.
func (g *Generator) Run(ctx context.Context) error {
	ticker := g.cfg.Clock.Ticker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
			defer cancel()
			if _, err := g.Flush(flushCtx); err != nil {
				g.logDropped(err, "final flush")
				return err
			}
			return nil
		case <-ticker.C:
			if _, err := g.Flush(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				g.logDropped(err, "flush")
				return err
			}
		}
	}
}

func (g *Generator) requeue(records []Record) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = append(records, g.pending...)
}

// logDropped reports records left unflushed when the generator gives up.
func (g *Generator) logDropped(err error, stage string) {
	log.Error().
		Err(err).
		Int("stream_id", int(g.id)).
		Str("stage", stage).
		Int("dropped_records", g.Buffered()).
		Msg("receiver generator stopped with unreported records")
}
