// Package batch drives block draining on a fixed interval, standing in for a
// downstream job generator that consumes the tracker's ledger.
package batch

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/ingestctl/internal/observability"
	"github.com/danmuck/ingestctl/internal/stream"
	"github.com/rs/zerolog/log"
)

const DefaultInterval = time.Second

var ErrNoSource = errors.New("batch: source required")

// Source is the drain side of the tracker.
type Source interface {
	Streams() *stream.Set
	DrainBlocks(id stream.ID, batchTime time.Time) []stream.BlockRef
}

// Batch is every block drained for one batch time, keyed by stream.
type Batch struct {
	Time   time.Time
	Blocks map[stream.ID][]stream.BlockRef
}

// Size is the total number of blocks in the batch.
func (b Batch) Size() int {
	n := 0
	for _, refs := range b.Blocks {
		n += len(refs)
	}
	return n
}

type Handler func(ctx context.Context, b Batch) error

type Config struct {
	Interval time.Duration
	Clock    clock.Clock
	// SkipEmpty suppresses handler calls for batches with no blocks.
	SkipEmpty bool
}

type Scheduler struct {
	cfg     Config
	source  Source
	handler Handler
}

func NewScheduler(cfg Config, source Source, handler Handler) (*Scheduler, error) {
	if source == nil {
		return nil, ErrNoSource
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if handler == nil {
		handler = LogHandler
	}
	return &Scheduler{cfg: cfg, source: source, handler: handler}, nil
}

// Run ticks until ctx is done. Handler errors are logged and do not stop
// the schedule.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.cfg.Clock.Ticker(s.cfg.Interval)
	defer ticker.Stop()
	log.Info().Dur("interval", s.cfg.Interval).Msg("batch scheduler started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("batch scheduler stopped")
			return nil
		case t := <-ticker.C:
			b := s.Cut(t)
			if s.cfg.SkipEmpty && b.Size() == 0 {
				continue
			}
			if err := s.handler(ctx, b); err != nil {
				log.Warn().Err(err).Time("batch_time", b.Time).Msg("batch handler failed")
			}
		}
	}
}

// Cut drains every stream once with batchTime and returns the result.
func (s *Scheduler) Cut(batchTime time.Time) Batch {
	b := Batch{Time: batchTime, Blocks: make(map[stream.ID][]stream.BlockRef)}
	for _, id := range s.source.Streams().IDs() {
		refs := s.source.DrainBlocks(id, batchTime)
		if len(refs) > 0 {
			b.Blocks[id] = refs
		}
	}
	observability.RecordBatch()
	return b
}

// LogHandler logs a per-stream summary of each batch.
func LogHandler(_ context.Context, b Batch) error {
	ev := log.Info().Time("batch_time", b.Time).Int("blocks", b.Size())
	for id, refs := range b.Blocks {
		ev = ev.Int(id.String(), len(refs))
	}
	ev.Msg("batch cut")
	return nil
}
