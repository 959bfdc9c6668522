package receiver

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/danmuck/ingestctl/internal/stream"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var ErrRegistrationRejected = errors.New("receiver: registration rejected")

// ProduceFunc pulls records from a source into g until ctx is done. A
// non-nil return while ctx is still live is treated as a receiver failure.
type ProduceFunc func(ctx context.Context, g *Generator) error

// Run registers b with ep, runs produce alongside a block generator, and
// deregisters with the failure reason if produce fails. It returns an error
// only when registration fails.
func Run(ctx context.Context, ep stream.Endpoint, b *Base, cfg GeneratorConfig, produce ProduceFunc) error {
	id := b.StreamID()
	origin := stream.OriginFromContext(ctx)
	if origin == "" {
		origin, _ = os.Hostname()
	}
	ok, err := ep.Register(ctx, id, b, origin)
	if err != nil {
		return fmt.Errorf("receiver: register %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrRegistrationRejected, id)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.Stopped():
			log.Info().Int("stream_id", int(id)).Str("reason", b.StopReason()).Msg("receiver stop signal")
			cancel()
		case <-runCtx.Done():
		}
	}()

	gen := NewGenerator(id, ep, cfg)
	var produceErr error
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return gen.Run(gctx)
	})
	g.Go(func() error {
		err := produce(gctx, gen)
		if err != nil && gctx.Err() == nil {
			produceErr = err
			return err
		}
		return nil
	})
	genErr := g.Wait()

	failure := produceErr
	if failure == nil && genErr != nil && runCtx.Err() == nil {
		failure = genErr
	}
	if failure == nil {
		log.Info().Int("stream_id", int(id)).Int("blocks", gen.Blocks()).Msg("receiver stopped")
		return nil
	}

	log.Error().Err(failure).Int("stream_id", int(id)).Msg("receiver failed")
	dctx, dcancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer dcancel()
	if err := ep.Deregister(dctx, id, failure.Error()); err != nil {
		log.Warn().Err(err).Int("stream_id", int(id)).Msg("receiver deregister failed")
	}
	return nil
}
