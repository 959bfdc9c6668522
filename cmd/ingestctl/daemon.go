package main

import (
	"context"
	"errors"

	"github.com/danmuck/ingestctl/internal/admin"
	"github.com/danmuck/ingestctl/internal/batch"
	"github.com/danmuck/ingestctl/internal/cluster"
	"github.com/danmuck/ingestctl/internal/config"
	"github.com/danmuck/ingestctl/internal/receiver"
	"github.com/danmuck/ingestctl/internal/tracker"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const defaultWorker = "local"

// run loads path and serves until ctx is done or every receiver has exited.
func run(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return serve(ctx, cfg)
}

func serve(ctx context.Context, cfg config.Config) error {
	store := receiver.NewMemoryStore()
	streams, err := cfg.StreamSet(store)
	if err != nil {
		return err
	}
	workers := cfg.Workers
	if len(workers) == 0 {
		workers = []string{defaultWorker}
	}
	engine := cluster.NewLocalCluster(workers...)

	t, err := tracker.New(cfg.TrackerConfig(), streams, engine)
	if err != nil {
		return err
	}
	scheduler, err := batch.NewScheduler(batch.Config{Interval: cfg.BatchInterval, SkipEmpty: true}, t, consumeBatch(store))
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := t.Start(runCtx); err != nil {
		return err
	}
	log.Info().
		Str("id", cfg.ID).
		Strs("workers", workers).
		Int("streams", streams.Len()).
		Msg("ingestctl started")

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	if cfg.AdminAddr != "" {
		srv := admin.New(admin.Config{Name: cfg.ID, CORSOrigins: cfg.CORSOrigins}, t)
		g.Go(func() error {
			return srv.Serve(gctx, cfg.AdminAddr)
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-t.Done():
			log.Warn().Msg("all receivers exited")
		}
		t.Stop()
		cancel()
		return nil
	})

	groupErr := g.Wait()
	runErr := t.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	log.Info().Msg("ingestctl stopped")
	return errors.Join(groupErr, runErr)
}

// consumeBatch stands in for a downstream job: it logs the batch and frees
// the drained blocks from the store.
func consumeBatch(store receiver.BlockStore) batch.Handler {
	return func(ctx context.Context, b batch.Batch) error {
		records := 0
		for _, refs := range b.Blocks {
			for _, ref := range refs {
				if recs, ok := store.Get(ref); ok {
					records += len(recs)
				}
				store.Delete(ref)
			}
		}
		log.Info().
			Time("batch_time", b.Time).
			Int("blocks", b.Size()).
			Int("records", records).
			Msg("batch consumed")
		return nil
	}
}
