package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/ingestctl/internal/observability"
	"github.com/rs/zerolog/log"
)

func main() {
	path := flag.String("config", "cmd/ingestctl/config.toml", "path to ingestctl config")
	flag.Parse()

	observability.InitLogger("ingestctl")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *path); err != nil {
		log.Error().Err(err).Msg("ingestctl exited")
		fmt.Fprintf(os.Stderr, "ingestctl: %v\n", err)
		os.Exit(1)
	}
}
