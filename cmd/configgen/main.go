package main

import (
	"flag"
	"log"

	"github.com/danmuck/ingestctl/internal/config"
)

const defaultPath = "cmd/ingestctl/config.toml"

func main() {
	kind := flag.String("kind", "local", "template kind: local|cluster")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to "+defaultPath+")")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath
		}
		cfg, err := config.Load(path)
		if err != nil {
			log.Fatal(err)
		}
		if _, err := cfg.StreamSet(nil); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated config at %s (%d streams, transport=%s)", path, len(cfg.Streams), cfg.MailboxTransport)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
