package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

var ErrUnknownCommand = errors.New("unknown command")

func main() {
	addr := flag.String("addr", "127.0.0.1:9410", "ingestctl admin address")
	limit := flag.Int("limit", 20, "failure history limit")
	timeout := flag.Duration("timeout", 2*time.Second, "request timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: ingestadm [flags] receivers|streams|failures|health\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cmd := "receivers"
	if flag.NArg() > 0 {
		cmd = strings.ToLower(strings.TrimSpace(flag.Arg(0)))
	}
	client := NewAdminClient(*addr, *timeout)
	if err := runCommand(client, cmd, *limit, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "ingestadm: %v\n", err)
		os.Exit(1)
	}
}
