package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/ingestctl/internal/receiver"
	"github.com/danmuck/ingestctl/internal/stream"
	"github.com/danmuck/ingestctl/internal/testutil/testlog"
)

type captureEndpoint struct {
	mu          sync.Mutex
	refs        []stream.BlockRef
	deregisters []string
}

func (c *captureEndpoint) Register(context.Context, stream.ID, stream.Handle, string) (bool, error) {
	return true, nil
}

func (c *captureEndpoint) ReportBlocks(_ context.Context, _ stream.ID, refs []stream.BlockRef, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs = append(c.refs, refs...)
	return nil
}

func (c *captureEndpoint) Deregister(_ context.Context, _ stream.ID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deregisters = append(c.deregisters, reason)
	return nil
}

func (c *captureEndpoint) reported() []stream.BlockRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]stream.BlockRef(nil), c.refs...)
}

func lineServer(t *testing.T, lines int, holdOpen bool) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < lines; i++ {
			fmt.Fprintf(conn, "line-%d\n", i)
		}
		if holdOpen {
			buf := make([]byte, 1)
			_, _ = conn.Read(buf)
		}
	}()
	return ln.Addr().String()
}

func storedRecords(store *receiver.MemoryStore, refs []stream.BlockRef) []receiver.Record {
	var out []receiver.Record
	for _, ref := range refs {
		recs, _ := store.Get(ref)
		out = append(out, recs...)
	}
	return out
}

func TestFactoryValidates(t *testing.T) {
	testlog.Start(t)
	if _, err := Factory(Config{}, nil); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("expected ErrAddressRequired, got %v", err)
	}
	if _, err := Factory(Config{Address: "no-port"}, nil); err == nil {
		t.Fatalf("expected address parse error")
	}
	f, err := Factory(Config{Address: "127.0.0.1:9999", Location: "w1"}, nil)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if got := f().PreferredLocation(); got != "w1" {
		t.Fatalf("unexpected location %q", got)
	}
}

func TestReceiverReadsLinesIntoBlocks(t *testing.T) {
	testlog.Start(t)
	addr := lineServer(t, 5, true)
	store := receiver.NewMemoryStore()
	f, err := Factory(Config{Address: addr, BlockInterval: 10 * time.Millisecond}, store)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	r := f()
	r.SetStreamID(2)
	ep := &captureEndpoint{}
	done := make(chan error, 1)
	go func() { done <- r.Start(context.Background(), ep) }()

	deadline := time.Now().Add(2 * time.Second)
	var recs []receiver.Record
	for len(recs) < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out, got %d records", len(recs))
		}
		time.Sleep(5 * time.Millisecond)
		recs = storedRecords(store, ep.reported())
	}
	r.Stop("done")
	if err := <-done; err != nil {
		t.Fatalf("start: %v", err)
	}
	if string(recs[0].Value) != "line-0" || recs[4].Offset != 4 {
		t.Fatalf("unexpected records: %+v", recs)
	}
	if len(ep.deregisters) != 0 {
		t.Fatalf("clean stop must not deregister: %v", ep.deregisters)
	}
}

func TestReceiverSourceCloseDeregisters(t *testing.T) {
	testlog.Start(t)
	addr := lineServer(t, 2, false)
	f, err := Factory(Config{Address: addr, BlockInterval: 10 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	r := f()
	ep := &captureEndpoint{}
	if err := r.Start(context.Background(), ep); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(ep.deregisters) != 1 || ep.deregisters[0] != ErrSourceClosed.Error() {
		t.Fatalf("unexpected deregistrations: %v", ep.deregisters)
	}
}
