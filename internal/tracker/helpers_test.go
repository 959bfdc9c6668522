package tracker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/ingestctl/internal/cluster"
	"github.com/danmuck/ingestctl/internal/ledger"
	"github.com/danmuck/ingestctl/internal/stream"
)

// fakeHandle counts stop signals.
type fakeHandle struct {
	addr  string
	mu    sync.Mutex
	stops []string
}

func (h *fakeHandle) Stop(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops = append(h.stops, reason)
}

func (h *fakeHandle) Address() string { return h.addr }

func (h *fakeHandle) stopCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.stops)
}

// fakeReceiver optionally registers, reports a fixed set of refs, then waits
// for a stop signal (and ctx unless waitForStop is set).
type fakeReceiver struct {
	id          stream.ID
	location    string
	register    bool
	refs        []stream.BlockRef
	waitForStop bool

	ready    chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	stops  []string
	origin string
}

func newFakeReceiver(register bool, refs ...stream.BlockRef) *fakeReceiver {
	return &fakeReceiver{
		register: register,
		refs:     refs,
		ready:    make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (r *fakeReceiver) SetStreamID(id stream.ID)  { r.id = id }
func (r *fakeReceiver) StreamID() stream.ID       { return r.id }
func (r *fakeReceiver) PreferredLocation() string { return r.location }
func (r *fakeReceiver) Address() string           { return fmt.Sprintf("fake://%d", r.id) }

func (r *fakeReceiver) Start(ctx context.Context, ep stream.Endpoint) error {
	r.mu.Lock()
	r.origin = stream.OriginFromContext(ctx)
	r.mu.Unlock()
	if r.register {
		if _, err := ep.Register(ctx, r.id, r, r.origin); err != nil {
			close(r.ready)
			return err
		}
	}
	if len(r.refs) > 0 {
		if err := ep.ReportBlocks(ctx, r.id, r.refs, map[string]int{"records": len(r.refs)}); err != nil {
			close(r.ready)
			return err
		}
	}
	close(r.ready)
	if r.waitForStop {
		<-r.stopped
		return nil
	}
	select {
	case <-r.stopped:
	case <-ctx.Done():
	}
	return nil
}

func (r *fakeReceiver) Stop(reason string) {
	r.mu.Lock()
	r.stops = append(r.stops, reason)
	r.mu.Unlock()
	r.stopOnce.Do(func() { close(r.stopped) })
}

func (r *fakeReceiver) stopCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stops)
}

// fixedStreams builds definitions whose factories return the given receivers.
func fixedStreams(t *testing.T, receivers map[stream.ID]*fakeReceiver) (*stream.Set, map[stream.ID]*stream.Definition) {
	t.Helper()
	defs := make(map[stream.ID]*stream.Definition, len(receivers))
	inputs := make([]stream.InputStream, 0, len(receivers))
	for id, r := range receivers {
		r := r
		def := stream.NewDefinition(id, "", func() stream.Receiver { return r })
		defs[id] = def
		inputs = append(inputs, def)
	}
	set, err := stream.NewSet(inputs...)
	if err != nil {
		t.Fatalf("new set: %v", err)
	}
	return set, defs
}

func idSet(t *testing.T, ids ...stream.ID) *stream.Set {
	t.Helper()
	inputs := make([]stream.InputStream, 0, len(ids))
	for _, id := range ids {
		inputs = append(inputs, stream.NewDefinition(id, "", func() stream.Receiver { return newFakeReceiver(false) }))
	}
	set, err := stream.NewSet(inputs...)
	if err != nil {
		t.Fatalf("new set: %v", err)
	}
	return set
}

func waitReady(t *testing.T, rs ...*fakeReceiver) {
	t.Helper()
	for _, r := range rs {
		select {
		case <-r.ready:
		case <-time.After(5 * time.Second):
			t.Fatalf("receiver %s never became ready", r.id)
		}
	}
}

// recordingEngine captures submissions without running receivers.
type recordingEngine struct {
	mu          sync.Mutex
	jobs        []cluster.Job
	warmups     []int
	warmupErr   error
	submitErr   error
	blockSubmit bool
	onWarmup    func()
}

func (e *recordingEngine) Submit(ctx context.Context, job cluster.Job) error {
	e.mu.Lock()
	e.jobs = append(e.jobs, job)
	block := e.blockSubmit
	err := e.submitErr
	e.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (e *recordingEngine) Warmup(_ context.Context, partitions int) (int, error) {
	e.mu.Lock()
	e.warmups = append(e.warmups, partitions)
	hook, err := e.onWarmup, e.warmupErr
	e.mu.Unlock()
	if hook != nil {
		hook()
	}
	return partitions, err
}

func (e *recordingEngine) lastJob(t *testing.T) cluster.Job {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.jobs) == 0 {
		t.Fatalf("no job submitted")
	}
	return e.jobs[len(e.jobs)-1]
}

func startedMailbox(t *testing.T, set *stream.Set) *Mailbox {
	t.Helper()
	m := NewMailbox(set, ledger.New())
	m.Start()
	t.Cleanup(m.Close)
	return m
}

func snapshot(t *testing.T, m *Mailbox) []Registration {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), AskTimeout)
	defer cancel()
	regs, err := m.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return regs
}
