package receiver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/ingestctl/internal/stream"
	"github.com/danmuck/ingestctl/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

type report struct {
	id       stream.ID
	refs     []stream.BlockRef
	metadata any
}

// recordingEndpoint is an in-memory stream.Endpoint.
type recordingEndpoint struct {
	mu          sync.Mutex
	registered  map[stream.ID]stream.Handle
	origins     []string
	reports     []report
	deregisters []string
	reject      bool
	registerErr error
	reportErr   error
}

func newRecordingEndpoint() *recordingEndpoint {
	return &recordingEndpoint{registered: make(map[stream.ID]stream.Handle)}
}

func (e *recordingEndpoint) Register(_ context.Context, id stream.ID, h stream.Handle, origin string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.registerErr != nil {
		return false, e.registerErr
	}
	if e.reject {
		return false, nil
	}
	e.registered[id] = h
	e.origins = append(e.origins, origin)
	return true, nil
}

func (e *recordingEndpoint) ReportBlocks(_ context.Context, id stream.ID, refs []stream.BlockRef, metadata any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reportErr != nil {
		return e.reportErr
	}
	e.reports = append(e.reports, report{id: id, refs: refs, metadata: metadata})
	return nil
}

func (e *recordingEndpoint) Deregister(_ context.Context, id stream.ID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.registered, id)
	e.deregisters = append(e.deregisters, reason)
	return nil
}

func (e *recordingEndpoint) reportCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.reports)
}

func (e *recordingEndpoint) deregisterReasons() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.deregisters))
	copy(out, e.deregisters)
	return out
}

func TestNewBlockRefFormat(t *testing.T) {
	testlog.Start(t)
	a := NewBlockRef(3)
	b := NewBlockRef(3)
	if !strings.HasPrefix(string(a), "input-3-") {
		t.Fatalf("unexpected ref %q", a)
	}
	if a == b {
		t.Fatalf("refs must be unique")
	}
}

func TestGeneratorFlushStoresAndReports(t *testing.T) {
	testlog.Start(t)
	ep := newRecordingEndpoint()
	store := NewMemoryStore()
	g := NewGenerator(2, ep, GeneratorConfig{Store: store})

	if ref, err := g.Flush(context.Background()); err != nil || ref != "" {
		t.Fatalf("empty flush should be a no-op, ref=%q err=%v", ref, err)
	}
	g.Add(Record{Offset: 10, Value: []byte("a")})
	g.Add(Record{Offset: 11, Value: []byte("b")})
	ref, err := g.Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	records, ok := store.Get(ref)
	if !ok || len(records) != 2 {
		t.Fatalf("block not stored: ok=%v records=%d", ok, len(records))
	}
	if ep.reportCount() != 1 {
		t.Fatalf("expected one report, got %d", ep.reportCount())
	}
	rep := ep.reports[0]
	if rep.id != 2 || len(rep.refs) != 1 || rep.refs[0] != ref {
		t.Fatalf("unexpected report: %+v", rep)
	}
	meta, ok := rep.metadata.(BlockMetadata)
	if !ok || meta.Records != 2 || meta.FirstOffset != 10 || meta.LastOffset != 11 {
		t.Fatalf("unexpected metadata: %#v", rep.metadata)
	}
	if g.Buffered() != 0 || g.Blocks() != 1 {
		t.Fatalf("unexpected generator state buffered=%d blocks=%d", g.Buffered(), g.Blocks())
	}
}

func TestGeneratorFlushFailureKeepsRecordsBuffered(t *testing.T) {
	testlog.Start(t)
	ep := newRecordingEndpoint()
	ep.reportErr = errors.New("mailbox closed")
	store := NewMemoryStore()
	g := NewGenerator(0, ep, GeneratorConfig{Store: store})
	g.Add(Record{Offset: 1})
	g.Add(Record{Offset: 2})
	if _, err := g.Flush(context.Background()); err == nil {
		t.Fatalf("expected report failure")
	}
	if store.Len() != 0 {
		t.Fatalf("unreported block must not stay stored")
	}
	if g.Buffered() != 2 {
		t.Fatalf("failed flush must keep its records, buffered=%d", g.Buffered())
	}

	g.Add(Record{Offset: 3})
	ep.mu.Lock()
	ep.reportErr = nil
	ep.mu.Unlock()
	ref, err := g.Flush(context.Background())
	if err != nil || ref == "" {
		t.Fatalf("retry flush: ref=%q err=%v", ref, err)
	}
	recs, ok := store.Get(ref)
	if !ok || len(recs) != 3 || recs[0].Offset != 1 || recs[2].Offset != 3 {
		t.Fatalf("retried block should hold every record in order, got %+v", recs)
	}
}

func TestGeneratorRunLogsUnreportedRecords(t *testing.T) {
	testlog.Start(t)
	logs := testlog.Capture(t)
	ep := newRecordingEndpoint()
	ep.reportErr = errors.New("session closed")
	mock := clock.NewMock()
	g := NewGenerator(4, ep, GeneratorConfig{Interval: time.Second, Clock: mock})
	g.Add(Record{Offset: 10})
	g.Add(Record{Offset: 11})

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()
	var err error
	deadline := time.Now().Add(2 * time.Second)
wait:
	for {
		select {
		case err = <-done:
			break wait
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never gave up on a failing endpoint")
		}
		mock.Add(time.Second)
		time.Sleep(time.Millisecond)
	}
	if err == nil {
		t.Fatalf("expected run to fail")
	}
	entries := logs.Entries(zerolog.ErrorLevel, "receiver generator stopped with unreported records")
	if len(entries) != 1 || entries[0]["dropped_records"] != float64(2) {
		t.Fatalf("expected one error line counting 2 records, got %v", entries)
	}
}

func TestGeneratorRunCutsOneBlockPerTick(t *testing.T) {
	testlog.Start(t)
	ep := newRecordingEndpoint()
	mock := clock.NewMock()
	g := NewGenerator(1, ep, GeneratorConfig{Interval: time.Second, Clock: mock})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	g.Add(Record{Offset: 1})
	g.Add(Record{Offset: 2})
	deadline := time.Now().Add(2 * time.Second)
	for ep.reportCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("tick never flushed")
		}
		mock.Add(time.Second)
		time.Sleep(time.Millisecond)
	}

	g.Add(Record{Offset: 3})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if ep.reportCount() != 2 {
		t.Fatalf("expected final flush on stop, reports=%d", ep.reportCount())
	}
	last := ep.reports[1].metadata.(BlockMetadata)
	if last.Records != 1 || last.FirstOffset != 3 {
		t.Fatalf("unexpected final block: %+v", last)
	}
}

func TestMemoryStoreRejectsDuplicateRef(t *testing.T) {
	testlog.Start(t)
	s := NewMemoryStore()
	if err := s.Put("r", []Record{{Offset: 1}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put("r", nil); !errors.Is(err, ErrBlockExists) {
		t.Fatalf("expected ErrBlockExists, got %v", err)
	}
	s.Delete("r")
	if _, ok := s.Get("r"); ok {
		t.Fatalf("block should be deleted")
	}
}

func TestBaseStopIsIdempotent(t *testing.T) {
	testlog.Start(t)
	b := NewBase("worker-a", "kafka://orders")
	b.SetStreamID(4)
	b.Stop("first")
	b.Stop("second")
	select {
	case <-b.Stopped():
	default:
		t.Fatalf("stopped channel should be closed")
	}
	if b.StopReason() != "first" || b.StreamID() != 4 || b.PreferredLocation() != "worker-a" {
		t.Fatalf("unexpected base state reason=%q id=%d loc=%q", b.StopReason(), b.StreamID(), b.PreferredLocation())
	}
}

func TestRunStopsOnSignal(t *testing.T) {
	testlog.Start(t)
	ep := newRecordingEndpoint()
	b := NewBase("", "test://0")
	b.SetStreamID(0)

	done := make(chan error, 1)
	go func() {
		ctx := stream.WithOrigin(context.Background(), "worker-z")
		done <- Run(ctx, ep, b, GeneratorConfig{}, func(ctx context.Context, g *Generator) error {
			g.Add(Record{Offset: 7})
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		ep.mu.Lock()
		_, ok := ep.registered[0]
		ep.mu.Unlock()
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("receiver never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	b.Stop("shutdown")
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if ep.origins[0] != "worker-z" {
		t.Fatalf("origin should come from context, got %q", ep.origins[0])
	}
	if len(ep.deregisterReasons()) != 0 {
		t.Fatalf("a clean stop must not deregister")
	}
	if ep.reportCount() != 1 {
		t.Fatalf("buffered record should be flushed on stop, reports=%d", ep.reportCount())
	}
}

func TestRunDeregistersOnFailure(t *testing.T) {
	testlog.Start(t)
	ep := newRecordingEndpoint()
	b := NewBase("", "test://0")
	err := Run(context.Background(), ep, b, GeneratorConfig{}, func(context.Context, *Generator) error {
		return errors.New("broker unreachable")
	})
	if err != nil {
		t.Fatalf("runtime failure is reported by deregister, not returned: %v", err)
	}
	reasons := ep.deregisterReasons()
	if len(reasons) != 1 || reasons[0] != "broker unreachable" {
		t.Fatalf("unexpected deregistrations: %v", reasons)
	}
}

func TestRunRegistrationFailures(t *testing.T) {
	testlog.Start(t)
	ep := newRecordingEndpoint()
	ep.reject = true
	err := Run(context.Background(), ep, NewBase("", ""), GeneratorConfig{}, func(context.Context, *Generator) error {
		t.Fatalf("produce must not run")
		return nil
	})
	if !errors.Is(err, ErrRegistrationRejected) {
		t.Fatalf("expected ErrRegistrationRejected, got %v", err)
	}

	boom := errors.New("unknown stream")
	ep = newRecordingEndpoint()
	ep.registerErr = boom
	err = Run(context.Background(), ep, NewBase("", ""), GeneratorConfig{}, func(context.Context, *Generator) error {
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected register error, got %v", err)
	}
}

func TestEncodeMetadata(t *testing.T) {
	testlog.Start(t)
	raw, _, err := encodeMetadata(BlockMetadata{Records: 1, FirstOffset: 2, LastOffset: 2})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(raw) != `{"records":1,"first_offset":2,"last_offset":2}` {
		t.Fatalf("unexpected json %s", raw)
	}
	if raw, _, _ := encodeMetadata(nil); raw != nil {
		t.Fatalf("nil metadata should encode to nil")
	}
	if raw, _, _ := encodeMetadata([]byte("x")); string(raw) != "x" {
		t.Fatalf("raw bytes should pass through")
	}
}

func TestDialRequiresAddress(t *testing.T) {
	testlog.Start(t)
	if _, err := Dial(context.Background(), RemoteConfig{}); !errors.Is(err, ErrTrackerAddressRequired) {
		t.Fatalf("expected ErrTrackerAddressRequired, got %v", err)
	}
}
