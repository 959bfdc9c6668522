package session

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/ingestctl/internal/protocol/frame"
	"github.com/danmuck/ingestctl/internal/testutil/testlog"
)

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 3, MaxDelay: 2 * time.Second}
	want := []time.Duration{
		100 * time.Millisecond,
		300 * time.Millisecond,
		900 * time.Millisecond,
		2 * time.Second,
		2 * time.Second,
	}
	for i, w := range want {
		if got := cfg.Delay(i+1, nil); got != w {
			t.Fatalf("attempt %d: got %v want %v", i+1, got, w)
		}
	}
	if got := (BackoffConfig{Multiplier: 2}).Delay(4, nil); got != 0 {
		t.Fatalf("zero initial delay must not wait, got %v", got)
	}
	if got := (BackoffConfig{InitialDelay: time.Second, Multiplier: 0.2}).Delay(5, nil); got != time.Second {
		t.Fatalf("multiplier below one must hold the delay flat, got %v", got)
	}
}

func TestBackoffJitterStaysInBand(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 200 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second, Jitter: true}
	rng := rand.New(rand.NewSource(42))
	varied := false
	for i := 0; i < 200; i++ {
		got := cfg.Delay(2, rng)
		if got < 200*time.Millisecond || got >= 600*time.Millisecond {
			t.Fatalf("attempt 2 jittered delay %v outside [200ms, 600ms)", got)
		}
		if got != 400*time.Millisecond {
			varied = true
		}
		if capped := cfg.Delay(8, rng); capped > time.Second || capped < 500*time.Millisecond {
			t.Fatalf("capped jittered delay %v outside [500ms, 1s]", capped)
		}
	}
	if !varied {
		t.Fatalf("jitter never moved the delay")
	}
}

func TestBackoffWaitHonoursBudget(t *testing.T) {
	testlog.Start(t)
	b := NewBackoff(BackoffConfig{InitialDelay: time.Millisecond}, 3, nil)
	for i := 1; i <= 2; i++ {
		retry, err := b.Wait(context.Background())
		if err != nil || !retry {
			t.Fatalf("wait %d: retry=%v err=%v", i, retry, err)
		}
	}
	retry, err := b.Wait(context.Background())
	if err != nil || retry {
		t.Fatalf("third failure must exhaust the budget: retry=%v err=%v", retry, err)
	}
	if b.Attempts() != 3 {
		t.Fatalf("attempts=%d", b.Attempts())
	}
}

func TestBackoffWaitStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	b := NewBackoff(BackoffConfig{InitialDelay: time.Hour}, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	retry, err := b.Wait(ctx)
	if retry || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled wait, got retry=%v err=%v", retry, err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("wait ignored cancellation")
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{HandshakeTimeout: time.Second}.WithDefaults()
	if cfg.HandshakeTimeout != time.Second {
		t.Fatalf("explicit handshake timeout overwritten: %v", cfg.HandshakeTimeout)
	}
	if cfg.WriteTimeout != DefaultConfig().WriteTimeout || cfg.Backoff.InitialDelay == 0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func readBack(t *testing.T, raw []byte) frame.Frame {
	t.Helper()
	fr, err := ReadFrame(bytes.NewReader(raw), frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return fr
}

func TestRegisterRoundTripCarriesAuth(t *testing.T) {
	testlog.Start(t)
	raw, err := EncodeRegisterFrame(Envelope{MessageID: 9, Auth: []byte("secret")}, Register{
		StreamID: 4,
		Origin:   "worker-a",
		Address:  "10.0.0.2:7000",
	})
	if err != nil {
		t.Fatalf("encode register: %v", err)
	}
	fr := readBack(t, raw)
	if string(fr.Auth) != "secret" || fr.Header.MessageID != 9 {
		t.Fatalf("envelope mismatch: id=%d auth=%q", fr.Header.MessageID, fr.Auth)
	}
	reg, err := DecodeRegisterFrame(fr)
	if err != nil {
		t.Fatalf("decode register: %v", err)
	}
	if reg.StreamID != 4 || reg.Origin != "worker-a" || reg.Address != "10.0.0.2:7000" {
		t.Fatalf("unexpected register: %+v", reg)
	}
}

func TestRegisterRequiresOrigin(t *testing.T) {
	testlog.Start(t)
	_, err := EncodeRegisterFrame(Envelope{MessageID: 1}, Register{StreamID: 1})
	if !errors.Is(err, ErrInvalidRegistration) {
		t.Fatalf("expected ErrInvalidRegistration, got %v", err)
	}
}

func TestRegisterAckIsResponse(t *testing.T) {
	testlog.Start(t)
	raw, err := EncodeRegisterAckFrame(Envelope{MessageID: 9}, RegisterAck{Status: AckStatusRejected, Message: "unknown stream 9"})
	if err != nil {
		t.Fatalf("encode ack: %v", err)
	}
	fr := readBack(t, raw)
	if !fr.IsResponse() || fr.Header.MessageID != 9 {
		t.Fatalf("ack must echo message id as response: %+v", fr.Header)
	}
	ack, err := DecodeRegisterAckFrame(fr)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Accepted() || ack.Message != "unknown stream 9" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestRegisterAckRejectsUnknownStatus(t *testing.T) {
	testlog.Start(t)
	_, err := EncodeRegisterAckFrame(Envelope{}, RegisterAck{Status: "maybe"})
	if !errors.Is(err, ErrInvalidRegistrationAck) {
		t.Fatalf("expected ErrInvalidRegistrationAck, got %v", err)
	}
}

func TestReportBlocksPreservesOrder(t *testing.T) {
	testlog.Start(t)
	raw, err := EncodeReportBlocksFrame(Envelope{MessageID: 2}, ReportBlocks{
		StreamID:  0,
		BlockRefs: []string{"b0a", "b0b", "b0c"},
		Metadata:  []byte(`{"records":3}`),
	})
	if err != nil {
		t.Fatalf("encode report: %v", err)
	}
	rep, err := DecodeReportBlocksFrame(readBack(t, raw))
	if err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(rep.BlockRefs) != 3 || rep.BlockRefs[0] != "b0a" || rep.BlockRefs[2] != "b0c" {
		t.Fatalf("unexpected refs: %v", rep.BlockRefs)
	}
	if string(rep.Metadata) != `{"records":3}` || rep.MetadataEncoding != MetadataJSON {
		t.Fatalf("unexpected metadata: %q encoding=%q", rep.Metadata, rep.MetadataEncoding)
	}
}

func TestReportBlocksCarriesRawMetadataMarker(t *testing.T) {
	testlog.Start(t)
	raw, err := EncodeReportBlocksFrame(Envelope{MessageID: 6}, ReportBlocks{
		StreamID:         1,
		BlockRefs:        []string{"b1"},
		Metadata:         []byte{0xff, 0x00, 0x7f},
		MetadataEncoding: MetadataRaw,
	})
	if err != nil {
		t.Fatalf("encode report: %v", err)
	}
	rep, err := DecodeReportBlocksFrame(readBack(t, raw))
	if err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rep.MetadataEncoding != MetadataRaw || !bytes.Equal(rep.Metadata, []byte{0xff, 0x00, 0x7f}) {
		t.Fatalf("raw metadata not preserved: %+v", rep)
	}
}

func TestReportBlocksEmpty(t *testing.T) {
	testlog.Start(t)
	raw, err := EncodeReportBlocksFrame(Envelope{MessageID: 3}, ReportBlocks{StreamID: 2})
	if err != nil {
		t.Fatalf("encode report: %v", err)
	}
	rep, err := DecodeReportBlocksFrame(readBack(t, raw))
	if err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rep.StreamID != 2 || len(rep.BlockRefs) != 0 || rep.Metadata != nil {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestDeregisterAndStopRoundTrip(t *testing.T) {
	testlog.Start(t)
	raw, err := EncodeDeregisterFrame(Envelope{MessageID: 4}, Deregister{StreamID: 1, Reason: "broker gone"})
	if err != nil {
		t.Fatalf("encode deregister: %v", err)
	}
	dereg, err := DecodeDeregisterFrame(readBack(t, raw))
	if err != nil || dereg.StreamID != 1 || dereg.Reason != "broker gone" {
		t.Fatalf("deregister mismatch: %+v err=%v", dereg, err)
	}

	raw, err = EncodeStopFrame(Envelope{MessageID: 5}, Stop{StreamID: 1, Reason: "Stopped by driver"})
	if err != nil {
		t.Fatalf("encode stop: %v", err)
	}
	stop, err := DecodeStopFrame(readBack(t, raw))
	if err != nil || stop.StreamID != 1 || stop.Reason != "Stopped by driver" {
		t.Fatalf("stop mismatch: %+v err=%v", stop, err)
	}
}

func TestDecodeRejectsMismatchedType(t *testing.T) {
	testlog.Start(t)
	raw, err := EncodeStopFrame(Envelope{MessageID: 5}, Stop{StreamID: 1, Reason: "x"})
	if err != nil {
		t.Fatalf("encode stop: %v", err)
	}
	_, err = DecodeRegisterFrame(readBack(t, raw))
	if !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("expected ErrUnexpectedMessage, got %v", err)
	}
}
