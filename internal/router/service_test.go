package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KathyLau/un-webtv-transcriber/internal/config"
	"github.com/KathyLau/un-webtv-transcriber/internal/eventstore"
	"github.com/KathyLau/un-webtv-transcriber/internal/sink"
	"github.com/KathyLau/un-webtv-transcriber/internal/transcript"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.RouterConfig {
	return config.RouterConfig{
		InboxSize:     64,
		RetryAttempts: 2,
		RetryBaseMS:   1,
		RetryMaxMS:    2,
		DegradeAfter:  3,
	}
}

type recordingSink struct {
	name    string
	mu      sync.Mutex
	got     []uint64
	fail    func(seq uint64) error
	attempt map[uint64]int
}

func newRecordingSink(name string) *recordingSink {
	return &recordingSink{name: name, attempt: make(map[uint64]int)}
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Deliver(_ context.Context, seg transcript.Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt[seg.Sequence]++
	if r.fail != nil {
		if err := r.fail(seg.Sequence); err != nil {
			return err
		}
	}
	r.got = append(r.got, seg.Sequence)
	return nil
}

func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) received() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.got...)
}

type memoryJournal struct {
	mu     sync.Mutex
	events []eventstore.Event
}

func (m *memoryJournal) Record(_ context.Context, evt eventstore.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
}

func (m *memoryJournal) kinds(sinkName string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.Sink == sinkName {
			out = append(out, fmt.Sprintf("%s:%d", e.Kind, e.Sequence))
		}
	}
	return out
}

func text(seq uint64) transcript.Segment {
	return transcript.Segment{
		Sequence: seq,
		Text:     fmt.Sprintf("segment %d", seq),
		Start:    time.Duration(seq) * time.Second,
		End:      time.Duration(seq+1) * time.Second,
	}
}

func closeRouter(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRouteDeliversInOrderAndDropsSilence(t *testing.T) {
	s := NewService(context.Background(), testConfig(), newLogger(), nil)
	a, b := newRecordingSink("a"), newRecordingSink("b")
	for _, snk := range []Sink{a, b} {
		if err := s.Register(context.Background(), snk); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	for seq := uint64(0); seq < 10; seq++ {
		seg := text(seq)
		if seq%3 == 1 {
			seg.Text = ""
		}
		s.Route(seg)
	}
	closeRouter(t, s)

	want := "[0 2 3 5 6 8 9]"
	for _, snk := range []*recordingSink{a, b} {
		if got := fmt.Sprint(snk.received()); got != want {
			t.Fatalf("sink %s received %s, want %s", snk.name, got, want)
		}
	}
	if last, ok := s.LastSequence(); !ok || last != 9 {
		t.Fatalf("expected last sequence 9, got %d", last)
	}
}

func TestDegradedSinkIsNotBackfilled(t *testing.T) {
	journal := &memoryJournal{}
	s := NewService(context.Background(), testConfig(), newLogger(), journal)
	flaky := newRecordingSink("flaky")
	flaky.fail = func(seq uint64) error {
		if seq >= 10 && seq <= 15 {
			return sink.ErrUnavailable
		}
		return nil
	}
	if err := s.Register(context.Background(), flaky); err != nil {
		t.Fatalf("register: %v", err)
	}
	for seq := uint64(0); seq < 20; seq++ {
		s.Route(text(seq))
	}
	closeRouter(t, s)

	want := "[0 1 2 3 4 5 6 7 8 9 16 17 18 19]"
	if got := fmt.Sprint(flaky.received()); got != want {
		t.Fatalf("received %s, want %s", got, want)
	}
	if flaky.attempt[12] != 2 || flaky.attempt[13] != 1 {
		t.Fatalf("expected retries while healthy and single attempts while degraded, got %v", flaky.attempt)
	}

	kinds := strings.Join(journal.kinds("flaky"), " ")
	wantKinds := "undelivered:10 undelivered:11 undelivered:12 degraded:-1 recovered:-1"
	if kinds != wantKinds {
		t.Fatalf("journal %q, want %q", kinds, wantKinds)
	}

	reg := s.Snapshot()[0]
	if reg.State != StateHealthy || reg.LastDelivered != 19 || reg.Skipped != 3 || reg.Failed != 3 {
		t.Fatalf("unexpected registration %+v", reg)
	}
}

// blockingSink holds every delivery until released.
type blockingSink struct {
	started chan uint64
	release chan struct{}
	*recordingSink
}

func (b *blockingSink) Deliver(ctx context.Context, seg transcript.Segment) error {
	b.started <- seg.Sequence
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.recordingSink.Deliver(ctx, seg)
}

func TestSlowSinkDoesNotBlockOthers(t *testing.T) {
	s := NewService(context.Background(), testConfig(), newLogger(), nil)
	slow := &blockingSink{started: make(chan uint64, 16), release: make(chan struct{}), recordingSink: newRecordingSink("slow")}
	fast := newRecordingSink("fast")
	_ = s.Register(context.Background(), slow)
	_ = s.Register(context.Background(), fast)

	for seq := uint64(0); seq < 5; seq++ {
		s.Route(text(seq))
	}
	<-slow.started
	deadline := time.Now().Add(2 * time.Second)
	for len(fast.received()) < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(fast.received()) != 5 {
		t.Fatalf("fast sink starved by slow sink: %v", fast.received())
	}
	close(slow.release)
	closeRouter(t, s)
	if len(slow.received()) != 5 {
		t.Fatalf("slow sink should catch up from its inbox, got %v", slow.received())
	}
}

func TestInboxOverflowDropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.InboxSize = 2
	journal := &memoryJournal{}
	s := NewService(context.Background(), cfg, newLogger(), journal)
	slow := &blockingSink{started: make(chan uint64, 16), release: make(chan struct{}), recordingSink: newRecordingSink("slow")}
	_ = s.Register(context.Background(), slow)

	s.Route(text(0))
	<-slow.started
	for seq := uint64(1); seq < 5; seq++ {
		s.Route(text(seq))
	}
	close(slow.release)
	closeRouter(t, s)

	if got := fmt.Sprint(slow.received()); got != "[0 3 4]" {
		t.Fatalf("expected oldest segments dropped, got %s", got)
	}
	if reg := s.Snapshot()[0]; reg.Dropped != 2 {
		t.Fatalf("expected 2 dropped, got %+v", reg)
	}
	if kinds := strings.Join(journal.kinds("slow"), " "); kinds != "undelivered:1 undelivered:2" {
		t.Fatalf("unexpected journal %q", kinds)
	}
}

type stallingJournal struct {
	entered chan struct{}
	release chan struct{}
}

func (j *stallingJournal) Record(_ context.Context, evt eventstore.Event) {
	if evt.Kind != eventstore.KindUndelivered {
		return
	}
	j.entered <- struct{}{}
	<-j.release
}

func TestOverflowJournalingDoesNotHoldRouteLock(t *testing.T) {
	cfg := testConfig()
	cfg.InboxSize = 1
	journal := &stallingJournal{entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := NewService(context.Background(), cfg, newLogger(), journal)
	slow := &blockingSink{started: make(chan uint64, 16), release: make(chan struct{}), recordingSink: newRecordingSink("slow")}
	_ = s.Register(context.Background(), slow)

	s.Route(text(0))
	<-slow.started
	s.Route(text(1))

	routed := make(chan struct{})
	go func() {
		s.Route(text(2))
		close(routed)
	}()
	<-journal.entered

	done := make(chan uint64)
	go func() {
		last, _ := s.LastSequence()
		done <- last
	}()
	select {
	case last := <-done:
		if last != 2 {
			t.Fatalf("expected last sequence 2, got %d", last)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("router lock held while journaling an overflow")
	}

	close(journal.release)
	<-routed
	close(slow.release)
	closeRouter(t, s)
	if got := fmt.Sprint(slow.received()); got != "[0 2]" {
		t.Fatalf("unexpected deliveries %s", got)
	}
}

func TestUndeliverableIsNotRetried(t *testing.T) {
	cfg := testConfig()
	cfg.RetryAttempts = 5
	s := NewService(context.Background(), cfg, newLogger(), nil)
	snk := newRecordingSink("remote")
	snk.fail = func(seq uint64) error {
		if seq == 1 {
			return fmt.Errorf("%w: budget spent", sink.ErrUndeliverable)
		}
		return nil
	}
	_ = s.Register(context.Background(), snk)
	for seq := uint64(0); seq < 3; seq++ {
		s.Route(text(seq))
	}
	closeRouter(t, s)
	if snk.attempt[1] != 1 {
		t.Fatalf("expected a single attempt for undeliverable segment, got %d", snk.attempt[1])
	}
	if got := fmt.Sprint(snk.received()); got != "[0 2]" {
		t.Fatalf("cursor should advance past undeliverable segment, got %s", got)
	}
}

// startFailSink fails Start and recovers once probes succeed.
type startFailSink struct {
	*recordingSink
	mu      sync.Mutex
	healthy bool
}

func (s *startFailSink) Start(context.Context) error { return sink.ErrUnavailable }

func (s *startFailSink) Probe(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy {
		return sink.ErrUnavailable
	}
	return nil
}

func TestStartFailureRegistersDegradedAndProbeRecovers(t *testing.T) {
	cfg := testConfig()
	cfg.ProbeIntervalMS = 10
	s := NewService(context.Background(), cfg, newLogger(), nil)
	snk := &startFailSink{recordingSink: newRecordingSink("remote")}
	if err := s.Register(context.Background(), snk); err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg := s.Snapshot()[0]; reg.State != StateDegraded {
		t.Fatalf("expected degraded at startup, got %s", reg.State)
	}
	s.Route(text(0))
	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot()[0].Skipped == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	snk.mu.Lock()
	snk.healthy = true
	snk.mu.Unlock()

	deadline = time.Now().Add(2 * time.Second)
	for s.Snapshot()[0].State != StateHealthy && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Snapshot()[0].State != StateHealthy {
		t.Fatalf("expected probe to recover sink")
	}
	s.Route(text(1))
	closeRouter(t, s)
	if got := fmt.Sprint(snk.received()); got != "[1]" {
		t.Fatalf("expected only post-recovery segment, got %s", got)
	}
}

// rateLimitedDocs returns RateLimited twice for segment 5 and records whether
// the local transcript already held it when the third attempt ran.
type rateLimitedDocs struct {
	mu           sync.Mutex
	attempts     int
	srtPath      string
	localHadSeg5 bool
	appended     []string
}

func (d *rateLimitedDocs) Authenticate(context.Context) error { return nil }
func (d *rateLimitedDocs) CreateDocument(context.Context, string) (string, error) {
	return "doc", nil
}
func (d *rateLimitedDocs) OpenDocument(context.Context, string) error       { return nil }
func (d *rateLimitedDocs) AppendText(context.Context, string, string) error { return nil }
func (d *rateLimitedDocs) DocumentURL(id string) string                     { return "https://docs.example.invalid/" + id }

func (d *rateLimitedDocs) AppendSegment(_ context.Context, _ string, text, _, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if text == "segment 5" {
		d.attempts++
		if d.attempts <= 2 {
			return &sink.RateLimitError{RetryAfter: 30 * time.Millisecond}
		}
		data, _ := os.ReadFile(d.srtPath)
		d.localHadSeg5 = strings.Contains(string(data), "segment 5")
	}
	d.appended = append(d.appended, text)
	return nil
}

func TestRateLimitedRemoteDoesNotDelayLocalFile(t *testing.T) {
	dir := t.TempDir()
	local, err := sink.OpenFileSink(dir+"/live.srt", dir+"/live.txt", newLogger())
	if err != nil {
		t.Fatalf("open file sink: %v", err)
	}
	docs := &rateLimitedDocs{srtPath: dir + "/live.srt"}
	remote := sink.NewRemoteDocSink(docs, sink.RemoteDocOptions{MaxRetries: 5, RateLimitBackoff: 10 * time.Millisecond}, newLogger())

	s := NewService(context.Background(), testConfig(), newLogger(), nil)
	_ = s.Register(context.Background(), local)
	_ = s.Register(context.Background(), remote)
	for seq := uint64(0); seq < 8; seq++ {
		s.Route(text(seq))
	}
	closeRouter(t, s)

	if docs.attempts != 3 {
		t.Fatalf("expected 3 attempts on segment 5, got %d", docs.attempts)
	}
	if !docs.localHadSeg5 {
		t.Fatalf("local file should hold segment 5 before the remote's third attempt")
	}
	if len(docs.appended) != 8 {
		t.Fatalf("remote should receive every segment, got %v", docs.appended)
	}
	for _, reg := range s.Snapshot() {
		if reg.State != StateHealthy || reg.LastDelivered != 7 {
			t.Fatalf("unexpected registration %+v", reg)
		}
	}
}

func TestDeliveryErrorWrapping(t *testing.T) {
	err := error(&DeliveryError{Sink: "remote", Sequence: 3, Attempts: 2, Err: sink.ErrUnavailable})
	if !errors.Is(err, ErrSinkDelivery) || !errors.Is(err, sink.ErrUnavailable) {
		t.Fatalf("delivery error should match both sentinels: %v", err)
	}
}
