package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/KathyLau/un-webtv-transcriber/internal/backoff"
	"github.com/KathyLau/un-webtv-transcriber/internal/config"
	"github.com/KathyLau/un-webtv-transcriber/internal/eventstore"
	"github.com/KathyLau/un-webtv-transcriber/internal/sink"
	"github.com/KathyLau/un-webtv-transcriber/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Service fans ordered segments out to registered sinks. Each sink is driven
// by its own goroutine, which is the only writer of its registration, so a
// slow or failing sink never holds back the others.
type Service struct {
	cfg     config.RouterConfig
	policy  backoff.Policy
	logger  *slog.Logger
	journal eventstore.Recorder
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	tracer  trace.Tracer
	metrics instruments

	mu       sync.Mutex
	workers  []*worker
	lastSeq  uint64
	seen     bool
	closed   bool
	segments uint64
}

type instruments struct {
	delivered metric.Int64Counter
	failed    metric.Int64Counter
	skipped   metric.Int64Counter
}

func NewService(parent context.Context, cfg config.RouterConfig, logger *slog.Logger, journal eventstore.Recorder) *Service {
	ctx, cancel := context.WithCancel(parent)
	if journal == nil {
		journal = eventstore.Discard
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.DegradeAfter <= 0 {
		cfg.DegradeAfter = 1
	}
	s := &Service{
		cfg: cfg,
		policy: backoff.Policy{
			Base:       config.Millis(cfg.RetryBaseMS),
			Max:        config.Millis(cfg.RetryMaxMS),
			Multiplier: 2,
		},
		logger:  logger.With(slog.String("component", "router")),
		journal: journal,
		ctx:     ctx,
		cancel:  cancel,
		tracer:  otel.Tracer("github.com/KathyLau/un-webtv-transcriber/router"),
	}
	meter := otel.Meter("github.com/KathyLau/un-webtv-transcriber/router")
	s.metrics.delivered, _ = meter.Int64Counter("transcriber.router.delivered",
		metric.WithDescription("Segments accepted by a sink"))
	s.metrics.failed, _ = meter.Int64Counter("transcriber.router.failed",
		metric.WithDescription("Segments a sink failed to accept after retries"))
	s.metrics.skipped, _ = meter.Int64Counter("transcriber.router.skipped",
		metric.WithDescription("Segments not offered to a degraded sink"))
	return s
}

// Register adds a sink. A sink whose Start fails is registered Degraded and
// recovers through probing.
func (s *Service) Register(ctx context.Context, snk Sink) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("router closed")
	}
	s.mu.Unlock()

	w := newWorker(s, snk)
	if starter, ok := snk.(Starter); ok {
		if err := starter.Start(ctx); err != nil {
			w.degrade(ctx, fmt.Sprintf("start failed: %v", err))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("router closed")
	}
	s.workers = append(s.workers, w)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.run(s.ctx)
	}()
	s.logger.Info("sink registered", slog.String("sink", snk.Name()), slog.String("state", string(w.snapshot().State)))
	return nil
}

// Route hands seg to every sink without blocking. Segments must arrive in
// sequence order. Empty segments consume their sequence but are not delivered.
func (s *Service) Route(seg transcript.Segment) {
	for _, ev := range s.route(seg) {
		ev.worker.journalEvicted(ev.segments)
	}
}

type eviction struct {
	worker   *worker
	segments []transcript.Segment
}

// route enqueues seg under the lock and returns the inbox evictions, which
// Route journals after unlocking.
func (s *Service) route(seg transcript.Segment) []eviction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.seen && seg.Sequence > s.lastSeq+1 {
		s.logger.Warn("sequence gap",
			slog.Uint64("from", s.lastSeq+1),
			slog.Uint64("to", seg.Sequence-1))
	}
	if !s.seen || seg.Sequence > s.lastSeq {
		s.lastSeq = seg.Sequence
		s.seen = true
		s.segments++
	}
	if seg.Empty() {
		s.logger.Debug("dropping silent segment", slog.Uint64("sequence", seg.Sequence))
		return nil
	}
	var evictions []eviction
	for _, w := range s.workers {
		if evicted := w.enqueue(seg); len(evicted) > 0 {
			evictions = append(evictions, eviction{worker: w, segments: evicted})
		}
	}
	return evictions
}

// LastSequence returns the highest sequence routed so far.
func (s *Service) LastSequence() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq, s.seen
}

// Segments returns how many distinct sequences have been routed.
func (s *Service) Segments() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segments
}

// Snapshot returns every sink registration.
func (s *Service) Snapshot() []Registration {
	s.mu.Lock()
	workers := append([]*worker(nil), s.workers...)
	s.mu.Unlock()
	out := make([]Registration, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.snapshot())
	}
	return out
}

// Close stops accepting segments and lets each sink drain its inbox. When
// ctx ends first, pending deliveries are abandoned. Sinks are closed last.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	workers := s.workers
	for _, w := range workers {
		close(w.inbox)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.logger.Warn("router drain interrupted, abandoning pending deliveries")
		s.cancel()
		<-done
	}
	s.cancel()

	for _, w := range workers {
		if cerr := w.sink.Close(); cerr != nil {
			s.logger.Warn("sink close failed", slog.String("sink", w.sink.Name()), slogError(cerr))
		}
	}
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

func sinkAttr(name string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("sink", name))
}

func (s *Service) add(ctx context.Context, c metric.Int64Counter, name string) {
	if c != nil {
		c.Add(context.WithoutCancel(ctx), 1, sinkAttr(name))
	}
}

func (s *Service) deliverOnce(ctx context.Context, snk Sink, seg transcript.Segment, attempt int) error {
	ctx, span := s.tracer.Start(ctx, "router.deliver", trace.WithAttributes(
		attribute.String("sink", snk.Name()),
		attribute.Int64("segment.sequence", int64(seg.Sequence)),
		attribute.Int("attempt", attempt),
	))
	defer span.End()
	err := snk.Deliver(ctx, seg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func isFinal(err error) bool {
	return errors.Is(err, sink.ErrUndeliverable)
}
