package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/KathyLau/un-webtv-transcriber/internal/backoff"
	"github.com/KathyLau/un-webtv-transcriber/internal/config"
	"github.com/KathyLau/un-webtv-transcriber/internal/eventstore"
	"github.com/KathyLau/un-webtv-transcriber/internal/transcript"
)

// worker owns one sink's inbox and registration.
type worker struct {
	svc    *Service
	sink   Sink
	inbox  chan transcript.Segment
	logger *slog.Logger

	// last is the most recent segment accepted; valid when hasLast.
	last      transcript.Segment
	hasLast   bool
	lastProbe time.Time

	mu  sync.Mutex
	reg Registration
}

func newWorker(s *Service, snk Sink) *worker {
	return &worker{
		svc:    s,
		sink:   snk,
		inbox:  make(chan transcript.Segment, s.cfg.InboxSize),
		logger: s.logger.With(slog.String("sink", snk.Name())),
		reg: Registration{
			Name:          snk.Name(),
			State:         StateHealthy,
			LastDelivered: -1,
			LastSequence:  -1,
		},
	}
}

func (w *worker) snapshot() Registration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reg
}

func (w *worker) update(fn func(r *Registration)) {
	w.mu.Lock()
	fn(&w.reg)
	w.mu.Unlock()
}

// enqueue never blocks. A full inbox evicts its oldest segment, which that
// sink will never receive; evicted segments are returned for journaling.
// Only Route calls it, under the service lock.
func (w *worker) enqueue(seg transcript.Segment) []transcript.Segment {
	var evicted []transcript.Segment
	for {
		select {
		case w.inbox <- seg:
			return evicted
		default:
		}
		select {
		case old := <-w.inbox:
			w.update(func(r *Registration) { r.Dropped++ })
			w.logger.Warn("sink inbox full, dropping segment", slog.Uint64("sequence", old.Sequence))
			evicted = append(evicted, old)
		default:
		}
	}
}

func (w *worker) journalEvicted(evicted []transcript.Segment) {
	for _, old := range evicted {
		w.svc.journal.Record(w.svc.ctx, eventstore.Event{
			Kind:     eventstore.KindUndelivered,
			Sequence: int64(old.Sequence),
			Sink:     w.sink.Name(),
			Detail:   "inbox overflow",
		})
	}
}

func (w *worker) run(ctx context.Context) {
	var probe <-chan time.Time
	if _, ok := w.sink.(Prober); ok && w.svc.cfg.ProbeIntervalMS > 0 {
		ticker := time.NewTicker(config.Millis(w.svc.cfg.ProbeIntervalMS))
		defer ticker.Stop()
		probe = ticker.C
	}
	for {
		select {
		case seg, ok := <-w.inbox:
			if !ok {
				return
			}
			w.handle(ctx, seg)
		case <-probe:
			if w.snapshot().State == StateDegraded {
				w.probe(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *worker) handle(ctx context.Context, seg transcript.Segment) {
	if w.hasLast && !w.last.Before(seg) {
		w.logger.Debug("ignoring stale segment", slog.Uint64("sequence", seg.Sequence))
		return
	}
	w.update(func(r *Registration) { r.LastSequence = int64(seg.Sequence) })

	if w.snapshot().State == StateDegraded {
		w.handleDegraded(ctx, seg)
		return
	}

	attempts := w.svc.cfg.RetryAttempts
	var err error
	attempt := 1
	for ; ; attempt++ {
		err = w.svc.deliverOnce(ctx, w.sink, seg, attempt)
		if err == nil {
			w.delivered(ctx, seg)
			return
		}
		if isFinal(err) || attempt >= attempts || ctx.Err() != nil {
			break
		}
		delay := w.svc.policy.Delay(attempt)
		w.logger.Debug("delivery failed, retrying",
			slog.Uint64("sequence", seg.Sequence),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slogError(err))
		if backoff.Sleep(ctx, delay) != nil {
			break
		}
	}
	w.failed(ctx, seg, &DeliveryError{Sink: w.sink.Name(), Sequence: seg.Sequence, Attempts: attempt, Err: err})
}

// handleDegraded offers seg to a degraded sink only when a probe is due. There
// is no backfill of segments skipped here.
func (w *worker) handleDegraded(ctx context.Context, seg transcript.Segment) {
	interval := config.Millis(w.svc.cfg.ProbeIntervalMS)
	if !w.lastProbe.IsZero() && time.Since(w.lastProbe) < interval {
		w.skip(ctx, seg)
		return
	}
	w.lastProbe = time.Now()
	if prober, ok := w.sink.(Prober); ok {
		if err := prober.Probe(ctx); err != nil {
			w.logger.Debug("probe failed", slogError(err))
			w.skip(ctx, seg)
			return
		}
	}
	if err := w.svc.deliverOnce(ctx, w.sink, seg, 1); err != nil {
		w.logger.Debug("degraded sink still failing", slog.Uint64("sequence", seg.Sequence), slogError(err))
		w.skip(ctx, seg)
		return
	}
	w.recover(ctx)
	w.delivered(ctx, seg)
}

func (w *worker) probe(ctx context.Context) {
	w.lastProbe = time.Now()
	if err := w.sink.(Prober).Probe(ctx); err != nil {
		w.logger.Debug("probe failed", slogError(err))
		return
	}
	w.recover(ctx)
}

func (w *worker) delivered(ctx context.Context, seg transcript.Segment) {
	w.last = seg
	w.hasLast = true
	w.update(func(r *Registration) {
		r.LastDelivered = int64(seg.Sequence)
		r.ConsecutiveFailures = 0
		r.Delivered++
	})
	w.svc.add(ctx, w.svc.metrics.delivered, w.sink.Name())
}

func (w *worker) failed(ctx context.Context, seg transcript.Segment, derr *DeliveryError) {
	var failures int
	w.update(func(r *Registration) {
		r.Failed++
		r.ConsecutiveFailures++
		failures = r.ConsecutiveFailures
	})
	w.svc.add(ctx, w.svc.metrics.failed, w.sink.Name())
	w.logger.Warn("segment undelivered",
		slog.Uint64("sequence", seg.Sequence),
		slog.Int("attempts", derr.Attempts),
		slog.Int("consecutive_failures", failures),
		slogError(derr.Err))
	w.svc.journal.Record(ctx, eventstore.Event{
		Kind:     eventstore.KindUndelivered,
		Sequence: int64(seg.Sequence),
		Sink:     w.sink.Name(),
		Detail:   derr.Err.Error(),
	})
	if failures >= w.svc.cfg.DegradeAfter {
		w.degrade(ctx, fmt.Sprintf("%d consecutive failed segments", failures))
	}
}

func (w *worker) skip(ctx context.Context, seg transcript.Segment) {
	w.update(func(r *Registration) { r.Skipped++ })
	w.svc.add(ctx, w.svc.metrics.skipped, w.sink.Name())
	w.logger.Debug("sink degraded, skipping segment", slog.Uint64("sequence", seg.Sequence))
}

func (w *worker) degrade(ctx context.Context, reason string) {
	w.lastProbe = time.Now()
	w.update(func(r *Registration) { r.State = StateDegraded })
	w.logger.Warn("sink degraded", slog.String("reason", reason))
	w.svc.journal.Record(ctx, eventstore.Event{
		Kind:     eventstore.KindDegraded,
		Sequence: eventstore.NoSequence,
		Sink:     w.sink.Name(),
		Detail:   reason,
	})
}

func (w *worker) recover(ctx context.Context) {
	w.update(func(r *Registration) {
		r.State = StateHealthy
		r.ConsecutiveFailures = 0
	})
	w.logger.Info("sink recovered")
	w.svc.journal.Record(ctx, eventstore.Event{
		Kind:     eventstore.KindRecovered,
		Sequence: eventstore.NoSequence,
		Sink:     w.sink.Name(),
	})
}
