package segmenter

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KathyLau/un-webtv-transcriber/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// DropFunc is notified of every segment evicted from a full queue.
type DropFunc func(seg transcript.AudioSegment)

// Queue is the bounded hand-off between segmentation and transcription.
// Push blocks while the queue is full, up to blockTimeout, then evicts the
// oldest queued segment. It expects a single producer.
type Queue struct {
	ch           chan transcript.AudioSegment
	blockTimeout time.Duration
	logger       *slog.Logger
	onDrop       DropFunc
	dropped      atomic.Uint64
	counter      metric.Int64Counter
	closeOnce    sync.Once
}

func NewQueue(size int, blockTimeout time.Duration, logger *slog.Logger, onDrop DropFunc) *Queue {
	if size <= 0 {
		size = 1
	}
	q := &Queue{
		ch:           make(chan transcript.AudioSegment, size),
		blockTimeout: blockTimeout,
		logger:       logger.With(slog.String("component", "segment_queue")),
		onDrop:       onDrop,
	}
	counter, err := otel.Meter("github.com/KathyLau/un-webtv-transcriber/segmenter").Int64Counter(
		"transcriber.segments.dropped", metric.WithDescription("Audio segments dropped under backpressure"))
	if err == nil {
		q.counter = counter
	}
	return q
}

// Push enqueues seg. It returns an error only when ctx ends while blocked.
func (q *Queue) Push(ctx context.Context, seg transcript.AudioSegment) error {
	select {
	case q.ch <- seg:
		return nil
	default:
	}

	timer := time.NewTimer(q.blockTimeout)
	defer timer.Stop()
	select {
	case q.ch <- seg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	for {
		select {
		case old := <-q.ch:
			q.drop(ctx, old)
		default:
		}
		select {
		case q.ch <- seg:
			return nil
		default:
		}
	}
}

// C returns the receive side of the queue.
func (q *Queue) C() <-chan transcript.AudioSegment { return q.ch }

// Close ends the queue; consumers drain what remains. Only the producer may call it.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.ch) })
}

// Dropped returns the number of evicted segments.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

func (q *Queue) drop(ctx context.Context, seg transcript.AudioSegment) {
	q.dropped.Add(1)
	if q.counter != nil {
		q.counter.Add(ctx, 1)
	}
	q.logger.Warn("transcription backlog full, dropping oldest audio",
		slog.Uint64("sequence", seg.Sequence),
		slog.String("start", transcript.FormatTimestamp(seg.Start)),
		slog.String("end", transcript.FormatTimestamp(seg.End)))
	if q.onDrop != nil {
		q.onDrop(seg)
	}
}
