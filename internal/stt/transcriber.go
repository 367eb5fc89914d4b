package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/KathyLau/un-webtv-transcriber/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// GapFunc is notified when a segment is skipped.
type GapFunc func(seg transcript.AudioSegment, err error)

type Options struct {
	Workers        int
	RequestTimeout time.Duration
	ReorderTimeout time.Duration
	OnGap          GapFunc
}

// Transcriber runs segments through a Recognizer on a bounded worker pool and
// emits results in sequence order.
type Transcriber struct {
	recognizer Recognizer
	format     transcript.Format
	opts       Options
	logger     *slog.Logger
	tracer     trace.Tracer
	gaps       metric.Int64Counter
}

type started struct {
	seg transcript.AudioSegment
	at  time.Time
}

type result struct {
	seq      uint64
	segments []transcript.Segment
	err      error
}

func NewTranscriber(recognizer Recognizer, format transcript.Format, opts Options, logger *slog.Logger) *Transcriber {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	t := &Transcriber{
		recognizer: recognizer,
		format:     format,
		opts:       opts,
		logger:     logger.With(slog.String("component", "stt")),
		tracer:     otel.Tracer("github.com/KathyLau/un-webtv-transcriber/stt"),
	}
	counter, err := otel.Meter("github.com/KathyLau/un-webtv-transcriber/stt").Int64Counter(
		"transcriber.stt.gaps", metric.WithDescription("Segments skipped by the transcriber"))
	if err == nil {
		t.gaps = counter
	}
	return t
}

// Run transcribes every segment from in and writes ordered results to out.
// It returns once in is closed and all dispatched segments are resolved, or
// when ctx ends. Run closes out before returning.
func (t *Transcriber) Run(ctx context.Context, in <-chan transcript.AudioSegment, out chan<- transcript.Segment) error {
	defer close(out)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	startedCh := make(chan started)
	results := make(chan result, t.opts.Workers)
	sema := make(chan struct{}, t.opts.Workers)

	go func() {
		defer close(startedCh)
		for {
			var seg transcript.AudioSegment
			var ok bool
			select {
			case seg, ok = <-in:
				if !ok {
					return
				}
			case <-runCtx.Done():
				return
			}
			select {
			case sema <- struct{}{}:
			case <-runCtx.Done():
				return
			}
			select {
			case startedCh <- started{seg: seg, at: time.Now()}:
			case <-runCtx.Done():
				return
			}
			go func(seg transcript.AudioSegment) {
				res := t.transcribe(runCtx, seg)
				select {
				case results <- res:
				case <-runCtx.Done():
				}
				<-sema
			}(seg)
		}
	}()

	var (
		queue   []started
		done    = make(map[uint64]result)
		floor   uint64
		open    = true
		timer   = time.NewTimer(time.Hour)
		waiting <-chan time.Time
	)
	timer.Stop()
	defer timer.Stop()

	for {
		for len(queue) > 0 {
			head := queue[0]
			res, ok := done[head.seg.Sequence]
			if !ok {
				break
			}
			delete(done, head.seg.Sequence)
			queue = queue[1:]
			floor = head.seg.Sequence + 1
			if res.err != nil {
				t.gap(ctx, head.seg, res.err)
				continue
			}
			for _, seg := range res.segments {
				select {
				case out <- seg:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if !open && len(queue) == 0 {
			return nil
		}

		waiting = nil
		if len(queue) > 0 && t.opts.ReorderTimeout > 0 {
			timer.Reset(time.Until(queue[0].at.Add(t.opts.ReorderTimeout)))
			waiting = timer.C
		}

		select {
		case s, ok := <-startedCh:
			if !ok {
				open = false
				startedCh = nil
			} else {
				queue = append(queue, s)
			}
		case res := <-results:
			if res.seq < floor && !t.pending(queue, res.seq) {
				t.logger.Debug("discarding late transcription", slog.Uint64("sequence", res.seq))
				break
			}
			done[res.seq] = res
		case <-waiting:
			head := queue[0]
			queue = queue[1:]
			floor = head.seg.Sequence + 1
			t.gap(ctx, head.seg, fmt.Errorf("%w: no result after %s", ErrTranscriptionTimeout, t.opts.ReorderTimeout))
		case <-ctx.Done():
			return ctx.Err()
		}
		timer.Stop()
	}
}

func (t *Transcriber) pending(queue []started, seq uint64) bool {
	for _, s := range queue {
		if s.seg.Sequence == seq {
			return true
		}
	}
	return false
}

func (t *Transcriber) transcribe(ctx context.Context, seg transcript.AudioSegment) result {
	ctx, span := t.tracer.Start(ctx, "stt.transcribe", trace.WithAttributes(
		attribute.Int64("segment.sequence", int64(seg.Sequence)),
		attribute.Int("segment.bytes", len(seg.PCM)),
	))
	defer span.End()

	if t.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.RequestTimeout)
		defer cancel()
	}
	start := time.Now()
	res, err := t.recognizer.Transcribe(ctx, seg.PCM, t.format.SampleRate, t.format.Channels)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrTranscriptionTimeout, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result{seq: seg.Sequence, err: err}
	}
	t.logger.Debug("segment transcribed",
		slog.Uint64("sequence", seg.Sequence),
		slog.Duration("latency", time.Since(start)),
		slog.Int("spans", len(res.Spans)))
	return result{seq: seg.Sequence, segments: Segments(seg, res)}
}

func (t *Transcriber) gap(ctx context.Context, seg transcript.AudioSegment, err error) {
	if t.gaps != nil {
		t.gaps.Add(ctx, 1)
	}
	t.logger.Warn("skipping segment",
		slog.Uint64("sequence", seg.Sequence),
		slog.String("start", transcript.FormatTimestamp(seg.Start)),
		slog.String("end", transcript.FormatTimestamp(seg.End)),
		slog.String("error", err.Error()))
	if t.opts.OnGap != nil {
		t.opts.OnGap(seg, err)
	}
}

// Segments converts recognizer output into stream-timed segments that share
// seg's sequence. Output with no text yields a single empty segment.
func Segments(seg transcript.AudioSegment, res TranscriptResult) []transcript.Segment {
	var out []transcript.Segment
	for _, span := range res.Spans {
		text := strings.TrimSpace(span.Text)
		if text == "" {
			continue
		}
		start := clamp(seg.Start+span.Start, seg.Start, seg.End)
		end := clamp(seg.Start+span.End, start, seg.End)
		out = append(out, transcript.Segment{
			Sequence: seg.Sequence,
			Ordinal:  len(out),
			Text:     text,
			Start:    start,
			End:      end,
		})
	}
	if len(out) > 0 {
		return out
	}
	text := ""
	if len(res.Spans) == 0 {
		text = strings.TrimSpace(res.Text)
	}
	return []transcript.Segment{{Sequence: seg.Sequence, Text: text, Start: seg.Start, End: seg.End}}
}

func clamp(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
