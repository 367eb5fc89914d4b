// Package pipeline runs the live transcription stages and owns their lifecycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KathyLau/un-webtv-transcriber/internal/config"
	"github.com/KathyLau/un-webtv-transcriber/internal/eventstore"
	"github.com/KathyLau/un-webtv-transcriber/internal/router"
	"github.com/KathyLau/un-webtv-transcriber/internal/segmenter"
	"github.com/KathyLau/un-webtv-transcriber/internal/stream"
	"github.com/KathyLau/un-webtv-transcriber/internal/stt"
	"github.com/KathyLau/un-webtv-transcriber/internal/transcript"
)

// Deps are the collaborators a Controller drives. The Controller closes
// Router when Run returns.
type Deps struct {
	Source     *stream.Source
	Recognizer stt.Recognizer
	Router     *router.Service
	Journal    eventstore.Recorder
}

type Options struct {
	URL            string
	Format         transcript.Format
	Window         time.Duration
	MaxBuffer      time.Duration
	QueueSize      int
	BlockTimeout   time.Duration
	Workers        int
	RequestTimeout time.Duration
	ReorderTimeout time.Duration
	DrainTimeout   time.Duration
}

// OptionsFromConfig gathers pipeline options from cfg.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		URL:            cfg.Stream.URL,
		Format:         transcript.Format{SampleRate: cfg.Stream.SampleRate, Channels: cfg.Stream.Channels},
		Window:         config.Millis(cfg.Segmenter.WindowMS),
		MaxBuffer:      config.Millis(cfg.Segmenter.MaxBufferMS),
		QueueSize:      cfg.Segmenter.QueueSize,
		BlockTimeout:   config.Millis(cfg.Segmenter.BlockTimeoutMS),
		Workers:        cfg.STT.Workers,
		RequestTimeout: config.Millis(cfg.STT.RequestTimeoutMS),
		ReorderTimeout: config.Millis(cfg.STT.ReorderTimeoutMS),
		DrainTimeout:   config.Millis(cfg.Pipeline.DrainTimeoutMS),
	}
}

// Snapshot is a point-in-time view of pipeline progress.
type Snapshot struct {
	State        string                `json:"state"`
	LastSequence int64                 `json:"last_sequence"`
	Segments     uint64                `json:"segments"`
	Dropped      uint64                `json:"dropped"`
	Gaps         uint64                `json:"gaps"`
	Reconnects   int                   `json:"reconnects"`
	Sinks        []router.Registration `json:"sinks"`
}

// Controller wires StreamSource → Segmenter → Transcriber → SegmentRouter.
type Controller struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	state      atomic.Int32
	dropped    atomic.Uint64
	gaps       atomic.Uint64
	reconnects atomic.Int64

	hookMu sync.Mutex
	hooks  []func(from, to State)
}

func New(deps Deps, opts Options, logger *slog.Logger) *Controller {
	if deps.Journal == nil {
		deps.Journal = eventstore.Discard
	}
	return &Controller{
		deps:   deps,
		opts:   opts,
		logger: logger.With(slog.String("component", "pipeline")),
	}
}

// OnStateChange registers fn to run after every state transition.
func (c *Controller) OnStateChange(fn func(from, to State)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.hooks = append(c.hooks, fn)
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) Snapshot() Snapshot {
	snap := Snapshot{
		State:        c.State().String(),
		LastSequence: -1,
		Dropped:      c.dropped.Load(),
		Gaps:         c.gaps.Load(),
		Reconnects:   int(c.reconnects.Load()),
		Segments:     c.deps.Router.Segments(),
		Sinks:        c.deps.Router.Snapshot(),
	}
	if last, ok := c.deps.Router.LastSequence(); ok {
		snap.LastSequence = int64(last)
	}
	return snap
}

func (c *Controller) transition(ctx context.Context, to State) bool {
	for {
		from := c.State()
		if !canTransition(from, to) {
			return false
		}
		if c.state.CompareAndSwap(int32(from), int32(to)) {
			c.logger.Info("pipeline state changed", slog.String("from", from.String()), slog.String("to", to.String()))
			c.deps.Journal.Record(ctx, eventstore.Event{
				Kind:     eventstore.KindState,
				Sequence: eventstore.NoSequence,
				Detail:   from.String() + " -> " + to.String(),
			})
			c.hookMu.Lock()
			hooks := append([]func(from, to State){}, c.hooks...)
			c.hookMu.Unlock()
			for _, fn := range hooks {
				fn(from, to)
			}
			return true
		}
	}
}

// Run processes the stream until it ends, ctx is cancelled, or the stream is
// lost. Cancelling ctx drains in-flight segments; after DrainTimeout the
// remaining work is abandoned. Run returns an error wrapping
// stream.ErrStreamUnavailable when the pipeline failed, nil otherwise.
func (c *Controller) Run(ctx context.Context) error {
	workCtx, force := context.WithCancel(context.WithoutCancel(ctx))
	defer force()

	handle, err := c.deps.Source.Open(ctx, c.opts.URL)
	if err != nil {
		if errors.Is(err, stream.ErrStreamUnavailable) {
			c.transition(workCtx, StateFailed)
			c.closeRouter(workCtx)
			return fmt.Errorf("open stream: %w", err)
		}
		c.transition(workCtx, StateDraining)
		c.closeRouter(workCtx)
		c.transition(workCtx, StateStopped)
		return nil
	}
	defer handle.Close()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go c.watchShutdown(ctx, stopWatch, force)

	chunks := make(chan stream.Chunk, 16)
	streamErr := make(chan error, 1)
	go c.ingest(ctx, handle, chunks, streamErr)

	queue := segmenter.NewQueue(c.opts.QueueSize, c.opts.BlockTimeout, c.logger, func(seg transcript.AudioSegment) {
		c.dropped.Add(1)
		c.deps.Journal.Record(workCtx, eventstore.Event{
			Kind:     eventstore.KindDropped,
			Sequence: int64(seg.Sequence),
			Detail:   "transcription backlog full",
		})
	})
	go c.segment(workCtx, chunks, queue)

	transcriber := stt.NewTranscriber(c.deps.Recognizer, c.opts.Format, stt.Options{
		Workers:        c.opts.Workers,
		RequestTimeout: c.opts.RequestTimeout,
		ReorderTimeout: c.opts.ReorderTimeout,
		OnGap: func(seg transcript.AudioSegment, err error) {
			c.gaps.Add(1)
			c.deps.Journal.Record(workCtx, eventstore.Event{
				Kind:     eventstore.KindGap,
				Sequence: int64(seg.Sequence),
				Detail:   err.Error(),
			})
		},
	}, c.logger)
	segments := make(chan transcript.Segment, c.opts.Workers+1)
	transcribeDone := make(chan error, 1)
	go func() { transcribeDone <- transcriber.Run(workCtx, queue.C(), segments) }()

	for seg := range segments {
		c.transition(workCtx, StateRunning)
		c.deps.Router.Route(seg)
	}
	if err := <-transcribeDone; err != nil {
		c.logger.Warn("transcription abandoned", slogError(err))
	}
	c.closeRouter(workCtx)

	if err := <-streamErr; err != nil {
		c.transition(workCtx, StateFailed)
		return fmt.Errorf("pipeline failed: %w", err)
	}
	c.transition(workCtx, StateDraining)
	c.transition(workCtx, StateStopped)
	return nil
}

// watchShutdown moves to Draining when ctx ends and forces cancellation once
// the drain timeout passes.
func (c *Controller) watchShutdown(ctx context.Context, stop <-chan struct{}, force context.CancelFunc) {
	select {
	case <-stop:
		return
	case <-ctx.Done():
	}
	c.transition(context.WithoutCancel(ctx), StateDraining)
	if c.opts.DrainTimeout <= 0 {
		return
	}
	timer := time.NewTimer(c.opts.DrainTimeout)
	defer timer.Stop()
	select {
	case <-stop:
	case <-timer.C:
		c.logger.Warn("drain timeout exceeded, abandoning in-flight segments",
			slog.Duration("timeout", c.opts.DrainTimeout))
		force()
	}
}

// ingest reads chunks until the stream ends or ctx is cancelled. Only an
// unrecoverable stream error is reported on errCh.
func (c *Controller) ingest(ctx context.Context, h *stream.Handle, out chan<- stream.Chunk, errCh chan<- error) {
	defer close(out)
	for {
		chunk, err := c.deps.Source.NextChunk(ctx, h)
		c.reconnects.Store(int64(h.Reconnects()))
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				c.logger.Info("stream ended")
				errCh <- nil
			case errors.Is(err, stream.ErrStreamUnavailable):
				c.logger.Error("stream lost", slogError(err))
				c.transition(context.WithoutCancel(ctx), StateFailed)
				errCh <- err
			default:
				c.logger.Info("ingestion stopped", slogError(err))
				errCh <- nil
			}
			return
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			errCh <- nil
			return
		}
	}
}

// segment cuts chunks into AudioSegments and flushes the partial buffer when
// ingestion ends.
func (c *Controller) segment(ctx context.Context, chunks <-chan stream.Chunk, queue *segmenter.Queue) {
	defer queue.Close()
	seg := segmenter.New(c.opts.Format, c.opts.Window, c.opts.MaxBuffer)

	var tick <-chan time.Time
	if c.opts.MaxBuffer > 0 {
		interval := c.opts.MaxBuffer / 4
		if interval > time.Second {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	push := func(s transcript.AudioSegment) bool {
		if err := queue.Push(ctx, s); err != nil {
			return false
		}
		return true
	}
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				if last, ok := seg.Flush(true); ok {
					push(last)
				}
				return
			}
			for _, s := range seg.Push(chunk.Data, time.Now()) {
				if !push(s) {
					return
				}
			}
		case now := <-tick:
			if seg.Due(now) {
				if s, ok := seg.Flush(false); ok && !push(s) {
					return
				}
			}
		}
	}
}

func (c *Controller) closeRouter(ctx context.Context) {
	if err := c.deps.Router.Close(ctx); err != nil {
		c.logger.Warn("sink drain abandoned", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
