package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/KathyLau/un-webtv-transcriber/internal/backoff"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrStreamUnavailable is returned once the consecutive retry budget is spent.
	ErrStreamUnavailable = errors.New("stream unavailable")
	// ErrHandleClosed is returned when reading from a destroyed handle.
	ErrHandleClosed = errors.New("stream handle closed")
)

// Dialer opens a live source and yields raw PCM.
type Dialer interface {
	Dial(ctx context.Context, url string) (io.ReadCloser, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (io.ReadCloser, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (io.ReadCloser, error) {
	return f(ctx, url)
}

// Chunk is one read from the live stream.
type Chunk struct {
	Sequence uint64
	Data     []byte
}

// Options tunes reconnect behaviour.
type Options struct {
	Policy     backoff.Policy
	MaxRetries int // consecutive failures tolerated; 0 means unlimited
	ReadSize   int
}

// Handle owns one live connection. It is not safe for concurrent use.
type Handle struct {
	url        string
	rc         io.ReadCloser
	buf        []byte
	cursor     uint64
	failures   int
	reconnects int
	pending    error
	closed     bool
}

// URL returns the stream location the handle was opened with.
func (h *Handle) URL() string { return h.url }

// Cursor returns the number of chunks yielded so far.
func (h *Handle) Cursor() uint64 { return h.cursor }

// Reconnects returns how many times the connection was re-established.
func (h *Handle) Reconnects() int { return h.reconnects }

// Close releases the underlying connection. It is idempotent.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	return h.drop()
}

func (h *Handle) drop() error {
	if h.rc == nil {
		return nil
	}
	err := h.rc.Close()
	h.rc = nil
	return err
}

// Source reads a live stream through a Dialer, reconnecting on transient
// failure. Recovery resumes from the current live position.
type Source struct {
	dialer     Dialer
	opts       Options
	logger     *slog.Logger
	sleep      func(context.Context, int) error
	reconnects metric.Int64Counter
}

func NewSource(dialer Dialer, opts Options, logger *slog.Logger) *Source {
	if opts.ReadSize <= 0 {
		opts.ReadSize = 3200
	}
	s := &Source{
		dialer: dialer,
		opts:   opts,
		logger: logger.With(slog.String("component", "stream")),
	}
	s.sleep = func(ctx context.Context, attempt int) error {
		return backoff.Sleep(ctx, s.opts.Policy.Delay(attempt))
	}
	counter, err := otel.Meter("github.com/KathyLau/un-webtv-transcriber/stream").Int64Counter(
		"transcriber.stream.reconnects", metric.WithDescription("Stream reconnect attempts"))
	if err == nil {
		s.reconnects = counter
	}
	return s
}

// Open connects to url, retrying within the budget.
func (s *Source) Open(ctx context.Context, url string) (*Handle, error) {
	h := &Handle{url: url, buf: make([]byte, s.opts.ReadSize)}
	if err := s.connect(ctx, h); err != nil {
		h.closed = true
		return nil, err
	}
	s.logger.Info("stream opened", slog.String("url", url))
	return h, nil
}

// NextChunk returns the next chunk of audio, io.EOF at end of stream, or
// ErrStreamUnavailable once the retry budget is exhausted. The handle is
// destroyed on io.EOF and on any fatal error.
func (s *Source) NextChunk(ctx context.Context, h *Handle) (Chunk, error) {
	if h.closed {
		return Chunk{}, ErrHandleClosed
	}
	for {
		if err := ctx.Err(); err != nil {
			h.Close()
			return Chunk{}, err
		}
		if h.pending == nil {
			if h.rc == nil {
				if err := s.connect(ctx, h); err != nil {
					h.Close()
					return Chunk{}, err
				}
				h.reconnects++
				s.logger.Info("stream reconnected", slog.Int("reconnects", h.reconnects))
			}
			n, err := h.rc.Read(h.buf)
			if n > 0 {
				h.failures = 0
				h.pending = err
				data := make([]byte, n)
				copy(data, h.buf[:n])
				chunk := Chunk{Sequence: h.cursor, Data: data}
				h.cursor++
				return chunk, nil
			}
			if err == nil {
				continue
			}
			h.pending = err
		}

		err := h.pending
		h.pending = nil
		if errors.Is(err, io.EOF) {
			s.logger.Info("stream ended", slog.Uint64("chunks", h.cursor))
			h.Close()
			return Chunk{}, io.EOF
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			h.Close()
			return Chunk{}, ctxErr
		}
		_ = h.drop()
		if err := s.fail(ctx, h, err); err != nil {
			h.Close()
			return Chunk{}, err
		}
	}
}

// connect dials until success, the budget is spent, or ctx ends.
func (s *Source) connect(ctx context.Context, h *Handle) error {
	for {
		rc, err := s.dialer.Dial(ctx, h.url)
		if err == nil {
			h.rc = rc
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err := s.fail(ctx, h, err); err != nil {
			return err
		}
	}
}

// fail records one transient failure and waits out the backoff.
func (s *Source) fail(ctx context.Context, h *Handle, cause error) error {
	h.failures++
	if s.opts.MaxRetries > 0 && h.failures > s.opts.MaxRetries {
		s.logger.Error("stream retry budget exhausted",
			slog.Int("failures", h.failures), slogError(cause))
		return fmt.Errorf("%w: %d consecutive failures: %v", ErrStreamUnavailable, h.failures, cause)
	}
	if s.reconnects != nil {
		s.reconnects.Add(ctx, 1)
	}
	s.logger.Warn("stream interrupted, retrying",
		slog.Int("attempt", h.failures),
		slog.Duration("backoff", s.opts.Policy.Delay(h.failures)),
		slogError(cause))
	return s.sleep(ctx, h.failures)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
