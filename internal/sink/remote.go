package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/KathyLau/un-webtv-transcriber/internal/backoff"
	"github.com/KathyLau/un-webtv-transcriber/internal/transcript"
	"golang.org/x/time/rate"
)

// DocumentService is the authenticated append-only document collaborator.
// Append failures are reported as ErrAuthExpired, ErrRateLimited (optionally
// a *RateLimitError) or ErrUnavailable.
type DocumentService interface {
	Authenticate(ctx context.Context) error
	CreateDocument(ctx context.Context, title string) (string, error)
	OpenDocument(ctx context.Context, docID string) error
	AppendSegment(ctx context.Context, docID, text, startTs, endTs string) error
	AppendText(ctx context.Context, docID, text string) error
	DocumentURL(docID string) string
}

type RemoteDocOptions struct {
	// DocumentID selects append mode; empty creates a new document.
	DocumentID        string
	Title             string
	MaxRetries        int
	RateLimitBackoff  time.Duration
	RequestsPerMinute float64
	Banner            bool
}

// RemoteDocSink appends segments to a remote document.
type RemoteDocSink struct {
	svc     DocumentService
	opts    RemoteDocOptions
	limiter *rate.Limiter
	policy  backoff.Policy
	logger  *slog.Logger
	sleep   func(context.Context, time.Duration) error
	now     func() time.Time

	mu    sync.Mutex
	docID string
}

func NewRemoteDocSink(svc DocumentService, opts RemoteDocOptions, logger *slog.Logger) *RemoteDocSink {
	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Limit(opts.RequestsPerMinute / 60)
	}
	if opts.RateLimitBackoff <= 0 {
		opts.RateLimitBackoff = 2 * time.Second
	}
	return &RemoteDocSink{
		svc:     svc,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		policy:  backoff.Policy{Base: opts.RateLimitBackoff, Max: time.Minute, Multiplier: 2},
		logger:  logger.With(slog.String("component", "sink"), slog.String("sink", "remote_doc")),
		sleep:   backoff.Sleep,
		now:     time.Now,
	}
}

func (s *RemoteDocSink) Name() string { return "remote_doc" }

// Start authenticates and opens or creates the document. An inaccessible
// configured document is reported as ErrUnavailable.
func (s *RemoteDocSink) Start(ctx context.Context) error {
	return s.connect(ctx)
}

func (s *RemoteDocSink) connect(ctx context.Context) error {
	if err := s.svc.Authenticate(ctx); err != nil {
		return fmt.Errorf("%w: authenticate: %v", ErrUnavailable, err)
	}
	docID := s.opts.DocumentID
	if docID != "" {
		if err := s.svc.OpenDocument(ctx, docID); err != nil {
			if errors.Is(err, ErrUnavailable) {
				return fmt.Errorf("open document %s: %w", docID, err)
			}
			return fmt.Errorf("%w: open document %s: %v", ErrUnavailable, docID, err)
		}
	} else {
		created, err := s.svc.CreateDocument(ctx, s.opts.Title)
		if err != nil {
			return fmt.Errorf("%w: create document: %v", ErrUnavailable, err)
		}
		docID = created
	}
	if s.opts.Banner {
		banner := fmt.Sprintf("\n==== Session started %s ====\n", s.now().Format("2006-01-02 15:04:05"))
		if err := s.svc.AppendText(ctx, docID, banner); err != nil {
			return fmt.Errorf("write session banner: %w", err)
		}
	}
	s.mu.Lock()
	s.docID = docID
	s.mu.Unlock()
	s.logger.Info("remote document ready", slog.String("url", s.svc.DocumentURL(docID)))
	return nil
}

// Probe checks that the document is reachable, connecting first if Start
// never succeeded.
func (s *RemoteDocSink) Probe(ctx context.Context) error {
	docID := s.documentID()
	if docID == "" {
		return s.connect(ctx)
	}
	return s.svc.OpenDocument(ctx, docID)
}

// URL returns the document URL, or "" before Start succeeds.
func (s *RemoteDocSink) URL() string {
	docID := s.documentID()
	if docID == "" {
		return ""
	}
	return s.svc.DocumentURL(docID)
}

func (s *RemoteDocSink) documentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docID
}

func (s *RemoteDocSink) Deliver(ctx context.Context, seg transcript.Segment) error {
	docID := s.documentID()
	if docID == "" {
		return fmt.Errorf("%w: no document", ErrUnavailable)
	}
	start := transcript.FormatTimestamp(seg.Start)
	end := transcript.FormatTimestamp(seg.End)

	reauthenticated := false
	limited := 0
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		err := s.svc.AppendSegment(ctx, docID, seg.Text, start, end)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrAuthExpired):
			if reauthenticated {
				return err
			}
			reauthenticated = true
			s.logger.Info("credentials expired, re-authenticating", slog.Uint64("sequence", seg.Sequence))
			if authErr := s.svc.Authenticate(ctx); authErr != nil {
				return fmt.Errorf("%w: re-authenticate: %v", ErrAuthExpired, authErr)
			}
		case errors.Is(err, ErrRateLimited):
			limited++
			if limited > s.opts.MaxRetries {
				s.logger.Error("segment permanently undelivered",
					slog.Uint64("sequence", seg.Sequence),
					slog.Int("attempts", limited))
				return fmt.Errorf("%w: rate limited %d times: %v", ErrUndeliverable, limited, err)
			}
			wait := s.policy.Delay(limited)
			var rl *RateLimitError
			if errors.As(err, &rl) && rl.RetryAfter > 0 {
				wait = rl.RetryAfter
			}
			s.logger.Warn("rate limited, backing off",
				slog.Uint64("sequence", seg.Sequence),
				slog.Int("retry", limited),
				slog.Duration("wait", wait))
			if err := s.sleep(ctx, wait); err != nil {
				return err
			}
		default:
			return err
		}
	}
}

func (s *RemoteDocSink) Close() error { return nil }
