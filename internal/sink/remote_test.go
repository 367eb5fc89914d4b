package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KathyLau/un-webtv-transcriber/internal/transcript"
)

type fakeDocs struct {
	mu          sync.Mutex
	authCalls   int
	openErr     error
	appendErrs  []error
	appends     []string
	texts       []string
	createdWith string
}

func (f *fakeDocs) Authenticate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	return nil
}

func (f *fakeDocs) CreateDocument(_ context.Context, title string) (string, error) {
	f.createdWith = title
	return "doc-new", nil
}

func (f *fakeDocs) OpenDocument(context.Context, string) error { return f.openErr }

func (f *fakeDocs) AppendSegment(_ context.Context, _ string, text, startTs, endTs string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.appendErrs) > 0 {
		err := f.appendErrs[0]
		f.appendErrs = f.appendErrs[1:]
		if err != nil {
			return err
		}
	}
	f.appends = append(f.appends, "["+startTs+" --> "+endTs+"] "+text)
	return nil
}

func (f *fakeDocs) AppendText(_ context.Context, _ string, text string) error {
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeDocs) DocumentURL(docID string) string {
	return "https://docs.example.invalid/" + docID
}

func newRemote(t *testing.T, docs *fakeDocs, opts RemoteDocOptions) (*RemoteDocSink, *[]time.Duration) {
	t.Helper()
	s := NewRemoteDocSink(docs, opts, newLogger())
	var waits []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	s.now = func() time.Time { return time.Date(2025, 5, 6, 14, 0, 0, 0, time.UTC) }
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return s, &waits
}

func TestRemoteDocCreateModeWritesBanner(t *testing.T) {
	docs := &fakeDocs{}
	s, _ := newRemote(t, docs, RemoteDocOptions{Title: "UN WebTV", Banner: true})
	if docs.createdWith != "UN WebTV" {
		t.Fatalf("expected document created with title, got %q", docs.createdWith)
	}
	if len(docs.texts) != 1 || docs.texts[0] != "\n==== Session started 2025-05-06 14:00:00 ====\n" {
		t.Fatalf("unexpected banner %q", docs.texts)
	}
	if s.URL() != "https://docs.example.invalid/doc-new" {
		t.Fatalf("unexpected url %s", s.URL())
	}
}

func TestRemoteDocMissingDocumentIsUnavailable(t *testing.T) {
	docs := &fakeDocs{openErr: errors.New("404 not found")}
	s := NewRemoteDocSink(docs, RemoteDocOptions{DocumentID: "missing"}, newLogger())
	if err := s.Start(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := s.Deliver(context.Background(), transcript.Segment{Text: "x"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable before start succeeds, got %v", err)
	}
	docs.openErr = nil
	if err := s.Probe(context.Background()); err != nil {
		t.Fatalf("probe after recovery: %v", err)
	}
	if err := s.Deliver(context.Background(), transcript.Segment{Text: "x"}); err != nil {
		t.Fatalf("deliver after probe: %v", err)
	}
}

func TestRemoteDocReauthenticatesOnce(t *testing.T) {
	docs := &fakeDocs{appendErrs: []error{ErrAuthExpired}}
	s, _ := newRemote(t, docs, RemoteDocOptions{DocumentID: "doc-1"})
	seg := transcript.Segment{Sequence: 3, Text: "hello", Start: time.Second, End: 2 * time.Second}
	if err := s.Deliver(context.Background(), seg); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if docs.authCalls != 2 {
		t.Fatalf("expected one re-authentication, got %d auth calls", docs.authCalls)
	}
	if len(docs.appends) != 1 || docs.appends[0] != "[00:00:01,000 --> 00:00:02,000] hello" {
		t.Fatalf("unexpected appends %q", docs.appends)
	}

	docs.appendErrs = []error{ErrAuthExpired, ErrAuthExpired}
	if err := s.Deliver(context.Background(), seg); !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired after second expiry, got %v", err)
	}
}

func TestRemoteDocRateLimitedRetries(t *testing.T) {
	docs := &fakeDocs{appendErrs: []error{&RateLimitError{RetryAfter: 3 * time.Second}, ErrRateLimited}}
	s, waits := newRemote(t, docs, RemoteDocOptions{DocumentID: "doc-1", MaxRetries: 5, RateLimitBackoff: time.Second})
	if err := s.Deliver(context.Background(), transcript.Segment{Sequence: 5, Text: "five"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	got := *waits
	if len(got) != 2 || got[0] != 3*time.Second || got[1] != 2*time.Second {
		t.Fatalf("expected Retry-After then default backoff, got %v", got)
	}
}

func TestRemoteDocRateLimitBudgetExhausted(t *testing.T) {
	docs := &fakeDocs{appendErrs: []error{ErrRateLimited, ErrRateLimited, ErrRateLimited}}
	s, waits := newRemote(t, docs, RemoteDocOptions{DocumentID: "doc-1", MaxRetries: 2})
	err := s.Deliver(context.Background(), transcript.Segment{Sequence: 9, Text: "nine"})
	if !errors.Is(err, ErrUndeliverable) {
		t.Fatalf("expected ErrUndeliverable, got %v", err)
	}
	if len(*waits) != 2 {
		t.Fatalf("expected 2 backoff waits, got %d", len(*waits))
	}
}

func TestRemoteDocUnavailablePassesThrough(t *testing.T) {
	docs := &fakeDocs{appendErrs: []error{ErrUnavailable}}
	s, _ := newRemote(t, docs, RemoteDocOptions{DocumentID: "doc-1"})
	if err := s.Deliver(context.Background(), transcript.Segment{Text: "x"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
