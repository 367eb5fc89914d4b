// Package gdocs implements the remote transcript document on Google Docs.
package gdocs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/KathyLau/un-webtv-transcriber/internal/config"
	"github.com/KathyLau/un-webtv-transcriber/internal/sink"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	docs "google.golang.org/api/docs/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

type Options struct {
	CredentialsPath string
	TokenPath       string
	TabID           string
	Endpoint        string
	// HTTPClient bypasses credential loading when set.
	HTTPClient *http.Client
}

// OptionsFromConfig maps the remote document sink configuration.
func OptionsFromConfig(cfg config.RemoteDocSinkConfig) Options {
	return Options{
		CredentialsPath: cfg.CredentialsPath,
		TokenPath:       cfg.TokenPath,
		TabID:           cfg.TabID,
		Endpoint:        cfg.Endpoint,
	}
}

// Client is a DocumentService backed by the Google Docs API. Credential
// material is read from disk on every Authenticate and never written back.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu  sync.Mutex
	svc *docs.Service
}

func New(opts Options, logger *slog.Logger) *Client {
	return &Client{opts: opts, logger: logger.With(slog.String("component", "gdocs"))}
}

func (c *Client) Authenticate(ctx context.Context) error {
	httpClient, err := c.httpClient(ctx)
	if err != nil {
		return err
	}
	svcOpts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if c.opts.Endpoint != "" {
		svcOpts = append(svcOpts, option.WithEndpoint(c.opts.Endpoint))
	}
	svc, err := docs.NewService(ctx, svcOpts...)
	if err != nil {
		return fmt.Errorf("create docs service: %w", err)
	}
	c.mu.Lock()
	c.svc = svc
	c.mu.Unlock()
	c.logger.Debug("authenticated with Google Docs")
	return nil
}

func (c *Client) httpClient(ctx context.Context) (*http.Client, error) {
	if c.opts.HTTPClient != nil {
		return c.opts.HTTPClient, nil
	}
	if c.opts.CredentialsPath == "" {
		client, err := google.DefaultClient(context.Background(), docs.DocumentsScope)
		if err != nil {
			return nil, fmt.Errorf("default credentials: %w", err)
		}
		return client, nil
	}
	data, err := os.ReadFile(c.opts.CredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if c.opts.TokenPath != "" {
		cfg, err := google.ConfigFromJSON(data, docs.DocumentsScope)
		if err != nil {
			return nil, fmt.Errorf("parse oauth client: %w", err)
		}
		tok, err := readToken(c.opts.TokenPath)
		if err != nil {
			return nil, err
		}
		return cfg.Client(context.Background(), tok), nil
	}
	creds, err := google.CredentialsFromJSON(ctx, data, docs.DocumentsScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return oauth2.NewClient(context.Background(), creds.TokenSource), nil
}

func readToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open token: %w", err)
	}
	defer f.Close()
	var tok oauth2.Token
	if err := json.NewDecoder(f).Decode(&tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &tok, nil
}

func (c *Client) service() (*docs.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.svc == nil {
		return nil, fmt.Errorf("%w: not authenticated", sink.ErrAuthExpired)
	}
	return c.svc, nil
}

func (c *Client) CreateDocument(ctx context.Context, title string) (string, error) {
	svc, err := c.service()
	if err != nil {
		return "", err
	}
	doc, err := svc.Documents.Create(&docs.Document{Title: title}).Context(ctx).Do()
	if err != nil {
		return "", classify(err)
	}
	c.logger.Info("created document", slog.String("document_id", doc.DocumentId), slog.String("title", title))
	return doc.DocumentId, nil
}

func (c *Client) OpenDocument(ctx context.Context, docID string) error {
	svc, err := c.service()
	if err != nil {
		return err
	}
	if _, err := svc.Documents.Get(docID).Fields("documentId").Context(ctx).Do(); err != nil {
		return classify(err)
	}
	return nil
}

// AppendSegment appends one "[start → end] text" line.
func (c *Client) AppendSegment(ctx context.Context, docID, text, startTs, endTs string) error {
	return c.AppendText(ctx, docID, fmt.Sprintf("[%s → %s] %s\n", startTs, endTs, text))
}

// AppendText inserts text at the end of the document body, or of the
// configured tab.
func (c *Client) AppendText(ctx context.Context, docID, text string) error {
	svc, err := c.service()
	if err != nil {
		return err
	}
	req := &docs.BatchUpdateDocumentRequest{
		Requests: []*docs.Request{{
			InsertText: &docs.InsertTextRequest{
				Text:                 text,
				EndOfSegmentLocation: &docs.EndOfSegmentLocation{TabId: c.opts.TabID},
			},
		}},
	}
	if _, err := svc.Documents.BatchUpdate(docID, req).Context(ctx).Do(); err != nil {
		return classify(err)
	}
	return nil
}

func (c *Client) DocumentURL(docID string) string {
	return "https://docs.google.com/document/d/" + docID + "/edit"
}

// classify maps API failures onto the sink error taxonomy.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", sink.ErrAuthExpired, err)
		case gerr.Code == http.StatusTooManyRequests:
			return &sink.RateLimitError{RetryAfter: retryAfter(gerr.Header.Get("Retry-After"))}
		default:
			return fmt.Errorf("%w: %v", sink.ErrUnavailable, err)
		}
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return fmt.Errorf("%w: %v", sink.ErrAuthExpired, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", sink.ErrUnavailable, err)
}

// retryAfter parses a Retry-After header in seconds or HTTP-date form.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
