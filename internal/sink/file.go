package sink

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/KathyLau/un-webtv-transcriber/internal/config"
	"github.com/KathyLau/un-webtv-transcriber/internal/transcript"
)

// FileSink appends segments to an SRT file and a plain timestamped text file.
// Every append is synced before Deliver returns.
type FileSink struct {
	mu      sync.Mutex
	srtPath string
	txtPath string
	srt     *os.File
	txt     *os.File
	cue     int
	logger  *slog.Logger

	// pending is a segment whose cue is on disk but whose text line is not
	// yet synced. A retried Deliver resumes it instead of writing it again.
	pending    transcript.Segment
	hasPending bool
	txtWritten bool
}

// NewFileSink opens the configured files. Without fixed paths, files are
// named <prefix>_<YYYYMMDD_HHMMSS> under the directory.
func NewFileSink(cfg config.FileSinkConfig, started time.Time, logger *slog.Logger) (*FileSink, error) {
	srtPath, txtPath := cfg.SRTPath, cfg.TXTPath
	if srtPath == "" || txtPath == "" {
		prefix := cfg.Prefix
		if prefix == "" {
			prefix = "transcript"
		}
		base := filepath.Join(cfg.Directory, fmt.Sprintf("%s_%s", prefix, started.Format("20060102_150405")))
		if srtPath == "" {
			srtPath = base + ".srt"
		}
		if txtPath == "" {
			txtPath = base + ".txt"
		}
	}
	return OpenFileSink(srtPath, txtPath, logger)
}

// OpenFileSink appends to the given files, creating them and their
// directories as needed.
func OpenFileSink(srtPath, txtPath string, logger *slog.Logger) (*FileSink, error) {
	srt, err := openAppend(srtPath)
	if err != nil {
		return nil, err
	}
	txt, err := openAppend(txtPath)
	if err != nil {
		srt.Close()
		return nil, err
	}
	logger.Info("writing transcript files",
		slog.String("component", "sink"),
		slog.String("srt", srtPath),
		slog.String("txt", txtPath))
	return &FileSink{
		srtPath: srtPath,
		txtPath: txtPath,
		srt:     srt,
		txt:     txt,
		logger:  logger.With(slog.String("component", "sink"), slog.String("sink", "local_file")),
	}, nil
}

func openAppend(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create transcript dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

func (s *FileSink) Name() string { return "local_file" }

// Paths returns the SRT and text file locations.
func (s *FileSink) Paths() (string, string) { return s.srtPath, s.txtPath }

func (s *FileSink) Deliver(_ context.Context, seg transcript.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srt == nil {
		return fmt.Errorf("file sink closed")
	}

	start := transcript.FormatTimestamp(seg.Start)
	end := transcript.FormatTimestamp(seg.End)
	if !s.hasPending || s.pending.Sequence != seg.Sequence || s.pending.Ordinal != seg.Ordinal {
		cue := s.cue + 1
		if _, err := fmt.Fprintf(s.srt, "%d\n%s --> %s\n%s\n\n", cue, start, end, seg.Text); err != nil {
			return fmt.Errorf("write srt: %w", err)
		}
		if err := s.srt.Sync(); err != nil {
			return fmt.Errorf("sync srt: %w", err)
		}
		s.cue = cue
		s.pending, s.hasPending, s.txtWritten = seg, true, false
	}
	if !s.txtWritten {
		if _, err := fmt.Fprintf(s.txt, "#%d [%s --> %s] %s\n", seg.Sequence, start, end, seg.Text); err != nil {
			return fmt.Errorf("write txt: %w", err)
		}
		s.txtWritten = true
	}
	if err := s.txt.Sync(); err != nil {
		return fmt.Errorf("sync txt: %w", err)
	}
	s.hasPending = false
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srt == nil {
		return nil
	}
	srtErr := s.srt.Close()
	txtErr := s.txt.Close()
	s.srt, s.txt = nil, nil
	s.logger.Info("transcript files closed", slog.Int("cues", s.cue))
	if srtErr != nil {
		return srtErr
	}
	return txtErr
}
