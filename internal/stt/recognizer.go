package stt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KathyLau/un-webtv-transcriber/internal/config"
)

// ErrTranscriptionTimeout marks a segment skipped because its result did not
// arrive in time.
var ErrTranscriptionTimeout = errors.New("transcription timeout")

// Span is one recognized stretch of speech. Offsets are relative to the start
// of the submitted audio.
type Span struct {
	Text  string
	Start time.Duration
	End   time.Duration
}

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
	Language   string
	Spans      []Span
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error)
}

// NewRecognizer builds the backend selected by cfg.Mode.
func NewRecognizer(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(cfg.SilenceThreshold), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "whisper-server":
		return NewWhisperServerRecognizer(cfg, nil)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
