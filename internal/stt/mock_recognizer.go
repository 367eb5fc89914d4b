package stt

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// mockRecognizer reports speech wherever the signal is louder than a fixed
// RMS threshold. Output is deterministic.
type mockRecognizer struct {
	threshold float64
}

func NewMockRecognizer(threshold float64) Recognizer {
	return &mockRecognizer{threshold: threshold}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error) {
	if len(pcm)%2 != 0 {
		return TranscriptResult{}, fmt.Errorf("pcm payload not aligned")
	}
	if rms(pcm) <= m.threshold {
		return TranscriptResult{}, nil
	}
	var dur time.Duration
	if sampleRate > 0 && channels > 0 {
		frames := len(pcm) / (2 * channels)
		dur = time.Duration(frames) * time.Second / time.Duration(sampleRate)
	}
	text := fmt.Sprintf("[speech %.1fs]", dur.Seconds())
	return TranscriptResult{
		Text:       text,
		Confidence: 1,
		Spans:      []Span{{Text: text, Start: 0, End: dur}},
	}, nil
}

func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
