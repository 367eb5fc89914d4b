package transcript

import (
	"fmt"
	"time"
)

// AudioSegment is a bounded slice of the live stream with offsets relative to
// stream start. It is immutable once produced.
type AudioSegment struct {
	Sequence uint64
	Start    time.Duration
	End      time.Duration
	PCM      []byte
	Final    bool
}

// Duration returns the segment length.
func (a AudioSegment) Duration() time.Duration {
	return a.End - a.Start
}

// Segment is one timestamped text span produced from an AudioSegment. Spans of
// the same AudioSegment share its Sequence and are ordered by Ordinal.
type Segment struct {
	Sequence uint64        `json:"sequence"`
	Ordinal  int           `json:"ordinal"`
	Text     string        `json:"text"`
	Start    time.Duration `json:"start"`
	End      time.Duration `json:"end"`
}

// Empty reports whether the segment carries no text (silence).
func (s Segment) Empty() bool {
	return s.Text == ""
}

// Before orders segments by sequence, then ordinal.
func (s Segment) Before(o Segment) bool {
	if s.Sequence != o.Sequence {
		return s.Sequence < o.Sequence
	}
	return s.Ordinal < o.Ordinal
}

// FormatTimestamp renders d as HH:MM:SS,mmm, rounding to the nearest millisecond.
func FormatTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	millis := int64((d + 500*time.Microsecond) / time.Millisecond)
	h := millis / 3_600_000
	m := (millis % 3_600_000) / 60_000
	s := (millis % 60_000) / 1000
	ms := millis % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}
