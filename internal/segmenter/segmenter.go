// Package segmenter slices continuous PCM into bounded AudioSegments.
package segmenter

import (
	"time"

	"github.com/KathyLau/un-webtv-transcriber/internal/transcript"
)

// Segmenter accumulates PCM and cuts AudioSegments when the target window is
// reached or when audio has been buffered longer than maxBuffer. It is not
// safe for concurrent use.
type Segmenter struct {
	format      transcript.Format
	windowBytes int
	maxBuffer   time.Duration

	buf    []byte
	offset int
	seq    uint64
	// firstAt is when the oldest buffered whole frame arrived; zero while
	// less than a frame is buffered.
	firstAt time.Time
}

func New(format transcript.Format, window, maxBuffer time.Duration) *Segmenter {
	windowBytes := format.BytesFor(window)
	if windowBytes < format.FrameSize() {
		windowBytes = format.FrameSize()
	}
	return &Segmenter{
		format:      format,
		windowBytes: windowBytes,
		maxBuffer:   maxBuffer,
		buf:         make([]byte, 0, windowBytes),
	}
}

// Push appends data received at now and returns any segments it completes.
func (s *Segmenter) Push(data []byte, now time.Time) []transcript.AudioSegment {
	if len(data) == 0 {
		return nil
	}
	s.buf = append(s.buf, data...)
	s.startClock(now)

	var out []transcript.AudioSegment
	for len(s.buf) >= s.windowBytes {
		out = append(out, s.cut(s.windowBytes, false))
	}
	s.startClock(now)
	if s.Due(now) {
		if seg, ok := s.Flush(false); ok {
			out = append(out, seg)
		}
	}
	return out
}

// Due reports whether buffered audio has waited longer than the max buffering time.
func (s *Segmenter) Due(now time.Time) bool {
	if s.maxBuffer <= 0 || s.format.Align(len(s.buf)) == 0 {
		return false
	}
	return now.Sub(s.firstAt) >= s.maxBuffer
}

// Flush emits whatever whole frames are buffered. A trailing partial frame is
// kept for the next segment, or discarded when final is set.
func (s *Segmenter) Flush(final bool) (transcript.AudioSegment, bool) {
	n := s.format.Align(len(s.buf))
	if n == 0 {
		if final {
			s.buf = s.buf[:0]
		}
		return transcript.AudioSegment{}, false
	}
	seg := s.cut(n, final)
	if final {
		s.buf = s.buf[:0]
	}
	return seg, true
}

// Buffered returns the duration of audio waiting to be segmented.
func (s *Segmenter) Buffered() time.Duration {
	return s.format.DurationOf(len(s.buf))
}

// Next returns the sequence number the next segment will carry.
func (s *Segmenter) Next() uint64 { return s.seq }

func (s *Segmenter) startClock(now time.Time) {
	if s.firstAt.IsZero() && s.format.Align(len(s.buf)) > 0 {
		s.firstAt = now
	}
}

func (s *Segmenter) cut(n int, final bool) transcript.AudioSegment {
	pcm := make([]byte, n)
	copy(pcm, s.buf[:n])
	rest := copy(s.buf, s.buf[n:])
	s.buf = s.buf[:rest]

	seg := transcript.AudioSegment{
		Sequence: s.seq,
		Start:    s.format.DurationOf(s.offset),
		End:      s.format.DurationOf(s.offset + n),
		PCM:      pcm,
		Final:    final,
	}
	s.seq++
	s.offset += n
	s.firstAt = time.Time{}
	return seg
}
