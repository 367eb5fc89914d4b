package transcript

import (
	"testing"
	"time"
)

func TestFormatTimestamp(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00:00,000"},
		{3 * time.Second, "00:00:03,000"},
		{1500 * time.Millisecond, "00:00:01,500"},
		{time.Hour + 2*time.Minute + 3*time.Second + 45*time.Millisecond, "01:02:03,045"},
		{2999600 * time.Microsecond, "00:00:03,000"},
		{-time.Second, "00:00:00,000"},
	}
	for _, tc := range cases {
		if got := FormatTimestamp(tc.in); got != tc.want {
			t.Fatalf("FormatTimestamp(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFormatArithmetic(t *testing.T) {
	f := Format{SampleRate: 16000, Channels: 1}
	if got := f.BytesFor(3 * time.Second); got != 96000 {
		t.Fatalf("expected 96000 bytes, got %d", got)
	}
	if got := f.DurationOf(96000); got != 3*time.Second {
		t.Fatalf("expected 3s, got %v", got)
	}
	stereo := Format{SampleRate: 8000, Channels: 2}
	if got := stereo.Align(11); got != 8 {
		t.Fatalf("expected aligned 8, got %d", got)
	}
	if got := stereo.DurationOf(7); got != 125*time.Microsecond {
		t.Fatalf("expected partial frame ignored, got %v", got)
	}
}

func TestSegmentOrdering(t *testing.T) {
	a := Segment{Sequence: 1, Ordinal: 2}
	b := Segment{Sequence: 2, Ordinal: 0}
	c := Segment{Sequence: 1, Ordinal: 3}
	if !a.Before(b) || b.Before(a) {
		t.Fatal("expected sequence ordering")
	}
	if !a.Before(c) {
		t.Fatal("expected ordinal ordering within a sequence")
	}
}
