package transcript

import "time"

// BytesPerSample is fixed: the pipeline carries signed 16-bit little-endian PCM.
const BytesPerSample = 2

// Format describes interleaved s16le PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// FrameSize is the byte length of one sample frame across all channels.
func (f Format) FrameSize() int {
	return f.Channels * BytesPerSample
}

// BytesFor returns the whole-frame byte count covering d.
func (f Format) BytesFor(d time.Duration) int {
	frames := int64(d) * int64(f.SampleRate) / int64(time.Second)
	return int(frames) * f.FrameSize()
}

// DurationOf returns the playback duration of n bytes. Trailing partial frames
// are ignored.
func (f Format) DurationOf(n int) time.Duration {
	if f.SampleRate <= 0 || f.FrameSize() <= 0 {
		return 0
	}
	frames := int64(n / f.FrameSize())
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Align truncates n down to a whole number of frames.
func (f Format) Align(n int) int {
	size := f.FrameSize()
	if size <= 0 {
		return n
	}
	return n - n%size
}
