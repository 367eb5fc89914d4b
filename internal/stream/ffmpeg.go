package stream

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/KathyLau/un-webtv-transcriber/internal/transcript"
	"github.com/mattn/go-shellwords"
)

// FFmpegDialer decodes a stream URL (typically an HLS playlist) to s16le PCM
// on ffmpeg's stdout.
type FFmpegDialer struct {
	path   string
	extra  []string
	format transcript.Format
}

func NewFFmpegDialer(path, extraArgs string, format transcript.Format) (*FFmpegDialer, error) {
	if path == "" {
		path = "ffmpeg"
	}
	var extra []string
	if strings.TrimSpace(extraArgs) != "" {
		parsed, err := shellwords.NewParser().Parse(extraArgs)
		if err != nil {
			return nil, fmt.Errorf("parse ffmpeg args: %w", err)
		}
		extra = parsed
	}
	return &FFmpegDialer{path: path, extra: extra, format: format}, nil
}

// Args returns the ffmpeg argument list for url.
func (d *FFmpegDialer) Args(url string) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_at_eof", "1",
		"-rw_timeout", "15000000",
	}
	args = append(args, d.extra...)
	args = append(args,
		"-i", url,
		"-vn",
		"-ac", strconv.Itoa(d.format.Channels),
		"-ar", strconv.Itoa(d.format.SampleRate),
		"-acodec", "pcm_s16le",
		"-f", "s16le",
		"pipe:1",
	)
	return args
}

func (d *FFmpegDialer) Dial(ctx context.Context, url string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, d.path, d.Args(url)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	return &processReader{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// processReader turns a clean ffmpeg exit into io.EOF and a failed exit into
// a transient error.
type processReader struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tailBuffer
	waited bool
}

func (r *processReader) Read(p []byte) (int, error) {
	n, err := r.stdout.Read(p)
	if err != io.EOF {
		return n, err
	}
	r.waited = true
	if waitErr := r.cmd.Wait(); waitErr != nil {
		return n, fmt.Errorf("ffmpeg exited: %w: %s", waitErr, strings.TrimSpace(r.stderr.String()))
	}
	return n, io.EOF
}

func (r *processReader) Close() error {
	if r.waited {
		return nil
	}
	r.waited = true
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
	_ = r.cmd.Wait()
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
