package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/KathyLau/un-webtv-transcriber/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer runs an external command per segment. The command receives
// --audio <wav> and prints a JSON result on stdout.
type execRecognizer struct {
	cmd []string
	cfg config.STTConfig
}

type execResult struct {
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
	Language   string        `json:"language"`
	Segments   []execSegment `json:"segments"`
}

// execSegment offsets are seconds from the start of the audio file.
type execSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error) {
	path, err := writeTempWAV(pcm, sampleRate, channels)
	if err != nil {
		return TranscriptResult{}, err
	}
	defer os.Remove(path)

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", path)
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.cfg.Language)
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	result := TranscriptResult{Text: resp.Text, Confidence: resp.Confidence, Language: resp.Language}
	for _, seg := range resp.Segments {
		result.Spans = append(result.Spans, Span{
			Text:  seg.Text,
			Start: seconds(seg.Start),
			End:   seconds(seg.End),
		})
	}
	return result, nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
