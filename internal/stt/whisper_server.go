package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"github.com/KathyLau/un-webtv-transcriber/internal/config"
)

// whisperServerRecognizer posts WAV audio to a whisper.cpp server's
// /inference endpoint.
type whisperServerRecognizer struct {
	endpoint string
	language string
	client   *http.Client
}

type whisperResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Segments []whisperSegment `json:"segments"`
}

type whisperSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

func NewWhisperServerRecognizer(cfg config.STTConfig, client *http.Client) (Recognizer, error) {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		return nil, fmt.Errorf("whisper-server endpoint is empty")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &whisperServerRecognizer{endpoint: endpoint, language: cfg.Language, client: client}, nil
}

func (r *whisperServerRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error) {
	path, err := writeTempWAV(pcm, sampleRate, channels)
	if err != nil {
		return TranscriptResult{}, err
	}
	defer os.Remove(path)

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(r.writeForm(form, path))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/inference", pr)
	if err != nil {
		pr.Close()
		return TranscriptResult{}, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := r.client.Do(req)
	if err != nil {
		pr.Close()
		return TranscriptResult{}, fmt.Errorf("whisper-server request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return TranscriptResult{}, fmt.Errorf("whisper-server status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var decoded whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode whisper-server response: %w", err)
	}
	result := TranscriptResult{Text: strings.TrimSpace(decoded.Text), Language: decoded.Language}
	for _, seg := range decoded.Segments {
		result.Spans = append(result.Spans, Span{
			Text:  seg.Text,
			Start: seconds(seg.Start),
			End:   seconds(seg.End),
		})
	}
	return result, nil
}

func (r *whisperServerRecognizer) writeForm(form *multipart.Writer, path string) error {
	part, err := form.CreateFormFile("file", "segment.wav")
	if err != nil {
		return err
	}
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := io.Copy(part, file); err != nil {
		return err
	}
	if err := form.WriteField("response_format", "verbose_json"); err != nil {
		return err
	}
	if err := form.WriteField("temperature", "0.0"); err != nil {
		return err
	}
	if r.language != "" {
		if err := form.WriteField("language", r.language); err != nil {
			return err
		}
	}
	return form.Close()
}
