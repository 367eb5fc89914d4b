package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/KathyLau/un-webtv-transcriber/internal/bus"
	"github.com/KathyLau/un-webtv-transcriber/internal/config"
	"github.com/KathyLau/un-webtv-transcriber/internal/protocol"
	"github.com/KathyLau/un-webtv-transcriber/internal/transcript"
	"github.com/nats-io/nats.go"
)

// Message converts seg to its wire form.
func Message(runID string, seg transcript.Segment) protocol.TranscriptSegment {
	return protocol.TranscriptSegment{
		RunID:     runID,
		Sequence:  seg.Sequence,
		Ordinal:   seg.Ordinal,
		Text:      seg.Text,
		Start:     transcript.FormatTimestamp(seg.Start),
		End:       transcript.FormatTimestamp(seg.End),
		StartMS:   seg.Start.Milliseconds(),
		EndMS:     seg.End.Milliseconds(),
		Timestamp: time.Now().UTC(),
	}
}

// BusSink publishes segments on NATS, through JetStream when a stream is set.
type BusSink struct {
	client  *bus.Client
	subject string
	stream  string
	runID   string
}

func NewBusSink(client *bus.Client, cfg config.BusSinkConfig, runID string) (*BusSink, error) {
	subject := cfg.Subject
	if subject == "" {
		subject = protocol.SubjectTranscriptSegment
	}
	if cfg.Stream != "" {
		if err := client.EnsureStream(cfg.Stream, subject); err != nil {
			return nil, err
		}
	}
	return &BusSink{client: client, subject: subject, stream: cfg.Stream, runID: runID}, nil
}

func (s *BusSink) Name() string { return "bus" }

func (s *BusSink) Deliver(ctx context.Context, seg transcript.Segment) error {
	data, err := json.Marshal(Message(s.runID, seg))
	if err != nil {
		return fmt.Errorf("%w: encode segment: %v", ErrUndeliverable, err)
	}
	if s.stream != "" {
		msg := nats.NewMsg(s.subject)
		msg.Data = data
		msg.Header.Set(nats.MsgIdHdr, fmt.Sprintf("%s-%d-%d", s.runID, seg.Sequence, seg.Ordinal))
		if _, err := s.client.JetStream().PublishMsg(msg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("%w: jetstream publish: %v", ErrUnavailable, err)
		}
		return nil
	}
	if err := s.client.Conn().Publish(s.subject, data); err != nil {
		return fmt.Errorf("%w: publish: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *BusSink) Probe(context.Context) error {
	if !s.client.Healthy() {
		return fmt.Errorf("%w: nats not connected", ErrUnavailable)
	}
	return nil
}

func (s *BusSink) Close() error {
	if !s.client.Healthy() {
		return nil
	}
	return s.client.Conn().Flush()
}
