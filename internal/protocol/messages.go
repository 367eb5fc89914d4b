package protocol

import "time"

// TranscriptSegment is a transcribed segment broadcast on the bus and the
// websocket feed.
type TranscriptSegment struct {
	RunID     string    `json:"run_id"`
	Sequence  uint64    `json:"sequence"`
	Ordinal   int       `json:"ordinal"`
	Text      string    `json:"text"`
	Start     string    `json:"start"`
	End       string    `json:"end"`
	StartMS   int64     `json:"start_ms"`
	EndMS     int64     `json:"end_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// SinkStatus mirrors a router registration.
type SinkStatus struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	LastDelivered       int64  `json:"last_delivered"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Delivered           uint64 `json:"delivered"`
	Failed              uint64 `json:"failed"`
	Skipped             uint64 `json:"skipped"`
	Dropped             uint64 `json:"dropped"`
}

// StatusHeartbeat announces pipeline health.
type StatusHeartbeat struct {
	NodeID       string       `json:"node_id"`
	RunID        string       `json:"run_id"`
	State        string       `json:"state"`
	LastSequence int64        `json:"last_sequence"`
	Segments     uint64       `json:"segments"`
	Dropped      uint64       `json:"dropped"`
	Gaps         uint64       `json:"gaps"`
	Reconnects   int          `json:"reconnects"`
	Sinks        []SinkStatus `json:"sinks"`
	Timestamp    time.Time    `json:"timestamp"`
}

const (
	SubjectTranscriptSegment = "transcript.segment"
	SubjectStatusPrefix      = "transcriber.status"
)
