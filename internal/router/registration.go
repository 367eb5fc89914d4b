package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/KathyLau/un-webtv-transcriber/internal/transcript"
)

// ErrSinkDelivery marks a segment a sink failed to accept.
var ErrSinkDelivery = errors.New("sink delivery failed")

// Sink is a delivery target for transcribed segments.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, seg transcript.Segment) error
	Close() error
}

// Prober is implemented by sinks that can check their own health.
type Prober interface {
	Probe(ctx context.Context) error
}

// Starter is implemented by sinks that need setup before the first delivery.
type Starter interface {
	Start(ctx context.Context) error
}

// DeliveryError describes one segment a sink did not receive.
type DeliveryError struct {
	Sink     string
	Sequence uint64
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s: sink %s sequence %d after %d attempts: %v", ErrSinkDelivery, e.Sink, e.Sequence, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool { return target == ErrSinkDelivery }

type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
)

// Registration is a snapshot of one sink's delivery progress.
type Registration struct {
	Name  string `json:"name"`
	State State  `json:"state"`
	// LastDelivered is the sequence of the last segment the sink accepted, or -1.
	LastDelivered int64 `json:"last_delivered"`
	// LastSequence is the last sequence handed to the sink, delivered or not.
	LastSequence        int64  `json:"last_sequence"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Delivered           uint64 `json:"delivered"`
	Failed              uint64 `json:"failed"`
	Skipped             uint64 `json:"skipped"`
	Dropped             uint64 `json:"dropped"`
}
