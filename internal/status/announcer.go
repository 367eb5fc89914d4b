// Package status publishes periodic pipeline heartbeats on the bus.
package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/KathyLau/un-webtv-transcriber/internal/bus"
	"github.com/KathyLau/un-webtv-transcriber/internal/pipeline"
	"github.com/KathyLau/un-webtv-transcriber/internal/protocol"
	"github.com/KathyLau/un-webtv-transcriber/internal/router"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Snapshotter reports pipeline progress.
type Snapshotter interface {
	Snapshot() pipeline.Snapshot
}

type Options struct {
	NodeID   string
	RunID    string
	Interval time.Duration
}

// Announcer publishes a StatusHeartbeat every Interval and exposes the
// pipeline state as observable gauges.
type Announcer struct {
	opts   Options
	source Snapshotter
	bus    *bus.Client
	log    *slog.Logger
	meter  metric.Meter
	reg    metric.Registration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Subject is the heartbeat subject for nodeID.
func Subject(nodeID string) string {
	return protocol.SubjectStatusPrefix + "." + nodeID
}

// Start begins announcing. A nil bus client disables publishing but keeps
// the gauges.
func Start(ctx context.Context, opts Options, source Snapshotter, busClient *bus.Client, log *slog.Logger) (*Announcer, error) {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	a := &Announcer{
		opts:   opts,
		source: source,
		bus:    busClient,
		log:    log.With(slog.String("component", "status")),
		meter:  otel.Meter("github.com/KathyLau/un-webtv-transcriber/status"),
		cancel: cancel,
	}
	if err := a.initMetrics(); err != nil {
		a.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if a.bus == nil {
		return a, nil
	}

	a.wg.Add(1)
	go a.run(ctx)
	return a, nil
}

// Close stops the heartbeat after publishing a final status.
func (a *Announcer) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.bus != nil {
		if err := a.Publish(); err != nil {
			a.log.Warn("failed to publish final status", slog.String("error", err.Error()))
		}
	}
	if a.reg != nil {
		_ = a.reg.Unregister()
	}
}

func (a *Announcer) run(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()

	if err := a.Publish(); err != nil {
		a.log.Warn("failed to publish status", slog.String("error", err.Error()))
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Publish(); err != nil {
				a.log.Warn("failed to publish status", slog.String("error", err.Error()))
			}
		}
	}
}

// Heartbeat builds the current status message.
func (a *Announcer) Heartbeat() protocol.StatusHeartbeat {
	snap := a.source.Snapshot()
	return protocol.StatusHeartbeat{
		NodeID:       a.opts.NodeID,
		RunID:        a.opts.RunID,
		State:        snap.State,
		LastSequence: snap.LastSequence,
		Segments:     snap.Segments,
		Dropped:      snap.Dropped,
		Gaps:         snap.Gaps,
		Reconnects:   snap.Reconnects,
		Sinks:        convertSinks(snap.Sinks),
		Timestamp:    time.Now().UTC(),
	}
}

// Publish sends one heartbeat immediately.
func (a *Announcer) Publish() error {
	payload, err := json.Marshal(a.Heartbeat())
	if err != nil {
		return err
	}
	return a.bus.Conn().Publish(Subject(a.opts.NodeID), payload)
}

func (a *Announcer) initMetrics() error {
	stateGauge, err := a.meter.Int64ObservableGauge("transcriber.pipeline.state",
		metric.WithDescription("Pipeline state (0 starting, 1 running, 2 draining, 3 stopped, 4 failed)"))
	if err != nil {
		return err
	}
	degradedGauge, err := a.meter.Int64ObservableGauge("transcriber.sinks.degraded",
		metric.WithDescription("Number of degraded sinks"))
	if err != nil {
		return err
	}
	reg, err := a.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		snap := a.source.Snapshot()
		obs.ObserveInt64(stateGauge, int64(pipeline.ParseState(snap.State)))
		obs.ObserveInt64(degradedGauge, degradedCount(snap.Sinks))
		return nil
	}, stateGauge, degradedGauge)
	if err != nil {
		return err
	}
	a.reg = reg
	return nil
}

func degradedCount(sinks []router.Registration) int64 {
	var n int64
	for _, s := range sinks {
		if s.State == router.StateDegraded {
			n++
		}
	}
	return n
}

func convertSinks(sinks []router.Registration) []protocol.SinkStatus {
	if len(sinks) == 0 {
		return nil
	}
	out := make([]protocol.SinkStatus, 0, len(sinks))
	for _, s := range sinks {
		out = append(out, protocol.SinkStatus{
			Name:                s.Name,
			State:               string(s.State),
			LastDelivered:       s.LastDelivered,
			ConsecutiveFailures: s.ConsecutiveFailures,
			Delivered:           s.Delivered,
			Failed:              s.Failed,
			Skipped:             s.Skipped,
			Dropped:             s.Dropped,
		})
	}
	return out
}
