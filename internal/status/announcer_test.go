package status

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/KathyLau/un-webtv-transcriber/internal/bus"
	"github.com/KathyLau/un-webtv-transcriber/internal/config"
	"github.com/KathyLau/un-webtv-transcriber/internal/natsserver"
	"github.com/KathyLau/un-webtv-transcriber/internal/pipeline"
	"github.com/KathyLau/un-webtv-transcriber/internal/protocol"
	"github.com/KathyLau/un-webtv-transcriber/internal/router"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSource struct {
	mu   sync.Mutex
	snap pipeline.Snapshot
}

func (f *fakeSource) Snapshot() pipeline.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSource) set(snap pipeline.Snapshot) {
	f.mu.Lock()
	f.snap = snap
	f.mu.Unlock()
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestAnnouncerPublishesHeartbeats(t *testing.T) {
	client := startBus(t)
	sub, err := client.Conn().SubscribeSync(Subject("node-a"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	source := &fakeSource{}
	source.set(pipeline.Snapshot{
		State:        "running",
		LastSequence: 7,
		Segments:     8,
		Gaps:         1,
		Sinks: []router.Registration{
			{Name: "local_file", State: router.StateHealthy, LastDelivered: 7, Delivered: 8},
			{Name: "remote_doc", State: router.StateDegraded, LastDelivered: 3, Failed: 4},
		},
	})

	a, err := Start(context.Background(), Options{NodeID: "node-a", RunID: "run-1", Interval: 20 * time.Millisecond}, source, client, newLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	var hb protocol.StatusHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hb.NodeID != "node-a" || hb.RunID != "run-1" || hb.State != "running" {
		t.Fatalf("unexpected heartbeat header %+v", hb)
	}
	if hb.LastSequence != 7 || hb.Segments != 8 || hb.Gaps != 1 {
		t.Fatalf("unexpected counters %+v", hb)
	}
	if len(hb.Sinks) != 2 || hb.Sinks[1].State != "degraded" || hb.Sinks[1].LastDelivered != 3 {
		t.Fatalf("unexpected sinks %+v", hb.Sinks)
	}

	source.set(pipeline.Snapshot{State: "stopped", LastSequence: 9})
	a.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		msg, err := sub.NextMsg(time.Until(deadline))
		if err != nil {
			t.Fatalf("expected final stopped heartbeat: %v", err)
		}
		if err := json.Unmarshal(msg.Data, &hb); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if hb.State == "stopped" {
			break
		}
	}
	if hb.LastSequence != 9 {
		t.Fatalf("expected last sequence 9, got %d", hb.LastSequence)
	}
}

func TestAnnouncerWithoutBus(t *testing.T) {
	source := &fakeSource{}
	source.set(pipeline.Snapshot{State: "starting", LastSequence: -1})
	a, err := Start(context.Background(), Options{NodeID: "node-b"}, source, nil, newLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	hb := a.Heartbeat()
	if hb.State != "starting" || hb.LastSequence != -1 || hb.Sinks != nil {
		t.Fatalf("unexpected heartbeat %+v", hb)
	}
	a.Close()
}

func TestDegradedCount(t *testing.T) {
	sinks := []router.Registration{
		{State: router.StateHealthy},
		{State: router.StateDegraded},
		{State: router.StateDegraded},
	}
	if got := degradedCount(sinks); got != 2 {
		t.Fatalf("expected 2 degraded sinks, got %d", got)
	}
}
