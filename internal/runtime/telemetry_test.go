package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/KathyLau/un-webtv-transcriber/internal/config"
	"go.opentelemetry.io/otel"
)

func TestTraceExporterSelection(t *testing.T) {
	ctx := context.Background()
	exp, kind, err := traceExporter(ctx, config.TelemetryConfig{})
	if err != nil || exp != nil || kind != "none" {
		t.Fatalf("expected no exporter, got %v %q %v", exp, kind, err)
	}
	exp, kind, err = traceExporter(ctx, config.TelemetryConfig{StdoutTraces: true})
	if err != nil || exp == nil || kind != "stdout" {
		t.Fatalf("expected stdout exporter, got %v %q %v", exp, kind, err)
	}
	_ = exp.Shutdown(ctx)
}

func TestTelemetryServesMetrics(t *testing.T) {
	cfg := config.Default()
	shutdown, handler, err := setupTelemetry(cfg, newLogger())
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	defer shutdown(context.Background())
	if handler == nil {
		t.Fatalf("expected a metrics handler")
	}

	counter, err := otel.Meter("test").Int64Counter("transcriber.test.events")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "transcriber_test_events_total") {
		t.Fatalf("counter missing from metrics output:\n%s", rec.Body.String())
	}
}

func TestTelemetryRunsTwiceInOneProcess(t *testing.T) {
	for i := 0; i < 2; i++ {
		shutdown, handler, err := setupTelemetry(config.Default(), newLogger())
		if err != nil || handler == nil {
			t.Fatalf("run %d: handler=%v err=%v", i, handler, err)
		}
		_ = shutdown(context.Background())
	}
}
