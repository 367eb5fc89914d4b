package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KathyLau/un-webtv-transcriber/internal/backoff"
	"github.com/KathyLau/un-webtv-transcriber/internal/bus"
	"github.com/KathyLau/un-webtv-transcriber/internal/config"
	"github.com/KathyLau/un-webtv-transcriber/internal/eventstore"
	"github.com/KathyLau/un-webtv-transcriber/internal/gdocs"
	"github.com/KathyLau/un-webtv-transcriber/internal/natsserver"
	"github.com/KathyLau/un-webtv-transcriber/internal/pipeline"
	"github.com/KathyLau/un-webtv-transcriber/internal/router"
	"github.com/KathyLau/un-webtv-transcriber/internal/sink"
	"github.com/KathyLau/un-webtv-transcriber/internal/status"
	"github.com/KathyLau/un-webtv-transcriber/internal/stream"
	"github.com/KathyLau/un-webtv-transcriber/internal/stt"
	"github.com/KathyLau/un-webtv-transcriber/internal/transcript"
	"github.com/google/uuid"
)

// Runtime owns one transcription run and everything around it.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	runID      string
	store      *eventstore.Store
	natsServer *natsserver.EmbeddedServer
	bus        *bus.Client
	controller *pipeline.Controller
	announcer  *status.Announcer
	ws         *sink.WebSocketSink

	// dialer replaces the ffmpeg dialer when set.
	dialer stream.Dialer
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		runID:  uuid.NewString(),
	}
}

// RunID identifies this run in the event store and on the bus.
func (r *Runtime) RunID() string {
	return r.runID
}

// Start runs the pipeline until the stream ends, the stream is lost, or ctx
// is cancelled and the pipeline has drained.
func (r *Runtime) Start(ctx context.Context) error {
	if r.cfg.Stream.URL == "" {
		return errors.New("stream.url must be set")
	}

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.shutdown()

	// Delivery keeps going after a signal so Draining can flush the sinks.
	bg := context.WithoutCancel(ctx)

	store, err := eventstore.Open(bg, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	journal, err := store.Journal(bg, r.runID, r.cfg.Stream.URL)
	if err != nil {
		return fmt.Errorf("start journal: %w", err)
	}

	if err := r.connectBus(bg); err != nil {
		return err
	}

	routerSvc := router.NewService(bg, r.cfg.Router, r.logger, journal)
	if err := r.registerSinks(bg, routerSvc); err != nil {
		_ = routerSvc.Close(bg)
		return err
	}

	recognizer, err := stt.NewRecognizer(r.cfg.STT)
	if err != nil {
		_ = routerSvc.Close(bg)
		return fmt.Errorf("create recognizer: %w", err)
	}

	format := transcript.Format{SampleRate: r.cfg.Stream.SampleRate, Channels: r.cfg.Stream.Channels}
	dialer := r.dialer
	if dialer == nil {
		ffmpeg, err := stream.NewFFmpegDialer(r.cfg.Stream.FFmpegPath, r.cfg.Stream.FFmpegArgs, format)
		if err != nil {
			_ = routerSvc.Close(bg)
			return err
		}
		dialer = ffmpeg
	}
	source := stream.NewSource(dialer, stream.Options{
		Policy: backoff.Policy{
			Base:       config.Millis(r.cfg.Stream.RetryBaseMS),
			Max:        config.Millis(r.cfg.Stream.RetryMaxMS),
			Multiplier: 2,
		},
		MaxRetries: r.cfg.Stream.MaxRetries,
		ReadSize:   r.cfg.Stream.ReadSize,
	}, r.logger)

	r.controller = pipeline.New(pipeline.Deps{
		Source:     source,
		Recognizer: recognizer,
		Router:     routerSvc,
		Journal:    journal,
	}, pipeline.OptionsFromConfig(r.cfg), r.logger)
	r.controller.OnStateChange(func(_, to pipeline.State) {
		r.ready.Store(to == pipeline.StateRunning)
	})

	r.announcer, err = status.Start(bg, status.Options{
		NodeID:   r.cfg.Node.ID,
		RunID:    r.runID,
		Interval: config.Millis(r.cfg.Node.HeartbeatInterval),
	}, r.controller, r.bus, r.logger)
	if err != nil {
		r.logger.Warn("status announcer unavailable", slog.String("error", err.Error()))
	}

	if r.cfg.HTTP.Enabled {
		r.serveHTTP(metricsHandler)
	}

	r.logger.Info("runtime started",
		slog.String("run_id", r.runID),
		slog.String("url", r.cfg.Stream.URL))

	runErr := r.controller.Run(ctx)
	snap := r.controller.Snapshot()
	r.logger.Info("pipeline finished",
		slog.String("state", snap.State),
		slog.Int64("last_sequence", snap.LastSequence),
		slog.Uint64("segments", snap.Segments),
		slog.Uint64("dropped", snap.Dropped),
		slog.Uint64("gaps", snap.Gaps))
	return runErr
}

func (r *Runtime) connectBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.natsServer = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	return nil
}

func (r *Runtime) registerSinks(ctx context.Context, svc *router.Service) error {
	sinksCfg := r.cfg.Sinks
	if sinksCfg.File.Enabled {
		fileSink, err := sink.NewFileSink(sinksCfg.File, time.Now(), r.logger)
		if err != nil {
			return fmt.Errorf("open file sink: %w", err)
		}
		srtPath, txtPath := fileSink.Paths()
		r.logger.Info("writing transcript files", slog.String("srt", srtPath), slog.String("txt", txtPath))
		if err := svc.Register(ctx, fileSink); err != nil {
			return err
		}
	}
	if sinksCfg.RemoteDoc.Enabled {
		docs := gdocs.New(gdocs.OptionsFromConfig(sinksCfg.RemoteDoc), r.logger)
		remote := sink.NewRemoteDocSink(docs, sink.RemoteDocOptions{
			DocumentID:        sinksCfg.RemoteDoc.DocumentID,
			Title:             sinksCfg.RemoteDoc.Title,
			MaxRetries:        sinksCfg.RemoteDoc.MaxRetries,
			RateLimitBackoff:  config.Millis(sinksCfg.RemoteDoc.RateLimitBackoffMS),
			RequestsPerMinute: sinksCfg.RemoteDoc.RequestsPerMinute,
			Banner:            sinksCfg.RemoteDoc.Banner,
		}, r.logger)
		if err := svc.Register(ctx, remote); err != nil {
			return err
		}
		if url := remote.URL(); url != "" {
			r.logger.Info("remote document ready", slog.String("url", url))
		}
	}
	if sinksCfg.Bus.Enabled && r.bus != nil {
		busSink, err := sink.NewBusSink(r.bus, sinksCfg.Bus, r.runID)
		if err != nil {
			return fmt.Errorf("create bus sink: %w", err)
		}
		if err := svc.Register(ctx, busSink); err != nil {
			return err
		}
	}
	if sinksCfg.WebSocket.Enabled {
		r.ws = sink.NewWebSocketSink(r.runID, sinksCfg.WebSocket.QueueSize, r.logger)
		if err := svc.Register(ctx, r.ws); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) serveHTTP(metrics http.Handler) {
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("http server listening", slog.String("addr", addr))
}

func (r *Runtime) shutdown() {
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.announcer != nil {
		r.announcer.Close()
	}
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.bus != nil {
		r.bus.Close()
	}
	r.natsServer.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
