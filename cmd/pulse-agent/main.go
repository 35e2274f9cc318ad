// Command pulse-agent hosts a telemetry pipeline for one page life. It
// replays a JSON-lines page script and maps process signals onto page
// lifecycle transitions.
package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/sitepulse/pulse/internal/config"
	"github.com/sitepulse/pulse/internal/debugws"
	"github.com/sitepulse/pulse/internal/device"
	"github.com/sitepulse/pulse/internal/forward"
	"github.com/sitepulse/pulse/internal/perf"
	"github.com/sitepulse/pulse/internal/pipeline"
	"github.com/sitepulse/pulse/internal/storage"
)

func main() {
	configPath := pflag.StringP("config", "c", "pulse.yaml", "Path to config file")
	pageURL := pflag.String("url", "http://localhost:3000/", "Page URL of this page life")
	scriptPath := pflag.String("script", "-", "Page script in JSON lines (- for stdin)")
	stateDir := pflag.String("state-dir", "", "Directory for durable state (default $XDG_STATE_HOME/pulse)")
	debugListen := pflag.String("debug-listen", "", "Serve /debug/ws, /debug/logs and /metrics on this address")
	verbose := pflag.BoolP("verbose", "v", false, "Development logging")
	pflag.Parse()

	log := newLogger(*verbose)
	defer log.Sync()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}
	if *stateDir != "" {
		cfg.Storage.Dir = *stateDir
	}
	if *debugListen != "" {
		cfg.Debug.Listen = *debugListen
		cfg.DebugPanel = true
	}

	loc, err := url.Parse(*pageURL)
	if err != nil {
		log.Fatal("invalid --url", zap.Error(err))
	}

	script, err := openScript(*scriptPath)
	if err != nil {
		log.Fatal("failed to open script", zap.Error(err))
	}
	defer script.Close()

	reg := prometheus.NewRegistry()
	rt := perf.NewManualRuntime()
	p, err := pipeline.New(pipeline.Options{
		Config:       cfg,
		Location:     loc,
		DurableStore: storage.NewFile(nil, cfg.Storage.Dir),
		Logger:       log.Named("pipeline"),
		Registerer:   reg,
		Performance:  rt,
		Device:       device.Collect,
		Forwarders: []forward.Forwarder{
			forward.Func(func(name string, payload map[string]any) {
				log.Debug("forward", zap.String("event", name), zap.Any("payload", payload))
			}),
		},
	})
	if err != nil {
		log.Fatal("failed to build pipeline", zap.Error(err))
	}

	var debugSrv *http.Server
	if cfg.ServesDebugPanel() {
		debugSrv = serveDebug(cfg, p, reg, log.Named("debug"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, append([]os.Signal{syscall.SIGINT, syscall.SIGTERM}, hideSignals...)...)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGINT || sig == syscall.SIGTERM {
				log.Info("page teardown", zap.Stringer("signal", sig))
				cancel()
				return
			}
			p.HandleLifecycle(pipeline.Hidden)
		}
	}()

	p.Init(ctx)
	log.Info("page life started",
		zap.String("url", loc.String()),
		zap.String("consent", string(p.Consent())),
		zap.Bool("debug", p.DebugEnabled()),
		zap.Bool("consent_banner", p.ConsentBannerVisible()))

	r := &runner{p: p, perf: rt, clock: quartz.NewReal(), log: log.Named("script")}
	done := make(chan error, 1)
	go func() { done <- r.run(ctx, script) }()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("script failed", zap.Error(err))
		}
	case <-ctx.Done():
	}

	signal.Stop(sigCh)
	p.Teardown()

	if debugSrv != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		debugSrv.Shutdown(shutdownCtx)
	}
}

func serveDebug(cfg *config.Config, p *pipeline.Pipeline, reg *prometheus.Registry, log *zap.Logger) *http.Server {
	filter := debugws.PrivacyFilter{MaskSessionIDs: cfg.Debug.MaskSessionIDs, StripQueries: true}
	b := debugws.NewBroadcaster(p.Debug(), filter, 100*time.Millisecond, 8, nil, log)
	p.Debug().Subscribe(b.Queue)

	mux := http.NewServeMux()
	mux.Handle("/debug/ws", debugws.NewHandler(b, nil, log))
	mux.Handle("/debug/logs", debugws.LogsHandler(p.Debug()))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.Debug.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv.RegisterOnShutdown(b.Close)
	go func() {
		log.Info("debug surface listening", zap.String("addr", cfg.Debug.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("debug server error", zap.Error(err))
		}
	}()
	return srv
}

func openScript(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func newLogger(verbose bool) *zap.Logger {
	var (
		log *zap.Logger
		err error
	)
	if verbose {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	return log
}
