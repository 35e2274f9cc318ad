package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/sitepulse/pulse/internal/devserver"
)

func main() {
	listen := pflag.String("listen", "127.0.0.1:8787", "Address to listen on")
	rateLimit := pflag.Int("rate-limit", 120, "Ingest requests allowed per IP per minute (0 disables)")
	origins := pflag.StringSlice("allowed-origin", []string{"*"}, "CORS origins allowed to post events")
	verbose := pflag.BoolP("verbose", "v", false, "Development logging")
	pflag.Parse()

	log := newLogger(*verbose)
	defer log.Sync()

	cfg := devserver.DefaultConfig()
	cfg.RateLimit = *rateLimit
	cfg.AllowedOrigins = *origins

	srv := devserver.New(cfg, log)
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              *listen,
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("dev ingest listening", zap.String("addr", *listen))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server error", zap.Error(err))
	}
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
