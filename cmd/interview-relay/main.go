package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/vango-go/interview-relay/internal/logging"
	"github.com/vango-go/interview-relay/pkg/gateway/config"
	"github.com/vango-go/interview-relay/pkg/gateway/live/audio"
	"github.com/vango-go/interview-relay/pkg/gateway/live/upstream"
	"github.com/vango-go/interview-relay/pkg/gateway/metrics"
	"github.com/vango-go/interview-relay/pkg/gateway/report"
	gatewayserver "github.com/vango-go/interview-relay/pkg/gateway/server"
)

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	newGateway   func(context.Context, config.Config, *slog.Logger) (*gatewayserver.Server, func(), error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig: config.LoadFromEnv,
		newGateway: newGateway,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// newGateway wires the upstream connector, report sinks, and metrics. The
// returned cleanup closes whatever sinks were opened.
func newGateway(ctx context.Context, cfg config.Config, logger *slog.Logger) (*gatewayserver.Server, func(), error) {
	connector, err := upstream.NewGeminiConnector(ctx, upstream.Config{
		APIKey:         cfg.GoogleAPIKey,
		Model:          cfg.Model,
		ConnectRetries: cfg.UpstreamConnectRetries,
		RetryBase:      cfg.UpstreamRetryBase,
		InputFormat:    audio.ClientFormat,
		OutputFormat:   audio.UpstreamFormat,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build upstream connector: %w", err)
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	sinks := report.Multi{report.LogSink{Logger: logger}}
	names := []string{"log"}
	deps := gatewayserver.Dependencies{Connector: connector, Metrics: metrics.New("")}

	if cfg.RedisAddr != "" {
		rs, err := report.NewRedisSink(ctx, report.RedisConfig{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			RecentLimit: int(cfg.RedisRecentLimit),
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("open redis report sink: %w", err)
		}
		closers = append(closers, func() {
			if err := rs.Close(); err != nil {
				logger.Warn("redis report sink close failed", "error", err)
			}
		})
		sinks = append(sinks, rs)
		names = append(names, "redis")
		deps.Outcomes = rs
	}

	if cfg.DatabaseURL != "" {
		ps, err := report.OpenPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("open postgres report sink: %w", err)
		}
		closers = append(closers, ps.Close)
		sinks = append(sinks, ps)
		names = append(names, "postgres")
	}

	deps.Sink = sinks
	deps.SinkNames = names

	gw, err := gatewayserver.New(cfg, logger, deps)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return gw, cleanup, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	// No ReadTimeout: interview sockets outlive any fixed request deadline.
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func loggingOptions(cfg config.Config) logging.Options {
	return logging.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	}
}

func runRelay(ctx context.Context, stderr io.Writer, deps relayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newGateway == nil {
		return errors.New("missing newGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.New(stderr, loggingOptions(cfg))
	defer logCloser.Close()

	gw, cleanup, err := deps.newGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting interview relay",
		"addr", cfg.Addr,
		"model", cfg.Model,
		"max_sessions", cfg.MaxSessions,
		"backpressure", cfg.Backpressure,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context canceled; shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	warned := gw.WarnLiveSessionsDraining()
	logger.Info("draining live sessions", "warned", warned)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitLiveSessions(waitCtx) {
		n := gw.CancelLiveSessions()
		logger.Warn("canceled live sessions after grace period", "count", n)
		finalCtx, finalCancel := context.WithTimeout(context.Background(), cfg.DrainGrace+cfg.ShutdownGracePeriod)
		gw.WaitLiveSessions(finalCtx)
		finalCancel()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("interview relay stopped")
	return nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func runMain(ctx context.Context, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "interview-relay: %v\n", err)
		return 1
	}

	if err := runRelay(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "interview-relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultRelayDeps()))
}
