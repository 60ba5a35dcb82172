package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dalnet/nickrelay/internal/config"
	"github.com/dalnet/nickrelay/internal/irc"
	"github.com/dalnet/nickrelay/internal/keepnick"
	"github.com/dalnet/nickrelay/internal/metrics"
	"github.com/dalnet/nickrelay/internal/relay"
	"github.com/dalnet/nickrelay/internal/schedule"
	"github.com/dalnet/nickrelay/internal/storage"
)

// Version information - set at build time via ldflags
var (
	version   = "dev"
	buildDate = "unknown"
	gitCommit = "unknown"
)

func main() {
	configPath := pflag.StringP("config", "c", "./config.yaml", "Path to configuration file")
	debug := pflag.BoolP("debug", "d", false, "Log at debug level with development output")
	showVersion := pflag.BoolP("version", "v", false, "Show version information and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("nickrelay version %s\n", version)
		fmt.Printf("Built: %s\n", buildDate)
		fmt.Printf("Commit: %s\n", gitCommit)
		os.Exit(0)
	}

	irc.Version = version
	irc.BuildDate = buildDate
	irc.GitCommit = gitCommit

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("exiting", zap.Error(err))
	}
}

func newLogger(level string, debug bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if debug {
		zcfg = zap.NewDevelopmentConfig()
		level = "debug"
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}
	zcfg.Level = lvl
	return zcfg.Build()
}

func writePIDFile(dataDir string) error {
	pid := os.Getpid()
	return os.WriteFile(filepath.Join(dataDir, "pid.txt"), []byte(fmt.Sprintf("%d\n", pid)), 0644)
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// Create data directory if it doesn't exist
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := writePIDFile(cfg.DataDir); err != nil {
		logger.Warn("could not write PID file", zap.Error(err))
	}

	clk := clock.New()
	sched := schedule.New(clk, logger)
	defer sched.Close()

	m := metrics.New()

	up, err := irc.NewUpstream(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create upstream: %w", err)
	}
	r := relay.New(up, relay.Options{Password: cfg.ListenPass}, logger, m)

	if cfg.KeepNick.On() {
		journal, err := storage.OpenJournal(cfg.DataDir, clk)
		if err != nil {
			return err
		}
		p := keepnick.New(up, sched, keepnick.Options{
			Nick:     cfg.Nick,
			Interval: time.Duration(cfg.KeepNick.Interval),
			Journal:  journal,
			Metrics:  m,
			Logger:   logger,
		})
		r.AddModule(p)
		p.Load()
	}
	up.SetHandler(r)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.Serve(ctx, ln)
	})
	if cfg.MetricsListen != "" {
		g.Go(func() error {
			return m.Serve(ctx, cfg.MetricsListen)
		})
	}
	g.Go(func() error {
		if err := up.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to connect: %w", err)
		}
		go func() {
			<-ctx.Done()
			logger.Info("shutting down")
			up.Quit("Received shutdown signal")
		}()
		up.Loop()
		return nil
	})

	return g.Wait()
}
