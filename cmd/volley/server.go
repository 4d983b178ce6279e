package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/volley-project/volley/internal/api"
	"github.com/volley-project/volley/internal/cli"
	"github.com/volley-project/volley/internal/config"
	"github.com/volley-project/volley/internal/db"
	"github.com/volley-project/volley/internal/demo"
	"github.com/volley-project/volley/internal/events"
	"github.com/volley-project/volley/internal/level"
	"github.com/volley-project/volley/internal/netgame"
	"github.com/volley-project/volley/internal/network"
	"github.com/volley-project/volley/internal/protocol"
	"github.com/volley-project/volley/internal/scheduler"
	"github.com/volley-project/volley/internal/telemetry"
	"github.com/volley-project/volley/internal/util"
	"github.com/volley-project/volley/internal/vars"
)

const metricsInterval = time.Second

func serverCmd(opts *globalOptions) *cobra.Command {
	var interactive bool
	var levelName string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the authoritative game server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := opts.setup("volley-server")
			if err != nil {
				return err
			}
			defer closeLog()

			if levelName != "" {
				cfg.Server.DefaultLevel = levelName
			}
			return runServer(cmd.Context(), cfg, interactive)
		},
	}

	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Read console commands from stdin")
	cmd.Flags().StringVarP(&levelName, "level", "l", "", "Level to load instead of the configured default")
	return cmd
}

// statusReport is the periodic MQTT status payload.
type statusReport struct {
	Server      netgame.Status  `json:"server"`
	Connections []network.Stats `json:"connections"`
}

func runServer(ctx context.Context, cfg *config.Config, interactive bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf(banner, version)
	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("version", version).
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("starting volley server")

	eventBus := events.NewEventBus()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(registry)

	proto := protocol.New(cfg.Network.ProtocolName, cfg.Network.ProtocolVersion, cfg.Network.CompatibleVersions...)
	pc, err := network.Listen(ctx, cfg.Network.ListenAddr())
	if err != nil {
		return err
	}
	msgs := netgame.NewMessages()
	mgr := network.NewManager(proto, msgs.Types, pc, network.Options{
		MaxPacketSize: cfg.Network.MaxPacketSize,
		RateLimit:     cfg.Network.RateLimitPPS,
		RateBurst:     cfg.Network.RateBurst,
		Observer:      metrics,
	})
	defer mgr.Close()

	svars := vars.NewSet()
	levels := level.NewStore(cfg.Server.LevelsDirectory)
	srv := netgame.NewServer(netgame.ServerConfig{
		Timing: netgame.Timing{
			FrameTime:   cfg.Server.FrameTime(),
			SendTime:    cfg.Server.SendTime(),
			SendTimeBad: cfg.Server.SendTimeBad(),
		},
		LogInterval:  cfg.Server.LogInterval(),
		DefaultLevel: cfg.Server.DefaultLevel,
	}, mgr, msgs, demo.NewRegistry(), demo.NewGame(svars), levels, svars)
	srv.SetJournal(events.NewJournal(eventBus, "server"))

	var sessions *db.SessionStore
	if cfg.Database.Enabled {
		sessions, err = db.NewSessionStore(cfg.Database.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open session journal, sessions will not be recorded")
		} else {
			log.Info().Str("path", sessions.Path()).Msg("session journal opened")
			sessions.Subscribe(eventBus)
		}
	}

	tasks := scheduler.New()
	tasks.Every("metrics", metricsInterval, func(context.Context) {
		metrics.ObserveServer(srv.Status(), mgr.Board().Len())
	})
	if sessions != nil && cfg.Database.RetentionDays > 0 {
		hour, minute, err := config.ParseClock(cfg.Database.CleanupTime)
		if err != nil {
			sessions.Close()
			return err
		}
		tasks.Daily("journal_cleanup", hour, minute, scheduler.PruneJournal(sessions, cfg.Database.Retention(), nil))
	}

	if err := srv.Start(); err != nil {
		if sessions != nil {
			sessions.Close()
		}
		return fmt.Errorf("failed to load level %s: %w", cfg.Server.DefaultLevel, err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil {
			errCh <- fmt.Errorf("server loop: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		tasks.Start(ctx)
	}()

	if cfg.API.Enabled {
		apiServer := api.NewServer(cfg.API, version, srv, mgr.Board(), levels)
		apiServer.SetDependencies(sessions, registry)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	if cfg.Telemetry.Enabled {
		mqttHandler, err := telemetry.NewMQTTHandler(cfg.Telemetry, eventBus, version)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := mqttHandler.Start(ctx, func() interface{} {
					return statusReport{Server: srv.Status(), Connections: mgr.Board().Snapshot()}
				})
				if err != nil {
					log.Warn().Err(err).Msg("MQTT telemetry failed")
				}
			}()
		}
	}

	if interactive {
		console := cli.NewServerConsole(srv, os.Stdout, stop)
		// The console blocks on stdin and is not waited for.
		go console.Start(ctx, os.Stdin)
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("critical error, initiating shutdown")
	}
	stop()

	eventBus.Emit(context.Background(), events.Event{
		Type:   events.EventShutdown,
		Source: "server",
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("shutdown timed out after 15 seconds")
	}

	eventBus.Stop()
	if sessions != nil {
		if err := sessions.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close session journal")
		}
	}

	log.Info().Msg("volley server stopped")
	return runErr
}

// startWithRetry retries startFn on bind errors at a fixed interval.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
