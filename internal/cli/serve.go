package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-voice-queue/internal/audit"
	"github.com/tbourn/go-voice-queue/internal/bot"
	"github.com/tbourn/go-voice-queue/internal/bridge"
	"github.com/tbourn/go-voice-queue/internal/config"
	"github.com/tbourn/go-voice-queue/internal/executor"
	httpapi "github.com/tbourn/go-voice-queue/internal/http"
	"github.com/tbourn/go-voice-queue/internal/http/handlers"
	"github.com/tbourn/go-voice-queue/internal/observability"
	"github.com/tbourn/go-voice-queue/internal/reconcile"
	"github.com/tbourn/go-voice-queue/internal/registry"
	"github.com/tbourn/go-voice-queue/internal/services"
	"github.com/tbourn/go-voice-queue/internal/worker"
)

const shutdownGrace = 10 * time.Second

func newServeCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"run"},
		Short:   "Run the bot, worker pool, reconciler and admin API",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, e)
		},
	}
}

func serve(ctx context.Context, e *env) error {
	cfg, log := e.cfg, e.log
	if err := cfg.RequireDiscord(); err != nil {
		return err
	}

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, e.version)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		if err := observability.ShutdownWithin(shutdownOTel, 5*time.Second); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(db)

	dc, err := bridge.NewDiscord(cfg.Discord.Token, log)
	if err != nil {
		return err
	}

	sink, closeAudit, err := newAuditSink(cfg.Audit, log)
	if err != nil {
		return err
	}
	defer closeAudit()

	queue := newQueueService(db, cfg.Queue, log)
	settings := &services.SettingsService{DB: db}
	channels := registry.NewChannels()
	grants := registry.NewAccess()
	access := &services.AccessService{DB: db, Index: grants}

	exec := executor.New(executor.Options{
		Concurrency: cfg.Executor.Concurrency,
		RPS:         cfg.Executor.RPS,
		Burst:       cfg.Executor.Burst,
	}, log)
	post := worker.NewPostCreateQueue(cfg.Worker.PostWorkers, cfg.Worker.PostBuffer, log)
	defer post.Close()

	pool := worker.New(worker.Deps{
		DB:       db,
		Queue:    queue,
		Settings: settings,
		Bridge:   dc,
		State:    dc,
		Channels: channels,
		Access:   grants,
		Exec:     exec,
		Audit:    sink,
		Post:     post,
	}, worker.Options{
		PollInterval:    cfg.Worker.PollInterval,
		GlobalCap:       cfg.Worker.GlobalCap,
		PerGuildCap:     cfg.Worker.PerGuildCap,
		DefaultCooldown: cfg.Worker.RateLimitCooldown,
	}, log)

	rec := reconcile.New(reconcile.Deps{
		DB:       db,
		Queue:    queue,
		State:    dc,
		Bridge:   dc,
		Channels: channels,
		Access:   grants,
		Audit:    sink,
	}, cfg.Reconcile.Interval, log)
	rec.MinAge = cfg.Reconcile.MinAge

	detach := bot.NewHandler(queue, settings, channels, log).Attach(dc.S)
	defer detach()

	if err := dc.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	defer func() {
		if err := dc.Close(); err != nil {
			log.Warn().Err(err).Msg("discord close")
		}
	}()

	// READY only seeds guild stubs; voice states arrive with each
	// GUILD_CREATE. Until then occupancy reads as transient errors, and
	// Startup would skip every row.
	if n := dc.WaitGuilds(ctx, cfg.Discord.GuildLoadTimeout, 0); n > 0 {
		log.Warn().Int("pending_guilds", n).Msg("guilds still loading; their channels are skipped until the next sweep")
	}

	if _, err := rec.Startup(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return rec.Run(gctx) })

	if cfg.HTTPEnabled {
		srv := newHTTPServer(cfg, handlers.New(handlers.Deps{
			Queue:      queue,
			Settings:   settings,
			Access:     access,
			Channels:   channels,
			Reconciler: rec,
			Worker:     pool,
		}), log)
		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Msg("admin api listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	log.Info().Str("version", e.version).Msg("vcqueue started")
	err = g.Wait()
	log.Info().Msg("vcqueue stopped")
	return err
}

func newHTTPServer(cfg config.Config, h *handlers.Handlers, log zerolog.Logger) *http.Server {
	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, h, cfg, log)
	return &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
}

// newAuditSink always logs audit events and also publishes them to Kafka
// when brokers are configured.
func newAuditSink(cfg config.AuditConfig, log zerolog.Logger) (audit.Sink, func(), error) {
	logSink := audit.NewLogSink(log)
	if len(cfg.KafkaBrokers) == 0 {
		return logSink, func() {}, nil
	}
	k, err := audit.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic, log)
	if err != nil {
		return nil, nil, fmt.Errorf("audit: %w", err)
	}
	return audit.Multi{logSink, k}, func() {
		if err := k.Close(); err != nil {
			log.Warn().Err(err).Msg("audit kafka close")
		}
	}, nil
}
