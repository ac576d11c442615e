// Command polycentric-server starts the event store gRPC server.
package main

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/polycentric-server/internal/cachetag"
	"github.com/and161185/polycentric-server/internal/config"
	"github.com/and161185/polycentric-server/internal/limiter"
	"github.com/and161185/polycentric-server/internal/migrate"
	"github.com/and161185/polycentric-server/internal/moderation"
	"github.com/and161185/polycentric-server/internal/repository/postgres"
	"github.com/and161185/polycentric-server/internal/search"
	grpcserver "github.com/and161185/polycentric-server/internal/server/grpc"
	"github.com/and161185/polycentric-server/internal/service"
	"github.com/and161185/polycentric-server/internal/telemetry"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, runs migrations, and serves until SIGINT/SIGTERM.
func main() {
	cfg, cfgErr := config.Load(os.Args[0], os.Args[1:])

	logger, _ := zap.NewProduction()
	if cfgErr == nil && cfg.Dev {
		logger, _ = zap.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()

	if cfgErr != nil {
		logger.Fatal("config", zap.Error(cfgErr))
	}
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
		zap.Stringer("moderation", cfg.ModerationMode()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	ver, err := migrate.Up(ctx, cfg.DSN, logger)
	if err != nil {
		return err
	}
	logger.Info("schema ready", zap.Int64("version", ver))

	db, err := postgres.New(ctx, cfg.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	// Repositories
	events := postgres.NewEventRepo(db)
	handleRepo := postgres.NewHandleRepo(db)
	queue := postgres.NewModerationQueue(db)

	// Side effects
	provider, err := cachetag.New(cachetag.Options{
		Provider:     cfg.Cache.Provider,
		ZoneID:       cfg.Cache.ZoneID,
		APIToken:     cfg.Cache.APIToken,
		RedisAddr:    cfg.Cache.RedisAddr,
		RedisChannel: cfg.Cache.RedisChannel,
		Timeout:      cfg.Cache.PurgeTimeout,
	})
	if err != nil {
		return err
	}
	if c, ok := provider.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}
	purges := cachetag.NewDispatcher(provider, cfg.Cache.PurgeRPS, cfg.Cache.PurgeTimeout, logger)
	defer purges.Wait()

	index, err := search.New(cfg.Search.Provider, cfg.Search.Path)
	if err != nil {
		return err
	}
	defer func() { _ = index.Close() }()

	tagger, err := moderation.NewTagger(cfg.Moderation.Tagger, cfg.Moderation.TaggerURL, cfg.Moderation.Token, cfg.Moderation.Timeout)
	if err != nil {
		return err
	}
	scanner, err := moderation.NewScanner(cfg.Moderation.CSAM, cfg.Moderation.CSAMURL, cfg.Moderation.Token, cfg.Moderation.Timeout)
	if err != nil {
		return err
	}
	worker := moderation.NewWorker(queue, tagger, scanner, cfg.Moderation.Interval, cfg.Moderation.BatchSize, logger)

	// Services
	ingestSvc := service.NewIngestService(events, index, purges, cfg.MaxBatch, logger)
	defer ingestSvc.Wait()
	querySvc := service.NewQueryService(events, index, cfg.ModerationMode(), cfg.PageSize)
	challenges := service.NewChallengeService([]byte(cfg.ChallengeKey), cfg.ChallengeTTL)
	handleSvc := service.NewHandleService(handleRepo, challenges)
	lim := limiter.NewPG(db.Pool, cfg.Limiter.Window, cfg.Limiter.MaxFails, cfg.Limiter.BlockFor)

	// gRPC server with interceptors
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
		),
	}
	if cfg.TLSCert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return err
		}
		opts = append(opts, grpc.Creds(creds))
	}
	s := grpc.NewServer(opts...)
	app := grpcserver.New(ingestSvc, querySvc, handleSvc, challenges, lim, provider, logger)
	grpcserver.Register(s, app)

	// Health & reflection (dev)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus(grpcserver.ServiceName, healthpb.HealthCheckResponse_SERVING)
	if cfg.Dev {
		reflection.Register(s)
	}

	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Addr), zap.Bool("tls", cfg.TLSCert != ""))
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		hs.Shutdown()
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
		return nil
	})
	return g.Wait()
}
