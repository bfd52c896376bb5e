package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/animal-classifier/internal/classifier"
	"github.com/example/animal-classifier/internal/config"
	"github.com/example/animal-classifier/internal/grpcserver"
	"github.com/example/animal-classifier/internal/handlers"
	"github.com/example/animal-classifier/internal/logging"
	"github.com/example/animal-classifier/internal/metrics"
	"github.com/example/animal-classifier/internal/repository"
	"github.com/example/animal-classifier/internal/staging"
	"github.com/example/animal-classifier/internal/usecase"
)

func main() {
	envFile := flag.String("env", "", "path to an env file to load before reading the environment")
	flag.Parse()

	cfg, loadedEnv, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck
	logger.Info("configuration loaded", zap.Bool("env_file", loadedEnv), zap.Strings("worker_command", cfg.WorkerCommand))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	store, err := staging.NewStore(cfg.StagingDir, logger)
	if err != nil {
		logger.Fatal("failed to initialize staging store", zap.Error(err))
	}
	invoker, err := classifier.NewProcessInvoker(classifier.InvokerConfig{
		Command:   cfg.WorkerCommand,
		Timeout:   cfg.WorkerTimeout,
		WaitDelay: cfg.WorkerWaitDelay,
	}, logger)
	if err != nil {
		logger.Fatal("failed to initialize classifier", zap.Error(err))
	}
	if err := invoker.Probe(); err != nil {
		logger.Warn("worker executable not found, classifications will fail until it is installed", zap.Error(err))
	}
	recorder := metrics.NewRecorder()

	var logs usecase.ClassificationLogStore
	if cfg.DatabaseDSN != "" {
		logs = initRepository(ctx, cfg, logger)
	} else {
		logger.Info("DATABASE_DSN not set, classification log disabled")
	}

	var cache usecase.Cache
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
		redisCancel()
		defer redisClient.Close()
		cache = usecase.NewRedisCache(redisClient)
	} else {
		logger.Info("REDIS_ADDR not set, request status tracking disabled")
	}

	uc := usecase.NewClassificationUseCase(store, invoker, logs, cache, recorder, logger)

	if cfg.GRPCAddr != "" {
		stopGRPC := startGRPCHealth(cfg, invoker, logger)
		defer stopGRPC()
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           newHTTPHandler(cfg, uc, recorder, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("classifier API listening", zap.String("addr", server.Addr), zap.String("staging_dir", store.Dir()))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newHTTPHandler(cfg *config.Config, svc handlers.ClassificationService, recorder *metrics.Recorder, logger *zap.Logger) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), logging.RequestMiddleware(logger))
	r.MaxMultipartMemory = cfg.MaxUploadBytes

	opts := handlers.RouteOptions{MaxUploadBytes: cfg.MaxUploadBytes}
	if recorder != nil {
		opts.Metrics = recorder.Handler()
	}
	handlers.RegisterRoutes(r, svc, opts)

	return cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", logging.RequestIDHeader},
		ExposedHeaders: []string{logging.RequestIDHeader},
		MaxAge:         300,
	})(r)
}

func initRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) *repository.ClassificationRepository {
	db, err := repository.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN, logger)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	repo := repository.NewClassificationRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}
	return repo
}

func initRedis(ctx context.Context, addr string, logger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

// startGRPCHealth serves the health service and keeps it in sync with the
// worker probe. The returned func stops both.
func startGRPCHealth(cfg *config.Config, invoker *classifier.ProcessInvoker, logger *zap.Logger) func() {
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("failed to listen for gRPC", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
	}
	server, hs := grpcserver.NewServer()

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	go grpcserver.MonitorWorker(monitorCtx, hs, invoker.Probe, cfg.WorkerProbeEvery, logger)
	go func() {
		if err := grpcserver.Serve(server, lis, logger); err != nil {
			logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return func() {
		stopMonitor()
		hs.Shutdown()
		server.GracefulStop()
	}
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		// In-flight classifications run to completion so their staged
		// files are released before the process exits.
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
