package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gorm.io/gorm"

	"github.com/example/retina-check/internal/auth"
	"github.com/example/retina-check/internal/captcha"
	"github.com/example/retina-check/internal/classifier"
	"github.com/example/retina-check/internal/config"
	"github.com/example/retina-check/internal/grpcclient"
	"github.com/example/retina-check/internal/handlers"
	"github.com/example/retina-check/internal/logging"
	"github.com/example/retina-check/internal/repository"
	"github.com/example/retina-check/internal/storage"
	"github.com/example/retina-check/internal/usecase"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	for _, key := range cfg.Insecure {
		logger.Warn("using development default, set it before deploying", zap.String("setting", key))
	}

	reporter, err := logging.NewReporter(cfg.Sentry.DSN, cfg.Sentry.Environment, logger)
	if err != nil {
		logger.Fatal("failed to initialise error reporting", zap.Error(err))
	}
	defer reporter.Flush(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.Database, logger)
	users := repository.NewUserRepository(db, logger)
	if err := users.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	var cache usecase.Cache = usecase.NewMemoryCache()
	if cfg.Redis.Addr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		redisClient := initRedis(redisCtx, cfg.Redis, logger)
		defer redisClient.Close()
		cache = usecase.NewRedisCache(redisClient)
	}

	predictor, closePredictor := initPredictor(ctx, cfg.Classifier, logger)
	defer closePredictor()
	model := classifier.New(predictor, logger, classifier.WithTimeout(cfg.Classifier.Timeout))

	store := initStorage(ctx, cfg, logger)

	verifier := captcha.NewVerifier(cfg.Captcha, nil, logger)
	if !verifier.Enabled() {
		logger.Warn("CAPTCHA secret not configured, uploads are not bot-gated")
	}

	metrics := usecase.NewMetrics()
	deps := handlers.Dependencies{
		Accounts:       usecase.NewAccountUseCase(users, logger),
		Classification: usecase.NewClassificationUseCase(model, store, cache, metrics, cfg.Upload.MaxSize, logger),
		Sessions:       auth.NewSessionManager(cfg.Session, logger),
		Tokens:         auth.NewTokenIssuer(cfg.JWT.Secret, cfg.JWT.Audience, cfg.JWT.TTL),
		Captcha:        verifier,
		Throttle:       auth.NewThrottle(cfg.Login.RatePerMinute, cfg.Login.Burst),
		Metrics:        metrics,
		Reporter:       reporter,
		JWTSecret:      cfg.JWT.Secret,
		JWTAudience:    cfg.JWT.Audience,
		TrustedProxies: cfg.Server.TrustedProxies,
		Logger:         logger,
	}

	router, err := handlers.NewRouter(deps)
	if err != nil {
		logger.Fatal("failed to build router", zap.Error(err))
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	logger.Info("retina-check listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("classifier", cfg.Classifier.Backend),
		zap.String("uploads", cfg.Upload.Backend),
	)
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) *gorm.DB {
	db, err := repository.Open(ctx, cfg.Driver, cfg.DSN, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.String("driver", cfg.Driver), zap.Error(err))
	}
	return db
}

func initRedis(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

// initPredictor loads the model in-process or dials the remote predictor. The
// process refuses to start without a working model.
func initPredictor(ctx context.Context, cfg config.ClassifierConfig, zapLogger *zap.Logger) (classifier.Predictor, func()) {
	switch cfg.Backend {
	case "grpc":
		remote, conn, err := grpcclient.DialPredictor(ctx, cfg.GRPCAddr, zapLogger)
		if err != nil {
			zapLogger.Fatal("failed to connect to predictor", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
		}
		return remote, closeConn(conn, zapLogger)
	default:
		local, err := classifier.LoadTFLite(cfg.ModelPath, cfg.Threads, zapLogger)
		if err != nil {
			zapLogger.Fatal("failed to load model", zap.String("path", cfg.ModelPath), zap.Error(err))
		}
		return local, local.Close
	}
}

func closeConn(conn *grpc.ClientConn, zapLogger *zap.Logger) func() {
	return func() {
		if err := conn.Close(); err != nil {
			zapLogger.Warn("failed to close predictor connection", zap.Error(err))
		}
	}
}

func initStorage(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) storage.Store {
	if cfg.Upload.Backend == "s3" {
		store, err := storage.NewS3(ctx, cfg.S3, zapLogger)
		if err != nil {
			zapLogger.Fatal("failed to initialise S3 storage", zap.String("bucket", cfg.S3.Bucket), zap.Error(err))
		}
		return store
	}

	store, err := storage.NewLocal(cfg.Upload.Dir, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to initialise upload directory", zap.String("dir", cfg.Upload.Dir), zap.Error(err))
	}
	return store
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
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
