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

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/image-classifier/internal/classifier"
	"github.com/example/image-classifier/internal/config"
	"github.com/example/image-classifier/internal/handlers"
	"github.com/example/image-classifier/internal/logging"
	"github.com/example/image-classifier/internal/preview"
	"github.com/example/image-classifier/internal/repository"
	"github.com/example/image-classifier/internal/session"
	"github.com/example/image-classifier/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var repo usecase.AttemptRepository
	if cfg.DatabaseDSN != "" {
		attempts := repository.NewAttemptRepository(initDatabase(ctx, cfg.DatabaseDSN, logger), logger)
		if err := attempts.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		repo = attempts
	} else {
		logger.Info("DATABASE_DSN not set, classification attempts are only logged")
	}

	var store preview.Store = preview.NewMemoryStore()
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		store = preview.NewRedisStore(initRedis(redisCtx, cfg.RedisAddr, logger), cfg.PreviewTTL)
		redisCancel()
	}

	client := classifier.NewHTTPClient(cfg.APIURL, cfg.ClassifyTimeout, logger)
	logger.Info("classification service configured",
		zap.String("endpoint", client.Endpoint()),
		zap.Duration("timeout", cfg.ClassifyTimeout),
		zap.String("selection_policy", string(cfg.SelectionPolicy)),
	)

	a := newApp(cfg, client, repo, store, logger)

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	go a.registry.RunReaper(reaperCtx, cfg.SessionIdleTimeout, cfg.SessionIdleTimeout/4)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: a.router,
	}

	logger.Info("image classifier listening", zap.String("addr", cfg.ListenAddr))
	serveErr := serveHTTPServer(server, 15*time.Second, logger)
	stopReaper()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := a.close(closeCtx); err != nil {
		logger.Warn("session teardown incomplete", zap.Error(err))
	}

	if serveErr != nil {
		logger.Fatal("server failed", zap.Error(serveErr))
	}
}

// app is the session registry and the routes serving it.
type app struct {
	registry *session.Registry
	router   *gin.Engine
}

func newApp(cfg config.Config, client classifier.Client, repo usecase.AttemptRepository, store preview.Store, logger *zap.Logger) *app {
	uc := usecase.NewClassificationUseCase(repo, client, logger)

	registry := session.NewRegistry(func(id string) *session.Session {
		previews := preview.NewManager(store, cfg.PreviewMaxDimension, logger)
		return session.New(id, uc, previews, cfg.SelectionPolicy, logger)
	}, logger)

	r := gin.Default()
	r.MaxMultipartMemory = cfg.MaxUploadBytes

	handlers.RegisterRoutes(r, handlers.Dependencies{
		Sessions:      registry,
		Previews:      store,
		Metrics:       uc,
		MaxUploadSize: cfg.MaxUploadBytes,
		Logger:        logger,
	})

	return &app{registry: registry, router: r}
}

// close tears down every session, releasing their previews.
func (a *app) close(ctx context.Context) error {
	return a.registry.CloseAll(ctx)
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
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
