package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cogtest/internal/app"
	"cogtest/internal/auth"
	"cogtest/internal/blob"
	"cogtest/internal/db"
	"cogtest/internal/logging"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Printf("config error: %v", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, File: cfg.LogFile})
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg app.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver, err := db.ParseDriver(cfg.DBDriver)
	if err != nil {
		return err
	}
	dbConn, err := db.Open(ctx, driver, cfg.DBDSN, db.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime(),
	})
	if err != nil {
		return err
	}
	defer dbConn.Close()

	store, err := openBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	if cfg.JWTSecret == "" {
		secret, err := auth.GenerateSecret(32)
		if err != nil {
			return err
		}
		cfg.JWTSecret = secret
		logger.Warn("JWT_SECRET not set, using a random secret; sessions will not survive a restart")
	}

	svcs := app.NewServices(cfg, dbConn, driver, store, logger)
	if err := svcs.Questions.EnsureCategories(ctx); err != nil {
		return err
	}
	if cfg.BootstrapDoctorUsername != "" {
		created, err := svcs.Auth.EnsureBootstrapDoctor(ctx, auth.BootstrapDoctor{
			Username: cfg.BootstrapDoctorUsername,
			Password: cfg.BootstrapDoctorPassword,
		})
		if err != nil {
			return err
		}
		if created {
			logger.Info("bootstrap doctor created", zap.String("username", cfg.BootstrapDoctorUsername))
		}
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           app.NewRouter(cfg, svcs, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("cogtest web listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("db_driver", string(driver)),
			zap.String("blob_driver", cfg.BlobDriver),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openBlobStore(ctx context.Context, cfg app.Config) (blob.Store, error) {
	if cfg.BlobDriver == "minio" {
		return blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
	}
	return blob.NewFSStore(cfg.BlobBasePath)
}
