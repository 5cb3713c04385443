package main

import (
	"alcyxob/course-portal/internal/api"
	"alcyxob/course-portal/internal/config"
	"alcyxob/course-portal/internal/repository"
	"alcyxob/course-portal/internal/repository/boltdb"
	"alcyxob/course-portal/internal/repository/mongo"
	"alcyxob/course-portal/internal/service"
	"alcyxob/course-portal/internal/storage"
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// @title Course Portal Upload API
// @version 1.0
// @description Resumable chunked uploads of course material.
// @host localhost:8080
// @BasePath /api/v1
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.
func main() {
	log.Println("Starting Course Portal Server...")

	// --- Configuration ---
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("FATAL: Could not load config: %v", err)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	log.Println("Configuration loaded.")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Metadata Store ---
	userRepo, uploadRepo, closeStore, err := openMetastore(ctx, cfg)
	if err != nil {
		log.Fatalf("FATAL: Could not open %s metastore: %v", cfg.Metastore.Driver, err)
	}
	defer closeStore()

	// --- Initialize Storage ---
	log.Println("Initializing file storage...")
	staging, err := storage.NewStaging(cfg.Upload.StagingDir)
	if err != nil {
		log.Fatalf("FATAL: Could not create staging directory: %v", err)
	}
	disk := storage.NewLocalStorage()
	if cfg.Upload.Disk == "s3" {
		if disk, err = storage.NewS3Storage(ctx, cfg.S3, logger); err != nil {
			log.Fatalf("FATAL: Failed to initialize S3 storage: %v", err)
		}
	}

	// --- Initialize Services ---
	log.Println("Initializing services...")
	authService := service.NewAuthService(userRepo, cfg.JWT.Secret, cfg.JWT.Expiration)
	uploadService := service.NewUploadService(uploadRepo, staging, disk, service.UploadOptions{
		FinalDir:         cfg.Upload.FinalDir,
		MaxSize:          cfg.Upload.MaxSize,
		AllowedMimeTypes: cfg.Upload.AllowedMimeTypes,
		PublicBaseURL:    cfg.Upload.PublicBaseURL,
		SniffContent:     cfg.Upload.SniffContent,
		PresignExpiry:    cfg.Upload.PresignExpiry,
		Logger:           logger,
	})

	// --- Initialize Gin Engine ---
	if cfg.Server.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	api.SetupRoutes(router, cfg.JWT.Secret, authService, uploadService, logger)

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Server starting on %s", cfg.Server.Address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if cfg.Upload.SessionTTL > 0 {
		g.Go(func() error {
			sweep(gctx, uploadService, cfg.Upload.SessionTTL, cfg.Upload.SweepInterval, logger)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	log.Println("Server exiting.")
}

// openMetastore connects the configured record store and returns its repositories.
func openMetastore(ctx context.Context, cfg config.Config) (repository.UserRepository, repository.UploadRepository, func(), error) {
	switch cfg.Metastore.Driver {
	case "bolt":
		store, err := boltdb.Open(cfg.Metastore.BoltPath)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Printf("Bolt metastore opened at %s", cfg.Metastore.BoltPath)
		closeStore := func() {
			if err := store.Close(); err != nil {
				log.Printf("ERROR: Failed to close bolt metastore: %v", err)
			}
		}
		return boltdb.NewBoltUserRepository(store), boltdb.NewBoltUploadRepository(store), closeStore, nil

	default:
		client, err := mongo.ConnectDB(cfg.Database.URI)
		if err != nil {
			return nil, nil, nil, err
		}
		db := client.Database(cfg.Database.Name)
		closeStore := func() {
			log.Println("Disconnecting MongoDB...")
			if err := mongo.DisconnectDB(client); err != nil {
				log.Printf("ERROR: Failed to disconnect MongoDB: %v", err)
			}
		}

		// Staging-name uniqueness depends on the index, so this is not backgrounded
		indexCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := mongo.EnsureIndexes(indexCtx, db); err != nil {
			closeStore()
			return nil, nil, nil, err
		}
		log.Println("Database connection established.")
		return mongo.NewMongoUserRepository(db), mongo.NewMongoUploadRepository(db), closeStore, nil
	}
}

// sweep purges abandoned upload sessions until ctx is done.
func sweep(ctx context.Context, uploads service.UploadService, ttl, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := uploads.PurgeStale(ctx, time.Now().Add(-ttl)); err != nil {
				logger.Warn("stale upload sweep incomplete", "error", err)
			}
		}
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.JSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
