package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/broadbio/dataregistry/internal/api"
	"github.com/broadbio/dataregistry/internal/app"
	iauth "github.com/broadbio/dataregistry/internal/auth"
	"github.com/broadbio/dataregistry/internal/database"
	"github.com/broadbio/dataregistry/internal/dispatch"
	"github.com/broadbio/dataregistry/internal/permissions"
	"github.com/broadbio/dataregistry/internal/pipeline"
	"github.com/broadbio/dataregistry/internal/services"
	"github.com/broadbio/dataregistry/internal/storage"
	"github.com/broadbio/dataregistry/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("dataregistry-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	if err := ensureSecretsPresent(cfg); err != nil {
		return err
	}

	db, err := initialiseDatabase(cfg)
	if err != nil {
		return err
	}
	defer closeDatabase(db, log)

	jwtService, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         cfg.Auth.JWT.Secret,
		Issuer:         cfg.Auth.JWT.Issuer,
		AccessTokenTTL: cfg.Auth.JWT.TTL,
	})
	if err != nil {
		return fmt.Errorf("initialise jwt service: %w", err)
	}

	checker, err := permissions.NewChecker(db)
	if err != nil {
		return fmt.Errorf("initialise permission checker: %w", err)
	}

	store, err := storage.New(ctx, cfg.Storage.StorageOptions())
	if err != nil {
		return fmt.Errorf("initialise object storage: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Batch.Region))
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	dispatcher, err := dispatch.New(db, batch.NewFromConfig(awsCfg), cfg.Batch.DispatchOptions())
	if err != nil {
		return fmt.Errorf("initialise dispatcher: %w", err)
	}

	poller, err := dispatch.NewPoller(dispatcher, dispatch.WithSchedule(cfg.Batch.PollSchedule))
	if err != nil {
		return fmt.Errorf("initialise poller: %w", err)
	}
	if err := poller.Start(); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}
	defer func() {
		<-poller.Stop().Done()
	}()

	auditSvc, err := services.NewAuditService(db)
	if err != nil {
		return fmt.Errorf("initialise audit service: %w", err)
	}
	datasetSvc, err := services.NewDatasetService(db, checker, store, auditSvc)
	if err != nil {
		return fmt.Errorf("initialise dataset service: %w", err)
	}
	admissionSvc, err := services.NewAdmissionService(db, checker, store, dispatcher, auditSvc)
	if err != nil {
		return fmt.Errorf("initialise admission service: %w", err)
	}
	orchestrator, err := pipeline.NewOrchestrator(db, dispatcher, checker, pipeline.Config{
		Branch: cfg.Pipeline.Branch,
	})
	if err != nil {
		return fmt.Errorf("initialise pipeline orchestrator: %w", err)
	}

	router, err := api.NewRouter(api.Dependencies{
		DB:           db,
		JWT:          jwtService,
		Checker:      checker,
		Datasets:     datasetSvc,
		Admissions:   admissionSvc,
		Orchestrator: orchestrator,
	})
	if err != nil {
		return fmt.Errorf("build api router: %w", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}

func ensureSecretsPresent(cfg *app.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Auth.JWT.Secret = strings.TrimSpace(cfg.Auth.JWT.Secret)
	if cfg.Auth.JWT.Secret == "" {
		return errors.New("auth.jwt.secret must be configured")
	}

	if strings.TrimSpace(cfg.Storage.Bucket) == "" {
		return errors.New("storage.bucket must be configured")
	}
	if strings.TrimSpace(cfg.Batch.QC.Queue) == "" || strings.TrimSpace(cfg.Batch.QC.Definition) == "" {
		return errors.New("batch.qc queue and definition must be configured")
	}
	if strings.TrimSpace(cfg.Batch.Aggregation.Queue) == "" || strings.TrimSpace(cfg.Batch.Aggregation.Definition) == "" {
		return errors.New("batch.aggregation queue and definition must be configured")
	}

	return nil
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.DatabaseOptions()
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("database handle unavailable on shutdown", zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Warn("database close failed", zap.Error(err))
	}
}
