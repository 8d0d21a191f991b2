package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ignatzorin/escrow-backend/internal/config"
	"github.com/ignatzorin/escrow-backend/internal/db"
	httpHandlers "github.com/ignatzorin/escrow-backend/internal/http/handlers"
	httpRouter "github.com/ignatzorin/escrow-backend/internal/http/router"
	"github.com/ignatzorin/escrow-backend/internal/ledger"
	"github.com/ignatzorin/escrow-backend/internal/logger"
	"github.com/ignatzorin/escrow-backend/internal/repository"
	"github.com/ignatzorin/escrow-backend/internal/scheduler"
	"github.com/ignatzorin/escrow-backend/internal/service"
	"github.com/ignatzorin/escrow-backend/internal/storage"
	"github.com/ignatzorin/escrow-backend/internal/ws"
)

func main() {
	// Готовим контекст для graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("main: ошибка загрузки конфигурации: %v", err)
	}

	// Инициализация логгера
	logLevel := "info"
	if cfg.Env == "development" {
		logLevel = "debug"
		logger.Init(logLevel)
		logger.SetTextFormatter()
	} else {
		logger.Init(logLevel)
	}

	// Подключение к базе и миграции.
	dbConn, err := db.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("main: ошибка подключения к базе: %v", err)
	}
	defer safeClose(dbConn)

	if err := db.RunMigrations(ctx, dbConn, cfg.MigrationsPath); err != nil {
		log.Fatalf("main: ошибка миграций: %v", err)
	}

	// Вспомогательные сервисы.
	tokenManager := service.NewTokenManager(cfg.JWTSecret)

	evidenceStorage, err := storage.NewEvidenceStorage(ctx, storage.Options{
		Endpoint:    cfg.MinioEndpoint,
		AccessKey:   cfg.MinioAccessKey,
		SecretKey:   cfg.MinioSecretKey,
		Bucket:      cfg.MinioBucket,
		UseSSL:      cfg.MinioUseSSL,
		MaxUploadMB: cfg.MaxUploadSizeMB,
	})
	if err != nil {
		log.Fatalf("main: не удалось подготовить хранилище доказательств: %v", err)
	}

	ledgerClient := ledger.NewClient(cfg.LedgerBaseURL, cfg.LedgerAPIKey, cfg.LedgerTimeout)

	// Репозитории.
	jobRepo := repository.NewJobRepository(dbConn)
	disputeRepo := repository.NewDisputeRepository(dbConn)

	// Вебсокеты.
	hub := ws.NewHub()
	go hub.Run()
	notifier := ws.NewHubNotifier(hub)

	// Сервисы.
	locks := service.NewEntityLocks()
	jobService := service.NewJobService(jobRepo, ledgerClient, notifier, locks, cfg.PlatformFeePercent)
	disputeService := service.NewDisputeService(disputeRepo, jobRepo, ledgerClient, notifier, locks, cfg.DisputeResponseWindow)

	// Планировщик дедлайнов.
	deadlines := scheduler.New(jobService, disputeService, cfg.SchedulerInterval)
	deadlines.Start(ctx)

	// HTTP хэндлеры.
	jobHandler := httpHandlers.NewJobHandler(jobService)
	disputeHandler := httpHandlers.NewDisputeHandler(disputeService)
	evidenceHandler := httpHandlers.NewEvidenceHandler(evidenceStorage)
	wsHandler := httpHandlers.NewWSHandler(hub, tokenManager)
	healthHandler := httpHandlers.NewHealthHandler(dbConn, ledgerClient)

	// Роутер.
	engine := httpRouter.SetupRouter(cfg, jobHandler, disputeHandler, evidenceHandler, wsHandler, healthHandler, tokenManager)

	server := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: engine,
	}

	// Завершаем сервер при получении сигнала.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("main: ошибка остановки http сервера: %v", err)
		}
	}()

	logger.Log.Infof("сервер запущен на порту %s", cfg.HTTPPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("main: сервер завершился с ошибкой: %v", err)
	}
}

// safeClose закрывает соединение с базой.
func safeClose(db *sqlx.DB) {
	if err := db.Close(); err != nil {
		log.Printf("main: ошибка закрытия базы: %v", err)
	}
}
