// internal/app/server.go
package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"artifex-service/internal/catalog"
	"artifex-service/internal/config"
	"artifex-service/internal/db"
	creditHandler "artifex-service/internal/handlers/credit"
	planHandler "artifex-service/internal/handlers/plan"
	subscriptionHandler "artifex-service/internal/handlers/subscription"
	webhookHandler "artifex-service/internal/handlers/webhook"
	"artifex-service/internal/middleware"
	"artifex-service/internal/pkg/lock"
	"artifex-service/internal/provider/creem"
	"artifex-service/internal/provider/generation"
	"artifex-service/internal/repository/postgres"
	billingService "artifex-service/internal/service/billing"
	ledgerService "artifex-service/internal/service/ledger"
	subscriptionService "artifex-service/internal/service/subscription"
	sweeperService "artifex-service/internal/service/sweeper"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	cfg    config.AppConfig
	engine *gin.Engine
	logger *zap.Logger
	cancel context.CancelFunc
}

func NewServer() *Server {
	cfg := config.Load()
	engine := gin.New()
	return &Server{cfg: cfg, engine: engine}
}

func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	// ----- Logger -----
	logger, _ := zap.NewProduction()
	defer logger.Sync()
	s.logger = logger

	// ----- PostgreSQL -----
	pool, err := db.ConnectDB(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	// ----- Redis -----
	redisCfg := db.RedisConfig{
		ClusterMode: s.cfg.RedisClusterMode,
		Addresses:   strings.Split(s.cfg.RedisAddr, ","),
		Password:    s.cfg.RedisPass,
		DB:          0,
		PoolSize:    10,
	}
	redisClient, err := db.NewRedisUniversalClient(redisCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	// ----- Plan catalog -----
	cat := catalog.Default()
	if s.cfg.PlanCatalogPath != "" {
		cat, err = catalog.LoadFile(s.cfg.PlanCatalogPath)
		if err != nil {
			return fmt.Errorf("failed to load plan catalog: %w", err)
		}
	}

	// ----- Repositories -----
	dbWrapper := postgres.NewDB(pool)
	accountRepo := postgres.NewCreditAccountRepository(pool)
	transactionRepo := postgres.NewCreditTransactionRepository(pool)
	subscriptionRepo := postgres.NewSubscriptionRepository(pool)
	eventRepo := postgres.NewProcessedEventRepository(pool)
	taskRepo := postgres.NewGenerationTaskRepository(pool)

	// ----- Providers -----
	creemClient := creem.NewClient(s.cfg.CreemAPIBase, s.cfg.CreemAPIKey)
	generationClient := generation.NewClient(s.cfg.GenerationAPIBase, s.cfg.GenerationAPIKey)

	// ----- Services -----
	ledger := ledgerService.NewService(dbWrapper, accountRepo, transactionRepo, logger)
	subscriptions := subscriptionService.NewService(subscriptionRepo, cat, ledger, logger)
	reconciler := billingService.NewReconciler(s.cfg.CreemWebhookSecret, eventRepo, subscriptions, logger)
	syncer := billingService.NewSyncer(creemClient, subscriptions, s.cfg.SyncLookupTimeout, logger)

	// ----- Sweeper -----
	locker := lock.NewRedisLocker(redisClient)
	sweeper := sweeperService.New(
		taskRepo, generationClient, ledger, subscriptions, locker, logger,
		s.cfg.SweepInterval, s.cfg.SweepStuckAfter, s.cfg.SweepBatchSize,
	)
	go sweeper.Run(ctx)

	// ----- Handlers -----
	webhookHandlerInst := webhookHandler.NewWebhookHandler(reconciler)
	creditHandlerInst := creditHandler.NewCreditHandler(ledger)
	subscriptionHandlerInst := subscriptionHandler.NewSubscriptionHandler(subscriptions, syncer)
	planHandlerInst := planHandler.NewPlanHandler(cat)

	// ----- Middlewares -----
	authMiddleware := middleware.NewAuthMiddleware(s.cfg.AuthTokenSecret)

	s.engine.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.LoggingMiddleware(logger),
		middleware.CORSMiddleware(),
	)

	// ----- Router -----
	handlers := &Handlers{
		WebhookHandler:      webhookHandlerInst,
		CreditHandler:       creditHandlerInst,
		SubscriptionHandler: subscriptionHandlerInst,
		PlanHandler:         planHandlerInst,
		AuthMiddleware:      authMiddleware,
	}
	SetupRouter(s.engine, logger, handlers)

	// ----- Start HTTP -----
	log.Printf("server running on %s", s.cfg.HTTPAddr)
	return s.engine.Run(s.cfg.HTTPAddr)
}

// Stop cancels background work. The HTTP listener dies with the process.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}
