package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/lumenclass/videogen-backend/internal/db"
	"github.com/lumenclass/videogen-backend/internal/handlers"
	"github.com/lumenclass/videogen-backend/internal/logger"
	"github.com/lumenclass/videogen-backend/internal/middleware"
	"github.com/lumenclass/videogen-backend/internal/pipeline"
	"github.com/lumenclass/videogen-backend/internal/queue"
	"github.com/lumenclass/videogen-backend/internal/realtime"
	"github.com/lumenclass/videogen-backend/internal/realtime/bus"
	"github.com/lumenclass/videogen-backend/internal/repos"
	"github.com/lumenclass/videogen-backend/internal/server"
	"github.com/lumenclass/videogen-backend/internal/services"
	"github.com/lumenclass/videogen-backend/internal/utils"
	"github.com/lumenclass/videogen-backend/internal/worker"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	instanceID := utils.GetEnv("INSTANCE_ID", uuid.NewString(), log)
	log = log.With("instance_id", instanceID)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Env
	log.Info("Loading environment variables from main...")
	workerConcurrency := utils.GetEnvAsInt("WORKER_CONCURRENCY", 4, log)
	heartbeatWindow := utils.GetEnvAsInt("CONNECTION_EXPIRY_SECONDS", 90, log)
	degradedThreshold := utils.GetEnvAsFloat("BROKER_DEGRADED_THRESHOLD", 0.05, log)

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	requestRepo := repos.NewContentRequestRepo(thePG, log)

	// Queue
	jobQueue := queue.NewDBQueue(thePG, log, queue.DefaultConfig())

	// Realtime
	log.Info("Setting up notification hub now...")
	metrics := &realtime.Metrics{}
	hub := realtime.NewHub(log, metrics, time.Duration(heartbeatWindow)*time.Second)
	hub.StartSweeper(rootCtx)

	var eventBus bus.Bus
	if os.Getenv("REDIS_ADDR") != "" {
		eventBus, err = bus.NewRedisBus(log)
		if err != nil {
			log.Error("Could not init redis bus", "error", err)
			os.Exit(1)
		}
	} else {
		log.Warn("REDIS_ADDR not set, falling back to in-process bus; cross-instance fanout is disabled")
		eventBus = bus.NewMemoryBus()
	}
	defer eventBus.Close()

	broker := services.NewBroker(log, eventBus, hub, metrics, degradedThreshold)
	if err := broker.Start(rootCtx); err != nil {
		log.Error("Could not start notification broker", "error", err)
		os.Exit(1)
	}

	// Services
	log.Info("Setting up Services from main...")
	bucketService, err := services.NewBucketService(log)
	if err != nil {
		log.Error("Could not init BucketService", "error", err)
		os.Exit(1)
	}
	aiClient, err := services.NewAIClient(log)
	if err != nil {
		log.Error("Could not init AIClient", "error", err)
		os.Exit(1)
	}
	retriever, err := services.NewHTTPRetriever(log)
	if err != nil {
		log.Error("Could not init Retriever", "error", err)
		os.Exit(1)
	}
	ttsProvider, err := services.NewHTTPTTSProvider(log)
	if err != nil {
		log.Error("Could not init TTSProvider", "error", err)
		os.Exit(1)
	}
	videoRenderer, err := services.NewHTTPVideoRenderer(log)
	if err != nil {
		log.Error("Could not init VideoRenderer", "error", err)
		os.Exit(1)
	}
	tokenService, err := services.NewTokenService(log)
	if err != nil {
		log.Error("Could not init TokenService", "error", err)
		os.Exit(1)
	}
	requestService := services.NewRequestService(thePG, log, requestRepo, jobQueue)
	notifier := services.NewRequestNotifier(broker)

	// Pipeline worker
	stageRunner := services.NewStageRunner(log, aiClient, retriever, ttsProvider, videoRenderer, bucketService)
	orchestrator := pipeline.NewOrchestrator(thePG, log, requestRepo, stageRunner, notifier)
	pipelineWorker := worker.NewWorker(log, jobQueue, orchestrator, workerConcurrency, queue.DefaultConfig().MaxAttempts)
	workerGroup := pipelineWorker.Start(rootCtx)

	// Handlers
	log.Info("Setting up handlers from main...")
	requestHandler := handlers.NewRequestHandler(requestService)
	realtimeHandler := handlers.NewRealtimeHandler(hub)
	notificationsHandler := handlers.NewNotificationsHandler(broker, hub, jobQueue, instanceID)

	// Middleware
	authMiddleware := middleware.NewAuthMiddleware(log, tokenService)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		AuthMiddleware:       authMiddleware,
		RequestHandler:       requestHandler,
		RealtimeHandler:      realtimeHandler,
		NotificationsHandler: notificationsHandler,
	})

	port := utils.GetEnv("PORT", "8080", log)
	fmt.Printf("Server listening on :%s\n", port)
	go func() {
		if err := router.Run(":" + port); err != nil {
			log.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("Shutting down, draining workers...")
	if err := workerGroup.Wait(); err != nil && err != context.Canceled {
		log.Warn("Worker group exited with error", "error", err)
	}
}
