package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shaniyakir/nekuda-agentic-wallet/config"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/api"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/broker"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/checkout"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/handoff"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/processor"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/redisclient"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/session"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/store"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/util"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/vault"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/wallet"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/worker"
)

func main() {

	cfg := config.Load()

	if missing := cfg.MissingSecrets(); len(missing) > 0 {
		log.Fatalf("Missing required configuration: %s", strings.Join(missing, ", "))
	}

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout orchestrator")

	tp, err := util.InitTracer("checkout-orchestrator", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCheckout)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	tokens, err := handoff.NewService(
		cfg.Checkout.HandoffSecret,
		time.Duration(cfg.Checkout.HandoffTTLSeconds)*time.Second,
	)
	if err != nil {
		log.Fatalf("Failed to initialize handoff token service: %v", err)
	}

	sessions := session.NewStore(
		redisClient.GetClient(),
		time.Duration(cfg.Checkout.SessionTTLMinutes)*time.Minute,
		time.Duration(cfg.Checkout.TerminalTTLMinutes)*time.Minute,
	)
	credentialVault := vault.New(
		redisClient.GetClient(),
		time.Duration(cfg.Checkout.RevealWindowMinutes)*time.Minute,
	)

	walletClient := wallet.NewClient(cfg.Wallet.BaseURL, cfg.Wallet.APIKey)
	stripeClient := processor.NewStripeClient(cfg.Stripe.SecretKey)

	cartService := checkout.NewCartService(db)
	orchestrator := checkout.NewOrchestrator(
		cartService,
		sessions,
		credentialVault,
		walletClient,
		stripeClient,
		tokens,
		redisClient,
		eventPublisher,
		cfg.Wallet.MerchantName,
		cfg.Checkout.RefreshBaseURL,
	)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	auditConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicCheckout, cfg.Kafka.ConsumerGroup)
	auditWorker := worker.NewAuditWorker(auditConsumer, db)
	go func() {
		if err := auditWorker.Start(workerCtx); err != nil {
			log.Printf("Audit worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(orchestrator, db.GetDB())
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	auditWorker.Stop()

	log.Println("Server exited")
}
