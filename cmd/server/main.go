package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coursepay/config"
	"coursepay/internal/api"
	"coursepay/internal/broker"
	"coursepay/internal/gateway"
	"coursepay/internal/idempotency"
	"coursepay/internal/models"
	"coursepay/internal/redisclient"
	"coursepay/internal/service"
	"coursepay/internal/store"
	"coursepay/internal/util"
	"coursepay/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting coursepay service")

	tp, err := util.InitTracer("coursepay", cfg.Observ.JaegerEndpoint)
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

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	gateways := gateway.NewRegistry(
		gateway.NewCardGateway(cfg.Gateways.CardWebhookSecret, cfg.Gateways.DeclineRate),
		gateway.NewWalletGateway(cfg.Gateways.WalletWebhookSecret, cfg.Gateways.WalletRedirectBase),
		gateway.NewBankTransferGateway(),
	)

	guard := idempotency.NewGuard(redisClient,
		time.Duration(cfg.Business.IdempotencyTTLSeconds)*time.Second)

	ledger := service.NewPaymentLedger(db, db, eventPublisher)
	grantor := service.NewEnrollmentGrantor(db, db, eventPublisher)
	ledger.OnCompleted(func(ctx context.Context, payment *models.Payment) {
		if _, err := grantor.GrantAfterPayment(ctx, payment); err != nil {
			logger.Error("Inline enrollment grant failed, consumer will retry",
				zap.Int64("payment_id", payment.ID), zap.Error(err))
		}
	})

	checkout := service.NewCheckoutService(ledger, guard, gateways,
		time.Duration(cfg.Business.GatewayTimeoutSeconds)*time.Second)
	reconciler := service.NewWebhookReconciler(ledger, db, gateways)
	refunds := service.NewRefundCoordinator(db, db, db, gateways, eventPublisher)
	enrollments := service.NewEnrollmentService(db, db, eventPublisher)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments, cfg.Kafka.ConsumerGroup)
	enrollmentWorker := worker.NewEnrollmentWorker(consumer, ledger, grantor)
	go func() {
		if err := enrollmentWorker.Start(workerCtx); err != nil {
			log.Printf("Enrollment worker error: %v", err)
		}
	}()

	sweepWorker := worker.NewReconciliationWorker(ledger, db, gateways,
		time.Duration(cfg.Business.ReconcileSweepSeconds)*time.Second,
		time.Duration(cfg.Business.ReconcileStuckAgeSecond)*time.Second)
	go sweepWorker.Start(workerCtx)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(checkout, ledger, reconciler, refunds, grantor, enrollments)
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
	enrollmentWorker.Stop()
	sweepWorker.Stop()

	log.Println("Server exited")
}
