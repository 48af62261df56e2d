package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"dm-service/internal/config"
	"dm-service/internal/db"
	grpcserver "dm-service/internal/grpc"
	"dm-service/internal/handlers"
	"dm-service/internal/logging"
	"dm-service/internal/middleware"
	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/presence"
	"dm-service/internal/pubsub"
	"dm-service/internal/rabbitmq"
	"dm-service/internal/repositories"
	"dm-service/internal/services"
	"dm-service/internal/telemetry"
	"dm-service/internal/tracing"
	"dm-service/internal/uploads"
	"dm-service/internal/ws"
)

const serviceName = "dm-service"

type stores struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	users         repositories.UserRepository
	close         func() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config.load.fail", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, log, serviceName, cfg.Environment, cfg.OTLPEndpoint)
	if err != nil {
		log.Error("tracing.setup.fail", "err", err)
		os.Exit(1)
	}

	st, err := openStores(cfg.DatabaseDSN, log)
	if err != nil {
		log.Error("db.connect.fail", "err", err)
		os.Exit(1)
	}

	broker := pubsub.NewBroker(log, cfg.AMQPURL, cfg.AMQPExchange)
	publisher := rabbitmq.NewPublisher(log, cfg.AMQPURL, cfg.AMQPExchange)
	auditor := telemetry.NewAuditEmitter(log, publisher, cfg.AuditRoutingKey, serviceName, cfg.Environment)

	tracker := presence.NewTracker(log, broker.Topic(models.PresenceTopic), st.users, cfg.PresenceTimeout)
	stopSweeper, err := tracker.StartSweeper(cfg.PresenceSweepEvery)
	if err != nil {
		log.Error("presence.sweeper.fail", "err", err)
		os.Exit(1)
	}

	svc := services.NewConversationService(log, st.conversations, st.messages, st.users, broker, services.Options{
		TypingInterval:  cfg.TypingInterval,
		DefaultPageSize: cfg.HistoryPageSize,
		Auditor:         auditor,
	})

	issuer, err := uploads.NewSlotIssuer(cfg.CloudinaryURL, cfg.UploadFolder)
	if err != nil {
		log.Error("uploads.init.fail", "err", err)
		os.Exit(1)
	}

	hub := ws.NewHub(log, publisher)
	gateway := ws.NewGateway(log, hub, broker, svc, tracker, ws.GatewayConfig{PongWait: cfg.PresenceTimeout})

	router := buildRouter(cfg, log, svc, issuer, tracker, gateway, auditor)
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	grpcSrv := grpcserver.NewServer(log)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		log.Error("grpc.listen.fail", "err", err)
		os.Exit(1)
	}

	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			log.Error("grpc.serve.fail", "err", err)
		}
	}()
	go func() {
		log.Info("http.listen", "addr", httpSrv.Addr, "mode", rabbitmq.PublisherMode(publisher))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http.serve.fail", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutdown.start")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grpcSrv.Stop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http.shutdown.fail", "err", err)
	}
	hub.CloseAll()
	stopSweeper()
	if err := broker.Close(); err != nil {
		log.Warn("pubsub.close.fail", "err", err)
	}
	if err := publisher.Close(); err != nil {
		log.Warn("rabbitmq.close.fail", "err", err)
	}
	if err := st.close(); err != nil {
		log.Warn("db.close.fail", "err", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing.shutdown.fail", "err", err)
	}
	log.Info("shutdown.done")
}

// openStores connects Postgres, or falls back to the in-memory store when
// no DSN is configured.
func openStores(dsn string, log *slog.Logger) (stores, error) {
	if dsn == "" {
		log.Warn("db.mode", "mode", "memory", "reason", "empty dsn")
		mem := repositories.NewMemoryStore()
		return stores{conversations: mem, messages: mem, users: mem, close: func() error { return nil }}, nil
	}
	database, err := db.Connect(dsn)
	if err != nil {
		return stores{}, err
	}
	return stores{
		conversations: repositories.NewConversationRepo(database),
		messages:      repositories.NewMessageRepo(database),
		users:         repositories.NewUserRepo(database),
		close:         database.Close,
	}, nil
}

func buildRouter(
	cfg config.Config,
	log *slog.Logger,
	svc handlers.ConversationService,
	issuer uploads.SlotIssuer,
	tracker handlers.PresenceSource,
	gateway *ws.Gateway,
	auditor handlers.Auditor,
) *gin.Engine {
	if cfg.Environment != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		gin.Recovery(),
		otelgin.Middleware(serviceName),
		middleware.RequestID(),
		observability.HTTPMetricsMiddleware(),
	)

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := router.Group("/", middleware.AuthMiddleware(cfg.JWTSecret))
	handlers.NewConversationHandler(svc).Register(authed)
	authed.POST("/uploads/slots", handlers.NewUploadHandler(log, issuer).RequestSlot)
	authed.GET("/presence", handlers.PresenceSnapshot(tracker))
	authed.GET("/ws", gateway.Handle)
	handlers.RegisterDebugRoutes(authed, auditor, cfg.DebugRoutes)

	return router
}
