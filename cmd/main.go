/**
 * @description
 * This is the main entry point for the orchard-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * the payment gateway client, message brokers, repositories, the allocation ledger,
 * the core application service, and the HTTP server. It wires everything together
 * and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/ledger, internal/store:
 *   Internal packages for the service.
 * - pkg/paymentgateway: Client for the payment gateway API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

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

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sow2grow/orchard-service/internal/api"
	"github.com/sow2grow/orchard-service/internal/app"
	"github.com/sow2grow/orchard-service/internal/config"
	"github.com/sow2grow/orchard-service/internal/domain"
	"github.com/sow2grow/orchard-service/internal/ledger"
	"github.com/sow2grow/orchard-service/internal/store"
	"github.com/sow2grow/orchard-service/pkg/paymentgateway"
	rmrabbit "github.com/sow2grow/orchard-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	log.Printf("level=info component=bootstrap msg=\"starting orchard-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish lifecycle events. The
	// service must boot even when the broker is down; events are dropped
	// through the fallback until a restart.
	var producer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the payment gateway client.
	gatewayClient := paymentgateway.NewClient(cfg.GatewayAPIBaseURL, cfg.GatewayAPIKey)

	// Redis backs the distributed reserve rate limiter. Missing or
	// unreachable Redis degrades to no limiting rather than blocking boot.
	var redisClient *redis.Client
	if cfg.ReserveRateLimitPerMinute > 0 || cfg.SnapshotRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; reserve rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; reserve rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; reserve rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository) and the allocation ledger.
	repository := store.NewPostgresRepository(dbpool)
	pocketLedger := ledger.NewLedger(nil)

	// Initialize the core application service with its dependencies.
	orchardService := app.NewService(
		repository,
		pocketLedger,
		gatewayClient,
		producer,
		app.FundingPolicy{
			TitheBps:           domain.PercentToBps(cfg.TithePercent),
			ProcessingFeeBps:   domain.PercentToBps(cfg.ProcessingFeePercent),
			DefaultPocketPrice: cfg.DefaultPocketPriceCents,
			Currency:           cfg.Currency,
			ReservationTTL:     time.Duration(cfg.ReservationTTLSeconds) * time.Second,
		},
		nil,
	)
	if redisClient != nil {
		orchardService.ConfigureRateLimiting(
			app.NewRedisReserveRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.ReserveRateLimitPerMinute,
			cfg.SnapshotRateLimitPerMinute,
			time.Minute,
		)
	}

	// Rebuild the ledger from the durable store before accepting traffic.
	rehydrateCtx, cancelRehydrate := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := orchardService.Rehydrate(rehydrateCtx); err != nil {
		cancelRehydrate()
		log.Fatalf("level=fatal component=bootstrap msg=\"ledger rehydration failed\" err=%v", err)
	}
	cancelRehydrate()

	// Initialize the API handlers.
	orchardHandlers := api.NewOrchardHandlers(orchardService)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.OrchardRoutes(orchardHandlers, cfg.JWKSURL))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	// Wire up the payment status consumer: bind to gateway outcome events and
	// ensure graceful shutdown.
	paymentConsumer := app.NewPaymentStatusConsumer(orchardService)

	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; async payment outcomes disabled\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		if err := rabbitConsumer.ConsumeWithBindings(rmrabbit.EventsExchange, cfg.PaymentEventQueue, paymentConsumer.Bindings()); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"payment consumer start failed\" err=%v", err)
		}
	}

	// Background sweep for expired reservations.
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	go orchardService.RunExpirySweeper(sweepCtx, time.Duration(cfg.SweepIntervalSeconds)*time.Second)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	cancelSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
