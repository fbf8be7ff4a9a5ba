/**
 * @description
 * This is the main entry point for the airdrop-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, the ledger client, message brokers, repositories, the core
 * settlement service, the cron scheduler, and the HTTP server. It wires
 * everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/evmclient: Client for the EVM ledger.
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

	"github.com/kudoshq/airdrop-service/internal/api"
	"github.com/kudoshq/airdrop-service/internal/app"
	"github.com/kudoshq/airdrop-service/internal/config"
	"github.com/kudoshq/airdrop-service/internal/store"
	"github.com/kudoshq/airdrop-service/pkg/evmclient"
	rmrabbit "github.com/kudoshq/airdrop-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.TreasuryPrivateKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"treasury key must be configured\" env=TREASURY_PRIVATE_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting airdrop-service\" port=%s env=%s", cfg.ServerPort, cfg.AppEnv)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// The pipeline itself is sequential; the pool mostly serves the read API.
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
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

	// Connect to the EVM ledger node and prepare the signing identity.
	dialCtx, cancelDial := context.WithTimeout(context.Background(), 15*time.Second)
	ledgerClient, err := evmclient.NewClient(dialCtx, evmclient.Options{
		RPCURL:          cfg.LedgerRPCURL,
		ContractAddress: cfg.TokenContractAddress,
		PrivateKeyHex:   cfg.TreasuryPrivateKey,
		ChainID:         cfg.LedgerChainID,
		PollInterval:    time.Duration(cfg.ReceiptPollIntervalSeconds) * time.Second,
		ConfirmTimeout:  time.Duration(cfg.ConfirmationTimeoutSeconds) * time.Second,
	})
	cancelDial()
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"ledger client init failed\" err=%v", err)
	}
	defer ledgerClient.Close()
	log.Printf("level=info component=bootstrap msg=\"ledger connected\" chain_id=%d treasury=%s", cfg.LedgerChainID, ledgerClient.TreasuryAddress())

	// Initialize the RabbitMQ producer to publish settlement events.
	var producer rmrabbit.Publisher
	eventProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Optional Redis client for API rate limiting.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; api rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; api rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; api rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core settlement service with its dependencies.
	settlementService := app.NewService(repository, ledgerClient, producer, app.Options{
		ChainID:       cfg.LedgerChainID,
		ChainName:     cfg.LedgerChainName,
		TokenSymbol:   cfg.TokenSymbol,
		Confirmations: cfg.ConfirmationDepth,
		BatchSize:     cfg.BatchSize,
		RetryAttempts: cfg.RetryAttempts,
		RetryDelay:    time.Duration(cfg.RetryDelaySeconds) * time.Second,
	})

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()
	settlementService.StartWorker(workerCtx)

	var rateLimiter *app.RedisAirdropRateLimiter
	if redisClient != nil {
		rateLimiter = app.NewRedisAirdropRateLimiter(redisClient, cfg.RedisRateLimitPrefix, map[string]app.ScopeLimit{
			app.RateScopeTriggerRun:   {PerWindow: cfg.TriggerRateLimitPerMinute, Window: time.Minute},
			app.RateScopeAdhocRequest: {PerWindow: cfg.RequestRateLimitPerMinute, Window: time.Minute},
		})
	}

	// Initialize the API handlers.
	airdropHandlers := api.NewAirdropHandlers(settlementService, rateLimiter)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.AirdropRoutes(airdropHandlers, cfg.ClerkJWKSURL, cfg.InternalAPIKey))

	// Start the recurring settlement schedule.
	scheduler := app.NewScheduler(settlementService, cfg.SettlementCron)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" schedule=%q err=%v", cfg.SettlementCron, err)
	}

	// Wire up the ad-hoc request consumer.
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; amqp requests disabled\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		requestConsumer := app.NewAirdropRequestConsumer(rabbitConsumer, settlementService)
		if err := requestConsumer.Start(); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"request consumer start failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"request consumer started\"")
	}

	// Start the HTTP server.
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

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

	// Let an in-flight cron run finish before tearing the rest down.
	<-scheduler.Stop().Done()
	cancelWorker()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
