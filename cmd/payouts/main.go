package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/terminal-bench/payflow/internal/approval"
	"github.com/terminal-bench/payflow/internal/auth"
	"github.com/terminal-bench/payflow/internal/bank"
	"github.com/terminal-bench/payflow/internal/fees"
	"github.com/terminal-bench/payflow/internal/idempotency"
	"github.com/terminal-bench/payflow/internal/payouts"
	"github.com/terminal-bench/payflow/internal/recon"
	"github.com/terminal-bench/payflow/internal/routing"
	"github.com/terminal-bench/payflow/internal/treasury"
	"github.com/terminal-bench/payflow/internal/worker"
	"github.com/terminal-bench/payflow/pkg/circuit"
	"github.com/terminal-bench/payflow/pkg/messaging"
	"github.com/terminal-bench/payflow/pkg/money"
	"github.com/terminal-bench/payflow/pkg/telemetry"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8001"
	}

	dbURL := os.Getenv("DATABASE_URL")
	natsURL := os.Getenv("NATS_URL")
	redisURL := os.Getenv("REDIS_URL")

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	var cache *redis.Client
	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Fatalf("Failed to parse REDIS_URL: %v", err)
		}
		cache = redis.NewClient(opts)
	}

	natsClient, err := messaging.NewClient(messaging.Config{
		URL:            natsURL,
		Name:           "payouts-service",
		ReconnectWait:  time.Second,
		MaxReconnects:  5,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}

	metrics := telemetry.NewRecorder(telemetry.Config{
		URL:    os.Getenv("INFLUX_URL"),
		Token:  os.Getenv("INFLUX_TOKEN"),
		Org:    os.Getenv("INFLUX_ORG"),
		Bucket: os.Getenv("INFLUX_BUCKET"),
	})

	authSvc := auth.NewService(os.Getenv("JWT_SECRET"), 24*time.Hour)

	idem := idempotency.NewStore(db, cache)
	store := payouts.NewPostgresStore(db)
	ledger := treasury.NewLedger(db, natsClient)
	queue := worker.NewQueue(db, natsClient, 5*time.Minute)

	feeTable := fees.NewTable(map[string]fees.Rate{
		"shop":    {PlatformBps: 100},
		"food":    {PlatformBps: 150},
		"payroll": {PlatformBps: 25},
	}, fees.Rate{PlatformBps: 100})

	var oracle routing.Oracle = routing.NewNATSOracle(natsClient, 3*time.Second)
	if bankID := os.Getenv("STATIC_BANK_ID"); bankID != "" {
		oracle = &routing.StaticOracle{BankID: bankID, AccountID: os.Getenv("STATIC_ACCOUNT_ID")}
	}

	breakers := circuit.NewBreakerGroup(circuit.Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 3,
	})
	connector := bank.NewResilient(bank.NewSimulator(200*time.Millisecond, 0.05), breakers, 10*time.Second)

	threshold := money.MustParse("500000")
	if v := os.Getenv("APPROVAL_THRESHOLD"); v != "" {
		threshold, err = money.Parse(v)
		if err != nil {
			log.Fatalf("Invalid APPROVAL_THRESHOLD: %v", err)
		}
	}

	svc := payouts.NewService(store, ledger, feeTable, oracle, queue, idem, connector,
		natsClient, metrics, payouts.Config{
			ApprovalThreshold: threshold,
			MaxAttempts:       3,
		})

	gate := approval.NewGate(approval.NewPostgresStore(db), map[string]approval.Policy{
		approval.EntityPayout: {
			RequiredCount: 2,
			AllowedRoles:  []string{"finance", "treasury", "admin"},
		},
	})
	gate.RegisterTarget(approval.EntityPayout, payouts.NewApprovalTarget(svc))

	matcher := recon.NewMatcher(svc, recon.NewPostgresExceptions(db), natsClient)
	if err := matcher.ConsumeFeed(natsClient); err != nil {
		log.Printf("Failed to subscribe to statement feed: %v", err)
	}

	r := gin.Default()
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	payouts.NewHandlers(svc, authSvc, gate).Register(r)
	recon.NewHandlers(matcher, recon.NewPostgresExceptions(db)).Register(r)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	natsClient.Drain()
	metrics.Close()
	db.Close()
}
