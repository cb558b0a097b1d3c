package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/terminal-bench/payflow/internal/bank"
	"github.com/terminal-bench/payflow/internal/fees"
	"github.com/terminal-bench/payflow/internal/idempotency"
	"github.com/terminal-bench/payflow/internal/payouts"
	"github.com/terminal-bench/payflow/internal/routing"
	"github.com/terminal-bench/payflow/internal/treasury"
	"github.com/terminal-bench/payflow/internal/worker"
	"github.com/terminal-bench/payflow/pkg/circuit"
	"github.com/terminal-bench/payflow/pkg/messaging"
	"github.com/terminal-bench/payflow/pkg/money"
	"github.com/terminal-bench/payflow/pkg/telemetry"
)

func main() {
	dbURL := os.Getenv("DATABASE_URL")
	natsURL := os.Getenv("NATS_URL")
	redisURL := os.Getenv("REDIS_URL")
	etcdEndpoints := os.Getenv("ETCD_ENDPOINTS")
	if etcdEndpoints == "" {
		etcdEndpoints = "localhost:2379"
	}

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
		Name:           "payout-worker",
		ReconnectWait:  time.Second,
		MaxReconnects:  5,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}

	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(etcdEndpoints, ","),
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to etcd: %v", err)
	}

	metrics := telemetry.NewRecorder(telemetry.Config{
		URL:    os.Getenv("INFLUX_URL"),
		Token:  os.Getenv("INFLUX_TOKEN"),
		Org:    os.Getenv("INFLUX_ORG"),
		Bucket: os.Getenv("INFLUX_BUCKET"),
	})

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

	svc := payouts.NewService(store, ledger, feeTable, oracle, queue, idem, connector,
		natsClient, metrics, payouts.Config{
			ApprovalThreshold: money.MustParse("500000"),
			MaxAttempts:       3,
		})

	pool := worker.NewPool(queue, svc, natsClient, worker.Config{
		Concurrency:  8,
		PollInterval: 5 * time.Second,
		BatchSize:    20,
	})
	sweep := worker.NewSweep(db, queue, etcdClient, 10*time.Minute, 5*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		cancel()
	}()

	go sweep.Run(ctx)

	if err := pool.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("Worker pool stopped: %v", err)
	}

	natsClient.Drain()
	metrics.Close()
	etcdClient.Close()
	db.Close()
}
