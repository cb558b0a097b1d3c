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

	"github.com/terminal-bench/payflow/internal/approval"
	"github.com/terminal-bench/payflow/internal/auth"
	"github.com/terminal-bench/payflow/internal/quota"
	"github.com/terminal-bench/payflow/internal/routing"
	"github.com/terminal-bench/payflow/internal/schedule"
	"github.com/terminal-bench/payflow/internal/worker"
	"github.com/terminal-bench/payflow/pkg/messaging"
	"github.com/terminal-bench/payflow/pkg/money"
	"github.com/terminal-bench/payflow/pkg/telemetry"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8002"
	}

	dbURL := os.Getenv("DATABASE_URL")
	natsURL := os.Getenv("NATS_URL")

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	natsClient, err := messaging.NewClient(messaging.Config{
		URL:            natsURL,
		Name:           "scheduler-service",
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

	cutoff := os.Getenv("SETTLEMENT_CUTOFF")
	if cutoff == "" {
		cutoff = "14:30"
	}
	timezone := os.Getenv("SETTLEMENT_TIMEZONE")
	if timezone == "" {
		timezone = "Africa/Dakar"
	}
	window, err := schedule.NewWindow(cutoff, timezone, 1)
	if err != nil {
		log.Fatalf("Invalid settlement window: %v", err)
	}

	quotaStore := quota.NewPostgresStore(db)
	store := schedule.NewPostgresStore(db, quotaStore)
	queue := worker.NewQueue(db, natsClient, 5*time.Minute)
	quotas := quota.NewLedger(quotaStore)

	gate := approval.NewGate(approval.NewPostgresStore(db), map[string]approval.Policy{
		approval.EntityBatchPlan: {
			RequiredCount: 2,
			AllowedRoles:  []string{"finance", "treasury", "admin"},
		},
	})
	gate.RegisterTarget(approval.EntityBatchPlan, schedule.NewPlanTarget(store))

	var oracle routing.Oracle = routing.NewNATSOracle(natsClient, 5*time.Second)
	if bankID := os.Getenv("STATIC_BANK_ID"); bankID != "" {
		oracle = &routing.StaticOracle{BankID: bankID, AccountID: os.Getenv("STATIC_ACCOUNT_ID")}
	}

	threshold := money.MustParse("5000000")
	if v := os.Getenv("PLAN_APPROVAL_THRESHOLD"); v != "" {
		threshold, err = money.Parse(v)
		if err != nil {
			log.Fatalf("Invalid PLAN_APPROVAL_THRESHOLD: %v", err)
		}
	}

	scheduler := schedule.NewScheduler(store, oracle, quotas, gate, queue, natsClient,
		metrics, window, schedule.Config{
			AutoApproveThreshold: threshold,
		})

	r := gin.Default()
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	schedule.NewHandlers(scheduler, authSvc).Register(r)

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
