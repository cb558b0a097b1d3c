package main

import (
	"log"
	"os"
	"time"

	"github.com/terminal-bench/payflow/internal/auth"
	"github.com/terminal-bench/payflow/internal/gateway"
	"github.com/terminal-bench/payflow/pkg/messaging"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8000"
	}

	natsClient, err := messaging.NewClient(messaging.Config{
		URL:            os.Getenv("NATS_URL"),
		Name:           "api-gateway",
		ReconnectWait:  time.Second,
		MaxReconnects:  5,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}

	payoutsURL := os.Getenv("PAYOUTS_URL")
	if payoutsURL == "" {
		payoutsURL = "http://localhost:8001"
	}
	schedulerURL := os.Getenv("SCHEDULER_URL")
	if schedulerURL == "" {
		schedulerURL = "http://localhost:8002"
	}

	authSvc := auth.NewService(os.Getenv("JWT_SECRET"), 24*time.Hour)

	gw, err := gateway.NewGateway(gateway.Config{
		PayoutsURL:      payoutsURL,
		SchedulerURL:    schedulerURL,
		RateLimitWindow: time.Minute,
		RateLimitMax:    300,
	}, natsClient, authSvc)
	if err != nil {
		log.Fatalf("Failed to build gateway: %v", err)
	}

	if err := gw.Start(":" + port); err != nil {
		log.Fatalf("Gateway stopped: %v", err)
	}
}
