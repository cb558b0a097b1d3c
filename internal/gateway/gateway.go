package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/terminal-bench/payflow/internal/auth"
	"github.com/terminal-bench/payflow/pkg/circuit"
	"github.com/terminal-bench/payflow/pkg/messaging"
)

// Gateway fronts the payout services: it proxies the REST APIs behind
// circuit breakers and streams lifecycle events to websocket clients.
type Gateway struct {
	router      *gin.Engine
	msgClient   *messaging.Client
	authSvc     *auth.Service
	breakers    *circuit.BreakerGroup
	backends    map[string]*httputil.ReverseProxy
	wsClients   map[uuid.UUID]*WSClient
	wsMu        sync.RWMutex
	rateLimiter *RateLimiter
}

// WSClient is one connected websocket consumer with its subject filters
type WSClient struct {
	ID       uuid.UUID
	ActorID  string
	Conn     *websocket.Conn
	Send     chan []byte
	Done     chan struct{}
	mu       sync.Mutex
	subjects map[string]bool
}

// RateLimiter is a sliding-window per-IP limiter
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// Config holds gateway configuration
type Config struct {
	PayoutsURL      string
	SchedulerURL    string
	RateLimitWindow time.Duration
	RateLimitMax    int
}

// NewGateway builds the gateway. Backend URLs must parse; a bad URL is a
// deployment error, not a runtime one.
func NewGateway(cfg Config, msgClient *messaging.Client, authSvc *auth.Service) (*Gateway, error) {
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 100
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}

	breakers := circuit.NewBreakerGroup(circuit.Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 3,
	})

	g := &Gateway{
		router:    gin.Default(),
		msgClient: msgClient,
		authSvc:   authSvc,
		breakers:  breakers,
		backends:  make(map[string]*httputil.ReverseProxy),
		wsClients: make(map[uuid.UUID]*WSClient),
		rateLimiter: &RateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
	}

	for name, raw := range map[string]string{
		"payouts":   cfg.PayoutsURL,
		"scheduler": cfg.SchedulerURL,
	} {
		target, err := url.Parse(raw)
		if err != nil {
			return nil, err
		}
		g.backends[name] = httputil.NewSingleHostReverseProxy(target)
	}

	g.setupRoutes()
	g.subscribeEvents()
	return g, nil
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.rateLimitMiddleware())
	g.router.Use(g.correlationMiddleware())

	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	{
		v1.Any("/payouts", g.proxy("payouts"))
		v1.Any("/payouts/*rest", g.proxy("payouts"))
		v1.Any("/recon/*rest", g.proxy("payouts"))
		v1.Any("/plans", g.proxy("scheduler"))
		v1.Any("/plans/*rest", g.proxy("scheduler"))

		v1.GET("/ws", g.authSvc.Middleware(), g.handleWebSocket)
	}
}

// Start runs the gateway on addr, blocking until the server exits
func (g *Gateway) Start(addr string) error {
	return g.router.Run(addr)
}

func (g *Gateway) proxy(backend string) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := g.breakers.Execute(c.Request.Context(), backend, func() error {
			g.backends[backend].ServeHTTP(c.Writer, c.Request)
			return nil
		})
		if err == circuit.ErrCircuitOpen {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable"})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "upstream failure"})
		}
	}
}

// Middleware

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Request.Header.Set("X-Correlation-ID", correlationID)
		c.Next()
	}
}

func (g *Gateway) healthCheck(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK
	if g.msgClient != nil && !g.msgClient.IsConnected() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":   status,
		"breakers": g.breakers.States(),
	})
}

// Websocket event feed

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// feedSubjects are the NATS subjects fanned out to websocket clients
var feedSubjects = []string{
	messaging.SubjectPayoutCreated,
	messaging.SubjectPayoutApproved,
	messaging.SubjectPayoutRejected,
	messaging.SubjectPayoutCancelled,
	messaging.SubjectPayoutSent,
	messaging.SubjectPayoutRetry,
	messaging.SubjectPayoutFailed,
	messaging.SubjectPayoutSettled,
	messaging.SubjectPlanCreated,
	messaging.SubjectPlanExecuted,
	messaging.SubjectReconUnmatched,
}

func (g *Gateway) subscribeEvents() {
	if g.msgClient == nil {
		return
	}
	for _, subject := range feedSubjects {
		subject := subject
		_ = g.msgClient.Subscribe(subject, func(msg *nats.Msg) {
			g.broadcast(subject, msg.Data)
		})
	}
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	actor, _ := auth.ActorFrom(c)
	client := &WSClient{
		ID:       uuid.New(),
		ActorID:  actor.ID,
		Conn:     conn,
		Send:     make(chan []byte, 64),
		Done:     make(chan struct{}),
		subjects: make(map[string]bool),
	}

	g.wsMu.Lock()
	g.wsClients[client.ID] = client
	g.wsMu.Unlock()

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

func (g *Gateway) wsReadPump(client *WSClient) {
	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.ID)
		g.wsMu.Unlock()
		close(client.Done)
		client.Conn.Close()
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			return
		}
		g.handleWSMessage(client, message)
	}
}

func (g *Gateway) wsWritePump(client *WSClient) {
	for {
		select {
		case message := <-client.Send:
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.Done:
			return
		}
	}
}

func (g *Gateway) handleWSMessage(client *WSClient, message []byte) {
	var msg WSMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}

	var subjects []string
	if err := json.Unmarshal(msg.Payload, &subjects); err != nil {
		return
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	switch msg.Type {
	case "subscribe":
		for _, s := range subjects {
			client.subjects[s] = true
		}
	case "unsubscribe":
		for _, s := range subjects {
			delete(client.subjects, s)
		}
	}
}

func (client *WSClient) wants(subject string) bool {
	client.mu.Lock()
	defer client.mu.Unlock()
	// no explicit filter means everything
	return len(client.subjects) == 0 || client.subjects[subject]
}

func (g *Gateway) broadcast(subject string, data []byte) {
	frame, err := json.Marshal(WSEvent{Subject: subject, Data: data})
	if err != nil {
		return
	}

	g.wsMu.RLock()
	defer g.wsMu.RUnlock()
	for _, client := range g.wsClients {
		if !client.wants(subject) {
			continue
		}
		select {
		case client.Send <- frame:
		default:
			// slow consumer, drop the frame
		}
	}
}

// Allow reports whether key may make another request inside the window
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	requests := rl.requests[key]
	valid := requests[:0]
	for _, t := range requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}

// WSMessage is a client-to-gateway control frame
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// WSEvent is a gateway-to-client event frame
type WSEvent struct {
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}
