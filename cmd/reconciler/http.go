package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantfleet/ordersync/internal/db"
	"github.com/quantfleet/ordersync/internal/metrics"
	"github.com/quantfleet/ordersync/internal/reconcile"
)

// HTTPServer is the operational surface of the reconciler daemon:
// health, status, history, and manual reconciliation triggers.
type HTTPServer struct {
	router   *gin.Engine
	server   *http.Server
	service  *reconcile.Service
	registry *db.Registry
	status   *metrics.StatusStore
	addr     string
}

// NewHTTPServer wires the gin router. status may be nil when Redis is
// not configured.
func NewHTTPServer(addr string, service *reconcile.Service, registry *db.Registry, status *metrics.StatusStore) *HTTPServer {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	h := &HTTPServer{
		router:   router,
		service:  service,
		registry: registry,
		status:   status,
		addr:     addr,
	}
	h.setupRoutes()
	return h
}

func (h *HTTPServer) setupRoutes() {
	h.router.GET("/healthz", h.handleHealth)

	v1 := h.router.Group("/api/v1")
	{
		v1.GET("/status", h.handleStatus)
		v1.GET("/metrics", h.handleMetrics)
		v1.GET("/history", h.handleHistory)
		v1.POST("/reconcile", h.handleRunReconciliation)
		v1.GET("/orders/:id/trades", h.handleOrderTrades)
		v1.POST("/orders/:id/reconcile", h.handleReconcileOrder)
	}
}

// Start runs the server in a goroutine
func (h *HTTPServer) Start() {
	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      h.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // manual cycles can take a while
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", h.addr).Msg("HTTP server started")
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()
}

// Stop gracefully shuts down the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) handleHealth(c *gin.Context) {
	for _, mode := range h.registry.Modes() {
		store, err := h.registry.Store(mode)
		if err == nil {
			err = store.Health(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":       "unhealthy",
				"trading_mode": string(mode),
				"error":        err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HTTPServer) handleStatus(c *gin.Context) {
	resp := gin.H{
		"metrics": h.service.Metrics(),
	}

	if h.status != nil {
		if lastRun, err := h.status.LoadLastRun(c.Request.Context()); err == nil && lastRun != nil {
			resp["last_run"] = lastRun
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (h *HTTPServer) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Metrics())
}

func (h *HTTPServer) handleHistory(c *gin.Context) {
	mode := db.TradingMode(c.DefaultQuery("mode", string(db.ModePaper)))

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
	}

	entries, err := h.service.History(c.Request.Context(), mode, limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trading_mode": string(mode),
		"entries":      entries,
	})
}

func (h *HTTPServer) handleRunReconciliation(c *gin.Context) {
	result, err := h.service.RunReconciliation(c.Request.Context())
	if err != nil {
		if errors.Is(err, reconcile.ErrCycleInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

// handleOrderTrades lists the trades recorded for an order, including
// any synthetic trades inserted by reconciliation.
func (h *HTTPServer) handleOrderTrades(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	mode := db.TradingMode(c.DefaultQuery("mode", string(db.ModePaper)))

	store, err := h.registry.Store(mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	trades, err := store.GetTradesByOrderID(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trading_mode": string(store.Mode()),
		"order_id":     orderID,
		"trades":       trades,
	})
}

func (h *HTTPServer) handleReconcileOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	mode := db.TradingMode(c.DefaultQuery("mode", string(db.ModePaper)))

	outcome, err := h.service.ReconcileOrderManually(c.Request.Context(), mode, orderID)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, reconcile.ErrOrderNotSubmitted):
			status = http.StatusUnprocessableEntity
		case errors.Is(err, reconcile.ErrAdapterUnavailable):
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, outcome)
}

// statusNotifier mirrors every completed cycle into the Redis last-run
// snapshot, so scheduled and manual cycles both refresh it.
type statusNotifier struct {
	status *metrics.StatusStore
}

func (n statusNotifier) Publish(ctx context.Context, event reconcile.Event) {
	if event.Type != reconcile.EventCycleCompleted {
		return
	}
	if result, ok := event.Payload.(*reconcile.CycleResult); ok {
		saveLastRun(ctx, n.status, result)
	}
}

// saveLastRun mirrors a cycle result into Redis for dashboards. Best
// effort; failures are logged and ignored.
func saveLastRun(ctx context.Context, status *metrics.StatusStore, result *reconcile.CycleResult) {
	if status == nil || result == nil {
		return
	}

	accounts := 0
	for _, mode := range result.Modes {
		accounts += mode.AccountsProcessed
	}

	run := metrics.LastRun{
		StartedAt:             result.StartedAt,
		Duration:              result.Duration,
		AccountsProcessed:     accounts,
		OrdersChecked:         result.OrdersChecked,
		DiscrepanciesFound:    result.DiscrepanciesFound,
		DiscrepanciesResolved: result.DiscrepanciesResolved,
		ErrorCount:            len(result.Errors),
	}
	if err := status.SaveLastRun(ctx, run); err != nil {
		log.Warn().Err(err).Msg("Failed to save last-run snapshot")
	}
}
