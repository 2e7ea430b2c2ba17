package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ChargeState represents the processor-side state of a charge
type ChargeState string

const (
	StateSucceeded ChargeState = "succeeded"
	StateDeclined  ChargeState = "declined"
	StatePending   ChargeState = "pending"
)

// ChargeRequest represents an off-session charge request
type ChargeRequest struct {
	PaymentMethodRef string          `json:"payment_method_ref" binding:"required"`
	Amount           decimal.Decimal `json:"amount" binding:"required"`
	Currency         string          `json:"currency"`
	Metadata         struct {
		AccountID int64  `json:"account_id"`
		Purpose   string `json:"purpose"`
	} `json:"metadata"`
}

// ChargeResponse represents the result of a charge attempt
type ChargeResponse struct {
	ExternalPaymentRef string          `json:"payment_ref"`
	Status             ChargeState     `json:"status"`
	Amount             decimal.Decimal `json:"amount"`
	ProcessedAt        time.Time       `json:"processed_at"`
}

// DeclineResponse represents a declined charge
type DeclineResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status       string    `json:"status"`
	ProcessorID  string    `json:"processor_id"`
	Timestamp    time.Time `json:"timestamp"`
	ApprovalRate float64   `json:"approval_rate"`
}

// MockProcessor simulates a card payment processor
type MockProcessor struct {
	approvalRate float64
	minDelay     time.Duration
	maxDelay     time.Duration
	processorID  string
	rng          *rand.Rand

	mu      sync.Mutex
	charges map[string]*ChargeResponse // by idempotency key
}

// NewMockProcessor creates a new mock processor instance
func NewMockProcessor(approvalRate float64, minDelay, maxDelay time.Duration) *MockProcessor {
	return &MockProcessor{
		approvalRate: approvalRate,
		minDelay:     minDelay,
		maxDelay:     maxDelay,
		processorID:  "MOCK_PROCESSOR_" + uuid.New().String()[:8],
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		charges:      make(map[string]*ChargeResponse),
	}
}

// capture simulates authorizing and capturing a charge. Repeats of the same
// idempotency key replay the stored outcome without a second capture.
func (m *MockProcessor) capture(key string, req *ChargeRequest) (*ChargeResponse, *DeclineResponse) {
	m.mu.Lock()
	if prior, ok := m.charges[key]; ok {
		m.mu.Unlock()
		log.Info().
			Str("idempotency_key", key).
			Str("payment_ref", prior.ExternalPaymentRef).
			Msg("Replaying previously captured charge")
		return prior, nil
	}
	m.mu.Unlock()

	// Simulate processor latency
	time.Sleep(m.randomDelay())

	if !m.shouldApprove() {
		code := m.randomDeclineCode()
		log.Warn().
			Str("idempotency_key", key).
			Str("payment_method", req.PaymentMethodRef).
			Str("decline_code", code).
			Msg("Charge declined")
		return nil, &DeclineResponse{Code: code, Message: declineMessage(code)}
	}

	response := &ChargeResponse{
		ExternalPaymentRef: "ch_" + uuid.New().String(),
		Status:             StateSucceeded,
		Amount:             req.Amount,
		ProcessedAt:        time.Now().UTC(),
	}

	m.mu.Lock()
	m.charges[key] = response
	m.mu.Unlock()

	log.Info().
		Str("idempotency_key", key).
		Str("payment_ref", response.ExternalPaymentRef).
		Str("amount", req.Amount.String()).
		Msg("Charge captured")

	return response, nil
}

func (m *MockProcessor) lookup(key string) (*ChargeResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp, ok := m.charges[key]
	return resp, ok
}

func (m *MockProcessor) randomDelay() time.Duration {
	delta := m.maxDelay - m.minDelay
	if delta <= 0 {
		return m.minDelay
	}
	return m.minDelay + time.Duration(m.rng.Int63n(int64(delta)))
}

func (m *MockProcessor) shouldApprove() bool {
	return m.rng.Float64() < m.approvalRate
}

func (m *MockProcessor) randomDeclineCode() string {
	codes := []string{
		"insufficient_funds",
		"card_expired",
		"card_blocked",
		"do_not_honor",
		"processing_error",
	}
	return codes[m.rng.Intn(len(codes))]
}

func declineMessage(code string) string {
	messages := map[string]string{
		"insufficient_funds": "The card has insufficient funds",
		"card_expired":       "The card has expired",
		"card_blocked":       "The card has been blocked by the issuer",
		"do_not_honor":       "The issuer declined the charge",
		"processing_error":   "A processor-side error occurred",
	}
	if msg, ok := messages[code]; ok {
		return msg
	}
	return "Unknown decline reason"
}

// Handler struct holds the mock processor and routes
type Handler struct {
	processor *MockProcessor
}

func NewHandler(processor *MockProcessor) *Handler {
	return &Handler{processor: processor}
}

// CreateCharge handles off-session charge requests
func (h *Handler) CreateCharge(c *gin.Context) {
	key := c.GetHeader("Idempotency-Key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Idempotency-Key header is required",
		})
		return
	}

	var req ChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	log.Info().
		Str("idempotency_key", key).
		Str("payment_method", req.PaymentMethodRef).
		Str("amount", req.Amount.String()).
		Str("purpose", req.Metadata.Purpose).
		Msg("Received charge request")

	response, decline := h.processor.capture(key, &req)
	if decline != nil {
		c.JSON(http.StatusPaymentRequired, decline)
		return
	}

	c.JSON(http.StatusCreated, response)
}

// GetCharge handles reconciliation lookups by idempotency key
func (h *Handler) GetCharge(c *gin.Context) {
	key := c.Param("idempotency_key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "idempotency_key is required",
		})
		return
	}

	resp, ok := h.processor.lookup(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "no charge with that idempotency key",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payment_ref":  resp.ExternalPaymentRef,
		"status":       resp.Status,
		"amount":       resp.Amount,
		"processed_at": resp.ProcessedAt,
	})
}

// HealthCheck handles health check requests
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:       "healthy",
		ProcessorID:  h.processor.processorID,
		Timestamp:    time.Now(),
		ApprovalRate: h.processor.approvalRate,
	})
}

// UpdateConfig allows changing processor configuration at runtime
func (h *Handler) UpdateConfig(c *gin.Context) {
	var config struct {
		ApprovalRate *float64 `json:"approval_rate"`
	}

	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	if config.ApprovalRate != nil {
		if *config.ApprovalRate >= 0 && *config.ApprovalRate <= 1.0 {
			h.processor.approvalRate = *config.ApprovalRate
			log.Info().Float64("rate", *config.ApprovalRate).Msg("Updated approval rate")
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"message":       "Configuration updated",
		"approval_rate": h.processor.approvalRate,
	})
}

// SetupRouter configures all routes
func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.Default()

	// Add request logging middleware
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", duration).
			Msg("Request processed")
	})

	// API routes
	v1 := router.Group("/v1")
	{
		v1.POST("/charges", handler.CreateCharge)
		v1.GET("/charges/:idempotency_key", handler.GetCharge)
	}

	router.PUT("/config", handler.UpdateConfig)
	router.GET("/health", handler.HealthCheck)

	return router
}

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Get configuration from environment
	port := getEnv("PORT", "8082")
	approvalRate := getEnvFloat("APPROVAL_RATE", 1)
	minDelay := getEnvDuration("MIN_DELAY", 100*time.Millisecond)
	maxDelay := getEnvDuration("MAX_DELAY", 2*time.Second)

	log.Info().
		Str("port", port).
		Float64("approval_rate", approvalRate).
		Dur("min_delay", minDelay).
		Dur("max_delay", maxDelay).
		Msg("Starting Mock Payment Processor")

	// Create mock processor
	processor := NewMockProcessor(approvalRate, minDelay, maxDelay)
	handler := NewHandler(processor)
	router := SetupRouter(handler)

	// Setup HTTP server
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
