package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaniyakir/nekuda-agentic-wallet/internal/checkout"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/util"
)

// handoffCookie carries the handoff token between the refresh-link click and
// subsequent requests from the hosted page.
const handoffCookie = "checkout_token"

// Handler exposes the agent-facing tool surface and the hosted refresh
// surface over HTTP.
type Handler struct {
	orchestrator *checkout.Orchestrator
	db           *sqlx.DB
}

func NewHandler(orchestrator *checkout.Orchestrator, db *sqlx.DB) *Handler {
	return &Handler{orchestrator: orchestrator, db: db}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/products", h.listProducts)

		v1.POST("/carts", h.createCart)
		v1.POST("/carts/:id/items", h.addItem)
		v1.DELETE("/carts/:id/items/:productId", h.removeItem)
		v1.PATCH("/carts/:id/items/:productId", h.reduceItem)
		v1.POST("/carts/:id/checkout", h.checkoutCart)

		v1.POST("/checkouts/:id/mandate", h.createMandate)
		v1.POST("/checkouts/:id/credentials", h.realizeCredentials)
		v1.POST("/checkouts/:id/settle", h.settle)

		v1.GET("/sessions/:id", h.getSession)
		v1.DELETE("/sessions/:id", h.endSession)
	}

	router.GET("/hosted/checkout/:id", h.hostedCheckout)
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only while the database answers.
func (h *Handler) readinessCheck(c *gin.Context) {
	if h.db != nil {
		if err := h.db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"error":  "database unreachable",
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) listProducts(c *gin.Context) {
	products, err := h.orchestrator.Products(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

type createCartRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	UserID    string `json:"user_id" binding:"required"`
	Currency  string `json:"currency"`
}

func (h *Handler) createCart(c *gin.Context) {
	var req createCartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	if req.Currency == "" {
		req.Currency = "usd"
	}

	cart, err := h.orchestrator.CreateCart(c.Request.Context(), req.SessionID, req.UserID, req.Currency)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"cart": cart})
}

type itemRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required"`
}

func (h *Handler) addItem(c *gin.Context) {
	var req itemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	view, err := h.orchestrator.AddItem(c.Request.Context(), c.Param("id"), req.ProductID, req.Quantity)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) removeItem(c *gin.Context) {
	productID, err := strconv.ParseInt(c.Param("productId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid product ID"})
		return
	}

	view, err := h.orchestrator.RemoveItem(c.Request.Context(), c.Param("id"), productID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type reduceItemRequest struct {
	Quantity int `json:"quantity" binding:"required"`
}

func (h *Handler) reduceItem(c *gin.Context) {
	productID, err := strconv.ParseInt(c.Param("productId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid product ID"})
		return
	}

	var req reduceItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	view, err := h.orchestrator.ReduceItem(c.Request.Context(), c.Param("id"), productID, req.Quantity)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type sessionRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

func (h *Handler) checkoutCart(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	view, err := h.orchestrator.Checkout(c.Request.Context(), req.SessionID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) createMandate(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	res, err := h.orchestrator.CreateMandate(c.Request.Context(), req.SessionID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) realizeCredentials(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	res, err := h.orchestrator.RealizeCredentials(c.Request.Context(), req.SessionID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) settle(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	res, err := h.orchestrator.Settle(c.Request.Context(), req.SessionID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) getSession(c *gin.Context) {
	state, err := h.orchestrator.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *Handler) endSession(c *gin.Context) {
	if err := h.orchestrator.EndSession(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// hostedCheckout serves the out-of-band refresh page's data. The handoff
// token arrives as a query parameter on the link click and is moved into a
// cookie for the page's follow-up requests; the session id never reaches
// this surface.
func (h *Handler) hostedCheckout(c *gin.Context) {
	token := c.Query("token")
	fromQuery := token != ""
	if !fromQuery {
		var err error
		token, err = c.Cookie(handoffCookie)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing checkout token"})
			return
		}
	}

	checkoutID := c.Param("id")
	view, err := h.orchestrator.HandoffSummary(c.Request.Context(), checkoutID, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired checkout token"})
		return
	}

	if fromQuery {
		c.SetCookie(handoffCookie, token, 300, "/hosted", "", true, true)
	}

	body := gin.H{
		"checkout_id": view.Checkout.CheckoutID,
		"summary":     view.Checkout.Summary,
		"total_minor": view.Checkout.TotalMinor,
		"currency":    view.Checkout.Currency,
	}
	if view.Billing != nil {
		body["billing_name"] = view.Billing.Name
		body["billing_zip"] = view.Billing.Zip
	}
	c.JSON(http.StatusOK, body)
}

// respondError renders a classified stage failure. Anything that is not a
// StageError is an internal bug surfaced as a 500.
func respondError(c *gin.Context, err error) {
	se, ok := err.(*checkout.StageError)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	body := gin.H{
		"error":     se.Message,
		"code":      se.Code,
		"retryable": se.Retryable,
	}
	if se.Remediation != "" {
		body["remediation"] = se.Remediation
	}
	c.JSON(statusFor(se.Code), body)
}

// statusFor maps taxonomy codes onto HTTP statuses. The agent loop keys off
// the body, not the status; the status exists for proxies and dashboards.
func statusFor(code checkout.Code) int {
	switch code {
	case checkout.CodeNotFound:
		return http.StatusNotFound
	case checkout.CodeInvalidState, checkout.CodeInsufficientStock:
		return http.StatusConflict
	case checkout.CodeProcessorDeclined:
		return http.StatusPaymentRequired
	case checkout.CodeNoPaymentMethod,
		checkout.CodeIncompleteCredentialData,
		checkout.CodeInvalidExpiryFormat,
		checkout.CodeCvvExpired,
		checkout.CodeCredentialsExpired,
		checkout.CodeTokenizationFailed:
		return http.StatusUnprocessableEntity
	case checkout.CodeTransientUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
