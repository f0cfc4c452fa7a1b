package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"coursepay/internal/gateway"
	"coursepay/internal/models"
	"coursepay/internal/service"
	"coursepay/internal/store"
	"coursepay/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Handler contains HTTP handlers
type Handler struct {
	checkout    *service.CheckoutService
	ledger      *service.PaymentLedger
	reconciler  *service.WebhookReconciler
	refunds     *service.RefundCoordinator
	grantor     *service.EnrollmentGrantor
	enrollments *service.EnrollmentService
}

// NewHandler creates a new HTTP handler
func NewHandler(
	checkout *service.CheckoutService,
	ledger *service.PaymentLedger,
	reconciler *service.WebhookReconciler,
	refunds *service.RefundCoordinator,
	grantor *service.EnrollmentGrantor,
	enrollments *service.EnrollmentService,
) *Handler {
	return &Handler{
		checkout:    checkout,
		ledger:      ledger,
		reconciler:  reconciler,
		refunds:     refunds,
		grantor:     grantor,
		enrollments: enrollments,
	}
}

// SetupRoutes sets up HTTP routes. Authentication and role checks happen at
// the platform gateway; this service trusts the X-User-ID header it forwards.
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/payments/process", h.processPayment)
		v1.POST("/payments/webhook/:gateway", h.handleWebhook)
		v1.GET("/payments", h.listPayments)
		v1.GET("/payments/:id/receipt", h.getReceipt)
		v1.POST("/payments/:id/retry", h.retryPayment)
		v1.POST("/payments/:id/refund", h.refundPayment)
		v1.POST("/payments/:id/confirm", h.confirmPayment)
		v1.GET("/users/me/payments", h.myPayments)

		v1.POST("/courses/:id/enroll", h.enrollFree)
		v1.GET("/courses/:id/stats", h.courseStats)
		v1.GET("/enrollments", h.listEnrollments)
		v1.GET("/enrollments/me", h.myEnrollments)
		v1.PATCH("/enrollments/:id/progress", h.updateProgress)
		v1.PATCH("/enrollments/:id/rating", h.rateEnrollment)
		v1.POST("/enrollments/:id/drop", h.dropEnrollment)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// processPayment handles the synchronous checkout flow
func (h *Handler) processPayment(c *gin.Context) {
	var req service.ProcessPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	// Identity comes from the forwarded header only, never the body.
	req.UserID = callerID(c)
	if req.UserID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing user identity"})
		return
	}

	resp, err := h.checkout.ProcessPayment(c.Request.Context(), &req)
	switch {
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrCourseUnavailable):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Course not found"})
		return
	case gateway.IsTransport(err) && resp != nil:
		// Gateway unreachable: the payment exists and stays pending. 202 so
		// the client polls or waits for the webhook to settle it.
		c.JSON(http.StatusAccepted, gin.H{
			"payment": resp.Payment,
			"warning": "Gateway temporarily unavailable, payment is pending",
		})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to process payment",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// handleWebhook ingests a gateway notification. The provider always gets a
// success-shaped acknowledgement; invalid or unknown events are discarded
// internally, never retried by the sender.
func (h *Handler) handleWebhook(c *gin.Context) {
	gatewayName := c.Param("gateway")
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	signature := c.GetHeader("X-Signature")

	if err := h.reconciler.Process(c.Request.Context(), gatewayName, payload, signature); err != nil {
		// Even internal failures get a success ack: the payment stays
		// pending and the reconciliation sweep recovers it, so provider
		// redelivery buys nothing a sweep does not.
		util.GetLogger().Error("Webhook processing failed",
			zap.String("gateway", gatewayName),
			zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// listPayments handles the admin payment listing
func (h *Handler) listPayments(c *gin.Context) {
	var filter store.ListPaymentsFilter
	filter.Status = c.Query("status")
	if v := c.Query("user_id"); v != "" {
		filter.UserID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := c.Query("course_id"); v != "" {
		filter.CourseID, _ = strconv.ParseInt(v, 10, 64)
	}

	limit, offset := pagination(c)
	payments, total, err := h.ledger.ListPayments(c.Request.Context(), filter, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list payments"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payments": payments,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// getReceipt returns a payment with its refund and webhook audit trail
func (h *Handler) getReceipt(c *gin.Context) {
	paymentID, ok := pathID(c)
	if !ok {
		return
	}

	receipt, err := h.ledger.GetReceipt(c.Request.Context(), paymentID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load receipt"})
		return
	}

	c.JSON(http.StatusOK, receipt)
}

// retryPayment re-drives a pending payment through the gateway. Safe to call
// after a transport failure: the stored idempotency key guarantees at most
// one charge per attempt.
func (h *Handler) retryPayment(c *gin.Context) {
	paymentID, ok := pathID(c)
	if !ok {
		return
	}
	userID := callerID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing user identity"})
		return
	}

	resp, err := h.checkout.RetryPayment(c.Request.Context(), userID, paymentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
		return
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "Not your payment"})
		return
	case gateway.IsTransport(err) && resp != nil:
		c.JSON(http.StatusAccepted, gin.H{
			"payment": resp.Payment,
			"warning": "Gateway temporarily unavailable, payment is pending",
		})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to retry payment",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// refundRequest is the refund endpoint body
type refundRequest struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Reason string           `json:"reason,omitempty"`
}

// refundPayment handles a refund request
func (h *Handler) refundPayment(c *gin.Context) {
	paymentID, ok := pathID(c)
	if !ok {
		return
	}

	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.refunds.Refund(c.Request.Context(), paymentID, req.Amount, req.Reason)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
		return
	case errors.Is(err, service.ErrNotRefundable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, service.ErrInvalidAmount):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to refund payment",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// confirmPayment lets an administrator settle an offline bank transfer after
// verifying receipt of funds. It drives the same state machine as webhooks.
func (h *Handler) confirmPayment(c *gin.Context) {
	paymentID, ok := pathID(c)
	if !ok {
		return
	}

	payment, err := h.ledger.GetPayment(c.Request.Context(), paymentID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load payment"})
		return
	}
	if payment.Gateway != gateway.NameBankTransfer {
		// Card and wallet payments settle through their gateway; only
		// offline transfers are confirmed by hand.
		c.JSON(http.StatusConflict, gin.H{"error": "Only bank transfer payments can be confirmed manually"})
		return
	}

	updated, applied, err := h.ledger.RecordGatewayResult(c.Request.Context(),
		payment.ID, payment.TransactionID, models.PaymentStatusCompleted, "")
	if errors.Is(err, service.ErrIllegalTransition) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to confirm payment"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payment": updated,
		"applied": applied,
	})
}

// myPayments returns the caller's payment history
func (h *Handler) myPayments(c *gin.Context) {
	userID := callerID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing user identity"})
		return
	}

	payments, err := h.ledger.UserPayments(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list payments"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

// enrollFree enrolls the caller into a free course
func (h *Handler) enrollFree(c *gin.Context) {
	courseID, ok := pathID(c)
	if !ok {
		return
	}
	userID := callerID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing user identity"})
		return
	}

	enrollment, err := h.grantor.Enroll(c.Request.Context(), userID, courseID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Course not found"})
		return
	case errors.Is(err, service.ErrCourseUnavailable):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Course is not available"})
		return
	case errors.Is(err, service.ErrPaymentRequired):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "Course requires payment"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enroll"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"enrollment": enrollment})
}

// listEnrollments handles the admin enrollment listing
func (h *Handler) listEnrollments(c *gin.Context) {
	var filter store.ListEnrollmentsFilter
	filter.Status = c.Query("status")
	if v := c.Query("course_id"); v != "" {
		filter.CourseID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := c.Query("student_id"); v != "" {
		filter.StudentID, _ = strconv.ParseInt(v, 10, 64)
	}

	limit, offset := pagination(c)
	enrollments, total, err := h.enrollments.List(c.Request.Context(), filter, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list enrollments"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"enrollments": enrollments,
		"total":       total,
		"limit":       limit,
		"offset":      offset,
	})
}

// courseStats returns aggregated enrollment statistics for one course
func (h *Handler) courseStats(c *gin.Context) {
	courseID, ok := pathID(c)
	if !ok {
		return
	}

	stats, err := h.enrollments.CourseStats(c.Request.Context(), courseID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Course not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load course stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// myEnrollments returns the caller's enrollments
func (h *Handler) myEnrollments(c *gin.Context) {
	userID := callerID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing user identity"})
		return
	}

	enrollments, err := h.enrollments.ListForStudent(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list enrollments"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"enrollments": enrollments})
}

// updateProgress moves the caller's progress on an enrollment
func (h *Handler) updateProgress(c *gin.Context) {
	enrollmentID, ok := pathID(c)
	if !ok {
		return
	}
	userID := callerID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing user identity"})
		return
	}

	var req struct {
		Progress int `json:"progress"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	enrollment, err := h.enrollments.UpdateProgress(c.Request.Context(), userID, enrollmentID, req.Progress)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Enrollment not found"})
		return
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "Not your enrollment"})
		return
	case errors.Is(err, service.ErrIllegalTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"enrollment": enrollment})
}

// rateEnrollment attaches a rating and review to the caller's enrollment
func (h *Handler) rateEnrollment(c *gin.Context) {
	enrollmentID, ok := pathID(c)
	if !ok {
		return
	}
	userID := callerID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing user identity"})
		return
	}

	var req struct {
		Rating int    `json:"rating"`
		Review string `json:"review,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	enrollment, err := h.enrollments.Rate(c.Request.Context(), userID, enrollmentID, req.Rating, req.Review)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Enrollment not found"})
		return
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "Not your enrollment"})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"enrollment": enrollment})
}

// dropEnrollment revokes an enrollment administratively
func (h *Handler) dropEnrollment(c *gin.Context) {
	enrollmentID, ok := pathID(c)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	enrollment, err := h.enrollments.Drop(c.Request.Context(), enrollmentID, req.Reason)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Enrollment not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to drop enrollment"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"enrollment": enrollment})
}

// callerID extracts the authenticated user id forwarded by the platform
// gateway. Zero means no identity.
func callerID(c *gin.Context) int64 {
	id, _ := strconv.ParseInt(c.GetHeader("X-User-ID"), 10, 64)
	return id
}

// pathID parses the :id path parameter, writing the error response itself
func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ID"})
		return 0, false
	}
	return id, true
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
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
