package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"coursepay/internal/gateway"
	"coursepay/internal/idempotency"
	"coursepay/internal/models"
	"coursepay/internal/service"
	"coursepay/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "handler-test-secret"

// memPayments is a minimal in-memory PaymentStore for handler tests. It keeps
// the same conditional-write semantics as the SQL layer; failLookup makes
// transaction lookups fail to simulate a database outage.
type memPayments struct {
	mu         sync.Mutex
	nextID     int64
	payments   map[int64]*models.Payment
	failLookup bool
}

func newMemPayments() *memPayments {
	return &memPayments{payments: make(map[int64]*models.Payment)}
}

func (m *memPayments) CreatePayment(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *memPayments) GetPaymentByID(_ context.Context, id int64) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memPayments) GetPaymentByTransactionID(_ context.Context, txID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLookup {
		return nil, errors.New("database unavailable")
	}
	for _, p := range m.payments {
		if p.TransactionID == txID && txID != "" {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memPayments) ClaimTransactionID(_ context.Context, paymentID int64, txID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok {
		return false, store.ErrNotFound
	}
	if p.TransactionID != "" && p.TransactionID != txID {
		return false, nil
	}
	p.TransactionID = txID
	return true, nil
}

func (m *memPayments) SetIdempotencyKey(_ context.Context, paymentID int64, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payments[paymentID]; ok {
		p.IdempotencyKey = key
	}
	return nil
}

func (m *memPayments) TransitionPaymentStatus(_ context.Context, paymentID int64, from []string, to string, capturedAt *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok {
		return false, store.ErrNotFound
	}
	for _, s := range from {
		if p.Status == s {
			p.Status = to
			if capturedAt != nil && p.CapturedAt == nil {
				p.CapturedAt = capturedAt
			}
			p.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

func (m *memPayments) ListPayments(_ context.Context, _ store.ListPaymentsFilter, _, _ int) ([]models.Payment, int, error) {
	return nil, 0, nil
}

func (m *memPayments) GetPaymentsByUserID(_ context.Context, _ int64) ([]models.Payment, error) {
	return nil, nil
}

func (m *memPayments) ListStuckPayments(_ context.Context, _ time.Duration, _ int) ([]models.Payment, error) {
	return nil, nil
}

func (m *memPayments) RecordWebhookEvent(_ context.Context, _ *models.WebhookEvent) error {
	return nil
}

func (m *memPayments) GetWebhookEventsByPaymentID(_ context.Context, _ int64) ([]models.WebhookEvent, error) {
	return nil, nil
}

func (m *memPayments) CreateRefund(_ context.Context, _ *models.Refund) error { return nil }

func (m *memPayments) GetRefundByPaymentID(_ context.Context, _ int64) (*models.Refund, error) {
	return nil, store.ErrNotFound
}

type memCourses struct{}

func (memCourses) GetCourseByID(_ context.Context, _ int64) (*models.Course, error) {
	return nil, store.ErrNotFound
}
func (memCourses) IncrementEnrollmentCount(_ context.Context, _ int64) error { return nil }
func (memCourses) DecrementEnrollmentCount(_ context.Context, _ int64) error { return nil }

type memPublisher struct{}

func (memPublisher) PublishPaymentCompleted(_ context.Context, _ *models.PaymentCompletedEvent) error {
	return nil
}
func (memPublisher) PublishPaymentFailed(_ context.Context, _ *models.PaymentFailedEvent) error {
	return nil
}
func (memPublisher) PublishPaymentRefunded(_ context.Context, _ *models.PaymentRefundedEvent) error {
	return nil
}
func (memPublisher) PublishEnrollmentGranted(_ context.Context, _ *models.EnrollmentGrantedEvent) error {
	return nil
}
func (memPublisher) PublishEnrollmentDropped(_ context.Context, _ *models.EnrollmentDroppedEvent) error {
	return nil
}

func newTestRouter(t *testing.T, payments *memPayments) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ledger := service.NewPaymentLedger(payments, memCourses{}, memPublisher{})
	guard := idempotency.NewGuard(idempotency.NewMemoryStore(), time.Hour)
	registry := gateway.NewRegistry(
		gateway.NewCardGateway(testWebhookSecret, 0),
		gateway.NewBankTransferGateway(),
	)
	checkout := service.NewCheckoutService(ledger, guard, registry, time.Second)
	reconciler := service.NewWebhookReconciler(ledger, payments, registry)

	handler := NewHandler(checkout, ledger, reconciler, nil, nil, nil)
	router := gin.New()
	handler.SetupRoutes(router)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(method, path, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestWebhookAcknowledgedWhenProcessingFails(t *testing.T) {
	payments := newMemPayments()
	payments.failLookup = true
	router := newTestRouter(t, payments)

	payload, err := json.Marshal(gateway.Event{Type: "charge.completed", TransactionID: "card_x"})
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/payments/webhook/card", string(payload),
		map[string]string{"X-Signature": gateway.SignPayload(testWebhookSecret, payload)})

	// The provider always gets a success ack; a store outage is recovered by
	// the reconciliation sweep, never by provider redelivery.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"received":true`)
}

func TestProcessPaymentIdentityComesFromHeaderOnly(t *testing.T) {
	payments := newMemPayments()
	router := newTestRouter(t, payments)

	body := `{"user_id": 999, "amount": 25.00, "currency": "USD", "payment_method": "credit_card"}`
	rec := doJSON(t, router, http.MethodPost, "/api/v1/payments/process", body,
		map[string]string{"X-User-ID": "42"})

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Payment models.Payment `json:"payment"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(42), resp.Payment.UserID)
}

func TestProcessPaymentRequiresIdentity(t *testing.T) {
	router := newTestRouter(t, newMemPayments())

	body := `{"user_id": 999, "amount": 25.00, "currency": "USD", "payment_method": "credit_card"}`
	rec := doJSON(t, router, http.MethodPost, "/api/v1/payments/process", body, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConfirmPaymentOnlyForBankTransfers(t *testing.T) {
	payments := newMemPayments()
	router := newTestRouter(t, payments)
	headers := map[string]string{"X-User-ID": "42"}

	body := `{"amount": 25.00, "currency": "USD", "payment_method": "bank_transfer"}`
	rec := doJSON(t, router, http.MethodPost, "/api/v1/payments/process", body, headers)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		Payment models.Payment `json:"payment"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, models.PaymentStatusPending, created.Payment.Status)

	rec = doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/v1/payments/%d/confirm", created.Payment.ID), "{}", headers)
	require.Equal(t, http.StatusOK, rec.Code)

	confirmed, err := payments.GetPaymentByID(context.Background(), created.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, confirmed.Status)

	// Card payments settle through their gateway; manual confirm is rejected.
	body = `{"amount": 25.00, "currency": "USD", "payment_method": "credit_card"}`
	rec = doJSON(t, router, http.MethodPost, "/api/v1/payments/process", body, headers)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/v1/payments/%d/confirm", created.Payment.ID), "{}", headers)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
