package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NameCard identifies the synchronous-capture card provider
const NameCard = "card"

// Card webhook event types
const (
	cardEventChargeCompleted = "charge.completed"
	cardEventChargeFailed    = "charge.failed"
)

// CardGateway simulates a synchronous-capture card provider: charges settle
// (or decline) inline, webhooks only confirm what the charge call already
// reported. Real network calls are out of scope, so results are held in
// memory to back the status query used by reconciliation.
type CardGateway struct {
	webhookSecret string
	declineRate   float64

	mu      sync.RWMutex
	charges map[string]string // transaction id -> status
}

// NewCardGateway creates a card gateway adapter
func NewCardGateway(webhookSecret string, declineRate float64) *CardGateway {
	return &CardGateway{
		webhookSecret: webhookSecret,
		declineRate:   declineRate,
		charges:       make(map[string]string),
	}
}

// Name implements Adapter
func (g *CardGateway) Name() string { return NameCard }

// ProcessPayment captures the charge synchronously
func (g *CardGateway) ProcessPayment(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Gateway: g.Name(), Err: err}
	}

	txID := fmt.Sprintf("card_%s", uuid.New().String())

	if rand.Float64() < g.declineRate {
		g.record(txID, StatusFailed)
		return &Result{
			TransactionID: txID,
			Status:        StatusFailed,
			FailureReason: "card_declined",
		}, nil
	}

	g.record(txID, StatusCompleted)
	return &Result{
		TransactionID: txID,
		Status:        StatusCompleted,
		Metadata: map[string]string{
			"amount":   req.Amount.StringFixed(2),
			"currency": req.Currency,
		},
	}, nil
}

// VerifyWebhook checks the HMAC-SHA256 signature and parses the payload
func (g *CardGateway) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	if !verifySignature(g.webhookSecret, payload, signature) {
		return nil, ErrInvalidSignature
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("malformed card webhook payload: %w", err)
	}
	return &event, nil
}

// HandleWebhook maps card events to payment updates
func (g *CardGateway) HandleWebhook(event *Event) *Update {
	switch event.Type {
	case cardEventChargeCompleted:
		amount := event.Amount
		return &Update{
			TransactionID: event.TransactionID,
			Status:        StatusCompleted,
			Amount:        &amount,
			Currency:      event.Currency,
		}
	case cardEventChargeFailed:
		return &Update{
			TransactionID: event.TransactionID,
			Status:        StatusFailed,
			Reason:        event.Reason,
		}
	default:
		return nil
	}
}

// Refund reverses a captured charge
func (g *CardGateway) Refund(ctx context.Context, transactionID string, amount decimal.Decimal) (*RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Gateway: g.Name(), Err: err}
	}

	g.mu.RLock()
	status, known := g.charges[transactionID]
	g.mu.RUnlock()
	if known && status != StatusCompleted {
		return nil, fmt.Errorf("transaction %s is not captured", transactionID)
	}

	return &RefundResult{
		RefundID: fmt.Sprintf("re_%s", uuid.New().String()),
		Status:   "refunded",
	}, nil
}

// CheckStatus implements StatusChecker for the reconciliation sweep
func (g *CardGateway) CheckStatus(ctx context.Context, transactionID string) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if status, ok := g.charges[transactionID]; ok {
		return status, nil
	}
	return StatusPending, nil
}

func (g *CardGateway) record(txID, status string) {
	g.mu.Lock()
	g.charges[txID] = status
	g.mu.Unlock()
}

// verifySignature compares an HMAC-SHA256 hex digest in constant time
func verifySignature(secret string, payload []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// SignPayload computes the signature a provider would attach to a webhook.
// Exposed for tests and the local replay tool.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
