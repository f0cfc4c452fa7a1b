package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NameWallet identifies the redirect-based wallet provider
const NameWallet = "wallet"

// Wallet webhook event types
const (
	walletEventCaptureCompleted = "capture.completed"
	walletEventCaptureDenied    = "capture.denied"
)

// WalletGateway simulates a redirect-based provider: every charge starts
// pending with a redirect URL, and only a webhook (or the status query)
// settles it.
type WalletGateway struct {
	webhookSecret string
	redirectBase  string

	mu      sync.RWMutex
	charges map[string]string
}

// NewWalletGateway creates a wallet gateway adapter
func NewWalletGateway(webhookSecret, redirectBase string) *WalletGateway {
	return &WalletGateway{
		webhookSecret: webhookSecret,
		redirectBase:  redirectBase,
		charges:       make(map[string]string),
	}
}

// Name implements Adapter
func (g *WalletGateway) Name() string { return NameWallet }

// ProcessPayment starts the redirect flow; the charge completes via webhook
func (g *WalletGateway) ProcessPayment(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Gateway: g.Name(), Err: err}
	}

	txID := fmt.Sprintf("wallet_%s", uuid.New().String())

	g.mu.Lock()
	g.charges[txID] = StatusPending
	g.mu.Unlock()

	return &Result{
		TransactionID: txID,
		Status:        StatusPending,
		RedirectURL:   fmt.Sprintf("%s?token=%s", g.redirectBase, txID),
		Metadata: map[string]string{
			"amount":   req.Amount.StringFixed(2),
			"currency": req.Currency,
		},
	}, nil
}

// VerifyWebhook checks the HMAC-SHA256 signature and parses the payload
func (g *WalletGateway) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	if !verifySignature(g.webhookSecret, payload, signature) {
		return nil, ErrInvalidSignature
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("malformed wallet webhook payload: %w", err)
	}
	return &event, nil
}

// HandleWebhook maps wallet events to payment updates and settles the
// simulated charge so the status query agrees with the webhook.
func (g *WalletGateway) HandleWebhook(event *Event) *Update {
	switch event.Type {
	case walletEventCaptureCompleted:
		g.settle(event.TransactionID, StatusCompleted)
		amount := event.Amount
		return &Update{
			TransactionID: event.TransactionID,
			Status:        StatusCompleted,
			Amount:        &amount,
			Currency:      event.Currency,
		}
	case walletEventCaptureDenied:
		g.settle(event.TransactionID, StatusFailed)
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
func (g *WalletGateway) Refund(ctx context.Context, transactionID string, amount decimal.Decimal) (*RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Gateway: g.Name(), Err: err}
	}

	return &RefundResult{
		RefundID: fmt.Sprintf("wref_%s", uuid.New().String()),
		Status:   "refunded",
	}, nil
}

// CheckStatus implements StatusChecker for the reconciliation sweep
func (g *WalletGateway) CheckStatus(ctx context.Context, transactionID string) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if status, ok := g.charges[transactionID]; ok {
		return status, nil
	}
	return StatusPending, nil
}

func (g *WalletGateway) settle(txID, status string) {
	g.mu.Lock()
	g.charges[txID] = status
	g.mu.Unlock()
}
