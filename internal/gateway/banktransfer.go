package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NameBankTransfer identifies the manual/offline provider
const NameBankTransfer = "bank_transfer"

// BankTransferGateway models manual offline transfers. There is no webhook
// path at all; an administrator confirms the transfer and advances the
// payment through the ledger.
type BankTransferGateway struct{}

// NewBankTransferGateway creates a bank transfer adapter
func NewBankTransferGateway() *BankTransferGateway {
	return &BankTransferGateway{}
}

// Name implements Adapter
func (g *BankTransferGateway) Name() string { return NameBankTransfer }

// ProcessPayment issues a transfer reference; the payment stays pending until
// an administrator confirms receipt of funds.
func (g *BankTransferGateway) ProcessPayment(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Gateway: g.Name(), Err: err}
	}

	reference := fmt.Sprintf("BT-%d-%s", time.Now().Unix(),
		strings.ToUpper(uuid.New().String()[:8]))

	return &Result{
		TransactionID: reference,
		Status:        StatusPending,
		Metadata: map[string]string{
			"reference":    reference,
			"amount":       req.Amount.StringFixed(2),
			"currency":     req.Currency,
			"instructions": "Transfer the amount to the provided bank account and quote the reference",
		},
	}, nil
}

// VerifyWebhook is a no-op; bank transfers have no webhook path
func (g *BankTransferGateway) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	return nil, nil
}

// HandleWebhook is a no-op; bank transfers have no webhook path
func (g *BankTransferGateway) HandleWebhook(event *Event) *Update {
	return nil
}

// Refund acknowledges the request; the money moves back manually
func (g *BankTransferGateway) Refund(ctx context.Context, transactionID string, amount decimal.Decimal) (*RefundResult, error) {
	return &RefundResult{
		RefundID: fmt.Sprintf("btref_%d", time.Now().UnixNano()),
		Status:   "pending_refund",
	}, nil
}
