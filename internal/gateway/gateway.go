package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Charge statuses reported by providers
const (
	StatusCompleted = "completed"
	StatusPending   = "pending"
	StatusFailed    = "failed"
)

// ErrInvalidSignature is returned by VerifyWebhook when the payload signature
// does not match the configured secret. The webhook endpoint discards the
// event and still acknowledges the sender.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// TransportError marks a failure talking to the provider. Retryable; the
// payment stays pending and reconciliation picks it up later. Ordinary
// declines are NOT transport errors, they are a failed Result.
type TransportError struct {
	Gateway string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway %s transport failure: %v", e.Gateway, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a gateway transport failure
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Request carries everything an adapter needs to execute a charge
type Request struct {
	PaymentID int64
	Amount    decimal.Decimal
	Currency  string
	Method    string
	Metadata  map[string]string
}

// Result is the provider's answer to a charge attempt. A decline arrives as
// Status == StatusFailed with a nil error.
type Result struct {
	TransactionID string            `json:"transaction_id"`
	Status        string            `json:"status"`
	RedirectURL   string            `json:"redirect_url,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Event is a parsed webhook payload
type Event struct {
	Type          string          `json:"type"`
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Reason        string          `json:"reason,omitempty"`
}

// Update is the normalized outcome of a webhook event. A nil Update from
// HandleWebhook means the event type is not one we act on.
type Update struct {
	TransactionID string
	Status        string
	Amount        *decimal.Decimal
	Currency      string
	Reason        string
}

// RefundResult is the provider's answer to a refund request
type RefundResult struct {
	RefundID string `json:"refund_id"`
	Status   string `json:"status"`
}

// Adapter is the uniform contract over heterogeneous payment providers.
type Adapter interface {
	Name() string

	// ProcessPayment executes the charge. Declines come back as a failed
	// Result; an error means transport or configuration failure only.
	ProcessPayment(ctx context.Context, req Request) (*Result, error)

	// VerifyWebhook authenticates and parses a raw webhook delivery.
	VerifyWebhook(payload []byte, signature string) (*Event, error)

	// HandleWebhook maps a verified event to a payment update, or nil when
	// the event type is irrelevant.
	HandleWebhook(event *Event) *Update

	// Refund reverses a captured charge.
	Refund(ctx context.Context, transactionID string, amount decimal.Decimal) (*RefundResult, error)
}

// StatusChecker is implemented by adapters whose provider exposes a status
// query endpoint. The reconciliation sweep uses it to resolve stuck payments.
type StatusChecker interface {
	CheckStatus(ctx context.Context, transactionID string) (string, error)
}

// Registry resolves adapters by gateway name and by declared payment method.
type Registry struct {
	adapters map[string]Adapter
	byMethod map[string]string
}

// NewRegistry builds a registry over the given adapters
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{
		adapters: make(map[string]Adapter, len(adapters)),
		byMethod: map[string]string{
			"credit_card":   NameCard,
			"debit_card":    NameCard,
			"wallet":        NameWallet,
			"paypal":        NameWallet,
			"bank_transfer": NameBankTransfer,
		},
	}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// ByName returns the adapter registered under the given gateway name
func (r *Registry) ByName(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("unsupported payment gateway: %s", name)
	}
	return a, nil
}

// ForMethod returns the adapter that handles the declared payment method
func (r *Registry) ForMethod(method string) (Adapter, error) {
	name, ok := r.byMethod[method]
	if !ok {
		return nil, fmt.Errorf("unsupported payment method: %s", method)
	}
	return r.ByName(name)
}
