package pix

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrRejected is returned when the gateway answered but refused to create
// the transaction.
var ErrRejected = errors.New("pix transaction rejected")

type PayerInfo struct {
	Name  string `json:"name"`
	TaxID string `json:"taxId"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Transaction is what the visitor is shown: a copy-and-paste payload and
// the gateway reference.
type Transaction struct {
	ReferenceID string          `json:"referenceId"`
	PayloadCode string          `json:"payloadCode"`
	Amount      decimal.Decimal `json:"amount"`
	CreatedAt   time.Time       `json:"createdAt"`
}

type Gateway interface {
	CreateTransaction(ctx context.Context, payer PayerInfo, amount decimal.Decimal, description string) (Transaction, error)
}
