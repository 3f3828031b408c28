package messages

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/BearBump/TrackFunnel/internal/apperr"
	"github.com/pkg/errors"
)

const (
	TopicStageChanged     = "funnel.stage.changed"
	TopicPaymentConfirmed = "funnel.payment.confirmed"
)

// StageChanged is published after every persisted stage move.
type StageChanged struct {
	LeadID        string    `json:"lead_id"`
	FromStageID   int       `json:"from_stage_id"`
	ToStageID     int       `json:"to_stage_id"`
	StageName     string    `json:"stage_name"`
	Category      string    `json:"category"`
	PaymentStatus string    `json:"payment_status"`
	Reason        string    `json:"reason"`
	ChangedAt     time.Time `json:"changed_at"`
}

// PaymentConfirmed tells the funnel that a checkpoint fee was paid.
type PaymentConfirmed struct {
	LeadID        string    `json:"lead_id"`
	Checkpoint    string    `json:"checkpoint"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Amount        string    `json:"amount,omitempty"`
	ConfirmedAt   time.Time `json:"confirmed_at"`
}

func DecodePaymentConfirmed(b []byte) (PaymentConfirmed, error) {
	var msg PaymentConfirmed
	if err := json.Unmarshal(b, &msg); err != nil {
		return PaymentConfirmed{}, errors.Wrapf(apperr.ErrInvalidInput, "decode payment confirmed: %v", err)
	}
	msg.LeadID = strings.TrimSpace(msg.LeadID)
	if msg.LeadID == "" {
		return PaymentConfirmed{}, errors.Wrap(apperr.ErrInvalidInput, "lead_id is required")
	}
	if strings.TrimSpace(msg.Checkpoint) == "" {
		return PaymentConfirmed{}, errors.Wrap(apperr.ErrInvalidInput, "checkpoint is required")
	}
	return msg, nil
}
