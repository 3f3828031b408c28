package leads

import (
	"context"
	"log/slog"

	"github.com/BearBump/TrackFunnel/internal/apperr"
	"github.com/BearBump/TrackFunnel/internal/integrations/pix"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type Charge struct {
	LeadID      string          `json:"leadId"`
	Checkpoint  string          `json:"checkpoint"`
	StageID     int             `json:"stageId"`
	Amount      decimal.Decimal `json:"amount"`
	Transaction pix.Transaction `json:"transaction"`
}

// CreateCharge asks the payment gateway for a payload covering the fee of
// the checkpoint the lead sits on. It does not change the lead: payment is
// applied later through ConfirmPayment.
func (s *Service) CreateCharge(ctx context.Context, id string) (*Charge, error) {
	if s.gateway == nil {
		return nil, errors.Wrap(apperr.ErrGateway, "payment gateway not configured")
	}
	lead, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	key, fee, ok := s.pendingFee(lead)
	if !ok {
		return nil, errors.Wrapf(apperr.ErrInvalidCheckpoint, "lead %s is not waiting for a payment", id)
	}

	if s.limiter != nil && s.cfg.ChargeLimit > 0 {
		allowed, n, err := s.limiter.Allow(ctx, "charge:"+id, s.cfg.ChargeLimit, s.cfg.ChargeWindow)
		switch {
		case err != nil:
			slog.Warn("charge rate limiter", "lead_id", id, "error", err.Error())
		case !allowed:
			return nil, errors.Wrapf(apperr.ErrRateLimited, "lead %s: %d charges in window", id, n)
		}
	}

	tx, err := s.gateway.CreateTransaction(ctx, pix.PayerInfo{
		Name:  lead.Name,
		TaxID: lead.ID,
		Email: lead.Email,
		Phone: lead.Phone,
	}, fee, key)
	if err != nil {
		slog.Error("create pix transaction", "lead_id", id, "checkpoint", key, "error", err.Error())
		return nil, errors.Wrap(apperr.Gateway(err), "create transaction")
	}

	slog.Info("charge created", "lead_id", id, "checkpoint", key, "amount", fee.StringFixed(2), "reference", tx.ReferenceID)
	return &Charge{
		LeadID:      id,
		Checkpoint:  key,
		StageID:     lead.CurrentStageID,
		Amount:      fee,
		Transaction: tx,
	}, nil
}
