package leads

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/TrackFunnel/internal/apperr"
	"github.com/BearBump/TrackFunnel/internal/models"
	"github.com/BearBump/TrackFunnel/internal/stages"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type TimelineEntry struct {
	StageID  int    `json:"stageId"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Current  bool   `json:"current"`
}

// TrackingView is what the public tracking page shows for a lead.
type TrackingView struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	Product        string               `json:"product,omitempty"`
	City           string               `json:"city,omitempty"`
	State          string               `json:"state,omitempty"`
	CurrentStageID int                  `json:"currentStageId"`
	StageName      string               `json:"stageName"`
	Category       string               `json:"category"`
	PaymentStatus  models.PaymentStatus `json:"paymentStatus"`

	// Set while the lead waits on an unpaid checkpoint.
	AwaitingPayment bool             `json:"awaitingPayment"`
	Checkpoint      string           `json:"checkpoint,omitempty"`
	Fee             *decimal.Decimal `json:"fee,omitempty"`

	Timeline  []TimelineEntry `json:"timeline"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Tracking returns the public view of a lead, from cache when possible.
// Loading it also re-chains automatic progress that was lost.
func (s *Service) Tracking(ctx context.Context, id string) (*TrackingView, error) {
	if v, ok := s.cachedTracking(ctx, id); ok {
		s.ensureScheduled(v.ID, v.CurrentStageID)
		return v, nil
	}

	lead, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	v := s.buildTracking(lead)
	s.storeTracking(ctx, v)
	s.ensureScheduled(lead.ID, lead.CurrentStageID)
	return v, nil
}

func (s *Service) buildTracking(lead *models.Lead) *TrackingView {
	cat := s.engine.Catalog()
	v := &TrackingView{
		ID:             lead.ID,
		Name:           lead.Name,
		Product:        lead.Product,
		City:           lead.City,
		State:          lead.State,
		CurrentStageID: lead.CurrentStageID,
		PaymentStatus:  lead.PaymentStatus,
		UpdatedAt:      lead.UpdatedAt,
	}
	if def, err := cat.StageByID(lead.CurrentStageID); err == nil {
		v.StageName = def.Name
		v.Category = string(def.Category)
	}
	if key, fee, ok := s.pendingFee(lead); ok {
		v.AwaitingPayment = true
		v.Checkpoint = key
		v.Fee = &fee
	}

	v.Timeline = timeline(cat, lead.CurrentStageID)
	return v
}

// timeline lists the catalog stages reached so far and, inside the
// delivery cycle, only the stages of the current attempt after them.
func timeline(cat *stages.Catalog, current int) []TimelineEntry {
	ids := make([]int, 0, cat.StageCount()+4)
	for id := 1; id <= current && id <= cat.StageCount(); id++ {
		ids = append(ids, id)
	}
	if cyc := cat.Cycle(); cyc != nil && current > cat.StageCount() {
		if ord, err := cyc.AttemptOrdinal(current); err == nil {
			start, _ := cyc.AttemptStageID(ord)
			for id := max(start, cat.StageCount()+1); id <= current; id++ {
				ids = append(ids, id)
			}
		}
	}

	out := make([]TimelineEntry, 0, len(ids))
	for _, id := range ids {
		def, err := cat.StageByID(id)
		if err != nil {
			break
		}
		out = append(out, TimelineEntry{
			StageID:  def.ID,
			Name:     def.Name,
			Category: string(def.Category),
			Current:  def.ID == current,
		})
	}
	return out
}

// pendingFee returns the checkpoint key and fee when the lead sits on an
// unpaid checkpoint.
func (s *Service) pendingFee(lead *models.Lead) (string, decimal.Decimal, bool) {
	gate := s.engine.Gate()
	key, ok := gate.KeyForStage(lead.CurrentStageID)
	if !ok || gate.IsSatisfied(lead, key) {
		return "", decimal.Decimal{}, false
	}
	fee, err := s.FeeFor(lead.CurrentStageID)
	if err != nil {
		return "", decimal.Decimal{}, false
	}
	return key, fee, true
}

// FeeFor returns the amount charged at checkpoint stageID.
func (s *Service) FeeFor(stageID int) (decimal.Decimal, error) {
	cat := s.engine.Catalog()
	if stageID == cat.CustomsStageID() {
		return s.cfg.CustomsFee, nil
	}
	cyc := cat.Cycle()
	if cyc == nil {
		return decimal.Decimal{}, errors.Wrapf(apperr.ErrNotADeliveryStage, "stage %d", stageID)
	}
	ord, err := cyc.AttemptOrdinal(stageID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return cyc.FeeForOrdinal(ord)
}

func (s *Service) cachedTracking(ctx context.Context, id string) (*TrackingView, bool) {
	if s.cache == nil || s.cfg.TrackingTTL <= 0 {
		return nil, false
	}
	b, ok, err := s.cache.Get(ctx, trackingKey(id))
	if err != nil || !ok {
		return nil, false
	}
	var v TrackingView
	if json.Unmarshal(b, &v) != nil {
		return nil, false
	}
	return &v, true
}

func (s *Service) storeTracking(ctx context.Context, v *TrackingView) {
	if s.cache == nil || s.cfg.TrackingTTL <= 0 {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, trackingKey(v.ID), b, s.cfg.TrackingTTL); err != nil {
		slog.Warn("tracking cache set", "lead_id", v.ID, "error", err.Error())
	}
}

func (s *Service) refreshTracking(ctx context.Context, lead *models.Lead) {
	s.storeTracking(ctx, s.buildTracking(lead))
}

func trackingKey(id string) string {
	return "track:" + id + ":view"
}
