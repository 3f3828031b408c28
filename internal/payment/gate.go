// Package payment tracks which payment checkpoints a lead has satisfied.
//
// A checkpoint is identified by a key: "customs" for the customs fee, or
// "delivery:<ordinal>" for each delivery attempt. The satisfaction slots
// live on the lead itself so that reading and writing them is part of the
// same store get/put as the stage.
package payment

import (
	"strconv"
	"strings"

	"github.com/BearBump/TrackFunnel/internal/apperr"
	"github.com/BearBump/TrackFunnel/internal/models"
	"github.com/BearBump/TrackFunnel/internal/stages"
	"github.com/pkg/errors"
)

const (
	KeyCustoms        = "customs"
	deliveryKeyPrefix = "delivery:"
)

func DeliveryKey(ordinal int) string {
	return deliveryKeyPrefix + strconv.Itoa(ordinal)
}

// Checkpoint is a payment-gated stage and its key.
type Checkpoint struct {
	Key     string
	StageID int
}

type Gate struct {
	catalog *stages.Catalog
}

func NewGate(catalog *stages.Catalog) *Gate {
	return &Gate{catalog: catalog}
}

// StageForKey resolves a checkpoint key to its stage id.
func (g *Gate) StageForKey(key string) (int, error) {
	if key == KeyCustoms {
		return g.catalog.CustomsStageID(), nil
	}
	if !strings.HasPrefix(key, deliveryKeyPrefix) {
		return 0, errors.Wrapf(apperr.ErrInvalidCheckpoint, "key %q", key)
	}
	cyc := g.catalog.Cycle()
	if cyc == nil {
		return 0, errors.Wrapf(apperr.ErrInvalidCheckpoint, "key %q: catalog has no delivery cycle", key)
	}
	ord, ok := deliveryOrdinal(key)
	if !ok || ord > cyc.MaxAttempts() {
		return 0, errors.Wrapf(apperr.ErrInvalidCheckpoint, "key %q", key)
	}
	return cyc.AttemptStageID(ord)
}

func deliveryOrdinal(key string) (int, bool) {
	if !strings.HasPrefix(key, deliveryKeyPrefix) {
		return 0, false
	}
	ord, err := strconv.Atoi(strings.TrimPrefix(key, deliveryKeyPrefix))
	if err != nil || ord < 1 {
		return 0, false
	}
	return ord, true
}

// KeyForStage returns the key of the checkpoint at stageID, if any.
func (g *Gate) KeyForStage(stageID int) (string, bool) {
	if stageID == g.catalog.CustomsStageID() {
		return KeyCustoms, true
	}
	cyc := g.catalog.Cycle()
	if cyc == nil || !cyc.IsAttemptCheckpoint(stageID) {
		return "", false
	}
	ord, err := cyc.AttemptOrdinal(stageID)
	if err != nil {
		return "", false
	}
	return DeliveryKey(ord), true
}

// ParseKey normalizes and validates a checkpoint key.
func (g *Gate) ParseKey(raw string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if _, err := g.StageForKey(key); err != nil {
		return "", err
	}
	return key, nil
}

// IsSatisfied reports whether the checkpoint is paid. A paid delivery
// attempt at or behind the lead's stage covers every earlier attempt.
func (g *Gate) IsSatisfied(lead *models.Lead, key string) bool {
	if lead == nil || lead.Checkpoints == nil {
		return false
	}
	if lead.Checkpoints[key] {
		return true
	}
	ord, ok := deliveryOrdinal(key)
	return ok && g.paidThrough(lead) > ord
}

// paidThrough returns the highest paid delivery ordinal whose checkpoint is
// at or behind the lead's stage, or 0.
func (g *Gate) paidThrough(lead *models.Lead) int {
	best := 0
	for key, paid := range lead.Checkpoints {
		ord, ok := deliveryOrdinal(key)
		if !paid || !ok || ord <= best {
			continue
		}
		if stageID, err := g.StageForKey(key); err == nil && stageID <= lead.CurrentStageID {
			best = ord
		}
	}
	return best
}

// MarkSatisfied is idempotent. PaymentStatus turns paid only when key is
// the checkpoint the lead sits on.
func (g *Gate) MarkSatisfied(lead *models.Lead, key string) error {
	stageID, err := g.StageForKey(key)
	if err != nil {
		return err
	}
	if lead.Checkpoints == nil {
		lead.Checkpoints = make(map[string]bool)
	}
	lead.Checkpoints[key] = true
	if stageID == lead.CurrentStageID {
		lead.PaymentStatus = models.PaymentStatusPaid
	}
	return nil
}

// SatisfyBehind marks every checkpoint strictly behind stageID as paid and
// reports whether there was any. Only the latest delivery attempt is
// stored; it covers the earlier ones, whose own entries are dropped.
func (g *Gate) SatisfyBehind(lead *models.Lead, stageID int) bool {
	var keys []string
	if customs := g.catalog.CustomsStageID(); customs < stageID {
		keys = append(keys, KeyCustoms)
	}
	latest := 0
	if cyc := g.catalog.Cycle(); cyc != nil {
		if _, last, ok := cyc.OrdinalsBetween(1, stageID); ok {
			latest = last
			keys = append(keys, DeliveryKey(last))
		}
	}
	if len(keys) == 0 {
		return false
	}
	if lead.Checkpoints == nil {
		lead.Checkpoints = make(map[string]bool, len(keys))
	}
	for key := range lead.Checkpoints {
		if ord, ok := deliveryOrdinal(key); ok && ord < latest {
			delete(lead.Checkpoints, key)
		}
	}
	for _, key := range keys {
		lead.Checkpoints[key] = true
	}
	return true
}

// Reset clears every checkpoint whose stage is at or after fromStageID and
// reports whether anything was cleared. Earlier delivery attempts that a
// cleared attempt covered stay paid.
func (g *Gate) Reset(lead *models.Lead, fromStageID int) bool {
	covered := g.paidThrough(lead)
	cleared := false
	for key := range lead.Checkpoints {
		stageID, err := g.StageForKey(key)
		if err != nil || stageID >= fromStageID {
			delete(lead.Checkpoints, key)
			cleared = true
		}
	}
	if !cleared {
		return false
	}
	lead.PaymentStatus = models.PaymentStatusPending

	if cyc := g.catalog.Cycle(); cyc != nil && covered > 1 && !lead.Checkpoints[DeliveryKey(covered)] {
		if _, last, ok := cyc.OrdinalsBetween(1, fromStageID); ok {
			lead.Checkpoints[DeliveryKey(min(covered-1, last))] = true
		}
	}
	return true
}

// CheckpointsBetween lists checkpoints with lo <= stage < hi in stage order.
func (g *Gate) CheckpointsBetween(lo, hi int) []Checkpoint {
	var out []Checkpoint
	if customs := g.catalog.CustomsStageID(); customs >= lo && customs < hi {
		out = append(out, Checkpoint{Key: KeyCustoms, StageID: customs})
	}
	// The cycle always starts after customs.
	if cyc := g.catalog.Cycle(); cyc != nil {
		if first, last, ok := cyc.OrdinalsBetween(lo, hi); ok {
			for ord := first; ord <= last; ord++ {
				stageID, _ := cyc.AttemptStageID(ord)
				out = append(out, Checkpoint{Key: DeliveryKey(ord), StageID: stageID})
			}
		}
	}
	return out
}

// CanCross checks a forward move from -> to. Landing on a checkpoint is
// always allowed; passing one requires it to be satisfied.
func (g *Gate) CanCross(lead *models.Lead, from, to int) error {
	if to <= from {
		return nil
	}
	for _, cp := range g.CheckpointsBetween(from, to) {
		if !g.IsSatisfied(lead, cp.Key) {
			return errors.Wrapf(apperr.ErrPaymentRequired, "checkpoint %s at stage %d", cp.Key, cp.StageID)
		}
	}
	return nil
}
