// Package progression computes stage transitions for a lead: advance,
// retreat, administrator overrides and payment confirmation.
//
// Every operation works on a clone of the given lead and returns it in a
// Result; the input is never mutated, and a failed operation returns no lead.
package progression

import (
	"time"

	"github.com/BearBump/TrackFunnel/internal/apperr"
	"github.com/BearBump/TrackFunnel/internal/models"
	"github.com/BearBump/TrackFunnel/internal/payment"
	"github.com/BearBump/TrackFunnel/internal/stages"
	"github.com/pkg/errors"
	"github.com/zoobzio/clockz"
)

type Result struct {
	Lead    *models.Lead
	From    int
	To      int
	Changed bool
}

type Engine struct {
	catalog *stages.Catalog
	gate    *payment.Gate
	clock   clockz.Clock
}

func New(catalog *stages.Catalog, gate *payment.Gate) *Engine {
	return &Engine{catalog: catalog, gate: gate, clock: clockz.RealClock}
}

// WithClock sets the clock used to stamp UpdatedAt.
func (e *Engine) WithClock(clock clockz.Clock) *Engine {
	if clock != nil {
		e.clock = clock
	}
	return e
}

func (e *Engine) Catalog() *stages.Catalog { return e.catalog }
func (e *Engine) Gate() *payment.Gate      { return e.gate }

func (e *Engine) now() time.Time { return e.clock.Now().UTC() }

// Advance moves the lead to the next stage. Passing an unpaid checkpoint
// fails with ErrPaymentRequired; past the end of the catalog it is a no-op.
func (e *Engine) Advance(lead *models.Lead) (Result, error) {
	cur, err := e.current(lead)
	if err != nil {
		return Result{}, err
	}
	next, ok := e.catalog.Successor(cur)
	if !ok {
		return unchanged(lead), nil
	}
	if err := e.gate.CanCross(lead, cur, next); err != nil {
		return Result{}, err
	}

	out := lead.Clone()
	out.CurrentStageID = next
	out.UpdatedAt = e.now()
	return Result{Lead: out, From: cur, To: next, Changed: true}, nil
}

// Retreat moves the lead one stage back. Dropping below a checkpoint
// clears its payment. Retreating from stage 1 is a no-op.
func (e *Engine) Retreat(lead *models.Lead) (Result, error) {
	cur, err := e.current(lead)
	if err != nil {
		return Result{}, err
	}
	if cur <= 1 {
		return unchanged(lead), nil
	}
	prev := cur - 1

	out := lead.Clone()
	if e.catalog.IsCheckpoint(cur) {
		e.gate.Reset(out, cur)
	}
	out.CurrentStageID = prev
	out.UpdatedAt = e.now()
	return Result{Lead: out, From: cur, To: prev, Changed: true}, nil
}

// SetStage is the administrator override. It skips the forward payment
// check, marks every checkpoint strictly behind target as paid and clears
// every checkpoint strictly ahead of it. Landing on an unpaid checkpoint
// leaves the lead pending.
func (e *Engine) SetStage(lead *models.Lead, target int) (Result, error) {
	if lead == nil {
		return Result{}, errors.Wrap(apperr.ErrUnknownRecord, "nil lead")
	}
	if !e.catalog.Known(target) {
		return Result{}, errors.Wrapf(apperr.ErrUnknownStage, "target stage %d", target)
	}
	cur := lead.CurrentStageID

	out := lead.Clone()
	e.gate.Reset(out, target+1)
	out.CurrentStageID = target
	if e.gate.SatisfyBehind(out, target) {
		out.PaymentStatus = models.PaymentStatusPaid
	}
	if key, ok := e.gate.KeyForStage(target); ok && !e.gate.IsSatisfied(out, key) {
		out.PaymentStatus = models.PaymentStatusPending
	}
	out.UpdatedAt = e.now()
	return Result{Lead: out, From: cur, To: target, Changed: cur != target}, nil
}

// ConfirmPayment marks the checkpoint paid and, when the lead is sitting on
// that checkpoint, advances it once. Confirming twice leaves the same state.
func (e *Engine) ConfirmPayment(lead *models.Lead, key string) (Result, error) {
	cur, err := e.current(lead)
	if err != nil {
		return Result{}, err
	}
	stageID, err := e.gate.StageForKey(key)
	if err != nil {
		return Result{}, err
	}

	out := lead.Clone()
	if err := e.gate.MarkSatisfied(out, key); err != nil {
		return Result{}, err
	}
	if cur != stageID {
		newlyPaid := !e.gate.IsSatisfied(lead, key)
		if newlyPaid {
			out.UpdatedAt = e.now()
		}
		return Result{Lead: out, From: cur, To: cur, Changed: newlyPaid}, nil
	}

	res, err := e.Advance(out)
	if err != nil {
		return Result{}, err
	}
	res.From = cur
	res.Changed = true
	return res, nil
}

func (e *Engine) current(lead *models.Lead) (int, error) {
	if lead == nil {
		return 0, errors.Wrap(apperr.ErrUnknownRecord, "nil lead")
	}
	if !e.catalog.Known(lead.CurrentStageID) {
		return 0, errors.Wrapf(apperr.ErrUnknownStage, "lead %s is at stage %d", lead.ID, lead.CurrentStageID)
	}
	return lead.CurrentStageID, nil
}

func unchanged(lead *models.Lead) Result {
	return Result{Lead: lead.Clone(), From: lead.CurrentStageID, To: lead.CurrentStageID}
}
