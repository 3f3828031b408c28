package leads

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/BearBump/TrackFunnel/internal/apperr"
	"github.com/BearBump/TrackFunnel/internal/broker/messages"
	"github.com/BearBump/TrackFunnel/internal/models"
	"github.com/BearBump/TrackFunnel/internal/progression"
	"github.com/BearBump/TrackFunnel/internal/services/scheduler"
	"github.com/pkg/errors"
)

const (
	ReasonCreated   = "created"
	ReasonAdvance   = "advance"
	ReasonRetreat   = "retreat"
	ReasonSetStage  = "set_stage"
	ReasonPayment   = "payment_confirmed"
	ReasonScheduled = "scheduled"
)

func (s *Service) Advance(ctx context.Context, id string) (*models.Lead, error) {
	return s.mutate(ctx, id, ReasonAdvance, true, s.engine.Advance)
}

func (s *Service) Retreat(ctx context.Context, id string) (*models.Lead, error) {
	return s.mutate(ctx, id, ReasonRetreat, true, s.engine.Retreat)
}

func (s *Service) SetStage(ctx context.Context, id string, stageID int) (*models.Lead, error) {
	return s.mutate(ctx, id, ReasonSetStage, true, func(l *models.Lead) (progression.Result, error) {
		return s.engine.SetStage(l, stageID)
	})
}

// ConfirmPayment marks the checkpoint identified by rawKey as paid. A lead
// sitting on that checkpoint moves past it.
func (s *Service) ConfirmPayment(ctx context.Context, id, rawKey string) (*models.Lead, error) {
	key, err := s.engine.Gate().ParseKey(rawKey)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, ReasonPayment, true, func(l *models.Lead) (progression.Result, error) {
		return s.engine.ConfirmPayment(l, key)
	})
}

// SimulatePayment confirms the checkpoint the lead currently sits on.
func (s *Service) SimulatePayment(ctx context.Context, id string) (*models.Lead, error) {
	lead, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	key, ok := s.engine.Gate().KeyForStage(lead.CurrentStageID)
	if !ok {
		return nil, errors.Wrapf(apperr.ErrInvalidCheckpoint, "lead %s is not waiting for a payment", id)
	}
	return s.ConfirmPayment(ctx, id, key)
}

// AdvanceScheduled applies a due scheduler event. The lead is re-read under
// the lock; an event that no longer matches it is dropped silently.
func (s *Service) AdvanceScheduled(ctx context.Context, ev scheduler.Event) error {
	_, err := s.mutate(ctx, ev.RecordID, ReasonScheduled, false, func(l *models.Lead) (progression.Result, error) {
		if l.CurrentStageID != ev.ResultingStageID-1 {
			return progression.Result{Lead: l, From: l.CurrentStageID, To: l.CurrentStageID}, nil
		}
		return s.engine.Advance(l)
	})
	return err
}

func (s *Service) mutate(ctx context.Context, id, reason string, manual bool, op func(*models.Lead) (progression.Result, error)) (*models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lead, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := op(lead)
	if err != nil {
		return nil, err
	}
	if !res.Changed {
		return res.Lead, nil
	}
	if err := s.store.Put(ctx, res.Lead); err != nil {
		return nil, err
	}
	s.afterChange(ctx, res, reason, manual)
	return res.Lead, nil
}

// afterChange runs the side effects of a persisted change. None of them
// fails the operation: the store already holds the new state.
func (s *Service) afterChange(ctx context.Context, res progression.Result, reason string, manual bool) {
	lead := res.Lead
	if s.sched != nil && s.planner != nil {
		if manual {
			if n := s.sched.CancelAllForRecord(lead.ID); n > 0 {
				slog.Debug("scheduled advances cancelled", "lead_id", lead.ID, "count", n)
			}
		}
		s.scheduleNext(lead.ID, lead.CurrentStageID)
	}

	s.refreshTracking(ctx, lead)

	if res.From != res.To {
		s.publishStageChanged(ctx, res, reason)
		slog.Info("lead stage changed", "lead_id", lead.ID, "from", res.From, "to", res.To, "reason", reason)
	} else {
		slog.Info("lead updated", "lead_id", lead.ID, "stage", res.To, "reason", reason)
	}
}

func (s *Service) scheduleNext(id string, stageID int) {
	next, delay, ok := s.planner.Next(stageID)
	if !ok {
		return
	}
	s.sched.ScheduleAdvance(id, delay, next)
}

// ensureScheduled re-chains a lead whose pending events were lost, e.g.
// across a restart. It holds mu so the pending check and the schedule are
// one step against concurrent loads and changes.
func (s *Service) ensureScheduled(id string, stageID int) {
	if s.sched == nil || s.planner == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sched.PendingFor(id)) > 0 {
		return
	}
	s.scheduleNext(id, stageID)
}

func (s *Service) publishStageChanged(ctx context.Context, res progression.Result, reason string) {
	if s.publisher == nil {
		return
	}
	msg := messages.StageChanged{
		LeadID:        res.Lead.ID,
		FromStageID:   res.From,
		ToStageID:     res.To,
		PaymentStatus: string(res.Lead.PaymentStatus),
		Reason:        reason,
		ChangedAt:     res.Lead.UpdatedAt,
	}
	if def, err := s.engine.Catalog().StageByID(res.To); err == nil {
		msg.StageName = def.Name
		msg.Category = string(def.Category)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal stage changed", "lead_id", msg.LeadID, "error", err.Error())
		return
	}
	if err := s.publisher.Publish(ctx, s.cfg.StageChangedTopic, []byte(msg.LeadID), b); err != nil {
		slog.Warn("publish stage changed", "lead_id", msg.LeadID, "error", err.Error())
	}
}

// HandlePaymentConfirmed applies a payment.confirmed message. Messages for
// unknown leads or checkpoints are logged and dropped; store failures are
// returned so the message is retried.
func (s *Service) HandlePaymentConfirmed(ctx context.Context, value []byte) error {
	msg, err := messages.DecodePaymentConfirmed(value)
	if err != nil {
		slog.Warn("drop payment message", "error", err.Error())
		return nil
	}
	_, err = s.ConfirmPayment(ctx, msg.LeadID, msg.Checkpoint)
	if err == nil {
		return nil
	}
	if apperr.IsTransient(err) {
		return err
	}
	slog.Warn("drop payment message", "lead_id", msg.LeadID, "checkpoint", msg.Checkpoint, "error", err.Error())
	return nil
}
