// Package batch runs administrator mass actions over a selection of leads,
// one lead at a time, with progress reporting and cooperative cancellation.
package batch

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/TrackFunnel/internal/apperr"
	"github.com/BearBump/TrackFunnel/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/zoobzio/clockz"
)

type ActionKind string

const (
	ActionAdvance ActionKind = "advance"
	ActionRetreat ActionKind = "retreat"
	ActionSetTo   ActionKind = "set"
	ActionDelete  ActionKind = "delete"
)

type Action struct {
	Kind    ActionKind `json:"kind"`
	StageID int        `json:"stageId,omitempty"`
}

func Advance() Action          { return Action{Kind: ActionAdvance} }
func Retreat() Action          { return Action{Kind: ActionRetreat} }
func SetTo(stageID int) Action { return Action{Kind: ActionSetTo, StageID: stageID} }
func Delete() Action           { return Action{Kind: ActionDelete} }

func ParseAction(kind string, stageID int) (Action, error) {
	switch ActionKind(kind) {
	case ActionAdvance:
		return Advance(), nil
	case ActionRetreat:
		return Retreat(), nil
	case ActionDelete:
		return Delete(), nil
	case ActionSetTo:
		if stageID < 1 {
			return Action{}, errors.Wrapf(apperr.ErrUnknownStage, "set action needs a stage, got %d", stageID)
		}
		return SetTo(stageID), nil
	}
	return Action{}, errors.Wrapf(apperr.ErrInvalidInput, "unknown batch action %q", kind)
}

// Applier performs one action on one lead through the record store.
type Applier interface {
	Advance(ctx context.Context, id string) (*models.Lead, error)
	Retreat(ctx context.Context, id string) (*models.Lead, error)
	SetStage(ctx context.Context, id string, stageID int) (*models.Lead, error)
	Delete(ctx context.Context, id string) error
}

type Progress struct {
	JobID        string `json:"jobId"`
	Cursor       int    `json:"cursor"`
	Total        int    `json:"total"`
	SuccessCount int    `json:"successCount"`
	ErrorCount   int    `json:"errorCount"`
}

type ItemError struct {
	RecordID string `json:"recordId"`
	Kind     string `json:"kind"`
	Reason   string `json:"reason"`
}

type Report struct {
	JobID        string      `json:"jobId"`
	Session      string      `json:"session"`
	Action       Action      `json:"action"`
	Total        int         `json:"total"`
	Cursor       int         `json:"cursor"`
	SuccessCount int         `json:"successCount"`
	ErrorCount   int         `json:"errorCount"`
	Errors       []ItemError `json:"errors,omitempty"`
	Cancelled    bool        `json:"cancelled"`
	Done         bool        `json:"done"`
	StartedAt    time.Time   `json:"startedAt"`
	FinishedAt   *time.Time  `json:"finishedAt,omitempty"`
}

// Handle controls a running batch.
type Handle struct {
	cancelled atomic.Bool
	done      chan struct{}

	mu     sync.Mutex
	report Report
}

func (h *Handle) ID() string { return h.report.JobID }

// Cancel stops the batch before its next item. Already applied items stay applied.
func (h *Handle) Cancel() { h.cancelled.Store(true) }

func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Snapshot() Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.report
	r.Errors = append([]ItemError(nil), h.report.Errors...)
	return r
}

// Wait blocks until the batch finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Report, error) {
	select {
	case <-h.done:
		return h.Snapshot(), nil
	case <-ctx.Done():
		return h.Snapshot(), ctx.Err()
	}
}

type Executor struct {
	applier    Applier
	clock      clockz.Clock
	yieldEvery int
	yield      func()

	mu      sync.Mutex
	running map[string]*Handle
	last    map[string]Report
}

func New(applier Applier) *Executor {
	return &Executor{
		applier:    applier,
		clock:      clockz.RealClock,
		yieldEvery: 25,
		yield:      runtime.Gosched,
		running:    make(map[string]*Handle),
		last:       make(map[string]Report),
	}
}

func (e *Executor) WithClock(clock clockz.Clock) *Executor {
	if clock != nil {
		e.clock = clock
	}
	return e
}

// WithYieldEvery sets how many items run between two yields to the Go scheduler.
func (e *Executor) WithYieldEvery(n int) *Executor {
	if n > 0 {
		e.yieldEvery = n
	}
	return e
}

// StartBatch snapshots targets (duplicates dropped, order kept) and runs
// action over them in the background. One batch may run per session.
func (e *Executor) StartBatch(ctx context.Context, session string, action Action, targets []string, onProgress func(Progress)) (*Handle, error) {
	ids := dedup(targets)
	if len(ids) == 0 {
		return nil, apperr.ErrEmptySelection
	}

	e.mu.Lock()
	if _, ok := e.running[session]; ok {
		e.mu.Unlock()
		return nil, errors.Wrapf(apperr.ErrBatchAlreadyRunning, "session %q", session)
	}
	h := &Handle{
		done: make(chan struct{}),
		report: Report{
			JobID:     uuid.NewString(),
			Session:   session,
			Action:    action,
			Total:     len(ids),
			StartedAt: e.clock.Now().UTC(),
		},
	}
	e.running[session] = h
	e.mu.Unlock()

	slog.Info("batch started", "job_id", h.ID(), "session", session, "action", string(action.Kind), "total", len(ids))
	go e.run(ctx, h, action, ids, onProgress)
	return h, nil
}

func (e *Executor) Running(session string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[session]
	return ok
}

// Status returns the running batch of session, or the last finished one.
func (e *Executor) Status(session string) (Report, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.running[session]; ok {
		return h.Snapshot(), true
	}
	r, ok := e.last[session]
	return r, ok
}

func (e *Executor) Cancel(session string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.running[session]
	if ok {
		h.Cancel()
	}
	return ok
}

func (e *Executor) run(ctx context.Context, h *Handle, action Action, ids []string, onProgress func(Progress)) {
	cancelled := false
	for i, id := range ids {
		if h.cancelled.Load() || ctx.Err() != nil {
			cancelled = true
			break
		}

		err := e.apply(ctx, action, id)

		h.mu.Lock()
		h.report.Cursor = i + 1
		if err != nil {
			h.report.ErrorCount++
			h.report.Errors = append(h.report.Errors, ItemError{RecordID: id, Kind: apperr.Kind(err), Reason: err.Error()})
		} else {
			h.report.SuccessCount++
		}
		p := Progress{
			JobID:        h.report.JobID,
			Cursor:       h.report.Cursor,
			Total:        h.report.Total,
			SuccessCount: h.report.SuccessCount,
			ErrorCount:   h.report.ErrorCount,
		}
		h.mu.Unlock()

		if err != nil {
			slog.Warn("batch item failed", "job_id", p.JobID, "lead_id", id, "error", err.Error())
		}
		if onProgress != nil {
			onProgress(p)
		}
		if e.yieldEvery > 0 && (i+1)%e.yieldEvery == 0 {
			e.yield()
		}
	}

	finished := e.clock.Now().UTC()
	h.mu.Lock()
	h.report.Cancelled = cancelled
	h.report.Done = true
	h.report.FinishedAt = &finished
	h.mu.Unlock()

	final := h.Snapshot()
	e.mu.Lock()
	delete(e.running, final.Session)
	e.last[final.Session] = final
	e.mu.Unlock()
	close(h.done)

	slog.Info("batch finished", "job_id", final.JobID, "session", final.Session,
		"success", final.SuccessCount, "errors", final.ErrorCount, "cancelled", final.Cancelled)
}

func (e *Executor) apply(ctx context.Context, action Action, id string) error {
	var err error
	switch action.Kind {
	case ActionAdvance:
		_, err = e.applier.Advance(ctx, id)
	case ActionRetreat:
		_, err = e.applier.Retreat(ctx, id)
	case ActionSetTo:
		_, err = e.applier.SetStage(ctx, id, action.StageID)
	case ActionDelete:
		err = e.applier.Delete(ctx, id)
	default:
		err = errors.Wrapf(apperr.ErrInvalidInput, "unknown batch action %q", action.Kind)
	}
	return err
}

func dedup(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
