// Package scheduler simulates elapsed shipping time: it keeps a queue of
// future automatic stage advances and fires them once their time has come.
//
// Events live in memory only; a restart drops whatever was pending.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/TrackFunnel/internal/apperr"
	"github.com/BearBump/TrackFunnel/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/zoobzio/clockz"
)

type CancelToken string

type Event struct {
	Token            CancelToken
	RecordID         string
	FireAt           time.Time
	ResultingStageID int

	seq   uint64
	index int
}

type Repository interface {
	Get(ctx context.Context, id string) (*models.Lead, error)
}

// Advancer applies a due event. It is expected to re-read the lead itself.
type Advancer interface {
	AdvanceScheduled(ctx context.Context, ev Event) error
}

type Runner struct {
	repo     Repository
	advancer Advancer
	clock    clockz.Clock

	pollInterval time.Duration

	mu       sync.Mutex
	queue    eventQueue
	byToken  map[CancelToken]*Event
	byRecord map[string]map[CancelToken]struct{}
	seq      uint64

	triggerCh chan struct{}

	startedAt           time.Time
	lastRunUnixNano     atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalScheduled      atomic.Int64
	totalFired          atomic.Int64
	totalStale          atomic.Int64
	totalCancelled      atomic.Int64
	totalErrors         atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, clock clockz.Clock) *Runner {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Runner{
		repo:         repo,
		clock:        clock,
		pollInterval: time.Second,
		byToken:      make(map[CancelToken]*Event),
		byRecord:     make(map[string]map[CancelToken]struct{}),
		triggerCh:    make(chan struct{}, 1),
		startedAt:    clock.Now().UTC(),
	}
}

// WithAdvancer wires the component that performs the actual stage change.
func (r *Runner) WithAdvancer(a Advancer) *Runner {
	r.advancer = a
	return r
}

func (r *Runner) WithPollInterval(d time.Duration) *Runner {
	if d > 0 {
		r.pollInterval = d
	}
	return r
}

// ScheduleAdvance registers an advance of recordID to resultingStageID
// after delay has elapsed.
func (r *Runner) ScheduleAdvance(recordID string, delay time.Duration, resultingStageID int) CancelToken {
	if delay < 0 {
		delay = 0
	}
	ev := &Event{
		Token:            CancelToken(uuid.NewString()),
		RecordID:         recordID,
		FireAt:           r.clock.Now().UTC().Add(delay),
		ResultingStageID: resultingStageID,
	}

	r.mu.Lock()
	r.seq++
	ev.seq = r.seq
	heap.Push(&r.queue, ev)
	r.byToken[ev.Token] = ev
	tokens, ok := r.byRecord[recordID]
	if !ok {
		tokens = make(map[CancelToken]struct{})
		r.byRecord[recordID] = tokens
	}
	tokens[ev.Token] = struct{}{}
	r.mu.Unlock()

	r.totalScheduled.Add(1)
	return ev.Token
}

// Cancel drops a pending event. Cancelling a fired or already cancelled
// event is a no-op and returns false.
func (r *Runner) Cancel(token CancelToken) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.byToken[token]
	if !ok {
		return false
	}
	r.removeLocked(ev)
	heap.Remove(&r.queue, ev.index)
	r.totalCancelled.Add(1)
	return true
}

// CancelAllForRecord drops every pending event of recordID and returns how
// many there were.
func (r *Runner) CancelAllForRecord(recordID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	tokens := r.byRecord[recordID]
	n := 0
	for token := range tokens {
		ev := r.byToken[token]
		r.removeLocked(ev)
		heap.Remove(&r.queue, ev.index)
		n++
	}
	r.totalCancelled.Add(int64(n))
	return n
}

// PendingFor lists the pending events of recordID ordered by fire time.
func (r *Runner) PendingFor(recordID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.byRecord[recordID]))
	for token := range r.byRecord[recordID] {
		out = append(out, *r.byToken[token])
	}
	sortEvents(out)
	return out
}

func (r *Runner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Len()
}

// Trigger forces an immediate pass over due events (best-effort, non-blocking).
func (r *Runner) Trigger() {
	r.lastTriggerUnixNano.Store(r.clock.Now().UTC().UnixNano())
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(r.pollInterval):
			r.RunDue(ctx)
		case <-r.triggerCh:
			r.RunDue(ctx)
		}
	}
}

// RunDue fires, in fire-time order, every event that is due now, including
// events chained by earlier fires in the same pass. It returns how many
// events were taken off the queue.
func (r *Runner) RunDue(ctx context.Context) int {
	now := r.clock.Now().UTC()
	r.lastRunUnixNano.Store(now.UnixNano())

	n := 0
	for ctx.Err() == nil {
		ev, ok := r.popDue(now)
		if !ok {
			break
		}
		n++
		r.fire(ctx, ev)
	}
	return n
}

func (r *Runner) popDue(now time.Time) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queue.Len() == 0 || r.queue[0].FireAt.After(now) {
		return Event{}, false
	}
	ev := heap.Pop(&r.queue).(*Event)
	r.removeLocked(ev)
	return *ev, true
}

func (r *Runner) fire(ctx context.Context, ev Event) {
	lead, err := r.repo.Get(ctx, ev.RecordID)
	if errors.Is(err, apperr.ErrUnknownRecord) {
		r.skip(ev, "lead deleted")
		return
	}
	if err != nil {
		r.fail(ev, err)
		return
	}
	if lead.CurrentStageID >= ev.ResultingStageID {
		r.skip(ev, "lead already past target")
		return
	}
	if lead.CurrentStageID != ev.ResultingStageID-1 {
		r.skip(ev, "lead moved away")
		return
	}
	if r.advancer == nil {
		r.fail(ev, errors.New("advancer not wired"))
		return
	}

	err = r.advancer.AdvanceScheduled(ctx, ev)
	switch {
	case err == nil:
		r.totalFired.Add(1)
		slog.Info("scheduled advance fired", "lead_id", ev.RecordID, "stage", ev.ResultingStageID)
	case errors.Is(err, apperr.ErrUnknownRecord):
		r.skip(ev, "lead deleted")
	case errors.Is(err, apperr.ErrPaymentRequired):
		r.skip(ev, "payment required")
	default:
		r.fail(ev, err)
	}
}

func (r *Runner) skip(ev Event, reason string) {
	r.totalStale.Add(1)
	slog.Debug("scheduled advance skipped", "lead_id", ev.RecordID, "stage", ev.ResultingStageID, "reason", reason)
}

func (r *Runner) fail(ev Event, err error) {
	r.totalErrors.Add(1)
	r.lastErrorMu.Lock()
	r.lastError = err.Error()
	r.lastErrorMu.Unlock()
	slog.Error("scheduled advance", "lead_id", ev.RecordID, "stage", ev.ResultingStageID, "error", err.Error())
}

func (r *Runner) removeLocked(ev *Event) {
	delete(r.byToken, ev.Token)
	if tokens, ok := r.byRecord[ev.RecordID]; ok {
		delete(tokens, ev.Token)
		if len(tokens) == 0 {
			delete(r.byRecord, ev.RecordID)
		}
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastRunAt      *time.Time `json:"lastRunAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	Pending        int        `json:"pending"`
	TotalScheduled int64      `json:"totalScheduled"`
	TotalFired     int64      `json:"totalFired"`
	TotalStale     int64      `json:"totalStale"`
	TotalCancelled int64      `json:"totalCancelled"`
	TotalErrors    int64      `json:"totalErrors"`
	LastError      string     `json:"lastError,omitempty"`
}

func (r *Runner) Stats() Stats {
	st := Stats{
		StartedAt:      r.startedAt,
		Pending:        r.Pending(),
		TotalScheduled: r.totalScheduled.Load(),
		TotalFired:     r.totalFired.Load(),
		TotalStale:     r.totalStale.Load(),
		TotalCancelled: r.totalCancelled.Load(),
		TotalErrors:    r.totalErrors.Load(),
	}
	if n := r.lastRunUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastRunAt = &t
	}
	if n := r.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	r.lastErrorMu.Lock()
	st.LastError = r.lastError
	r.lastErrorMu.Unlock()
	return st
}
