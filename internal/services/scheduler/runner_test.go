package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/TrackFunnel/internal/apperr"
	"github.com/BearBump/TrackFunnel/internal/models"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

type fakeRepo struct {
	mu    sync.Mutex
	leads map[string]*models.Lead
	err   error
}

func newFakeRepo(leads ...*models.Lead) *fakeRepo {
	r := &fakeRepo{leads: map[string]*models.Lead{}}
	for _, l := range leads {
		r.leads[l.ID] = l
	}
	return r
}

func (r *fakeRepo) Get(ctx context.Context, id string) (*models.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	l, ok := r.leads[id]
	if !ok {
		return nil, apperr.ErrUnknownRecord
	}
	return l.Clone(), nil
}

func (r *fakeRepo) stage(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leads[id].CurrentStageID
}

// fakeAdvancer moves the lead and, like the leads service, chains the next
// event when chain > 0.
type fakeAdvancer struct {
	repo   *fakeRepo
	runner *Runner
	chain  time.Duration
	err    error

	mu    sync.Mutex
	fired []Event
	done  chan struct{}
}

func (a *fakeAdvancer) AdvanceScheduled(ctx context.Context, ev Event) error {
	a.mu.Lock()
	a.fired = append(a.fired, ev)
	a.mu.Unlock()
	if a.done != nil {
		select {
		case a.done <- struct{}{}:
		default:
		}
	}
	if a.err != nil {
		return a.err
	}
	a.repo.mu.Lock()
	a.repo.leads[ev.RecordID].CurrentStageID = ev.ResultingStageID
	a.repo.mu.Unlock()
	if a.chain > 0 {
		a.runner.ScheduleAdvance(ev.RecordID, a.chain, ev.ResultingStageID+1)
	}
	return nil
}

func (a *fakeAdvancer) firedStages() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, 0, len(a.fired))
	for _, ev := range a.fired {
		out = append(out, ev.ResultingStageID)
	}
	return out
}

func newRunner(t *testing.T, leads ...*models.Lead) (*Runner, *fakeRepo, *fakeAdvancer, *clockz.FakeClock) {
	t.Helper()
	clock := clockz.NewFakeClock()
	repo := newFakeRepo(leads...)
	r := New(repo, clock)
	adv := &fakeAdvancer{repo: repo, runner: r}
	r.WithAdvancer(adv)
	return r, repo, adv, clock
}

func TestRunner_FiresWhenDueInOrder(t *testing.T) {
	r, repo, adv, clock := newRunner(t,
		&models.Lead{ID: "a", CurrentStageID: 1},
		&models.Lead{ID: "b", CurrentStageID: 4},
	)
	ctx := context.Background()

	r.ScheduleAdvance("a", 2*time.Hour, 2)
	r.ScheduleAdvance("b", time.Hour, 5)
	require.Equal(t, 2, r.Pending())

	require.Equal(t, 0, r.RunDue(ctx))
	require.Empty(t, adv.firedStages())

	clock.Advance(time.Hour)
	require.Equal(t, 1, r.RunDue(ctx))
	require.Equal(t, []int{5}, adv.firedStages())

	clock.Advance(time.Hour)
	require.Equal(t, 1, r.RunDue(ctx))
	require.Equal(t, []int{5, 2}, adv.firedStages())
	require.Equal(t, 2, repo.stage("a"))
	require.Equal(t, 0, r.Pending())
	require.Equal(t, int64(2), r.Stats().TotalFired)
}

func TestRunner_ChainedEventsFireOnlyWhenDue(t *testing.T) {
	r, repo, adv, clock := newRunner(t, &models.Lead{ID: "a", CurrentStageID: 12})
	adv.chain = 30 * time.Minute
	ctx := context.Background()

	r.ScheduleAdvance("a", 30*time.Minute, 13)

	clock.Advance(30 * time.Minute)
	require.Equal(t, 1, r.RunDue(ctx))
	require.Equal(t, 13, repo.stage("a"))
	require.Len(t, r.PendingFor("a"), 1)

	clock.Advance(time.Hour)
	// 14 is overdue; 15 is chained 30 minutes from now and must wait
	require.Equal(t, 1, r.RunDue(ctx))
	require.Equal(t, []int{13, 14}, adv.firedStages())
	require.Equal(t, 14, repo.stage("a"))
	require.Len(t, r.PendingFor("a"), 1)

	clock.Advance(30 * time.Minute)
	require.Equal(t, 1, r.RunDue(ctx))
	require.Equal(t, 15, repo.stage("a"))
}

func TestRunner_CancelIsIdempotent(t *testing.T) {
	r, _, adv, clock := newRunner(t, &models.Lead{ID: "a", CurrentStageID: 1})
	ctx := context.Background()

	tok := r.ScheduleAdvance("a", time.Minute, 2)
	require.True(t, r.Cancel(tok))
	require.False(t, r.Cancel(tok))

	clock.Advance(time.Minute)
	require.Equal(t, 0, r.RunDue(ctx))
	require.Empty(t, adv.firedStages())

	// cancelling an already fired event is a no-op
	tok = r.ScheduleAdvance("a", 0, 2)
	require.Equal(t, 1, r.RunDue(ctx))
	require.False(t, r.Cancel(tok))
	require.Equal(t, int64(1), r.Stats().TotalCancelled)
}

func TestRunner_CancelAllForRecord(t *testing.T) {
	r, _, adv, clock := newRunner(t,
		&models.Lead{ID: "a", CurrentStageID: 1},
		&models.Lead{ID: "b", CurrentStageID: 1},
	)
	for i := 0; i < 4; i++ {
		r.ScheduleAdvance("a", time.Duration(i+1)*time.Minute, 2)
	}
	r.ScheduleAdvance("b", time.Minute, 2)

	require.Equal(t, 4, r.CancelAllForRecord("a"))
	require.Equal(t, 0, r.CancelAllForRecord("a"))
	require.Empty(t, r.PendingFor("a"))
	require.Equal(t, 1, r.Pending())

	clock.Advance(10 * time.Minute)
	r.RunDue(context.Background())
	require.Equal(t, []int{2}, adv.firedStages())
}

func TestRunner_SkipsStaleEvents(t *testing.T) {
	r, repo, adv, clock := newRunner(t,
		&models.Lead{ID: "ahead", CurrentStageID: 7},
		&models.Lead{ID: "behind", CurrentStageID: 2},
	)
	ctx := context.Background()

	r.ScheduleAdvance("ahead", time.Minute, 6)
	r.ScheduleAdvance("behind", time.Minute, 6)
	r.ScheduleAdvance("gone", time.Minute, 3)

	clock.Advance(time.Minute)
	require.Equal(t, 3, r.RunDue(ctx))
	require.Empty(t, adv.firedStages())
	require.Equal(t, 7, repo.stage("ahead"))
	require.Equal(t, 2, repo.stage("behind"))

	st := r.Stats()
	require.Equal(t, int64(3), st.TotalStale)
	require.Equal(t, int64(0), st.TotalErrors)
}

func TestRunner_AdvancerErrors(t *testing.T) {
	r, _, adv, clock := newRunner(t, &models.Lead{ID: "a", CurrentStageID: 10})
	ctx := context.Background()

	adv.err = apperr.ErrPaymentRequired
	r.ScheduleAdvance("a", 0, 11)
	clock.Advance(time.Second)
	r.RunDue(ctx)
	require.Equal(t, int64(1), r.Stats().TotalStale)

	adv.err = apperr.StoreIO(errors.New("conn refused"))
	r.ScheduleAdvance("a", 0, 11)
	r.RunDue(ctx)
	st := r.Stats()
	require.Equal(t, int64(1), st.TotalErrors)
	require.Contains(t, st.LastError, "conn refused")
}

func TestRunner_RepoErrorCounted(t *testing.T) {
	r, repo, _, _ := newRunner(t, &models.Lead{ID: "a", CurrentStageID: 1})
	repo.err = apperr.StoreIO(errors.New("timeout"))

	r.ScheduleAdvance("a", 0, 2)
	r.RunDue(context.Background())
	require.Equal(t, int64(1), r.Stats().TotalErrors)
}

func TestRunner_Run_TriggerAndStop(t *testing.T) {
	r, _, adv, _ := newRunner(t, &models.Lead{ID: "a", CurrentStageID: 1})
	adv.done = make(chan struct{}, 1)
	r.WithPollInterval(time.Hour)
	r.ScheduleAdvance("a", 0, 2)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	r.Trigger()
	select {
	case <-adv.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for triggered run")
	}

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	require.NotNil(t, r.Stats().LastTriggerAt)
}
