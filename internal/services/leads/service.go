// Package leads is the funnel facade used by the HTTP API, the Kafka
// consumer, the scheduler and the batch executor. It owns the
// read-modify-write cycle against the lead store and the side effects of a
// stage change: cache refresh, stage events and chained scheduling.
package leads

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/TrackFunnel/internal/apperr"
	"github.com/BearBump/TrackFunnel/internal/broker/messages"
	"github.com/BearBump/TrackFunnel/internal/cache"
	"github.com/BearBump/TrackFunnel/internal/integrations/pix"
	"github.com/BearBump/TrackFunnel/internal/models"
	"github.com/BearBump/TrackFunnel/internal/progression"
	"github.com/BearBump/TrackFunnel/internal/services/scheduler"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/zoobzio/clockz"
)

const maxCreateBatch = 10_000

type Store interface {
	Get(ctx context.Context, id string) (*models.Lead, error)
	Put(ctx context.Context, lead *models.Lead) error
	Delete(ctx context.Context, id string) error
	ListAll(ctx context.Context) ([]*models.Lead, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Scheduler interface {
	ScheduleAdvance(recordID string, delay time.Duration, resultingStageID int) scheduler.CancelToken
	CancelAllForRecord(recordID string) int
	PendingFor(recordID string) []scheduler.Event
}

type Planner interface {
	Next(stageID int) (resulting int, delay time.Duration, ok bool)
}

type Config struct {
	// TrackingTTL is how long a public tracking view stays cached. Zero disables caching.
	TrackingTTL time.Duration
	CustomsFee  decimal.Decimal

	// ChargeLimit charges per lead are allowed inside ChargeWindow. Zero disables the limit.
	ChargeLimit  int64
	ChargeWindow time.Duration

	// StageChangedTopic defaults to messages.TopicStageChanged.
	StageChangedTopic string
}

type Service struct {
	store  Store
	engine *progression.Engine
	cfg    Config
	clock  clockz.Clock

	cache     cache.BytesCache
	limiter   cache.RateLimiter
	gateway   pix.Gateway
	publisher Publisher
	sched     Scheduler
	planner   Planner

	// mu serializes every read-modify-write on the store.
	mu sync.Mutex
}

func New(store Store, engine *progression.Engine, cfg Config) *Service {
	if cfg.ChargeWindow <= 0 {
		cfg.ChargeWindow = time.Hour
	}
	if cfg.StageChangedTopic == "" {
		cfg.StageChangedTopic = messages.TopicStageChanged
	}
	return &Service{store: store, engine: engine, cfg: cfg, clock: clockz.RealClock}
}

func (s *Service) WithClock(c clockz.Clock) *Service {
	if c != nil {
		s.clock = c
	}
	return s
}

func (s *Service) WithCache(c cache.BytesCache) *Service {
	s.cache = c
	return s
}

func (s *Service) WithRateLimiter(l cache.RateLimiter) *Service {
	s.limiter = l
	return s
}

func (s *Service) WithGateway(g pix.Gateway) *Service {
	s.gateway = g
	return s
}

func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// WithScheduler enables simulated shipping time: every stage change chains
// the next automatic advance chosen by planner.
func (s *Service) WithScheduler(sched Scheduler, planner Planner) *Service {
	s.sched = sched
	s.planner = planner
	return s
}

func (s *Service) Engine() *progression.Engine { return s.engine }

func (s *Service) now() time.Time { return s.clock.Now().UTC() }

// Create registers a lead, or returns the stored one when the id is
// already known. created reports which of the two happened.
func (s *Service) Create(ctx context.Context, in models.LeadCreateInput) (lead *models.Lead, created bool, err error) {
	in, err = s.validateInput(in)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(ctx, in)
}

// CreateMany registers validated leads in order, skipping duplicate ids.
func (s *Service) CreateMany(ctx context.Context, items []models.LeadCreateInput) ([]*models.Lead, error) {
	if len(items) == 0 {
		return nil, errors.Wrap(apperr.ErrInvalidInput, "items is empty")
	}
	if len(items) > maxCreateBatch {
		return nil, errors.Wrapf(apperr.ErrInvalidInput, "too many items (max %d)", maxCreateBatch)
	}

	clean := make([]models.LeadCreateInput, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		it, err := s.validateInput(it)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[it.ID]; ok {
			continue
		}
		seen[it.ID] = struct{}{}
		clean = append(clean, it)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Lead, 0, len(clean))
	for _, it := range clean {
		l, _, err := s.createLocked(ctx, it)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *Service) validateInput(in models.LeadCreateInput) (models.LeadCreateInput, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.Name = strings.TrimSpace(in.Name)
	if in.ID == "" {
		return in, errors.Wrap(apperr.ErrInvalidInput, "id is required")
	}
	if in.Name == "" {
		return in, errors.Wrap(apperr.ErrInvalidInput, "name is required")
	}
	if in.StageID == 0 {
		in.StageID = 1
	}
	if !s.engine.Catalog().Known(in.StageID) {
		return in, errors.Wrapf(apperr.ErrUnknownStage, "stage %d", in.StageID)
	}
	return in, nil
}

func (s *Service) createLocked(ctx context.Context, in models.LeadCreateInput) (*models.Lead, bool, error) {
	existing, err := s.store.Get(ctx, in.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, apperr.ErrUnknownRecord) {
		return nil, false, err
	}

	now := s.now()
	lead := &models.Lead{
		ID:             in.ID,
		Name:           in.Name,
		Email:          in.Email,
		Phone:          in.Phone,
		Address:        in.Address,
		City:           in.City,
		State:          in.State,
		ZipCode:        in.ZipCode,
		Product:        in.Product,
		CurrentStageID: 1,
		PaymentStatus:  models.PaymentStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	res := progression.Result{Lead: lead, From: 0, To: 1, Changed: true}
	if in.StageID != 1 {
		res, err = s.engine.SetStage(lead, in.StageID)
		if err != nil {
			return nil, false, err
		}
		res.From = 0
	}

	if err := s.store.Put(ctx, res.Lead); err != nil {
		return nil, false, err
	}
	s.afterChange(ctx, res, ReasonCreated, true)
	return res.Lead, true, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Lead, error) {
	return s.store.Get(ctx, id)
}

type ListFilter struct {
	StageID       int
	PaymentStatus models.PaymentStatus
	Limit         int
	Offset        int
}

// List returns leads ordered by creation time, filtered and paginated.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*models.Lead, int, error) {
	all, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, 0, err
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	matched := all[:0]
	for _, l := range all {
		if f.StageID != 0 && l.CurrentStageID != f.StageID {
			continue
		}
		if f.PaymentStatus != "" && l.PaymentStatus != f.PaymentStatus {
			continue
		}
		matched = append(matched, l)
	}
	total := len(matched)
	if f.Offset >= total {
		return []*models.Lead{}, total, nil
	}
	end := f.Offset + f.Limit
	if end > total {
		end = total
	}
	return matched[f.Offset:end], total, nil
}

// StageCounts returns how many leads sit on each stage.
func (s *Service) StageCounts(ctx context.Context) (map[int]int, error) {
	all, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int]int)
	for _, l := range all {
		out[l.CurrentStageID]++
	}
	return out, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if s.sched != nil {
		s.sched.CancelAllForRecord(id)
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, trackingKey(id)); err != nil {
			slog.Warn("tracking cache delete", "lead_id", id, "error", err.Error())
		}
	}
	slog.Info("lead deleted", "lead_id", id)
	return nil
}
