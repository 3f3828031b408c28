package scheduler

import (
	"math/rand"
	"sync"
	"time"

	"github.com/BearBump/TrackFunnel/internal/stages"
)

type Rand interface {
	Intn(n int) int
}

// PlannerConfig holds how long a lead rests on a stage of each category
// before it moves on by itself.
type PlannerConfig struct {
	OriginDelay  time.Duration // default: 6 hours
	CustomsDelay time.Duration // default: 12 hours

	// Transit stages get a random delay in [TransitMinDelay, TransitMaxDelay].
	TransitMinDelay time.Duration // default: 18 hours
	TransitMaxDelay time.Duration // default: 30 hours

	RedeliveryDelay time.Duration // default: 4 hours
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		OriginDelay:     6 * time.Hour,
		CustomsDelay:    12 * time.Hour,
		TransitMinDelay: 18 * time.Hour,
		TransitMaxDelay: 30 * time.Hour,
		RedeliveryDelay: 4 * time.Hour,
	}
}

// Planner decides whether reaching a stage chains another automatic
// advance, and after how long. Checkpoints never chain: they wait for payment.
type Planner struct {
	cfg     PlannerConfig
	catalog *stages.Catalog

	// rmu guards r: Next is called from concurrent request goroutines.
	rmu sync.Mutex
	r   Rand
}

func NewPlanner(catalog *stages.Catalog, cfg PlannerConfig, r Rand) *Planner {
	def := DefaultPlannerConfig()
	if cfg.OriginDelay <= 0 {
		cfg.OriginDelay = def.OriginDelay
	}
	if cfg.CustomsDelay <= 0 {
		cfg.CustomsDelay = def.CustomsDelay
	}
	if cfg.TransitMinDelay <= 0 {
		cfg.TransitMinDelay = def.TransitMinDelay
	}
	if cfg.TransitMaxDelay <= 0 {
		cfg.TransitMaxDelay = def.TransitMaxDelay
	}
	if cfg.TransitMaxDelay < cfg.TransitMinDelay {
		cfg.TransitMaxDelay = cfg.TransitMinDelay
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = def.RedeliveryDelay
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Planner{cfg: cfg, catalog: catalog, r: r}
}

// Next returns the stage a lead resting on stageID moves to by itself and
// the delay before it does. ok is false for checkpoints, unknown stages and
// the end of the catalog.
func (p *Planner) Next(stageID int) (resulting int, delay time.Duration, ok bool) {
	if p.catalog.IsCheckpoint(stageID) {
		return 0, 0, false
	}
	def, err := p.catalog.StageByID(stageID)
	if err != nil {
		return 0, 0, false
	}
	next, ok := p.catalog.Successor(stageID)
	if !ok {
		return 0, 0, false
	}
	return next, p.delayFor(def), true
}

func (p *Planner) delayFor(def stages.StageDefinition) time.Duration {
	if p.catalog.IsDeliveryAttemptStage(def.ID) {
		return p.cfg.RedeliveryDelay
	}
	switch def.Category {
	case stages.CategoryOrigin:
		return p.cfg.OriginDelay
	case stages.CategoryCustoms:
		return p.cfg.CustomsDelay
	default:
		return p.transitDelay()
	}
}

func (p *Planner) transitDelay() time.Duration {
	min := p.cfg.TransitMinDelay
	max := p.cfg.TransitMaxDelay
	if max == min {
		return min
	}
	secMin := int(min.Seconds())
	secMax := int(max.Seconds())
	if secMax < secMin {
		secMax = secMin
	}
	p.rmu.Lock()
	n := p.r.Intn(secMax - secMin + 1)
	p.rmu.Unlock()
	return time.Duration(secMin+n) * time.Second
}
