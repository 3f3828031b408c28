package stages

import (
	"fmt"
	"math"

	"github.com/BearBump/TrackFunnel/internal/apperr"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// DefaultMaxAttempts bounds the cycle so every recognised stage id, and
// every loop over attempt ordinals, stays finite.
const DefaultMaxAttempts = 1000

// Cycle is the repeating delivery-attempt sub-flow. Every cycle spans
// length stage ids: the attempt checkpoint followed by length-1 redelivery
// transit stages. Stage ids keep growing up to maxOrdinal attempts; the fee
// table wraps back to its first tier after the last one.
type Cycle struct {
	firstAttempt int
	length       int
	maxOrdinal   int
	fees         []decimal.Decimal

	attemptName       string
	intermediateNames []string
}

// NewCycle builds a cycle anchored at firstAttemptStageID. intermediateNames
// names the stages between two attempts, so the cycle length is
// len(intermediateNames)+1. attemptName is a format string taking the ordinal.
func NewCycle(firstAttemptStageID int, attemptName string, intermediateNames []string, fees []decimal.Decimal) (*Cycle, error) {
	if firstAttemptStageID < 1 {
		return nil, errors.Errorf("first attempt stage %d must be positive", firstAttemptStageID)
	}
	if len(intermediateNames) == 0 {
		return nil, errors.New("cycle needs at least one intermediate stage")
	}
	if len(fees) == 0 {
		return nil, errors.New("fee table is empty")
	}
	for i, f := range fees {
		if !f.IsPositive() {
			return nil, errors.Errorf("fee tier %d must be positive, got %s", i+1, f)
		}
	}
	names := make([]string, len(intermediateNames))
	copy(names, intermediateNames)
	table := make([]decimal.Decimal, len(fees))
	copy(table, fees)

	c := &Cycle{
		firstAttempt:      firstAttemptStageID,
		length:            len(names) + 1,
		fees:              table,
		attemptName:       attemptName,
		intermediateNames: names,
	}
	return c.WithMaxAttempts(DefaultMaxAttempts), nil
}

// WithMaxAttempts caps the number of delivery attempts. n <= 0 restores
// DefaultMaxAttempts; the cap is lowered further if the last stage id
// would not fit in an int.
func (c *Cycle) WithMaxAttempts(n int) *Cycle {
	if n <= 0 {
		n = DefaultMaxAttempts
	}
	if limit := (math.MaxInt - c.firstAttempt) / c.length; n > limit {
		n = limit
	}
	c.maxOrdinal = n
	return c
}

func (c *Cycle) FirstAttemptStageID() int { return c.firstAttempt }
func (c *Cycle) Length() int              { return c.length }
func (c *Cycle) MaxAttempts() int         { return c.maxOrdinal }

// LastStageID is the final redelivery stage of the last allowed attempt.
func (c *Cycle) LastStageID() int {
	return c.firstAttempt + c.maxOrdinal*c.length - 1
}

func (c *Cycle) Fees() []decimal.Decimal {
	out := make([]decimal.Decimal, len(c.fees))
	copy(out, c.fees)
	return out
}

func (c *Cycle) Contains(stageID int) bool {
	return stageID >= c.firstAttempt && stageID <= c.LastStageID()
}

func (c *Cycle) IsAttemptCheckpoint(stageID int) bool {
	return c.Contains(stageID) && (stageID-c.firstAttempt)%c.length == 0
}

// AttemptOrdinal is floor((stageID - firstAttempt) / length) + 1.
func (c *Cycle) AttemptOrdinal(stageID int) (int, error) {
	if !c.Contains(stageID) {
		return 0, errors.Wrapf(apperr.ErrNotADeliveryStage, "stage %d", stageID)
	}
	return (stageID-c.firstAttempt)/c.length + 1, nil
}

// FeeForOrdinal indexes the fee table with (ordinal-1) mod len.
func (c *Cycle) FeeForOrdinal(ordinal int) (decimal.Decimal, error) {
	if ordinal < 1 {
		return decimal.Zero, errors.Wrapf(apperr.ErrInvalidInput, "attempt ordinal %d", ordinal)
	}
	return c.fees[(ordinal-1)%len(c.fees)], nil
}

func (c *Cycle) AttemptStageID(ordinal int) (int, error) {
	if ordinal < 1 || ordinal > c.maxOrdinal {
		return 0, errors.Wrapf(apperr.ErrInvalidInput, "attempt ordinal %d (max %d)", ordinal, c.maxOrdinal)
	}
	return c.firstAttempt + (ordinal-1)*c.length, nil
}

// NextAttemptStageID returns the checkpoint of the cycle after the one
// stageID belongs to. It fails on the last allowed attempt.
func (c *Cycle) NextAttemptStageID(stageID int) (int, error) {
	ord, err := c.AttemptOrdinal(stageID)
	if err != nil {
		return 0, err
	}
	return c.AttemptStageID(ord + 1)
}

// OrdinalsBetween returns the attempt ordinals whose checkpoint lies in
// [lo, hi). ok is false when there are none.
func (c *Cycle) OrdinalsBetween(lo, hi int) (first, last int, ok bool) {
	if lo < c.firstAttempt {
		lo = c.firstAttempt
	}
	if hi > c.LastStageID()+1 {
		hi = c.LastStageID() + 1
	}
	if lo >= hi {
		return 0, 0, false
	}
	first = (lo-c.firstAttempt+c.length-1)/c.length + 1
	last = (hi-1-c.firstAttempt)/c.length + 1
	if first > last {
		return 0, 0, false
	}
	return first, last, true
}

func (c *Cycle) stageDefinition(stageID int) StageDefinition {
	ord, _ := c.AttemptOrdinal(stageID)
	offset := (stageID - c.firstAttempt) % c.length
	if offset == 0 {
		return StageDefinition{
			ID:       stageID,
			Name:     fmt.Sprintf(c.attemptName, ord),
			Category: CategoryDeliveryAttempt,
		}
	}
	return StageDefinition{
		ID:       stageID,
		Name:     c.intermediateNames[offset-1],
		Category: CategoryDomesticTransit,
	}
}
