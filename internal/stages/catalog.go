// Package stages holds the ordered catalog of shipment stages and the
// repeating delivery-attempt cycle that extends it.
package stages

import (
	"fmt"

	"github.com/BearBump/TrackFunnel/internal/apperr"
	"github.com/pkg/errors"
)

type Category string

const (
	CategoryOrigin               Category = "origin"
	CategoryInternationalTransit Category = "international-transit"
	CategoryCustoms              Category = "customs"
	CategoryDomesticTransit      Category = "domestic-transit"
	CategoryDeliveryAttempt      Category = "delivery-attempt"
)

func (c Category) IsValid() bool {
	switch c {
	case CategoryOrigin, CategoryInternationalTransit, CategoryCustoms,
		CategoryDomesticTransit, CategoryDeliveryAttempt:
		return true
	}
	return false
}

type StageDefinition struct {
	ID       int      `json:"id"`
	Name     string   `json:"name"`
	Category Category `json:"category"`
}

type Catalog struct {
	defs      []StageDefinition
	customsID int
	cycle     *Cycle
}

// NewCatalog validates defs (ids contiguous from 1, in order) and binds the
// customs checkpoint and the optional delivery-attempt cycle to it.
func NewCatalog(defs []StageDefinition, customsStageID int, cycle *Cycle) (*Catalog, error) {
	if len(defs) == 0 {
		return nil, errors.New("catalog is empty")
	}
	for i, d := range defs {
		if d.ID != i+1 {
			return nil, errors.Errorf("stage ids must be contiguous from 1: position %d has id %d", i+1, d.ID)
		}
		if d.Name == "" {
			return nil, errors.Errorf("stage %d has no name", d.ID)
		}
		if !d.Category.IsValid() {
			return nil, errors.Errorf("stage %d has unknown category %q", d.ID, d.Category)
		}
	}
	if customsStageID < 1 || customsStageID > len(defs) {
		return nil, errors.Errorf("customs checkpoint %d is outside the catalog", customsStageID)
	}
	if cycle != nil {
		if cycle.firstAttempt <= customsStageID || cycle.firstAttempt > len(defs) {
			return nil, errors.Errorf("first delivery attempt %d must lie after customs and inside the catalog", cycle.firstAttempt)
		}
		if defs[cycle.firstAttempt-1].Category != CategoryDeliveryAttempt {
			return nil, errors.Errorf("stage %d must be a delivery-attempt stage", cycle.firstAttempt)
		}
		if cycle.firstAttempt != len(defs) {
			return nil, errors.Errorf("first delivery attempt %d must be the last catalog stage", cycle.firstAttempt)
		}
	}

	out := make([]StageDefinition, len(defs))
	copy(out, defs)
	return &Catalog{defs: out, customsID: customsStageID, cycle: cycle}, nil
}

// MustNewCatalog is NewCatalog for package-level literals.
func MustNewCatalog(defs []StageDefinition, customsStageID int, cycle *Cycle) *Catalog {
	c, err := NewCatalog(defs, customsStageID, cycle)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) StageCount() int { return len(c.defs) }

func (c *Catalog) CustomsStageID() int { return c.customsID }

// Cycle returns nil when the catalog has no delivery-attempt cycle.
func (c *Catalog) Cycle() *Cycle { return c.cycle }

// Stages returns the fixed catalog stages in order.
func (c *Catalog) Stages() []StageDefinition {
	out := make([]StageDefinition, len(c.defs))
	copy(out, c.defs)
	return out
}

// StageByID resolves catalog ids and, past the end of the catalog,
// delivery-attempt-cycle ids up to the cycle's last stage.
func (c *Catalog) StageByID(id int) (StageDefinition, error) {
	if id >= 1 && id <= len(c.defs) {
		return c.defs[id-1], nil
	}
	if c.cycle != nil && c.cycle.Contains(id) {
		return c.cycle.stageDefinition(id), nil
	}
	return StageDefinition{}, errors.Wrapf(apperr.ErrUnknownStage, "stage %d", id)
}

func (c *Catalog) Known(id int) bool {
	_, err := c.StageByID(id)
	return err == nil
}

func (c *Catalog) IsCheckpoint(id int) bool {
	if id == c.customsID {
		return true
	}
	return c.cycle != nil && c.cycle.IsAttemptCheckpoint(id)
}

func (c *Catalog) IsDeliveryAttemptStage(id int) bool {
	return c.cycle != nil && c.cycle.Contains(id)
}

// LastStageID is the highest recognised stage id.
func (c *Catalog) LastStageID() int {
	if c.cycle != nil {
		return c.cycle.LastStageID()
	}
	return len(c.defs)
}

// Successor returns the stage after id. ok is false at the last
// recognised stage.
func (c *Catalog) Successor(id int) (next int, ok bool) {
	if !c.Known(id) || id >= c.LastStageID() {
		return 0, false
	}
	return id + 1, true
}

func (c *Catalog) String() string {
	return fmt.Sprintf("catalog(%d stages, customs=%d)", len(c.defs), c.customsID)
}
