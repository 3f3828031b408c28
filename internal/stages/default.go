package stages

import "github.com/shopspring/decimal"

const (
	DefaultCustomsStageID      = 11
	DefaultFirstAttemptStageID = 16
)

var DefaultDeliveryFees = []decimal.Decimal{
	decimal.RequireFromString("7.74"),
	decimal.RequireFromString("12.38"),
	decimal.RequireFromString("16.46"),
}

var defaultStages = []StageDefinition{
	{ID: 1, Name: "Order registered", Category: CategoryOrigin},
	{ID: 2, Name: "Package prepared by sender", Category: CategoryOrigin},
	{ID: 3, Name: "Collected by carrier", Category: CategoryOrigin},
	{ID: 4, Name: "Departed origin country", Category: CategoryInternationalTransit},
	{ID: 5, Name: "In international transit", Category: CategoryInternationalTransit},
	{ID: 6, Name: "Arrived in destination country", Category: CategoryInternationalTransit},
	{ID: 7, Name: "Received by customs", Category: CategoryCustoms},
	{ID: 8, Name: "Under customs inspection", Category: CategoryCustoms},
	{ID: 9, Name: "Awaiting tax assessment", Category: CategoryCustoms},
	{ID: 10, Name: "Import tax assessed", Category: CategoryCustoms},
	{ID: 11, Name: "Customs fee pending", Category: CategoryCustoms},
	{ID: 12, Name: "Released by customs", Category: CategoryDomesticTransit},
	{ID: 13, Name: "Forwarded to distribution center", Category: CategoryDomesticTransit},
	{ID: 14, Name: "In transit to delivery unit", Category: CategoryDomesticTransit},
	{ID: 15, Name: "Out for delivery", Category: CategoryDomesticTransit},
	{ID: 16, Name: "Delivery attempt 1 failed, redelivery fee pending", Category: CategoryDeliveryAttempt},
}

var redeliveryStageNames = []string{
	"Redelivery scheduled",
	"In transit to delivery unit",
	"Out for delivery",
}

const attemptStageName = "Delivery attempt %d failed, redelivery fee pending"

// Default returns the canonical catalog with the given delivery fee table,
// or DefaultDeliveryFees when fees is empty. maxAttempts <= 0 means
// DefaultMaxAttempts.
func Default(fees []decimal.Decimal, maxAttempts int) (*Catalog, error) {
	if len(fees) == 0 {
		fees = DefaultDeliveryFees
	}
	cycle, err := NewCycle(DefaultFirstAttemptStageID, attemptStageName, redeliveryStageNames, fees)
	if err != nil {
		return nil, err
	}
	return NewCatalog(defaultStages, DefaultCustomsStageID, cycle.WithMaxAttempts(maxAttempts))
}

func MustDefault() *Catalog {
	c, err := Default(nil, 0)
	if err != nil {
		panic(err)
	}
	return c
}
