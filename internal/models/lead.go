package models

import "time"

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
)

// Lead is one tracked shipment, keyed by the recipient's tax id.
type Lead struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Email          string          `json:"email,omitempty"`
	Phone          string          `json:"phone,omitempty"`
	Address        string          `json:"address,omitempty"`
	City           string          `json:"city,omitempty"`
	State          string          `json:"state,omitempty"`
	ZipCode        string          `json:"zipCode,omitempty"`
	Product        string          `json:"product,omitempty"`
	CurrentStageID int             `json:"currentStageId"`
	PaymentStatus  PaymentStatus   `json:"paymentStatus"`
	Checkpoints    map[string]bool `json:"checkpoints,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy; transitions never mutate the caller's lead.
func (l *Lead) Clone() *Lead {
	if l == nil {
		return nil
	}
	c := *l
	if l.Checkpoints != nil {
		c.Checkpoints = make(map[string]bool, len(l.Checkpoints))
		for k, v := range l.Checkpoints {
			c.Checkpoints[k] = v
		}
	}
	return &c
}

type LeadCreateInput struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	ZipCode string `json:"zipCode,omitempty"`
	Product string `json:"product,omitempty"`
	// StageID defaults to 1.
	StageID int `json:"stageId,omitempty"`
}
