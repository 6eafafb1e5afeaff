package payments

import (
	"encoding/json"
	"sort"
	"time"

	"gorm.io/datatypes"
)

// Plan is a purchasable credit bundle.
type Plan struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Credits     int    `json:"credits"`
	AmountCents int64  `json:"amountCents"`
}

var plans = map[string]Plan{
	"basic":      {ID: "basic", Name: "Basic", Credits: 100, AmountCents: 500},
	"pro":        {ID: "pro", Name: "Pro", Credits: 400, AmountCents: 1900},
	"enterprise": {ID: "enterprise", Name: "Enterprise", Credits: 1000, AmountCents: 4900},
}

// LookupPlan returns the plan with the given id.
func LookupPlan(planID string) (Plan, bool) {
	plan, ok := plans[planID]
	return plan, ok
}

// Plans lists the available plans, cheapest first.
func Plans() []Plan {
	result := make([]Plan, 0, len(plans))
	for _, plan := range plans {
		result = append(result, plan)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AmountCents < result[j].AmountCents })
	return result
}

// Transaction is one credit purchase. IsPaid flips from false to true at most once.
type Transaction struct {
	ID                string     `gorm:"column:id;primaryKey;size:64" json:"id"`
	UserID            string     `gorm:"column:user_id;size:190;not null;index" json:"userId"`
	PlanID            string     `gorm:"column:plan_id;size:32;not null" json:"planId"`
	Credits           int        `gorm:"column:credits;not null" json:"credits"`
	AmountCents       int64      `gorm:"column:amount_cents;not null" json:"amountCents"`
	Currency          string     `gorm:"column:currency;size:8;not null" json:"currency"`
	IsPaid            bool       `gorm:"column:is_paid;not null;default:false" json:"isPaid"`
	PaidAt            *time.Time `gorm:"column:paid_at" json:"paidAt,omitempty"`
	CheckoutSessionID string     `gorm:"column:checkout_session_id;size:255;index" json:"checkoutSessionId"`
	CreatedAt         time.Time  `gorm:"column:created_at;not null" json:"createdAt"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;not null" json:"updatedAt"`
}

// TableName binds Transaction to the transactions table.
func (Transaction) TableName() string {
	return "transactions"
}

// WebhookEvent records every provider delivery for audit and replay detection.
type WebhookEvent struct {
	EventID         string         `gorm:"column:event_id;primaryKey;size:191" json:"eventId"`
	EventType       string         `gorm:"column:event_type;size:100;not null;index" json:"eventType"`
	Payload         datatypes.JSON `gorm:"column:payload" json:"payload"`
	SignatureValid  bool           `gorm:"column:signature_valid;not null;default:false" json:"signatureValid"`
	TransactionID   string         `gorm:"column:transaction_id;size:64" json:"transactionId"`
	Outcome         string         `gorm:"column:outcome;size:32" json:"outcome"`
	ProcessedAt     *time.Time     `gorm:"column:processed_at" json:"processedAt,omitempty"`
	ProcessingError string         `gorm:"column:processing_error;type:text" json:"processingError"`
	CreatedAt       time.Time      `gorm:"column:created_at;not null" json:"createdAt"`
}

// TableName binds WebhookEvent to the payment_webhook_events table.
func (WebhookEvent) TableName() string {
	return "payment_webhook_events"
}

// Models lists the persistent types owned by this package.
func Models() []any {
	return []any{&Transaction{}, &WebhookEvent{}}
}

// datatypesJSON stores payload verbatim when it is valid JSON and as a JSON string otherwise.
func datatypesJSON(payload []byte) datatypes.JSON {
	if json.Valid(payload) {
		return datatypes.JSON(append([]byte(nil), payload...))
	}
	encoded, _ := json.Marshal(string(payload))
	return datatypes.JSON(encoded)
}
