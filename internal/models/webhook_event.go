package models

import "time"

const (
	WebhookReceived  = "RECEIVED"
	WebhookProcessed = "PROCESSED"
	WebhookRejected  = "REJECTED"
	WebhookDuplicate = "DUPLICATE"
)

// WebhookEvent records one provider callback. The unique key
// (provider_name, event_id) is the dedup primitive; redeliveries flip the
// stored row to DUPLICATE without touching transaction state.
type WebhookEvent struct {
	ID                int64     `json:"id" db:"id"`
	EventID           string    `json:"event_id" db:"event_id"`
	ProviderName      string    `json:"provider_name" db:"provider_name"`
	ProviderReference *string   `json:"provider_reference,omitempty" db:"provider_reference"`
	Signature         string    `json:"-" db:"signature"`
	RawPayload        []byte    `json:"-" db:"raw_payload"`
	ProcessingStatus  string    `json:"processing_status" db:"processing_status"`
	ReceivedAt        time.Time `json:"received_at" db:"received_at"`
}
