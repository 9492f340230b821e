package models

import "time"

// ProcessorEvent is the dedup record of a processor notification that changed ledger state.
type ProcessorEvent struct {
	ID                    string    `json:"id"`
	Type                  string    `json:"type"`
	ExternalTransactionID string    `json:"external_transaction_id"`
	ReceivedAt            time.Time `json:"received_at"`
}
