package events

import "time"

// SettlementOutcome é publicado no Kafka pelo drainer após cada submissão ao vault
type SettlementOutcome struct {
	BetIDs    []string  `json:"betIds"`
	Status    string    `json:"status"` // "settled" | "failed"
	Signature string    `json:"signature,omitempty"`
	Error     string    `json:"error,omitempty"`
	ElapsedMs int64     `json:"elapsedMs"`
	Batch     bool      `json:"batch"`
	Ts        time.Time `json:"ts"`
}
