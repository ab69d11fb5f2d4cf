// Package coord concentra o acesso ao store de coordenação compartilhado (Redis):
// stream de eventos, dead-letter, cache de saldo com guarda de timestamp e pub/sub.
package coord

import "fmt"

func StakeKey(username, roundID string) string { return fmt.Sprintf("stake:%s:%s", username, roundID) }

func CancelBetKey(username, roundID string) string {
	return fmt.Sprintf("cancelbet:%s:%s", username, roundID)
}

// ProcessingKey marca o evento que uma réplica está aplicando
func ProcessingKey(eventID string) string { return "processing:" + eventID }

func BalanceKey(username string) string { return "balance:" + username }

func LeaderKey(job string) string { return "leader:" + job }

func AlertCooldownKey(key string) string { return "alert:cooldown:" + key }

const (
	CircuitPauseKey     = "settlement:circuit:pause_until"
	SettlementDepthKey  = "settlement:queue_depth"
	PriceKey            = "price:sol_usd"
	PriceSourceStatsKey = "price:source_stats"
	BankrollKey         = "bankroll:status"
	ReconciliationKey   = "audit:reconciliation"
	PnLKey              = "audit:pnl"
	GemFairnessKey      = "audit:gem_fairness"
	GemLostCounterKey   = "gems:lost_total"
)
