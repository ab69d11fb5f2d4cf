package events

// BalanceChanged é publicado no canal Redis após cada mutação confirmada no ledger
// Consumido pela invalidação de cache e pelo hub WebSocket
type BalanceChanged struct {
	Username string `json:"username"`
	Balance  int64  `json:"balance"` // lamports
	Delta    int64  `json:"delta"`
	EventID  string `json:"eventId"`
	TsUnixMs int64  `json:"ts"`
}
