package ws

// ClientMsg representa uma mensagem recebida do cliente WebSocket
// Type: subscribe | unsubscribe | ping
// Username: obrigatório para subscribe/unsubscribe
type ClientMsg struct {
	Type     string `json:"type"`     // subscribe | unsubscribe | ping
	Username string `json:"username"` // requerido em subscribe/unsubscribe
}

// BalanceUpdate é o que o cliente recebe a cada mutação confirmada
type BalanceUpdate struct {
	Type     string `json:"type"` // "balance"
	Username string `json:"username"`
	Balance  int64  `json:"balance"`
	Delta    int64  `json:"delta"`
	EventID  string `json:"eventId,omitempty"`
	Ts       int64  `json:"ts"`
}
