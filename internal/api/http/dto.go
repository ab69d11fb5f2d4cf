package httpapi

import "github.com/radieske/vault-settlement/internal/mutator"

// TxResponse é o payload estruturado do endpoint de ingestão; nunca vazia em caso de erro
type TxResponse struct {
	Status       string   `json:"status"` // applied | duplicate | queued | rejected | insufficient_funds | in_progress | error
	Error        string   `json:"error,omitempty"`
	Balance      *int64   `json:"balance,omitempty"`
	Duplicate    bool     `json:"duplicate,omitempty"`
	Lamports     int64    `json:"lamports,omitempty"`
	SettlementID string   `json:"settlementId,omitempty"`
	Flags        []string `json:"flags,omitempty"`
	EntryID      string   `json:"entryId,omitempty"`
}

func fromResult(res mutator.Result) TxResponse {
	bal := res.Balance
	return TxResponse{
		Status:       res.Status,
		Balance:      &bal,
		Duplicate:    res.Duplicate,
		Lamports:     res.Lamports,
		SettlementID: res.SettlementID,
		Flags:        res.Flags,
	}
}

type BalanceResponse struct {
	Username string `json:"username"`
	Balance  int64  `json:"balance"` // lamports
	Source   string `json:"source"`  // cache | ledger
	// sequência do ledger do saldo em cache
	Seq      int64  `json:"seq,omitempty"`
}

type PriceResponse struct {
	Price     string            `json:"price,omitempty"`
	Source    string            `json:"source,omitempty"`
	FetchedAt int64             `json:"fetchedAt,omitempty"`
	Cached    bool              `json:"cached"`
	Sources   map[string]string `json:"sources,omitempty"`
}
