package events

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind é o tipo fechado de evento emitido pelos game servers
type Kind string

const (
	KindBet       Kind = "bet"
	KindWin       Kind = "win"
	KindCancel    Kind = "cancel"
	KindCancelBet Kind = "cancelbet"
	KindCancelWin Kind = "cancelwin"
)

// SubtypeGamble marca uma aposta que já é uma perda imediata
const SubtypeGamble = "gamble"

// ParseKind converte a string recebida no Kind correspondente
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindBet, KindWin, KindCancel, KindCancelBet, KindCancelWin:
		return k, nil
	default:
		return "", fmt.Errorf("unknown event kind %q", s)
	}
}

// IsCancel indica os três tipos de estorno
func (k Kind) IsCancel() bool {
	return k == KindCancel || k == KindCancelBet || k == KindCancelWin
}

// TransactionEvent é a unidade de trabalho lida do stream (ou recebida via HTTP)
// EventID é a chave de idempotência
type TransactionEvent struct {
	EventID     string          `json:"eventId"`
	Username    string          `json:"username"`
	Kind        Kind            `json:"kind"`
	Subtype     string          `json:"subtype,omitempty"`
	AmountUSD   decimal.Decimal `json:"amountUsd"`
	GameRoundID string          `json:"gameRoundId"`
	GameID      string          `json:"gameId"`
	TsUnixMs    int64           `json:"timestamp"`
}

// IsGamble indica aposta do tipo gamble (perda imediata)
func (e TransactionEvent) IsGamble() bool {
	return e.Kind == KindBet && strings.EqualFold(e.Subtype, SubtypeGamble)
}
