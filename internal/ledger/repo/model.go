package repo

// Status da transação no histórico do ledger
const (
	TxCompleted = "completed"
	TxCancelled = "cancelled"
	TxFailed    = "failed"
)

// Status da linha de settlement pendente; transições monotônicas
// pending -> processing -> settled | failed (failed volta a ser elegível após cooldown)
const (
	SettlementPending    = "pending"
	SettlementProcessing = "processing"
	SettlementSettled    = "settled"
	SettlementFailed     = "failed"
)

// GemVector é o contador das 7 raridades (Garnet..Diamond)
type GemVector [7]uint8

// GemPayload acompanha a mutação quando a operação mexe no estado de gemas
// A procedure soma WagerDelta ao total apostado (pode ser negativo) e, com Finalized,
// credita Awarded ao usuário e Referral ao indicador, na mesma transação do saldo.
type GemPayload struct {
	WagerDelta int64     `json:"wagerDelta"`
	Rolls      int       `json:"rolls"`
	Awarded    GemVector `json:"awarded"`
	Finalized  bool      `json:"finalized"`
	Referrer   string    `json:"referrer,omitempty"`
	Referral   GemVector `json:"referral"`
}

// Mutation é o payload de apply_balance_mutation
// Amount segue a convenção "positivo aumenta o saldo". Tudo o que a mutação carrega
// (stake da rodada, linha de settlement, contadores de gemas, estorno) é gravado
// na mesma transação e só uma vez por TxID.
type Mutation struct {
	TxID      string
	Username  string
	Amount    int64
	Operation string
	GameID    string
	RoundID   string
	Metadata  map[string]any
	Gems      *GemPayload
	Status    string

	StakeDelta int64          // soma ao stake acumulado da rodada (bet)
	Settlement *NewSettlement // linha pending criada junto com o saldo
	// ReversesRound ocupa o slot de estorno da rodada; se outro tx já o ocupou,
	// a procedure grava a mutação com amount 0, sem settlement nem gemas
	ReversesRound bool
}

// MutationResult é o saldo resultante da mutação
type MutationResult struct {
	Balance       int64
	Applied       bool  // false quando o tx_id já existia (corrida entre instâncias)
	Seq           int64 // sequência do ledger para o usuário; ordena escritas de cache
	StakeTotal    int64 // stake acumulado da rodada após StakeDelta
	ReversalTaken bool  // ReversesRound pedido, mas a rodada já tinha estorno
}

// User é o recorte do usuário usado pelo mutator e pelas auditorias
type User struct {
	Username     string
	VaultAddress string
	Balance      int64
	Multiplier   int // 100 = 1x
	Referrer     string
	TotalWagered int64
}

// PendingSettlement é a intenção de refletir uma mudança do ledger no vault on-chain
type PendingSettlement struct {
	ID        string
	BetID     string
	Username  string
	UserVault string
	Stake     int64
	Payout    int64
	GameID    uint64
	Gems      GemVector
	Status    string
	Attempts  int

	// transação enviada cuja confirmação não chegou; precisa ser resolvida antes de reenviar
	Signature       string
	LastValidHeight uint64
}

// InFlight identifica uma transação enviada sem confirmação
type InFlight struct {
	Signature       string
	LastValidHeight uint64
}

// NewSettlement é o que o mutator enfileira
type NewSettlement struct {
	ID        string
	BetID     string
	RoundID   string
	Username  string
	UserVault string
	Stake     int64
	Payout    int64
	GameID    uint64
	Gems      GemVector
	Reason    string // "regular" | "bonus" | "gamble" | "cancelwin" | "reversal"
}

// RoundSettlement descreve um par bet+win já liquidado on-chain
type RoundSettlement struct {
	BetID     string
	Stake     int64
	Payout    int64
	Signature string
	Reversed  bool // a rodada já tem estorno gravado no ledger
}

// ReconCandidate é um usuário com vault on-chain
type ReconCandidate struct {
	Username     string
	VaultAddress string
	Balance      int64
}

// WagerTotals agrega apostado vs pago numa janela
type WagerTotals struct {
	Wagered int64
	Paid    int64
	Bets    int64
}

// GemStats é o acumulado por usuário usado na auditoria de fairness
type GemStats struct {
	Username     string
	TotalWagered int64
	Counts       [7]int64
}

func (v GemVector) Int64s() []int64 {
	out := make([]int64, len(v))
	for i, c := range v {
		out[i] = int64(c)
	}
	return out
}

// Total de gemas no vetor
func (v GemVector) Total() int {
	n := 0
	for _, c := range v {
		n += int(c)
	}
	return n
}

func (v GemVector) Add(o GemVector) GemVector {
	for i := range v {
		v[i] += o[i]
	}
	return v
}

// GemVectorFrom converte o array do banco, saturando em 255
func GemVectorFrom(in []int64) GemVector {
	var v GemVector
	for i := 0; i < len(v) && i < len(in); i++ {
		c := in[i]
		if c > 255 {
			c = 255
		}
		if c > 0 {
			v[i] = uint8(c)
		}
	}
	return v
}
