package mutator

import (
	"errors"

	"github.com/radieske/vault-settlement/internal/ledger/repo"
)

var (
	// ErrValidation: evento malformado; não adianta repetir
	ErrValidation = errors.New("validation failed")
	// ErrInFlight: outra réplica está aplicando o mesmo evento; tentar de novo depois
	ErrInFlight = errors.New("event in flight")

	errAlreadyApplied = errors.New("mutation already applied")
)

// IsPermanent indica erros que devem ir para a DLQ sem nova tentativa
func IsPermanent(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, repo.ErrInsufficientFunds)
}

// Flags de violação de invariante gravadas no metadata da mutação
const (
	FlagUnmatchedCancel  = "unmatched_cancel"
	FlagMissingCancelBet = "missing_cancelbet"
	FlagAlreadyReversed  = "already_reversed"
	FlagNoVault          = "no_vault"
)
