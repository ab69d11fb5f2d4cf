package vault

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// Códigos de erro do programa (Anchor numera a partir de 6000)
const (
	ErrCodeInvalidAmount      = 6000
	ErrCodeGamesInProgress    = 6001
	ErrCodeInsufficientFunds  = 6002
	ErrCodeNoActiveGame       = 6003
	ErrCodeSettlementMismatch = 6004
	ErrCodeUnauthorized       = 6005
	ErrCodeHouseInsufficient  = 6006
	ErrCodeOverflow           = 6007
	ErrCodeBatchTooLarge      = 6008
	ErrCodeMaintenancePaused  = 6009
	ErrCodeEmergencyPaused    = 6010
)

var programErrors = map[int]string{
	ErrCodeInvalidAmount:      "InvalidAmount",
	ErrCodeGamesInProgress:    "GamesInProgress",
	ErrCodeInsufficientFunds:  "InsufficientFunds",
	ErrCodeNoActiveGame:       "NoActiveGame",
	ErrCodeSettlementMismatch: "SettlementMismatch",
	ErrCodeUnauthorized:       "Unauthorized",
	ErrCodeHouseInsufficient:  "HouseInsufficient",
	ErrCodeOverflow:           "Overflow",
	ErrCodeBatchTooLarge:      "BatchTooLarge",
	ErrCodeMaintenancePaused:  "MaintenancePaused",
	ErrCodeEmergencyPaused:    "EmergencyPaused",
}

// ProgramError é um erro custom retornado pelo programa
type ProgramError struct {
	Code int
	Name string
}

func (e *ProgramError) Error() string {
	return fmt.Sprintf("vault program error %d (%s)", e.Code, e.Name)
}

// Systemic: a falha não depende do item; pausa do programa dispara o breaker na hora
func (e *ProgramError) Systemic() bool {
	return e.Code == ErrCodeMaintenancePaused || e.Code == ErrCodeEmergencyPaused
}

var (
	reCustomJSON = regexp.MustCompile(`Custom"?\s*:\s*(\d+)`)
	reCustomHex  = regexp.MustCompile(`custom program error: 0x([0-9a-fA-F]+)`)
)

// ParseProgramError extrai o código custom de um erro de RPC/simulação/status
func ParseProgramError(err error) (*ProgramError, bool) {
	if err == nil {
		return nil, false
	}
	var pe *ProgramError
	if errors.As(err, &pe) {
		return pe, true
	}
	return parseProgramErrorText(err.Error())
}

func parseProgramErrorText(s string) (*ProgramError, bool) {
	code := -1
	if m := reCustomJSON.FindStringSubmatch(s); m != nil {
		code, _ = strconv.Atoi(m[1])
	} else if m := reCustomHex.FindStringSubmatch(s); m != nil {
		v, _ := strconv.ParseInt(m[1], 16, 64)
		code = int(v)
	}
	if code < 0 {
		return nil, false
	}
	name, ok := programErrors[code]
	if !ok {
		name = "Unknown"
	}
	return &ProgramError{Code: code, Name: name}, true
}

// IsSystemic informa se err é uma falha de programa que deve pausar a liquidação
func IsSystemic(err error) bool {
	pe, ok := ParseProgramError(err)
	return ok && pe.Systemic()
}
