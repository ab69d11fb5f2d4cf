// Package vault codifica as instruções do programa de vault (formato Anchor/Borsh)
// e deriva as contas envolvidas. Não faz I/O; o envio fica em vault/chain.
package vault

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Nomes das instruções no programa
const (
	IxBetAndSettle = "bet_and_settle"
	IxBatchSettle  = "batch_settle"
	IxDeposit      = "deposit"
	IxWithdraw     = "withdraw"
)

const (
	MaxBatchSize = 10
	GemDataLen   = 7
)

var (
	ErrBatchTooLarge  = errors.New("vault: batch too large")
	ErrEmptyBatch     = errors.New("vault: empty batch")
	ErrUnknownIx      = errors.New("vault: unknown instruction")
	ErrBadGemData     = errors.New("vault: gem data must have 7 entries")
	ErrMismatchedVecs = errors.New("vault: batch vectors have different lengths")
)

// Discriminator = sha256("global:<name>")[:8]
func Discriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// SettleItem é um item de liquidação (uma linha pending do ledger)
type SettleItem struct {
	BetID     string
	UserVault solana.PublicKey
	Stake     uint64
	Payout    uint64
	GameID    uint64
	Gems      [GemDataLen]uint8
}

// BetAndSettleArgs são os argumentos decodificados de bet_and_settle
type BetAndSettleArgs struct {
	Stake   uint64 `json:"stake"`
	Payout  uint64 `json:"payout"`
	BetID   string `json:"betId"`
	GameID  uint64 `json:"gameId"`
	GemData []byte `json:"gemData"`
}

// BatchSettleArgs são os vetores paralelos de batch_settle
type BatchSettleArgs struct {
	Stakes   []uint64 `json:"stakes"`
	Payouts  []uint64 `json:"payouts"`
	BetIDs   []string `json:"betIds"`
	GameIDs  []uint64 `json:"gameIds"`
	GemDatas [][]byte `json:"gemDatas"`
}

type AmountArgs struct {
	Amount uint64 `json:"amount"`
}

func EncodeBetAndSettle(it SettleItem) []byte {
	e := &encoder{}
	d := Discriminator(IxBetAndSettle)
	e.raw(d[:])
	e.u64(it.Stake)
	e.u64(it.Payout)
	e.str(it.BetID)
	e.u64(it.GameID)
	e.bytes(it.Gems[:])
	return e.buf
}

// EncodeBatchSettle aceita 1..MaxBatchSize itens
func EncodeBatchSettle(items []SettleItem) ([]byte, error) {
	switch {
	case len(items) == 0:
		return nil, ErrEmptyBatch
	case len(items) > MaxBatchSize:
		return nil, fmt.Errorf("%w: %d items", ErrBatchTooLarge, len(items))
	}

	stakes := make([]uint64, len(items))
	payouts := make([]uint64, len(items))
	gameIDs := make([]uint64, len(items))
	for i, it := range items {
		stakes[i], payouts[i], gameIDs[i] = it.Stake, it.Payout, it.GameID
	}

	e := &encoder{}
	d := Discriminator(IxBatchSettle)
	e.raw(d[:])
	e.u64s(stakes)
	e.u64s(payouts)
	e.u32(uint32(len(items)))
	for _, it := range items {
		e.str(it.BetID)
	}
	e.u64s(gameIDs)
	e.u32(uint32(len(items)))
	for _, it := range items {
		e.bytes(it.Gems[:])
	}
	return e.buf, nil
}

func encodeAmount(name string, amount uint64) []byte {
	e := &encoder{}
	d := Discriminator(name)
	e.raw(d[:])
	e.u64(amount)
	return e.buf
}

func EncodeDeposit(amount uint64) []byte  { return encodeAmount(IxDeposit, amount) }
func EncodeWithdraw(amount uint64) []byte { return encodeAmount(IxWithdraw, amount) }

// Decode identifica a instrução pelo discriminator e devolve os argumentos tipados
func Decode(data []byte) (string, any, error) {
	if len(data) < 8 {
		return "", nil, fmt.Errorf("%w: discriminator", ErrShortBuffer)
	}
	for _, name := range []string{IxBetAndSettle, IxBatchSettle, IxDeposit, IxWithdraw} {
		disc := Discriminator(name)
		if !bytes.Equal(data[:8], disc[:]) {
			continue
		}
		var (
			args any
			err  error
		)
		switch name {
		case IxBetAndSettle:
			args, err = DecodeBetAndSettle(data)
		case IxBatchSettle:
			args, err = DecodeBatchSettle(data)
		default:
			args, err = decodeAmount(name, data)
		}
		return name, args, err
	}
	return "", nil, ErrUnknownIx
}

func checkDiscriminator(d *decoder, name string) error {
	got, err := d.raw(8, "discriminator")
	if err != nil {
		return err
	}
	want := Discriminator(name)
	if !bytes.Equal(got, want[:]) {
		return fmt.Errorf("%w: expected %s", ErrUnknownIx, name)
	}
	return nil
}

func DecodeBetAndSettle(data []byte) (BetAndSettleArgs, error) {
	var a BetAndSettleArgs
	d := &decoder{buf: data}
	if err := checkDiscriminator(d, IxBetAndSettle); err != nil {
		return a, err
	}
	var err error
	if a.Stake, err = d.u64("stake"); err != nil {
		return a, err
	}
	if a.Payout, err = d.u64("payout"); err != nil {
		return a, err
	}
	if a.BetID, err = d.str("bet_id"); err != nil {
		return a, err
	}
	if a.GameID, err = d.u64("game_id"); err != nil {
		return a, err
	}
	if a.GemData, err = d.bytes("gem_data"); err != nil {
		return a, err
	}
	if len(a.GemData) != GemDataLen {
		return a, ErrBadGemData
	}
	return a, d.done()
}

func DecodeBatchSettle(data []byte) (BatchSettleArgs, error) {
	var a BatchSettleArgs
	d := &decoder{buf: data}
	if err := checkDiscriminator(d, IxBatchSettle); err != nil {
		return a, err
	}
	var err error
	if a.Stakes, err = d.u64s("stakes"); err != nil {
		return a, err
	}
	if a.Payouts, err = d.u64s("payouts"); err != nil {
		return a, err
	}
	n, err := d.length("bet_ids")
	if err != nil {
		return a, err
	}
	a.BetIDs = make([]string, n)
	for i := range a.BetIDs {
		if a.BetIDs[i], err = d.str("bet_ids"); err != nil {
			return a, err
		}
	}
	if a.GameIDs, err = d.u64s("game_ids"); err != nil {
		return a, err
	}
	if n, err = d.length("gem_datas"); err != nil {
		return a, err
	}
	a.GemDatas = make([][]byte, n)
	for i := range a.GemDatas {
		if a.GemDatas[i], err = d.bytes("gem_datas"); err != nil {
			return a, err
		}
		if len(a.GemDatas[i]) != GemDataLen {
			return a, ErrBadGemData
		}
	}

	k := len(a.Stakes)
	if len(a.Payouts) != k || len(a.BetIDs) != k || len(a.GameIDs) != k || len(a.GemDatas) != k {
		return a, ErrMismatchedVecs
	}
	if k == 0 {
		return a, ErrEmptyBatch
	}
	if k > MaxBatchSize {
		return a, ErrBatchTooLarge
	}
	return a, d.done()
}

func decodeAmount(name string, data []byte) (AmountArgs, error) {
	var a AmountArgs
	d := &decoder{buf: data}
	if err := checkDiscriminator(d, name); err != nil {
		return a, err
	}
	var err error
	if a.Amount, err = d.u64("amount"); err != nil {
		return a, err
	}
	return a, d.done()
}

// Program monta instruções completas (dados + contas) para um deployment do vault
type Program struct {
	ID          solana.PublicKey
	Authority   solana.PublicKey
	HouseVault  solana.PublicKey
	PauseConfig solana.PublicKey
}

func NewProgram(programID, authority solana.PublicKey) (*Program, error) {
	house, err := DeriveHouseVault(programID)
	if err != nil {
		return nil, fmt.Errorf("derive house vault: %w", err)
	}
	pause, err := DerivePauseConfig(programID)
	if err != nil {
		return nil, fmt.Errorf("derive pause config: %w", err)
	}
	return &Program{ID: programID, Authority: authority, HouseVault: house, PauseConfig: pause}, nil
}

// BetAndSettle: vault(w), house_vault(w), authority(signer), pause_config
func (p *Program) BetAndSettle(it SettleItem) *solana.GenericInstruction {
	return solana.NewInstruction(p.ID, solana.AccountMetaSlice{
		solana.NewAccountMeta(it.UserVault, true, false),
		solana.NewAccountMeta(p.HouseVault, true, false),
		solana.NewAccountMeta(p.Authority, false, true),
		solana.NewAccountMeta(p.PauseConfig, false, false),
	}, EncodeBetAndSettle(it))
}

// BatchSettle: house_vault(w), authority(signer), pause_config, e os vaults dos usuários
// como remaining accounts (w) na mesma ordem dos itens
func (p *Program) BatchSettle(items []SettleItem) (*solana.GenericInstruction, error) {
	data, err := EncodeBatchSettle(items)
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(p.HouseVault, true, false),
		solana.NewAccountMeta(p.Authority, false, true),
		solana.NewAccountMeta(p.PauseConfig, false, false),
	}
	for _, it := range items {
		accounts = append(accounts, solana.NewAccountMeta(it.UserVault, true, false))
	}
	return solana.NewInstruction(p.ID, accounts, data), nil
}

// Settle escolhe bet_and_settle para um item e batch_settle para 2..10
func (p *Program) Settle(items []SettleItem) (*solana.GenericInstruction, error) {
	if len(items) == 1 {
		return p.BetAndSettle(items[0]), nil
	}
	return p.BatchSettle(items)
}

// Deposit é assinado pelo dono do vault (owner e user são a mesma carteira)
func (p *Program) Deposit(owner solana.PublicKey, amount uint64) (*solana.GenericInstruction, error) {
	vault, err := DeriveUserVault(p.ID, owner)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(p.ID, solana.AccountMetaSlice{
		solana.NewAccountMeta(vault, true, false),
		solana.NewAccountMeta(owner, false, true),
		solana.NewAccountMeta(owner, true, true),
		solana.NewAccountMeta(p.PauseConfig, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, EncodeDeposit(amount)), nil
}

func (p *Program) Withdraw(owner solana.PublicKey, amount uint64) (*solana.GenericInstruction, error) {
	vault, err := DeriveUserVault(p.ID, owner)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(p.ID, solana.AccountMetaSlice{
		solana.NewAccountMeta(vault, true, false),
		solana.NewAccountMeta(owner, true, true),
		solana.NewAccountMeta(p.PauseConfig, false, false),
	}, EncodeWithdraw(amount)), nil
}
