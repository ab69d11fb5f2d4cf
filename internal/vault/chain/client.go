// Package chain envia e confirma transações do vault via RPC e lê saldos/contas.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"github.com/radieske/vault-settlement/internal/vault"
)

var (
	ErrConfirmTimeout  = errors.New("chain: confirmation timeout")
	ErrAccountNotFound = errors.New("chain: account not found")
)

// ConfirmTimeoutError: a transação foi enviada e a confirmação não chegou no prazo.
// Ela ainda pode entrar num bloco até LastValidBlockHeight; resolver com Status antes de reenviar.
type ConfirmTimeoutError struct {
	Signature            solana.Signature
	LastValidBlockHeight uint64
}

func (e *ConfirmTimeoutError) Error() string {
	return fmt.Sprintf("%s: %s (valid until block %d)", ErrConfirmTimeout, e.Signature, e.LastValidBlockHeight)
}

func (e *ConfirmTimeoutError) Is(target error) bool { return target == ErrConfirmTimeout }

// TxState é o desfecho conhecido de uma transação enviada
type TxState int

const (
	TxPending TxState = iota // sem decisão ainda
	TxLanded                 // confirmada com sucesso
	TxFailed                 // entrou no bloco com erro
	TxExpired                // blockhash venceu sem a transação aparecer
)

func (s TxState) String() string {
	switch s {
	case TxLanded:
		return "landed"
	case TxFailed:
		return "failed"
	case TxExpired:
		return "expired"
	default:
		return "pending"
	}
}

// rpcAPI é o recorte do rpc.Client usado aqui
type rpcAPI interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
}

// Client assina com a chave da authority e aguarda confirmação
type Client struct {
	rpc            rpcAPI
	signer         solana.PrivateKey
	confirmTimeout time.Duration
	pollEvery      time.Duration
	log            *zap.Logger
}

func New(endpoint string, signer solana.PrivateKey, confirmTimeout time.Duration, log *zap.Logger) *Client {
	return newClient(rpc.New(endpoint), signer, confirmTimeout, log)
}

func newClient(api rpcAPI, signer solana.PrivateKey, confirmTimeout time.Duration, log *zap.Logger) *Client {
	if confirmTimeout <= 0 {
		confirmTimeout = 30 * time.Second
	}
	return &Client{
		rpc:            api,
		signer:         signer,
		confirmTimeout: confirmTimeout,
		pollEvery:      500 * time.Millisecond,
		log:            log.With(zap.String("component", "chain")),
	}
}

// Authority retorna a chave pública que assina as liquidações
func (c *Client) Authority() solana.PublicKey { return c.signer.PublicKey() }

// Submit monta, assina, envia e espera a confirmação ("confirmed") da transação.
// Erros de programa chegam como *vault.ProgramError quando identificáveis; sem
// confirmação no prazo o erro é *ConfirmTimeoutError.
func (c *Client) Submit(ctx context.Context, ixs ...solana.Instruction) (solana.Signature, error) {
	recent, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("latest blockhash: %w", err)
	}

	payer := c.signer.PublicKey()
	tx, err := solana.NewTransaction(ixs, recent.Value.Blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build tx: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return &c.signer
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("sign tx: %w", err)
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, programErr(fmt.Errorf("send tx: %w", err))
	}

	if err := c.confirm(ctx, sig); err != nil {
		if errors.Is(err, ErrConfirmTimeout) {
			return sig, &ConfirmTimeoutError{Signature: sig, LastValidBlockHeight: recent.Value.LastValidBlockHeight}
		}
		return sig, err
	}
	return sig, nil
}

// Status resolve uma transação enviada sem confirmação. A altura é lida antes das
// assinaturas: se já passou de lastValid e a assinatura não aparece, ela não entra mais.
func (c *Client) Status(ctx context.Context, sig solana.Signature, lastValid uint64) (TxState, error) {
	height, err := c.rpc.GetBlockHeight(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return TxPending, fmt.Errorf("block height: %w", err)
	}
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return TxPending, fmt.Errorf("signature status %s: %w", sig, err)
	}
	if len(out.Value) > 0 && out.Value[0] != nil {
		st := out.Value[0]
		if st.Err != nil {
			return TxFailed, nil
		}
		switch st.ConfirmationStatus {
		case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
			return TxLanded, nil
		}
		return TxPending, nil
	}
	if lastValid > 0 && height > lastValid {
		return TxExpired, nil
	}
	return TxPending, nil
}

func (c *Client) confirm(ctx context.Context, sig solana.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	t := time.NewTicker(c.pollEvery)
	defer t.Stop()

	for {
		out, err := c.rpc.GetSignatureStatuses(ctx, false, sig)
		if err != nil {
			c.log.Warn("signature status failed", zap.String("signature", sig.String()), zap.Error(err))
		} else if len(out.Value) > 0 && out.Value[0] != nil {
			st := out.Value[0]
			if st.Err != nil {
				return programErr(fmt.Errorf("transaction %s failed: %v", sig, st.Err))
			}
			switch st.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				return nil
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s", ErrConfirmTimeout, sig)
			}
			return ctx.Err()
		case <-t.C:
		}
	}
}

// programErr anexa o erro de programa identificado, mantendo o texto original
func programErr(err error) error {
	if pe, ok := vault.ParseProgramError(err); ok {
		return fmt.Errorf("%w: %v", pe, err)
	}
	return err
}

// Balance em lamports com commitment "confirmed"
func (c *Client) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	out, err := c.rpc.GetBalance(ctx, account, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("get balance %s: %w", account, err)
	}
	return out.Value, nil
}

// AccountData retorna os bytes brutos da conta
func (c *Client) AccountData(ctx context.Context, account solana.PublicKey) ([]byte, error) {
	out, err := c.rpc.GetAccountInfo(ctx, account)
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, account)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", account, err)
	}
	if out == nil || out.Value == nil || out.Value.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, account)
	}
	return out.Value.Data.GetBinary(), nil
}
