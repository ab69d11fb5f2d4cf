package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/radieske/vault-settlement/internal/alert"
	"github.com/radieske/vault-settlement/internal/coord"
	"github.com/radieske/vault-settlement/internal/ledger/repo"
)

const (
	ReconMatch    = "match"
	ReconMismatch = "mismatch"
	ReconError    = "error"

	maxReportedMismatches = 100
)

type ReconEntry struct {
	Username string `json:"username"`
	Vault    string `json:"vault"`
	Ledger   int64  `json:"ledger"`
	Expected int64  `json:"expected"`
	OnChain  int64  `json:"onChain"`
	Diff     int64  `json:"diff"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

type ReconReport struct {
	Checked    int          `json:"checked"`
	Matched    int          `json:"matched"`
	Mismatched int          `json:"mismatched"`
	Errors     int          `json:"errors"`
	Tolerance  int64        `json:"tolerance"`
	Healthy    bool         `json:"healthy"`
	Issues     []ReconEntry `json:"issues,omitempty"`
	RanAt      time.Time    `json:"ranAt"`
	ElapsedMs  int64        `json:"elapsedMs"`
}

// Reconcile compara saldo do ledger + lamports de inicialização com o saldo on-chain de cada vault
func (a *Auditor) Reconcile(ctx context.Context) (ReconReport, error) {
	start := a.now()
	cands, err := a.store.ListReconCandidates(ctx)
	if err != nil {
		a.failed(NameReconciliation)
		return ReconReport{}, fmt.Errorf("list candidates: %w", err)
	}

	entries := make([]ReconEntry, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.ReconConcurrency)
	for i, c := range cands {
		i, c := i, c
		g.Go(func() error {
			entries[i] = a.reconcileOne(gctx, c)
			return nil
		})
	}
	_ = g.Wait()

	rep := ReconReport{Checked: len(entries), Tolerance: a.cfg.ReconTolerance, RanAt: start.UTC()}
	for _, e := range entries {
		switch e.Status {
		case ReconMatch:
			rep.Matched++
			continue
		case ReconMismatch:
			rep.Mismatched++
		case ReconError:
			rep.Errors++
		}
		rep.Issues = append(rep.Issues, e)
	}
	// maiores divergências primeiro
	sort.SliceStable(rep.Issues, func(i, j int) bool {
		return abs(rep.Issues[i].Diff) > abs(rep.Issues[j].Diff)
	})
	if len(rep.Issues) > maxReportedMismatches {
		rep.Issues = rep.Issues[:maxReportedMismatches]
	}
	// vault ilegível conta como problema
	rep.Healthy = rep.Mismatched == 0 && rep.Errors == 0
	rep.ElapsedMs = a.now().Sub(start).Milliseconds()

	if a.metrics != nil {
		a.metrics.ReconMismatch.Set(float64(rep.Mismatched))
	}
	a.log.Info("reconciliation done",
		zap.Int("checked", rep.Checked),
		zap.Int("mismatched", rep.Mismatched),
		zap.Int("errors", rep.Errors),
	)
	if !rep.Healthy {
		a.notify(ctx, alert.Alert{
			Key:      "audit-reconciliation",
			Severity: alert.SeverityCritical,
			Title:    "ledger/vault reconciliation mismatch",
			Message:  fmt.Sprintf("%d of %d vaults diverge beyond %d lamports, %d unreadable", rep.Mismatched, rep.Checked, rep.Tolerance, rep.Errors),
			Fields:   map[string]any{"mismatched": rep.Mismatched, "errors": rep.Errors},
		})
	}
	if err := a.publish(ctx, NameReconciliation, coord.ReconciliationKey, rep, a.cfg.ReconTTL, rep.Healthy); err != nil {
		return rep, fmt.Errorf("publish reconciliation: %w", err)
	}
	return rep, nil
}

func (a *Auditor) reconcileOne(ctx context.Context, c repo.ReconCandidate) ReconEntry {
	e := ReconEntry{
		Username: c.Username,
		Vault:    c.VaultAddress,
		Ledger:   c.Balance,
		Expected: c.Balance + a.cfg.VaultInitLamports,
	}
	pk, err := solana.PublicKeyFromBase58(c.VaultAddress)
	if err != nil {
		e.Status, e.Error = ReconError, fmt.Sprintf("invalid vault address: %v", err)
		return e
	}
	onChain, err := a.chain.Balance(ctx, pk)
	if err != nil {
		e.Status, e.Error = ReconError, err.Error()
		return e
	}
	e.OnChain = int64(onChain)
	e.Diff = e.OnChain - e.Expected
	if abs(e.Diff) <= a.cfg.ReconTolerance {
		e.Status = ReconMatch
	} else {
		e.Status = ReconMismatch
	}
	return e
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
