package repo

// Nomes das stored procedures do ledger. O corpo das procedures é externo a este
// serviço; aqui fica apenas o contrato de chamada.
const (
	procCheckDuplicate      = "check_duplicate_transaction"
	procApplyMutation       = "apply_balance_mutation"
	procGetBalance          = "get_balance"
	procConsumeStake        = "consume_stake"
	procCancelStake         = "cancel_stake"
	procReleaseStake        = "release_stake"
	procFetchPending        = "fetch_pending_settlements"
	procMarkProcessing      = "mark_settlements_processing"
	procMarkSettled         = "mark_settlements_settled"
	procMarkFailed          = "mark_settlements_failed"
	procCountPending        = "count_pending_settlements"
	procGetUser             = "get_user"
	procGetRoundSettlement  = "get_round_settlement"
	procListReconCandidates = "list_reconciliation_candidates"
	procGetWagerTotals      = "get_wager_totals"
	procListGemStats        = "list_gem_stats"
	procRecordPrice         = "record_price"
)
