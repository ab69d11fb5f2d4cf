package topics

const (
	// Kafka
	TxEvents           = "tx_events"
	SettlementOutcomes = "settlement_outcomes"

	// Redis streams
	StreamTxEvents    = "tx_events"
	StreamTxEventsDLQ = "tx_events_dlq"

	// Redis pub/sub
	ChannelBalanceChanged    = "balance_changed"
	ChannelSettlementTrigger = "settlement:trigger"
)
