package contracts

import "time"

type SuccessResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	EscrowID  string `json:"escrow_id,omitempty"`
	TxHash    string `json:"tx_hash,omitempty"`
}

type ErrorResponse struct {
	Status string       `json:"status"`
	Error  ErrorPayload `json:"error"`
}

type CreateFundingRequest struct {
	InvestorID  string `json:"investor_id"`
	AmountMinor int64  `json:"amount_minor"`
	SerialRef   string `json:"serial_ref,omitempty"`
}

type FundingResponse struct {
	FundingID    string     `json:"funding_id"`
	InvoiceID    string     `json:"invoice_id"`
	InvestorID   string     `json:"investor_id"`
	AmountMinor  int64      `json:"amount_minor"`
	EscrowID     string     `json:"escrow_id"`
	DepositTxRef string     `json:"deposit_tx_ref"`
	Status       string     `json:"status"`
	ReleaseTxRef string     `json:"release_tx_ref,omitempty"`
	ReleasedAt   *time.Time `json:"released_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type CreateFundingResponse struct {
	Data       FundingResponse `json:"data"`
	EscrowID   string          `json:"escrow_id"`
	TxHash     string          `json:"tx_hash"`
	ProofLinks []string        `json:"proof_links"`
}

type ReleaseFundingResponse struct {
	Message    string   `json:"message"`
	TxHash     string   `json:"tx_hash"`
	ProofLinks []string `json:"proof_links"`
}

type InvoiceResponse struct {
	InvoiceID      string `json:"invoice_id"`
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	Status         string `json:"status"`
	FundedMinor    int64  `json:"funded_minor"`
	RemainingMinor int64  `json:"remaining_minor"`
	AuditTopicID   string `json:"audit_topic_id,omitempty"`
}

type CacheStatsResponse struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Errors        int64 `json:"errors"`
	Invalidations int64 `json:"invalidations"`
}

type PollerStatsResponse struct {
	CyclesCompleted   uint64     `json:"cycles_completed"`
	CyclesFailed      uint64     `json:"cycles_failed"`
	LastCycleAt       *time.Time `json:"last_cycle_at,omitempty"`
	LastCycleDuration string     `json:"last_cycle_duration,omitempty"`
	FundingsUpserted  uint64     `json:"fundings_upserted"`
	TasksResolved     uint64     `json:"tasks_resolved"`
	OpenTasks         int        `json:"open_tasks"`
	Watermark         *time.Time `json:"watermark,omitempty"`
}
