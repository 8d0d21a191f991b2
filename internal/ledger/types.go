package ledger

// Состояния эскроу на стороне леджера. Приложение их не изменяет
// напрямую, только читает при сверке.
const (
	EscrowStateCreated           = "created"
	EscrowStateAssigned          = "assigned"
	EscrowStateSigned            = "signed"
	EscrowStateSubmitted         = "submitted"
	EscrowStateRevisionRequested = "revision_requested"
	EscrowStatePaid              = "paid"
	EscrowStateCancelled         = "cancelled"
	EscrowStateDisputed          = "disputed"
	EscrowStateResolved          = "resolved"
)

// Состояния спора на стороне леджера.
const (
	DisputeStateOpen     = "open"
	DisputeStateVoting   = "voting"
	DisputeStateResolved = "resolved"
)

// CreateEscrowParams параметры создания эскроу. Сумма уже включает
// комиссию площадки; окна задаются в секундах.
type CreateEscrowParams struct {
	TermsRef          string `json:"terms_ref"`
	ContractHash      string `json:"contract_hash"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	ApplicationWindow int64  `json:"application_window_sec"`
	SubmissionWindow  int64  `json:"submission_window_sec"`
	ReviewWindow      int64  `json:"review_window_sec"`
	EmployerIdentity  string `json:"employer_identity"`
}

// UpdateEscrowParams параметры обновления условий до подписания.
type UpdateEscrowParams struct {
	ContractHash      string `json:"contract_hash"`
	Amount            int64  `json:"amount"`
	ApplicationWindow int64  `json:"application_window_sec"`
	SubmissionWindow  int64  `json:"submission_window_sec"`
	ReviewWindow      int64  `json:"review_window_sec"`
}

// TxResult подтверждение мутирующей операции.
type TxResult struct {
	TxRef string `json:"tx_ref"`
}

// CreateEscrowResult подтверждение создания: идентификатор назначает
// леджер, из аргументов вызова его выводить нельзя.
type CreateEscrowResult struct {
	TxRef    string `json:"tx_ref"`
	EscrowID string `json:"escrow_id"`
}

// OpenDisputeResult подтверждение открытия спора.
type OpenDisputeResult struct {
	TxRef     string `json:"tx_ref"`
	DisputeID string `json:"dispute_id"`
}

// VoteResult итог учтённого голоса. Порог голосов контролирует леджер:
// когда он достигнут, в ответе приходит резолюция.
type VoteResult struct {
	TxRef    string `json:"tx_ref"`
	Resolved bool   `json:"resolved"`
	Winner   string `json:"winner,omitempty"`
}

// EscrowState снимок состояния эскроу для сверки после таймаута.
type EscrowState struct {
	EscrowID     string `json:"escrow_id"`
	State        string `json:"state"`
	Amount       int64  `json:"amount"`
	ContractHash string `json:"contract_hash"`
	Employer     string `json:"employer_identity"`
	Freelancer   string `json:"freelancer_identity,omitempty"`
}

// DisputeState снимок состояния спора.
type DisputeState struct {
	DisputeID string `json:"dispute_id"`
	EscrowID  string `json:"escrow_id"`
	State     string `json:"state"`
	Winner    string `json:"winner,omitempty"`
}

// PenaltyResult размер штрафа за выход фрилансера после подписания.
type PenaltyResult struct {
	Amount int64 `json:"amount"`
}
