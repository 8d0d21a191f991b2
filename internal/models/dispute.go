package models

import (
	"time"

	"github.com/google/uuid"
)

// Dispute спор по работе. На одну работу может существовать не больше
// одного незакрытого спора (частичный уникальный индекс в базе).
type Dispute struct {
	ID                    uuid.UUID  `db:"id" json:"id"`
	JobID                 uuid.UUID  `db:"job_id" json:"job_id"`
	EscrowID              string     `db:"escrow_id" json:"escrow_id"`
	OpenedBy              uuid.UUID  `db:"opened_by" json:"opened_by"`
	EmployerDescription   string     `db:"employer_description" json:"employer_description"`
	EmployerEvidenceURL   string     `db:"employer_evidence_url" json:"employer_evidence_url"`
	FreelancerDescription *string    `db:"freelancer_description" json:"freelancer_description,omitempty"`
	FreelancerEvidenceURL *string    `db:"freelancer_evidence_url" json:"freelancer_evidence_url,omitempty"`
	FreelancerDeadline    *time.Time `db:"freelancer_deadline" json:"freelancer_deadline,omitempty"`
	Status                string     `db:"status" json:"status"`
	Winner                *string    `db:"winner" json:"winner,omitempty"`
	AdminNote             *string    `db:"admin_note" json:"admin_note,omitempty"`
	ResolvedBy            *uuid.UUID `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt            *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	LedgerDisputeID       *string    `db:"ledger_dispute_id" json:"ledger_dispute_id,omitempty"`
	LedgerTxHash          *string    `db:"ledger_tx_hash" json:"ledger_tx_hash,omitempty"`
	TimeoutNotified       bool       `db:"timeout_notified" json:"-"`
	PendingOp             *string    `db:"pending_op" json:"-"`
	PendingOpRef          *uuid.UUID `db:"pending_op_ref" json:"-"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
}

// Responded сообщает, подал ли фрилансер ответ по спору.
func (d *Dispute) Responded() bool {
	return d.FreelancerDescription != nil
}
