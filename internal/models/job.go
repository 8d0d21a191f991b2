package models

import (
	"time"

	"github.com/google/uuid"
)

// Job описывает работу с оплатой через внешний эскроу-леджер.
// Денежные поля хранятся в минорных единицах валюты (центы, копейки).
// Инвариант: EscrowID заполнен тогда и только тогда, когда статус не draft.
type Job struct {
	ID                     uuid.UUID  `db:"id" json:"id"`
	EmployerID             uuid.UUID  `db:"employer_id" json:"employer_id"`
	FreelancerID           *uuid.UUID `db:"freelancer_id" json:"freelancer_id,omitempty"`
	Title                  string     `db:"title" json:"title"`
	Description            string     `db:"description" json:"description"`
	Status                 string     `db:"status" json:"status"`
	Budget                 int64      `db:"budget" json:"budget"`
	Currency               string     `db:"currency" json:"currency"`
	PlatformFee            int64      `db:"platform_fee" json:"platform_fee"`
	EscrowID               *string    `db:"escrow_id" json:"escrow_id,omitempty"`
	ContractHash           *string    `db:"contract_hash" json:"contract_hash,omitempty"`
	ApplicationDeadline    time.Time  `db:"application_deadline" json:"application_deadline"`
	WorkSubmissionDeadline *time.Time `db:"work_submission_deadline" json:"work_submission_deadline,omitempty"`
	WorkReviewDeadline     *time.Time `db:"work_review_deadline" json:"work_review_deadline,omitempty"`
	ApplicationCount       int        `db:"application_count" json:"application_count"`
	EvidenceURL            *string    `db:"evidence_url" json:"evidence_url,omitempty"`

	// PendingOp/PendingOpRef фиксируют корреляционный идентификатор
	// леджерной операции до её отправки: после таймаута исход
	// сверяется с леджером, а не переотправляется вслепую.
	PendingOp    *string    `db:"pending_op" json:"-"`
	PendingOpRef *uuid.UUID `db:"pending_op_ref" json:"-"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Signed сообщает, подписан ли контракт по работе.
// До подписания допускается правка условий и отмена без штрафа.
func (j *Job) Signed() bool {
	switch j.Status {
	case JobStatusInProgress, JobStatusPendingReview, JobStatusCompleted, JobStatusDisputed:
		return true
	}
	return false
}
