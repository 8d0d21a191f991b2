package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ignatzorin/escrow-backend/internal/models"
)

var (
	ErrDisputeNotFound   = errors.New("dispute not found")
	ErrOpenDisputeExists = errors.New("open dispute already exists for this job")
	ErrDisputeNotPending = errors.New("dispute is not awaiting freelancer response")
	ErrDisputeResolved   = errors.New("dispute already resolved")
)

type DisputeRepository struct {
	db *sqlx.DB
}

func NewDisputeRepository(db *sqlx.DB) *DisputeRepository {
	return &DisputeRepository{db: db}
}

// CreateOpened создаёт спор и переводит работу в disputed одной
// транзакцией: леджер уже подтвердил открытие, двух записей врозь
// быть не должно.
func (r *DisputeRepository) CreateOpened(ctx context.Context, d *models.Dispute) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.GetContext(ctx, d, `
		INSERT INTO disputes (job_id, escrow_id, opened_by, employer_description, employer_evidence_url,
		                      freelancer_deadline, status, ledger_dispute_id, ledger_tx_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING *
	`, d.JobID, d.EscrowID, d.OpenedBy, d.EmployerDescription, d.EmployerEvidenceURL,
		d.FreelancerDeadline, models.DisputeStatusPendingFreelancerResponse,
		d.LedgerDisputeID, d.LedgerTxHash)
	if err != nil {
		return fmt.Errorf("dispute repository: create %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2, pending_op = NULL, pending_op_ref = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
	`, d.JobID, models.JobStatusDisputed, models.JobStatusInProgress, models.JobStatusPendingReview)
	if err != nil {
		return fmt.Errorf("dispute repository: mark job disputed %w", err)
	}
	if err := requireRow(res, ErrStatusConflict); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *DisputeRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	var d models.Dispute
	err := r.db.GetContext(ctx, &d, `SELECT * FROM disputes WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return &d, err
}

// GetOpenByJobID возвращает незакрытый спор по работе, если он есть.
func (r *DisputeRepository) GetOpenByJobID(ctx context.Context, jobID uuid.UUID) (*models.Dispute, error) {
	var d models.Dispute
	err := r.db.GetContext(ctx, &d, `
		SELECT * FROM disputes WHERE job_id = $1 AND status != $2
	`, jobID, models.DisputeStatusResolved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return &d, err
}

// SetResponse записывает единственный ответ фрилансера. Guard в WHERE
// не пустит второй ответ и ответ по уже решённому спору.
func (r *DisputeRepository) SetResponse(ctx context.Context, id uuid.UUID, description, evidenceURL string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE disputes
		SET freelancer_description = $2, freelancer_evidence_url = $3, status = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5 AND freelancer_description IS NULL
	`, id, description, evidenceURL, models.DisputeStatusAwaitingArbitration,
		models.DisputeStatusPendingFreelancerResponse)
	if err != nil {
		return fmt.Errorf("dispute repository: set response %w", err)
	}
	return requireRow(res, ErrDisputeNotPending)
}

// SetPendingOp резервирует леджерную операцию. Guard в WHERE не даёт
// перетереть уже висящую: повтор поверх незавершённой операции — это
// слепая переотправка, она отсекается здесь.
func (r *DisputeRepository) SetPendingOp(ctx context.Context, id uuid.UUID, op string, ref uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE disputes SET pending_op = $2, pending_op_ref = $3, updated_at = NOW()
		WHERE id = $1 AND pending_op IS NULL
	`, id, op, ref)
	if err != nil {
		return fmt.Errorf("dispute repository: set pending op %w", err)
	}
	return requireRow(res, ErrOpInFlight)
}

func (r *DisputeRepository) ClearPendingOp(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE disputes SET pending_op = NULL, pending_op_ref = NULL, updated_at = NOW() WHERE id = $1
	`, id)
	return err
}

func (r *DisputeRepository) MarkVoting(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = $2, pending_op = NULL, pending_op_ref = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.DisputeStatusVoting, models.DisputeStatusAwaitingArbitration)
	if err != nil {
		return fmt.Errorf("dispute repository: mark voting %w", err)
	}
	return requireRow(res, ErrStatusConflict)
}

// MarkResolved закрывает спор и сводит работу к финальному статусу
// одной транзакцией. Повторное закрытие отсекается guard-ом.
func (r *DisputeRepository) MarkResolved(ctx context.Context, id uuid.UUID, winner string, adminNote *string, resolvedBy *uuid.UUID, txHash string, jobFinalStatus string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var jobID uuid.UUID
	err = tx.GetContext(ctx, &jobID, `
		UPDATE disputes
		SET status = $2, winner = $3, admin_note = $4, resolved_by = $5,
		    resolved_at = NOW(), ledger_tx_hash = $6,
		    pending_op = NULL, pending_op_ref = NULL, updated_at = NOW()
		WHERE id = $1 AND status != $2
		RETURNING job_id
	`, id, models.DisputeStatusResolved, winner, adminNote, resolvedBy, txHash)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDisputeResolved
	}
	if err != nil {
		return fmt.Errorf("dispute repository: mark resolved %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2, pending_op = NULL, pending_op_ref = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, jobID, jobFinalStatus, models.JobStatusDisputed)
	if err != nil {
		return fmt.Errorf("dispute repository: settle job %w", err)
	}
	if err := requireRow(res, ErrStatusConflict); err != nil {
		return err
	}

	return tx.Commit()
}

// ListDueResponses споры с истёкшим сроком ответа, по которым ещё не
// отправлялось уведомление о доступном timeout win.
func (r *DisputeRepository) ListDueResponses(ctx context.Context, now time.Time) ([]models.Dispute, error) {
	var disputes []models.Dispute
	err := r.db.SelectContext(ctx, &disputes, `
		SELECT * FROM disputes
		WHERE status = $1 AND freelancer_deadline IS NOT NULL
		  AND freelancer_deadline < $2 AND timeout_notified = FALSE
		ORDER BY freelancer_deadline
	`, models.DisputeStatusPendingFreelancerResponse, now)
	return disputes, err
}

// ListPendingOps споры с незавершённой леджерной операцией, не
// менявшиеся дольше порога (для сверочного прохода планировщика).
func (r *DisputeRepository) ListPendingOps(ctx context.Context, olderThan time.Time) ([]models.Dispute, error) {
	var disputes []models.Dispute
	err := r.db.SelectContext(ctx, &disputes, `
		SELECT * FROM disputes
		WHERE pending_op IS NOT NULL AND updated_at < $1
		ORDER BY updated_at
	`, olderThan)
	return disputes, err
}

// SetLedgerTxHash записывает хэш транзакции леджера без смены статуса
// (используется при получении средств выигравшей стороной).
func (r *DisputeRepository) SetLedgerTxHash(ctx context.Context, id uuid.UUID, txHash string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE disputes SET ledger_tx_hash = $2, updated_at = NOW() WHERE id = $1
	`, id, txHash)
	if err != nil {
		return fmt.Errorf("dispute repository: set tx hash %w", err)
	}
	return requireRow(res, ErrDisputeNotFound)
}

func (r *DisputeRepository) MarkTimeoutNotified(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE disputes SET timeout_notified = TRUE, updated_at = NOW() WHERE id = $1
	`, id)
	return err
}

// ListByUser споры, где пользователь выступает одной из сторон.
func (r *DisputeRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Dispute, error) {
	var disputes []models.Dispute
	err := r.db.SelectContext(ctx, &disputes, `
		SELECT d.* FROM disputes d
		JOIN jobs j ON d.job_id = j.id
		WHERE j.employer_id = $1 OR j.freelancer_id = $1
		ORDER BY d.created_at DESC LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	return disputes, err
}
