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
	ErrJobNotFound      = errors.New("job not found")
	ErrContractNotFound = errors.New("contract not found")

	// ErrStatusConflict: guarded-обновление не нашло строку в ожидаемом
	// статусе. Для планировщика это означает, что человек успел раньше.
	ErrStatusConflict = errors.New("job status changed concurrently")

	// ErrOpInFlight: у записи уже зарезервирована незавершённая
	// леджерная операция. Новая не начинается, пока висящая не сверена.
	ErrOpInFlight = errors.New("another ledger operation is in flight")
)

type JobRepository struct {
	db *sqlx.DB
}

func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{db: db}
}

// CreateDraft создаёт черновик работы вместе с контрактом.
// Эскроу на этом этапе не существует, escrow_id пуст.
func (r *JobRepository) CreateDraft(ctx context.Context, job *models.Job, contract *models.JobContract) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.GetContext(ctx, job, `
		INSERT INTO jobs (employer_id, title, description, status, budget, currency, platform_fee, application_deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING *
	`, job.EmployerID, job.Title, job.Description, models.JobStatusDraft,
		job.Budget, job.Currency, job.PlatformFee, job.ApplicationDeadline)
	if err != nil {
		return fmt.Errorf("job repository: create draft %w", err)
	}

	err = tx.GetContext(ctx, contract, `
		INSERT INTO job_contracts (job_id, terms, requirements, deliverables, deadline_days, review_days)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *
	`, job.ID, contract.Terms, contract.Requirements, contract.Deliverables,
		contract.DeadlineDays, contract.ReviewDays)
	if err != nil {
		return fmt.Errorf("job repository: create contract %w", err)
	}

	return tx.Commit()
}

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var job models.Job
	err := r.db.GetContext(ctx, &job, `SELECT * FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return &job, err
}

func (r *JobRepository) GetContract(ctx context.Context, jobID uuid.UUID) (*models.JobContract, error) {
	var contract models.JobContract
	err := r.db.GetContext(ctx, &contract, `SELECT * FROM job_contracts WHERE job_id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrContractNotFound
	}
	return &contract, err
}

// UpdateContractTerms заменяет условия контракта. Допустимо только до
// подписания, контроль статуса лежит на сервисе.
func (r *JobRepository) UpdateContractTerms(ctx context.Context, contract *models.JobContract) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE job_contracts
		SET terms = $2, requirements = $3, deliverables = $4,
		    deadline_days = $5, review_days = $6, updated_at = NOW()
		WHERE job_id = $1
	`, contract.JobID, contract.Terms, contract.Requirements, contract.Deliverables,
		contract.DeadlineDays, contract.ReviewDays)
	if err != nil {
		return fmt.Errorf("job repository: update contract %w", err)
	}
	return requireRow(res, ErrContractNotFound)
}

// SetPendingOp сохраняет корреляционный идентификатор леджерной
// операции до её отправки. Обязательный шаг перед любым мутирующим
// вызовом леджера. Guard в WHERE не даёт перетереть уже висящую
// операцию: её корреляционный идентификатор — единственный след для
// сверки, и затирать его повтором нельзя.
func (r *JobRepository) SetPendingOp(ctx context.Context, jobID uuid.UUID, op string, ref uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET pending_op = $2, pending_op_ref = $3, updated_at = NOW()
		WHERE id = $1 AND pending_op IS NULL
	`, jobID, op, ref)
	if err != nil {
		return fmt.Errorf("job repository: set pending op %w", err)
	}
	return requireRow(res, ErrOpInFlight)
}

func (r *JobRepository) ClearPendingOp(ctx context.Context, jobID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET pending_op = NULL, pending_op_ref = NULL, updated_at = NOW() WHERE id = $1
	`, jobID)
	return err
}

// MarkPublished фиксирует успешную публикацию: эскроу создан, хэш
// контракта зафиксирован, работа открыта для откликов.
func (r *JobRepository) MarkPublished(ctx context.Context, jobID uuid.UUID, escrowID, contractHash string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2, escrow_id = $3, contract_hash = $4,
		    pending_op = NULL, pending_op_ref = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, jobID, models.JobStatusOpen, escrowID, contractHash, models.JobStatusDraft)
	if err != nil {
		return fmt.Errorf("job repository: mark published %w", err)
	}
	if err := requireRow(res, ErrStatusConflict); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE job_contracts SET contract_hash = $2, updated_at = NOW() WHERE job_id = $1
	`, jobID, contractHash); err != nil {
		return fmt.Errorf("job repository: mark published contract %w", err)
	}

	return tx.Commit()
}

// ReplaceContractHash перепривязывает хэш и бюджет при правке условий
// до подписания. Леджер к этому моменту уже подтвердил update_escrow.
func (r *JobRepository) ReplaceContractHash(ctx context.Context, jobID uuid.UUID, contractHash string, budget, platformFee int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET contract_hash = $2, budget = $4, platform_fee = $5,
		    pending_op = NULL, pending_op_ref = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, jobID, contractHash, models.JobStatusOpen, budget, platformFee)
	if err != nil {
		return fmt.Errorf("job repository: replace contract hash %w", err)
	}
	if err := requireRow(res, ErrStatusConflict); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE job_contracts SET contract_hash = $2, updated_at = NOW() WHERE job_id = $1
	`, jobID, contractHash); err != nil {
		return fmt.Errorf("job repository: replace contract hash contract %w", err)
	}

	return tx.Commit()
}

func (r *JobRepository) MarkAssigned(ctx context.Context, jobID, freelancerID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET freelancer_id = $2, pending_op = NULL, pending_op_ref = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, jobID, freelancerID, models.JobStatusOpen)
	if err != nil {
		return fmt.Errorf("job repository: mark assigned %w", err)
	}
	return requireRow(res, ErrStatusConflict)
}

func (r *JobRepository) MarkSigned(ctx context.Context, jobID uuid.UUID, submissionDeadline time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2, work_submission_deadline = $3,
		    pending_op = NULL, pending_op_ref = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, jobID, models.JobStatusInProgress, submissionDeadline, models.JobStatusOpen)
	if err != nil {
		return fmt.Errorf("job repository: mark signed %w", err)
	}
	return requireRow(res, ErrStatusConflict)
}

func (r *JobRepository) MarkSubmitted(ctx context.Context, jobID uuid.UUID, evidenceURL string, reviewDeadline time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2, evidence_url = $3, work_review_deadline = $4,
		    pending_op = NULL, pending_op_ref = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, jobID, models.JobStatusPendingReview, evidenceURL, reviewDeadline, models.JobStatusInProgress)
	if err != nil {
		return fmt.Errorf("job repository: mark submitted %w", err)
	}
	return requireRow(res, ErrStatusConflict)
}

func (r *JobRepository) MarkCompleted(ctx context.Context, jobID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2, pending_op = NULL, pending_op_ref = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, jobID, models.JobStatusCompleted, models.JobStatusPendingReview)
	if err != nil {
		return fmt.Errorf("job repository: mark completed %w", err)
	}
	return requireRow(res, ErrStatusConflict)
}

// MarkCancelled переводит работу в cancelled из любого нетерминального
// статуса, перечисленного в from.
func (r *JobRepository) MarkCancelled(ctx context.Context, jobID uuid.UUID, from ...string) error {
	query, args, err := sqlx.In(`
		UPDATE jobs
		SET status = ?, pending_op = NULL, pending_op_ref = NULL, updated_at = NOW()
		WHERE id = ? AND status IN (?)
	`, models.JobStatusCancelled, jobID, from)
	if err != nil {
		return fmt.Errorf("job repository: mark cancelled %w", err)
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("job repository: mark cancelled %w", err)
	}
	return requireRow(res, ErrStatusConflict)
}

func (r *JobRepository) MarkRevisionRequested(ctx context.Context, jobID uuid.UUID, submissionDeadline time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2, work_submission_deadline = $3, work_review_deadline = NULL,
		    pending_op = NULL, pending_op_ref = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, jobID, models.JobStatusInProgress, submissionDeadline, models.JobStatusPendingReview)
	if err != nil {
		return fmt.Errorf("job repository: mark revision requested %w", err)
	}
	return requireRow(res, ErrStatusConflict)
}

// ListDueSubmissions работы в in_progress с истёкшим дедлайном сдачи.
func (r *JobRepository) ListDueSubmissions(ctx context.Context, now time.Time) ([]models.Job, error) {
	var jobs []models.Job
	err := r.db.SelectContext(ctx, &jobs, `
		SELECT * FROM jobs
		WHERE status = $1 AND work_submission_deadline IS NOT NULL AND work_submission_deadline < $2
		ORDER BY work_submission_deadline
	`, models.JobStatusInProgress, now)
	return jobs, err
}

// ListDueReviews работы в pending_review с истёкшим дедлайном проверки.
func (r *JobRepository) ListDueReviews(ctx context.Context, now time.Time) ([]models.Job, error) {
	var jobs []models.Job
	err := r.db.SelectContext(ctx, &jobs, `
		SELECT * FROM jobs
		WHERE status = $1 AND work_review_deadline IS NOT NULL AND work_review_deadline < $2
		ORDER BY work_review_deadline
	`, models.JobStatusPendingReview, now)
	return jobs, err
}

// ListPendingOps работы с незавершённой леджерной операцией, висящей
// дольше olderThan. Свежие pending_op принадлежат запросам в полёте и
// в сверку не попадают.
func (r *JobRepository) ListPendingOps(ctx context.Context, olderThan time.Time) ([]models.Job, error) {
	var jobs []models.Job
	err := r.db.SelectContext(ctx, &jobs, `
		SELECT * FROM jobs
		WHERE pending_op IS NOT NULL AND updated_at < $1
		ORDER BY updated_at
	`, olderThan)
	return jobs, err
}

func requireRow(res sql.Result, conflictErr error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return conflictErr
	}
	return nil
}
