package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/escrow-backend/internal/integrity"
	"github.com/ignatzorin/escrow-backend/internal/ledger"
	"github.com/ignatzorin/escrow-backend/internal/logger"
	"github.com/ignatzorin/escrow-backend/internal/metrics"
	"github.com/ignatzorin/escrow-backend/internal/models"
	"github.com/ignatzorin/escrow-backend/internal/pkg/apperror"
	"github.com/ignatzorin/escrow-backend/internal/repository"
)

// ErrDeadlineRace автопереход обнаружил, что человек успел раньше.
// Планировщик такой исход молча отбрасывает, пользователям он не виден.
var ErrDeadlineRace = apperror.New(apperror.ErrCodeDeadlineRace, "сущность уже переведена другим действием")

// Имена незавершённых леджерных операций в pending_op.
const (
	opCreateEscrow       = "create_escrow"
	opUpdateEscrow       = "update_escrow"
	opAssignWorker       = "assign_worker"
	opSign               = "sign"
	opSubmitDeliverable  = "submit_deliverable"
	opReleasePayment     = "release_payment"
	opRequestRevision    = "request_revision"
	opFreelancerWithdraw = "freelancer_withdraw"
	opCancelBefore       = "cancel_before_signing"
	opCancelAfter        = "cancel_after_signing"
	opOpenDispute        = "open_dispute"
)

// JobRepository описывает взаимодействие оркестратора с хранилищем работ.
type JobRepository interface {
	CreateDraft(ctx context.Context, job *models.Job, contract *models.JobContract) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetContract(ctx context.Context, jobID uuid.UUID) (*models.JobContract, error)
	UpdateContractTerms(ctx context.Context, contract *models.JobContract) error
	SetPendingOp(ctx context.Context, jobID uuid.UUID, op string, ref uuid.UUID) error
	ClearPendingOp(ctx context.Context, jobID uuid.UUID) error
	MarkPublished(ctx context.Context, jobID uuid.UUID, escrowID, contractHash string) error
	ReplaceContractHash(ctx context.Context, jobID uuid.UUID, contractHash string, budget, platformFee int64) error
	MarkAssigned(ctx context.Context, jobID, freelancerID uuid.UUID) error
	MarkSigned(ctx context.Context, jobID uuid.UUID, submissionDeadline time.Time) error
	MarkSubmitted(ctx context.Context, jobID uuid.UUID, evidenceURL string, reviewDeadline time.Time) error
	MarkCompleted(ctx context.Context, jobID uuid.UUID) error
	MarkCancelled(ctx context.Context, jobID uuid.UUID, from ...string) error
	MarkRevisionRequested(ctx context.Context, jobID uuid.UUID, submissionDeadline time.Time) error
	ListDueSubmissions(ctx context.Context, now time.Time) ([]models.Job, error)
	ListDueReviews(ctx context.Context, now time.Time) ([]models.Job, error)
	ListPendingOps(ctx context.Context, olderThan time.Time) ([]models.Job, error)
}

// EscrowLedger операции леджера, нужные оркестратору.
type EscrowLedger interface {
	CreateEscrow(ctx context.Context, ref uuid.UUID, params ledger.CreateEscrowParams) (*ledger.CreateEscrowResult, error)
	UpdateEscrow(ctx context.Context, ref uuid.UUID, escrowID string, params ledger.UpdateEscrowParams) (*ledger.TxResult, error)
	AssignWorker(ctx context.Context, ref uuid.UUID, escrowID, workerIdentity string) (*ledger.TxResult, error)
	Sign(ctx context.Context, ref uuid.UUID, escrowID, contractHash string) (*ledger.TxResult, error)
	SubmitDeliverable(ctx context.Context, ref uuid.UUID, escrowID, evidenceRef string) (*ledger.TxResult, error)
	ReleasePayment(ctx context.Context, ref uuid.UUID, escrowID string) (*ledger.TxResult, error)
	RequestRevision(ctx context.Context, ref uuid.UUID, escrowID string) (*ledger.TxResult, error)
	FreelancerWithdraw(ctx context.Context, ref uuid.UUID, escrowID string) (*ledger.TxResult, error)
	QueryWithdrawalPenalty(ctx context.Context, escrowID string) (int64, error)
	CancelBeforeSigning(ctx context.Context, ref uuid.UUID, escrowID string) (*ledger.TxResult, error)
	CancelAfterSigning(ctx context.Context, ref uuid.UUID, escrowID string) (*ledger.TxResult, error)
	GetEscrow(ctx context.Context, escrowID string) (*ledger.EscrowState, error)
	FindByCorrelation(ctx context.Context, ref uuid.UUID) (*ledger.EscrowState, error)
}

// JobService оркестратор жизненного цикла работы. Владеет состоянием
// работы в базе; движение средств всегда идёт через леджер первым, с
// компенсацией при сбое локальной записи.
type JobService struct {
	repo       JobRepository
	ledger     EscrowLedger
	notifier   Notifier
	locks      *EntityLocks
	feePercent int64
	log        *logrus.Entry
}

// NewJobService создаёт оркестратор.
func NewJobService(repo JobRepository, escrowLedger EscrowLedger, notifier Notifier, locks *EntityLocks, feePercent int64) *JobService {
	return &JobService{
		repo:       repo,
		ledger:     escrowLedger,
		notifier:   notifier,
		locks:      locks,
		feePercent: feePercent,
		log:        logger.WithComponent("job_service"),
	}
}

// CreateDraftInput входные данные черновика работы.
type CreateDraftInput struct {
	EmployerID          uuid.UUID
	Title               string
	Description         string
	Budget              int64
	Currency            string
	ApplicationDeadline time.Time
	Requirements        string
	Deliverables        string
	DeadlineDays        int
	ReviewDays          int
	Terms               []models.ContractTerm
}

func (in *CreateDraftInput) validate() error {
	switch {
	case in.Title == "":
		return apperror.New(apperror.ErrCodeValidation, "заголовок работы не может быть пустым")
	case in.Description == "":
		return apperror.New(apperror.ErrCodeValidation, "описание работы не может быть пустым")
	case in.Budget <= 0:
		return apperror.New(apperror.ErrCodeValidation, "бюджет должен быть положительным")
	case in.Currency == "":
		return apperror.New(apperror.ErrCodeValidation, "валюта обязательна")
	case in.DeadlineDays < 1:
		return apperror.New(apperror.ErrCodeValidation, "срок выполнения не может быть меньше одного дня")
	case in.ReviewDays < 1:
		return apperror.New(apperror.ErrCodeValidation, "срок проверки не может быть меньше одного дня")
	case len(in.Terms) == 0:
		return apperror.New(apperror.ErrCodeValidation, "контракт должен содержать хотя бы один пункт условий")
	case !in.ApplicationDeadline.After(time.Now()):
		return apperror.New(apperror.ErrCodeValidation, "дедлайн приёма откликов не может быть в прошлом")
	}
	return nil
}

// CreateDraft создаёт черновик работы с контрактом. Эскроу ещё нет.
func (s *JobService) CreateDraft(ctx context.Context, in CreateDraftInput) (*models.Job, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	job := &models.Job{
		EmployerID:          in.EmployerID,
		Title:               in.Title,
		Description:         in.Description,
		Budget:              in.Budget,
		Currency:            in.Currency,
		PlatformFee:         s.platformFee(in.Budget),
		ApplicationDeadline: in.ApplicationDeadline,
	}
	contract := &models.JobContract{
		Terms:        in.Terms,
		Requirements: in.Requirements,
		Deliverables: in.Deliverables,
		DeadlineDays: in.DeadlineDays,
		ReviewDays:   in.ReviewDays,
	}

	if err := s.repo.CreateDraft(ctx, job, contract); err != nil {
		return nil, fmt.Errorf("job service: не удалось создать черновик: %w", err)
	}
	return job, nil
}

// GetJob возвращает работу по идентификатору.
func (s *JobService) GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return s.repo.GetByID(ctx, jobID)
}

// GetContract возвращает контракт работы.
func (s *JobService) GetContract(ctx context.Context, jobID uuid.UUID) (*models.JobContract, error) {
	return s.repo.GetContract(ctx, jobID)
}

// Publish публикует черновик: считает хэш контракта, создаёт эскроу на
// бюджет плюс комиссию, затем фиксирует работу как открытую. Если
// запись в базу не удалась после подтверждения леджера, средства
// возвращаются компенсирующей отменой, а вызывающему сообщается, что
// работа не создана.
func (s *JobService) Publish(ctx context.Context, jobID, employerID uuid.UUID) (*models.Job, error) {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.EmployerID != employerID {
		return nil, apperror.ErrForbidden
	}
	if job.Status != models.JobStatusDraft {
		return nil, apperror.New(apperror.ErrCodeConflict, "опубликовать можно только черновик")
	}
	if job.PendingOp != nil {
		if err := s.reconcilePending(ctx, job); err != nil {
			return nil, err
		}
		return s.repo.GetByID(ctx, jobID)
	}

	contract, err := s.repo.GetContract(ctx, jobID)
	if err != nil {
		return nil, err
	}

	hash := integrity.HashFields(contractFields(job, contract))
	amount := job.Budget + job.PlatformFee

	ref := uuid.New()
	if err := s.repo.SetPendingOp(ctx, jobID, opCreateEscrow, ref); err != nil {
		return nil, err
	}

	res, err := s.ledger.CreateEscrow(ctx, ref, ledger.CreateEscrowParams{
		TermsRef:          jobID.String(),
		ContractHash:      hash,
		Amount:            amount,
		Currency:          job.Currency,
		ApplicationWindow: int64(time.Until(job.ApplicationDeadline).Seconds()),
		SubmissionWindow:  daysToSeconds(contract.DeadlineDays),
		ReviewWindow:      daysToSeconds(contract.ReviewDays),
		EmployerIdentity:  job.EmployerID.String(),
	})
	if err != nil {
		return nil, s.ledgerFailure(ctx, jobID, err)
	}

	if err := s.repo.MarkPublished(ctx, jobID, res.EscrowID, hash); err != nil {
		// Эскроу создан, запись не зафиксировалась: возвращаем средства
		// и сообщаем об откате. Молчаливый повтор здесь запрещён.
		s.compensateCreate(ctx, jobID, res.EscrowID, err)
		return nil, apperror.Wrap(err, apperror.ErrCodeConsistencyFailure,
			"работа не создана, зарезервированные средства возвращены — повторите попытку")
	}

	s.log.WithFields(logrus.Fields{
		"job_id":    jobID,
		"escrow_id": res.EscrowID,
		"amount":    amount,
	}).Info("работа опубликована")

	s.notify(ctx, employerID, EventJobPublished, jobID)
	return s.repo.GetByID(ctx, jobID)
}

// compensateCreate отменяет только что созданный эскроу после сбоя
// локальной записи. Неудача компенсации эскалируется оператору через
// лог и метрику, но никогда не теряется молча.
func (s *JobService) compensateCreate(ctx context.Context, jobID uuid.UUID, escrowID string, cause error) {
	metrics.Compensations.Inc()

	if _, cerr := s.ledger.CancelBeforeSigning(ctx, uuid.New(), escrowID); cerr != nil {
		metrics.CompensationFailures.Inc()
		s.log.WithFields(logrus.Fields{
			"job_id":    jobID,
			"escrow_id": escrowID,
			"cause":     cause,
			"error":     cerr,
		}).Error("компенсация не удалась, требуется вмешательство оператора")
		return
	}

	if cerr := s.repo.ClearPendingOp(ctx, jobID); cerr != nil {
		s.log.WithField("job_id", jobID).Warnf("не удалось снять pending_op после компенсации: %v", cerr)
	}

	s.log.WithFields(logrus.Fields{
		"job_id":    jobID,
		"escrow_id": escrowID,
	}).Warn("эскроу отменён компенсацией после сбоя записи")
}

// UpdateTermsInput правка условий до подписания.
type UpdateTermsInput struct {
	JobID        uuid.UUID
	EmployerID   uuid.UUID
	Budget       int64
	Requirements string
	Deliverables string
	DeadlineDays int
	ReviewDays   int
	Terms        []models.ContractTerm
}

// UpdateBeforeSigning меняет условия опубликованной, но не подписанной
// работы. Хэш перепривязывается в том же порядке: сначала леджер,
// потом база.
func (s *JobService) UpdateBeforeSigning(ctx context.Context, in UpdateTermsInput) error {
	if in.Budget <= 0 {
		return apperror.New(apperror.ErrCodeValidation, "бюджет должен быть положительным")
	}
	if in.DeadlineDays < 1 || in.ReviewDays < 1 {
		return apperror.New(apperror.ErrCodeValidation, "сроки не могут быть меньше одного дня")
	}
	if len(in.Terms) == 0 {
		return apperror.New(apperror.ErrCodeValidation, "контракт должен содержать хотя бы один пункт условий")
	}

	unlock := s.locks.Lock(in.JobID)
	defer unlock()

	job, err := s.repo.GetByID(ctx, in.JobID)
	if err != nil {
		return err
	}
	if job.EmployerID != in.EmployerID {
		return apperror.ErrForbidden
	}
	if err := s.ensureNoPendingOp(ctx, job); err != nil {
		return err
	}
	if job.Signed() {
		return apperror.New(apperror.ErrCodeConflict, "после подписания контракта условия не меняются")
	}
	if job.Status != models.JobStatusOpen {
		return apperror.New(apperror.ErrCodeConflict, "условия можно менять только у опубликованной работы")
	}

	contract, err := s.repo.GetContract(ctx, in.JobID)
	if err != nil {
		return err
	}
	contract.Terms = in.Terms
	contract.Requirements = in.Requirements
	contract.Deliverables = in.Deliverables
	contract.DeadlineDays = in.DeadlineDays
	contract.ReviewDays = in.ReviewDays

	fee := s.platformFee(in.Budget)
	updated := *job
	updated.Budget = in.Budget
	hash := integrity.HashFields(contractFields(&updated, contract))

	ref := uuid.New()
	if err := s.repo.SetPendingOp(ctx, in.JobID, opUpdateEscrow, ref); err != nil {
		return err
	}

	if _, err := s.ledger.UpdateEscrow(ctx, ref, *job.EscrowID, ledger.UpdateEscrowParams{
		ContractHash:      hash,
		Amount:            in.Budget + fee,
		ApplicationWindow: int64(time.Until(job.ApplicationDeadline).Seconds()),
		SubmissionWindow:  daysToSeconds(in.DeadlineDays),
		ReviewWindow:      daysToSeconds(in.ReviewDays),
	}); err != nil {
		return s.ledgerFailure(ctx, in.JobID, err)
	}

	if err := s.repo.UpdateContractTerms(ctx, contract); err != nil {
		return apperror.Wrap(err, apperror.ErrCodeConsistencyFailure, "условия не сохранены — повторите попытку")
	}
	if err := s.repo.ReplaceContractHash(ctx, in.JobID, hash, in.Budget, fee); err != nil {
		return apperror.Wrap(err, apperror.ErrCodeConsistencyFailure, "условия не сохранены — повторите попытку")
	}
	return nil
}

// Assign закрепляет исполнителя за открытой работой.
func (s *JobService) Assign(ctx context.Context, jobID, employerID, freelancerID uuid.UUID) error {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.EmployerID != employerID {
		return apperror.ErrForbidden
	}
	if err := s.ensureNoPendingOp(ctx, job); err != nil {
		return err
	}
	if job.Status != models.JobStatusOpen {
		return apperror.New(apperror.ErrCodeConflict, "исполнителя можно назначить только на открытую работу")
	}
	if freelancerID == employerID {
		return apperror.New(apperror.ErrCodeValidation, "заказчик не может быть исполнителем собственной работы")
	}

	ref := uuid.New()
	if err := s.repo.SetPendingOp(ctx, jobID, opAssignWorker, ref); err != nil {
		return err
	}
	if _, err := s.ledger.AssignWorker(ctx, ref, *job.EscrowID, freelancerID.String()); err != nil {
		return s.ledgerFailure(ctx, jobID, err)
	}
	if err := s.repo.MarkAssigned(ctx, jobID, freelancerID); err != nil {
		return apperror.Wrap(err, apperror.ErrCodeConsistencyFailure, "назначение не сохранено — повторите попытку")
	}

	s.notify(ctx, freelancerID, EventJobAssigned, jobID)
	return nil
}

// Sign подписывает контракт от имени исполнителя. Перед подписью хэш
// обязательно сверяется с текущими условиями: расхождение означает,
// что условия менялись в обход протокола, и подпись не ставится.
func (s *JobService) Sign(ctx context.Context, jobID, freelancerID uuid.UUID) error {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.FreelancerID == nil || *job.FreelancerID != freelancerID {
		return apperror.ErrForbidden
	}
	if err := s.ensureNoPendingOp(ctx, job); err != nil {
		return err
	}
	if job.Status != models.JobStatusOpen {
		return apperror.New(apperror.ErrCodeConflict, "подписать можно только назначенную и не подписанную работу")
	}
	if job.ContractHash == nil {
		return apperror.New(apperror.ErrCodeConsistencyFailure, "у опубликованной работы отсутствует хэш контракта")
	}

	contract, err := s.repo.GetContract(ctx, jobID)
	if err != nil {
		return err
	}
	if !integrity.Verify(*job.ContractHash, contractFields(job, contract)) {
		s.log.WithField("job_id", jobID).Error("хэш контракта не совпадает с условиями, подпись остановлена")
		return apperror.New(apperror.ErrCodeConsistencyFailure,
			"условия контракта не совпадают с зафиксированным хэшем, подпись невозможна")
	}

	ref := uuid.New()
	if err := s.repo.SetPendingOp(ctx, jobID, opSign, ref); err != nil {
		return err
	}
	if _, err := s.ledger.Sign(ctx, ref, *job.EscrowID, *job.ContractHash); err != nil {
		return s.ledgerFailure(ctx, jobID, err)
	}

	deadline := time.Now().Add(daysToDuration(contract.DeadlineDays))
	if err := s.repo.MarkSigned(ctx, jobID, deadline); err != nil {
		return apperror.Wrap(err, apperror.ErrCodeConsistencyFailure, "подпись не сохранена — повторите попытку")
	}

	s.notify(ctx, job.EmployerID, EventContractSigned, jobID)
	return nil
}

// Submit фиксирует сдачу работы со ссылкой на результат.
func (s *JobService) Submit(ctx context.Context, jobID, freelancerID uuid.UUID, evidenceURL string) error {
	if evidenceURL == "" {
		return apperror.New(apperror.ErrCodeValidation, "ссылка на результат работы обязательна")
	}

	unlock := s.locks.Lock(jobID)
	defer unlock()

	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.FreelancerID == nil || *job.FreelancerID != freelancerID {
		return apperror.ErrForbidden
	}
	if err := s.ensureNoPendingOp(ctx, job); err != nil {
		return err
	}
	if job.Status != models.JobStatusInProgress {
		return apperror.New(apperror.ErrCodeConflict, "сдать можно только работу в выполнении")
	}

	contract, err := s.repo.GetContract(ctx, jobID)
	if err != nil {
		return err
	}

	ref := uuid.New()
	if err := s.repo.SetPendingOp(ctx, jobID, opSubmitDeliverable, ref); err != nil {
		return err
	}
	if _, err := s.ledger.SubmitDeliverable(ctx, ref, *job.EscrowID, evidenceURL); err != nil {
		return s.ledgerFailure(ctx, jobID, err)
	}

	reviewDeadline := time.Now().Add(daysToDuration(contract.ReviewDays))
	if err := s.repo.MarkSubmitted(ctx, jobID, evidenceURL, reviewDeadline); err != nil {
		return apperror.Wrap(err, apperror.ErrCodeConsistencyFailure, "сдача не сохранена — повторите попытку")
	}

	s.notify(ctx, job.EmployerID, EventWorkSubmitted, jobID)
	return nil
}

// Approve принимает работу и выплачивает исполнителю. Повторный вызов
// по завершённой работе — no-op, второго движения средств не будет.
func (s *JobService) Approve(ctx context.Context, jobID, employerID uuid.UUID) error {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.EmployerID != employerID {
		return apperror.ErrForbidden
	}
	if err := s.ensureNoPendingOp(ctx, job); err != nil {
		return err
	}
	if job.Status == models.JobStatusCompleted {
		return nil
	}
	if job.Status != models.JobStatusPendingReview {
		return apperror.New(apperror.ErrCodeConflict, "принять можно только сданную работу")
	}

	ref := uuid.New()
	if err := s.repo.SetPendingOp(ctx, jobID, opReleasePayment, ref); err != nil {
		return err
	}
	if _, err := s.ledger.ReleasePayment(ctx, ref, *job.EscrowID); err != nil {
		return s.ledgerFailure(ctx, jobID, err)
	}
	if err := s.repo.MarkCompleted(ctx, jobID); err != nil {
		return apperror.Wrap(err, apperror.ErrCodeConsistencyFailure, "приёмка не сохранена — повторите попытку")
	}

	if job.FreelancerID != nil {
		s.notify(ctx, *job.FreelancerID, EventWorkApproved, jobID)
	}
	return nil
}

// RequestRevision возвращает сданную работу на доработку.
func (s *JobService) RequestRevision(ctx context.Context, jobID, employerID uuid.UUID) error {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.EmployerID != employerID {
		return apperror.ErrForbidden
	}
	if err := s.ensureNoPendingOp(ctx, job); err != nil {
		return err
	}
	if job.Status != models.JobStatusPendingReview {
		return apperror.New(apperror.ErrCodeConflict, "на доработку можно вернуть только сданную работу")
	}

	contract, err := s.repo.GetContract(ctx, jobID)
	if err != nil {
		return err
	}

	ref := uuid.New()
	if err := s.repo.SetPendingOp(ctx, jobID, opRequestRevision, ref); err != nil {
		return err
	}
	if _, err := s.ledger.RequestRevision(ctx, ref, *job.EscrowID); err != nil {
		return s.ledgerFailure(ctx, jobID, err)
	}

	deadline := time.Now().Add(daysToDuration(contract.DeadlineDays))
	if err := s.repo.MarkRevisionRequested(ctx, jobID, deadline); err != nil {
		return apperror.Wrap(err, apperror.ErrCodeConsistencyFailure, "возврат на доработку не сохранён — повторите попытку")
	}

	if job.FreelancerID != nil {
		s.notify(ctx, *job.FreelancerID, EventRevisionRequested, jobID)
	}
	return nil
}

// CancelBeforeSigning отмена без штрафа. Доступна обеим сторонам,
// пока контракт не подписан.
func (s *JobService) CancelBeforeSigning(ctx context.Context, jobID, userID uuid.UUID) error {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	participant := job.EmployerID == userID ||
		(job.FreelancerID != nil && *job.FreelancerID == userID)
	if !participant {
		return apperror.ErrForbidden
	}
	if err := s.ensureNoPendingOp(ctx, job); err != nil {
		return err
	}
	if job.Signed() {
		return apperror.New(apperror.ErrCodeConflict, "после подписания контракта выход возможен только со штрафом")
	}
	if job.Status != models.JobStatusOpen {
		return apperror.New(apperror.ErrCodeConflict, "отмена без штрафа доступна только до подписания")
	}

	ref := uuid.New()
	if err := s.repo.SetPendingOp(ctx, jobID, opCancelBefore, ref); err != nil {
		return err
	}
	if _, err := s.ledger.CancelBeforeSigning(ctx, ref, *job.EscrowID); err != nil {
		return s.ledgerFailure(ctx, jobID, err)
	}
	if err := s.repo.MarkCancelled(ctx, jobID, models.JobStatusOpen); err != nil {
		return apperror.Wrap(err, apperror.ErrCodeConsistencyFailure, "отмена не сохранена — повторите попытку")
	}

	other := job.EmployerID
	if userID == job.EmployerID && job.FreelancerID != nil {
		other = *job.FreelancerID
	}
	if other != userID {
		s.notify(ctx, other, EventJobCancelled, jobID)
	}
	return nil
}

// WithdrawalPenalty возвращает штраф за выход исполнителя, чтобы
// показать цену до подтверждения действия.
func (s *JobService) WithdrawalPenalty(ctx context.Context, jobID, freelancerID uuid.UUID) (int64, error) {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.FreelancerID == nil || *job.FreelancerID != freelancerID {
		return 0, apperror.ErrForbidden
	}
	if job.Status != models.JobStatusInProgress {
		return 0, apperror.New(apperror.ErrCodeConflict, "штраф применим только к работе в выполнении")
	}
	return s.ledger.QueryWithdrawalPenalty(ctx, *job.EscrowID)
}

// Withdraw выход исполнителя после подписания. Штраф удерживает леджер.
func (s *JobService) Withdraw(ctx context.Context, jobID, freelancerID uuid.UUID) error {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.FreelancerID == nil || *job.FreelancerID != freelancerID {
		return apperror.ErrForbidden
	}
	if err := s.ensureNoPendingOp(ctx, job); err != nil {
		return err
	}
	if job.Status != models.JobStatusInProgress {
		return apperror.New(apperror.ErrCodeConflict, "выйти можно только из работы в выполнении")
	}

	ref := uuid.New()
	if err := s.repo.SetPendingOp(ctx, jobID, opFreelancerWithdraw, ref); err != nil {
		return err
	}
	if _, err := s.ledger.FreelancerWithdraw(ctx, ref, *job.EscrowID); err != nil {
		return s.ledgerFailure(ctx, jobID, err)
	}
	if err := s.repo.MarkCancelled(ctx, jobID, models.JobStatusInProgress); err != nil {
		return apperror.Wrap(err, apperror.ErrCodeConsistencyFailure, "выход не сохранён — повторите попытку")
	}

	s.notify(ctx, job.EmployerID, EventJobCancelled, jobID)
	return nil
}

// ExpireSubmission автопереход планировщика: дедлайн сдачи истёк, сдачи
// нет — работа отменяется с полным возвратом заказчику. Статус
// перечитывается под блокировкой: человек мог успеть раньше.
func (s *JobService) ExpireSubmission(ctx context.Context, jobID uuid.UUID) error {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.PendingOp != nil {
		// Висящую операцию сначала сверяем; автопереход попробует снова
		// на следующем проходе по уже сошедшейся записи.
		if err := s.reconcilePending(ctx, job); err != nil {
			return err
		}
		return ErrDeadlineRace
	}
	if job.Status != models.JobStatusInProgress ||
		job.WorkSubmissionDeadline == nil ||
		!time.Now().After(*job.WorkSubmissionDeadline) {
		return ErrDeadlineRace
	}

	ref := uuid.New()
	if err := s.repo.SetPendingOp(ctx, jobID, opCancelAfter, ref); err != nil {
		return err
	}
	if _, err := s.ledger.CancelAfterSigning(ctx, ref, *job.EscrowID); err != nil {
		return s.ledgerFailure(ctx, jobID, err)
	}
	if err := s.repo.MarkCancelled(ctx, jobID, models.JobStatusInProgress); err != nil {
		return apperror.Wrap(err, apperror.ErrCodeConsistencyFailure, "автоотмена не сохранена")
	}

	metrics.AutoTransitions.WithLabelValues("submission_expired").Inc()
	s.log.WithField("job_id", jobID).Info("дедлайн сдачи истёк, работа отменена с возвратом")

	s.notify(ctx, job.EmployerID, EventJobCancelled, jobID)
	if job.FreelancerID != nil {
		s.notify(ctx, *job.FreelancerID, EventJobCancelled, jobID)
	}
	return nil
}

// AutoApproveReview автопереход планировщика: дедлайн проверки истёк,
// заказчик молчит — молчание трактуется как приёмка, исполнителю платим.
func (s *JobService) AutoApproveReview(ctx context.Context, jobID uuid.UUID) error {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.PendingOp != nil {
		if err := s.reconcilePending(ctx, job); err != nil {
			return err
		}
		return ErrDeadlineRace
	}
	if job.Status != models.JobStatusPendingReview ||
		job.WorkReviewDeadline == nil ||
		!time.Now().After(*job.WorkReviewDeadline) {
		return ErrDeadlineRace
	}

	ref := uuid.New()
	if err := s.repo.SetPendingOp(ctx, jobID, opReleasePayment, ref); err != nil {
		return err
	}
	if _, err := s.ledger.ReleasePayment(ctx, ref, *job.EscrowID); err != nil {
		return s.ledgerFailure(ctx, jobID, err)
	}
	if err := s.repo.MarkCompleted(ctx, jobID); err != nil {
		return apperror.Wrap(err, apperror.ErrCodeConsistencyFailure, "автоприёмка не сохранена")
	}

	metrics.AutoTransitions.WithLabelValues("review_expired").Inc()
	s.log.WithField("job_id", jobID).Info("дедлайн проверки истёк, работа автоматически принята")

	if job.FreelancerID != nil {
		s.notify(ctx, *job.FreelancerID, EventWorkApproved, jobID)
	}
	return nil
}

// DueSubmissions работы с истёкшим дедлайном сдачи (для планировщика).
func (s *JobService) DueSubmissions(ctx context.Context, now time.Time) ([]models.Job, error) {
	return s.repo.ListDueSubmissions(ctx, now)
}

// DueReviews работы с истёкшим дедлайном проверки (для планировщика).
func (s *JobService) DueReviews(ctx context.Context, now time.Time) ([]models.Job, error) {
	return s.repo.ListDueReviews(ctx, now)
}

// StalePendingOps работы с давно висящей незавершённой операцией
// (для сверочного прохода планировщика).
func (s *JobService) StalePendingOps(ctx context.Context, olderThan time.Time) ([]models.Job, error) {
	return s.repo.ListPendingOps(ctx, olderThan)
}

// Reconcile сверяет работу с висящим pending_op против леджера и
// приводит запись к его фактическому состоянию.
func (s *JobService) Reconcile(ctx context.Context, jobID uuid.UUID) error {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.PendingOp == nil {
		return ErrDeadlineRace
	}
	return s.reconcilePending(ctx, job)
}

// ensureNoPendingOp запрещает новый переход, пока по работе висит
// незавершённая операция: сначала сверка с леджером по сохранённому
// корреляционному идентификатору, и только потом — повтор действия по
// свежему состоянию. Слепая переотправка с новым идентификатором
// удвоила бы движение средств.
func (s *JobService) ensureNoPendingOp(ctx context.Context, job *models.Job) error {
	if job.PendingOp == nil {
		return nil
	}
	if err := s.reconcilePending(ctx, job); err != nil {
		return err
	}
	return apperror.New(apperror.ErrCodeConflict,
		"по работе шла незавершённая операция, запись сверена с леджером — обновите данные и повторите")
}

// reconcilePending сверяет незавершённую операцию с леджером.
// Вызывается при попытке нового перехода по работе с висящим pending_op.
func (s *JobService) reconcilePending(ctx context.Context, job *models.Job) error {
	if job.PendingOpRef == nil {
		return s.repo.ClearPendingOp(ctx, job.ID)
	}

	if job.EscrowID == nil {
		// Создание эскроу с потерянным подтверждением: исход ищем по
		// корреляционному идентификатору.
		state, err := s.ledger.FindByCorrelation(ctx, *job.PendingOpRef)
		if err != nil {
			if _, rejected := ledger.AsRejection(err); rejected {
				// Операция до леджера не дошла, работа остаётся черновиком.
				if cerr := s.repo.ClearPendingOp(ctx, job.ID); cerr != nil {
					return cerr
				}
				return apperror.New(apperror.ErrCodeLedgerTimeout, "публикация не прошла, повторите попытку")
			}
			return apperror.Wrap(err, apperror.ErrCodeLedgerTimeout, "леджер недоступен для сверки, попробуйте позже")
		}
		if err := s.repo.MarkPublished(ctx, job.ID, state.EscrowID, state.ContractHash); err != nil {
			s.compensateCreate(ctx, job.ID, state.EscrowID, err)
			return apperror.Wrap(err, apperror.ErrCodeConsistencyFailure,
				"работа не создана, зарезервированные средства возвращены — повторите попытку")
		}
		s.log.WithFields(logrus.Fields{
			"job_id":    job.ID,
			"escrow_id": state.EscrowID,
		}).Info("публикация восстановлена сверкой с леджером")
		return nil
	}

	state, err := s.ledger.GetEscrow(ctx, *job.EscrowID)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeLedgerTimeout, "леджер недоступен для сверки, попробуйте позже")
	}
	return s.convergeTo(ctx, job, state)
}

// convergeTo приводит запись работы к фактическому состоянию леджера.
// Конфликт guard-а означает, что запись уже сошлась, это не ошибка.
func (s *JobService) convergeTo(ctx context.Context, job *models.Job, state *ledger.EscrowState) error {
	contract, err := s.repo.GetContract(ctx, job.ID)
	if err != nil {
		return err
	}

	apply := func(err error) error {
		if errors.Is(err, repository.ErrStatusConflict) {
			return s.repo.ClearPendingOp(ctx, job.ID)
		}
		return err
	}

	switch state.State {
	case ledger.EscrowStateCreated:
		// Леджер не двигался: операция не прошла, снимаем pending_op.
		return s.repo.ClearPendingOp(ctx, job.ID)
	case ledger.EscrowStateAssigned:
		freelancerID, perr := uuid.Parse(state.Freelancer)
		if perr != nil {
			return apperror.Wrap(perr, apperror.ErrCodeConsistencyFailure,
				"леджер вернул нечитаемый идентификатор исполнителя, обратитесь в поддержку")
		}
		return apply(s.repo.MarkAssigned(ctx, job.ID, freelancerID))
	case ledger.EscrowStateSigned:
		return apply(s.repo.MarkSigned(ctx, job.ID, time.Now().Add(daysToDuration(contract.DeadlineDays))))
	case ledger.EscrowStateSubmitted:
		evidence := ""
		if job.EvidenceURL != nil {
			evidence = *job.EvidenceURL
		}
		return apply(s.repo.MarkSubmitted(ctx, job.ID, evidence, time.Now().Add(daysToDuration(contract.ReviewDays))))
	case ledger.EscrowStateRevisionRequested:
		return apply(s.repo.MarkRevisionRequested(ctx, job.ID, time.Now().Add(daysToDuration(contract.DeadlineDays))))
	case ledger.EscrowStatePaid:
		return apply(s.repo.MarkCompleted(ctx, job.ID))
	case ledger.EscrowStateCancelled:
		return apply(s.repo.MarkCancelled(ctx, job.ID, job.Status))
	case ledger.EscrowStateDisputed, ledger.EscrowStateResolved:
		// Средства заморожены или распределены спором на стороне леджера.
		// Если запись уже дошла до соответствующего статуса, сверять
		// нечего. Иначе итог спора неизвестен локально: pending_op
		// остаётся, расхождение эскалируется оператору.
		if job.Status == models.JobStatusDisputed || models.IsTerminalJobStatus(job.Status) {
			return s.repo.ClearPendingOp(ctx, job.ID)
		}
		s.log.WithFields(logrus.Fields{
			"job_id":    job.ID,
			"escrow_id": state.EscrowID,
			"state":     state.State,
		}).Error("леджер сообщает о споре, которого нет локально, требуется вмешательство оператора")
		return apperror.New(apperror.ErrCodeConsistencyFailure,
			"состояние работы расходится с леджером, обратитесь в поддержку")
	default:
		s.log.WithFields(logrus.Fields{
			"job_id":    job.ID,
			"escrow_id": state.EscrowID,
			"state":     state.State,
		}).Error("леджер вернул неизвестное состояние эскроу, требуется вмешательство оператора")
		return apperror.New(apperror.ErrCodeConsistencyFailure,
			"состояние работы расходится с леджером, обратитесь в поддержку")
	}
}

// ledgerFailure классифицирует сбой леджерного вызова. Отказ
// передаётся дословно и снимает pending_op; таймаут оставляет
// pending_op до сверки, слепой повтор запрещён.
func (s *JobService) ledgerFailure(ctx context.Context, jobID uuid.UUID, err error) error {
	if rej, ok := ledger.AsRejection(err); ok {
		if cerr := s.repo.ClearPendingOp(ctx, jobID); cerr != nil {
			s.log.WithField("job_id", jobID).Warnf("не удалось снять pending_op после отказа: %v", cerr)
		}
		return apperror.Wrap(err, apperror.ErrCodeLedgerRejected, rej.Reason)
	}
	return apperror.Wrap(err, apperror.ErrCodeLedgerTimeout,
		"исход операции в леджере неизвестен, попробуйте позже")
}

func (s *JobService) notify(ctx context.Context, userID uuid.UUID, event string, refID uuid.UUID) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, userID, event, refID); err != nil {
		s.log.WithField("event", event).Warnf("не удалось отправить уведомление: %v", err)
	}
}

func (s *JobService) platformFee(budget int64) int64 {
	return budget * s.feePercent / 100
}

// contractFields собирает явный набор полей, входящих в хэш контракта.
func contractFields(job *models.Job, contract *models.JobContract) integrity.ContractFields {
	return integrity.ContractFields{
		Budget:       job.Budget,
		Currency:     job.Currency,
		DeadlineDays: contract.DeadlineDays,
		ReviewDays:   contract.ReviewDays,
		Requirements: contract.Requirements,
		Deliverables: contract.Deliverables,
		Terms:        contract.Terms,
	}
}

func daysToDuration(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

func daysToSeconds(days int) int64 {
	return int64(days) * 24 * 60 * 60
}
