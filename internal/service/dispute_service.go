package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/escrow-backend/internal/ledger"
	"github.com/ignatzorin/escrow-backend/internal/logger"
	"github.com/ignatzorin/escrow-backend/internal/models"
	"github.com/ignatzorin/escrow-backend/internal/pkg/apperror"
	"github.com/ignatzorin/escrow-backend/internal/repository"
)

// Имена незавершённых леджерных операций по спорам.
const (
	opClaimTimeoutWin    = "claim_timeout_win"
	opStartVoting        = "start_voting"
	opCastVote           = "cast_vote"
	opResolveDispute     = "resolve_dispute"
	opClaimDisputeRefund = "claim_dispute_refund"
)

// DisputeRepository взаимодействие координатора споров с хранилищем.
type DisputeRepository interface {
	CreateOpened(ctx context.Context, d *models.Dispute) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error)
	GetOpenByJobID(ctx context.Context, jobID uuid.UUID) (*models.Dispute, error)
	SetResponse(ctx context.Context, id uuid.UUID, description, evidenceURL string) error
	SetPendingOp(ctx context.Context, id uuid.UUID, op string, ref uuid.UUID) error
	ClearPendingOp(ctx context.Context, id uuid.UUID) error
	MarkVoting(ctx context.Context, id uuid.UUID) error
	MarkResolved(ctx context.Context, id uuid.UUID, winner string, adminNote *string, resolvedBy *uuid.UUID, txHash string, jobFinalStatus string) error
	SetLedgerTxHash(ctx context.Context, id uuid.UUID, txHash string) error
	ListDueResponses(ctx context.Context, now time.Time) ([]models.Dispute, error)
	ListPendingOps(ctx context.Context, olderThan time.Time) ([]models.Dispute, error)
	MarkTimeoutNotified(ctx context.Context, id uuid.UUID) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Dispute, error)
}

// DisputeJobStore доступ координатора к работам: чтение и фиксация
// незавершённой операции открытия спора на самой работе (строки спора
// в этот момент ещё нет).
type DisputeJobStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	SetPendingOp(ctx context.Context, jobID uuid.UUID, op string, ref uuid.UUID) error
	ClearPendingOp(ctx context.Context, jobID uuid.UUID) error
}

// DisputeLedger операции леджера, нужные координатору споров.
type DisputeLedger interface {
	OpenDispute(ctx context.Context, ref uuid.UUID, escrowID string) (*ledger.OpenDisputeResult, error)
	ClaimTimeoutWin(ctx context.Context, ref uuid.UUID, disputeID string) (*ledger.TxResult, error)
	ClaimDisputeRefund(ctx context.Context, ref uuid.UUID, disputeID string) (*ledger.TxResult, error)
	StartVoting(ctx context.Context, ref uuid.UUID, disputeID string) (*ledger.TxResult, error)
	CastVote(ctx context.Context, ref uuid.UUID, disputeID string, favorEmployer bool) (*ledger.VoteResult, error)
	ResolveDispute(ctx context.Context, ref uuid.UUID, escrowID, winnerIdentity string) (*ledger.TxResult, error)
	GetDispute(ctx context.Context, disputeID string) (*ledger.DisputeState, error)
	FindDisputeByCorrelation(ctx context.Context, ref uuid.UUID) (*ledger.DisputeState, error)
}

// DisputeService координатор разрешения споров. Порядок статусов
// строгий: pending_freelancer_response → awaiting_arbitration → voting
// → resolved, откатов назад нет.
type DisputeService struct {
	repo           DisputeRepository
	jobs           DisputeJobStore
	ledger         DisputeLedger
	notifier       Notifier
	locks          *EntityLocks
	responseWindow time.Duration
	log            *logrus.Entry
}

// NewDisputeService создаёт координатор споров.
func NewDisputeService(repo DisputeRepository, jobs DisputeJobStore, disputeLedger DisputeLedger, notifier Notifier, locks *EntityLocks, responseWindow time.Duration) *DisputeService {
	return &DisputeService{
		repo:           repo,
		jobs:           jobs,
		ledger:         disputeLedger,
		notifier:       notifier,
		locks:          locks,
		responseWindow: responseWindow,
		log:            logger.WithComponent("dispute_service"),
	}
}

// OpenInput данные открытия спора заказчиком.
type OpenInput struct {
	JobID       uuid.UUID
	EmployerID  uuid.UUID
	Description string
	EvidenceURL string
}

// Open открывает спор по подписанной работе. Средства замораживаются
// леджером, работа переводится в disputed, фрилансеру отводится окно
// на ответ.
func (s *DisputeService) Open(ctx context.Context, in OpenInput) (*models.Dispute, error) {
	if in.Description == "" {
		return nil, apperror.New(apperror.ErrCodeValidation, "описание претензии обязательно")
	}
	if in.EvidenceURL == "" {
		return nil, apperror.New(apperror.ErrCodeValidation, "ссылка на доказательства обязательна")
	}

	unlock := s.locks.Lock(in.JobID)
	defer unlock()

	job, err := s.jobs.GetByID(ctx, in.JobID)
	if err != nil {
		return nil, err
	}
	if job.EmployerID != in.EmployerID {
		return nil, apperror.ErrForbidden
	}
	if job.PendingOp != nil {
		return s.adoptLostOpen(ctx, job, in)
	}
	if job.Status != models.JobStatusInProgress && job.Status != models.JobStatusPendingReview {
		return nil, apperror.New(apperror.ErrCodeConflict, "спор можно открыть только по подписанной незавершённой работе")
	}
	if _, err := s.repo.GetOpenByJobID(ctx, in.JobID); err == nil {
		return nil, apperror.New(apperror.ErrCodeConflict, "по этой работе уже идёт спор")
	} else if !errors.Is(err, repository.ErrDisputeNotFound) {
		return nil, err
	}

	ref := uuid.New()
	if err := s.jobs.SetPendingOp(ctx, in.JobID, opOpenDispute, ref); err != nil {
		return nil, err
	}

	res, err := s.ledger.OpenDispute(ctx, ref, *job.EscrowID)
	if err != nil {
		if rej, ok := ledger.AsRejection(err); ok {
			if cerr := s.jobs.ClearPendingOp(ctx, in.JobID); cerr != nil {
				s.log.WithField("job_id", in.JobID).Warnf("не удалось снять pending_op после отказа: %v", cerr)
			}
			return nil, apperror.Wrap(err, apperror.ErrCodeLedgerRejected, rej.Reason)
		}
		return nil, apperror.Wrap(err, apperror.ErrCodeLedgerTimeout,
			"исход операции в леджере неизвестен, попробуйте позже")
	}

	deadline := time.Now().Add(s.responseWindow)
	dispute := &models.Dispute{
		JobID:               in.JobID,
		EscrowID:            *job.EscrowID,
		OpenedBy:            in.EmployerID,
		EmployerDescription: in.Description,
		EmployerEvidenceURL: in.EvidenceURL,
		FreelancerDeadline:  &deadline,
		LedgerDisputeID:     &res.DisputeID,
		LedgerTxHash:        &res.TxRef,
	}
	if err := s.repo.CreateOpened(ctx, dispute); err != nil {
		// Спор в леджере открыт, локальная запись не зафиксировалась.
		// Операции отмены спора у леджера нет, поэтому эскалируем
		// оператору с идентификатором, достаточным для ручной сверки.
		s.log.WithFields(logrus.Fields{
			"job_id":            in.JobID,
			"ledger_dispute_id": res.DisputeID,
			"error":             err,
		}).Error("спор открыт в леджере, но не записан, требуется вмешательство оператора")
		return nil, apperror.Wrap(err, apperror.ErrCodeConsistencyFailure,
			"спор не записан, обратитесь в поддержку")
	}

	if job.FreelancerID != nil {
		s.notify(ctx, *job.FreelancerID, EventDisputeOpened, dispute.ID)
	}
	return dispute, nil
}

// adoptLostOpen восстанавливает спор, подтверждение открытия которого
// потерялось на таймауте: исход ищется в леджере по сохранённому
// корреляционному идентификатору. Переотправка open_dispute с новым
// идентификатором открыла бы второй спор по тому же эскроу.
func (s *DisputeService) adoptLostOpen(ctx context.Context, job *models.Job, in OpenInput) (*models.Dispute, error) {
	if *job.PendingOp != opOpenDispute || job.PendingOpRef == nil {
		return nil, apperror.New(apperror.ErrCodeConflict,
			"по работе идёт незавершённая операция, повторите позже")
	}

	state, err := s.ledger.FindDisputeByCorrelation(ctx, *job.PendingOpRef)
	if err != nil {
		if _, rejected := ledger.AsRejection(err); rejected {
			// Операция до леджера не дошла, спор так и не открылся.
			if cerr := s.jobs.ClearPendingOp(ctx, job.ID); cerr != nil {
				return nil, cerr
			}
			return nil, apperror.New(apperror.ErrCodeLedgerTimeout, "спор не был открыт, повторите попытку")
		}
		return nil, apperror.Wrap(err, apperror.ErrCodeLedgerTimeout,
			"леджер недоступен для сверки, попробуйте позже")
	}

	deadline := time.Now().Add(s.responseWindow)
	dispute := &models.Dispute{
		JobID:               job.ID,
		EscrowID:            state.EscrowID,
		OpenedBy:            in.EmployerID,
		EmployerDescription: in.Description,
		EmployerEvidenceURL: in.EvidenceURL,
		FreelancerDeadline:  &deadline,
		LedgerDisputeID:     &state.DisputeID,
	}
	if err := s.repo.CreateOpened(ctx, dispute); err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeConsistencyFailure,
			"спор не записан, обратитесь в поддержку")
	}

	s.log.WithFields(logrus.Fields{
		"job_id":            job.ID,
		"ledger_dispute_id": state.DisputeID,
	}).Info("открытие спора восстановлено сверкой с леджером")

	if job.FreelancerID != nil {
		s.notify(ctx, *job.FreelancerID, EventDisputeOpened, dispute.ID)
	}
	return dispute, nil
}

// Respond единственный ответ фрилансера по спору. После дедлайна и
// после закрытия спора ответ не принимается.
func (s *DisputeService) Respond(ctx context.Context, disputeID, freelancerID uuid.UUID, description, evidenceURL string) error {
	if description == "" {
		return apperror.New(apperror.ErrCodeValidation, "описание позиции обязательно")
	}

	unlock := s.locks.Lock(disputeID)
	defer unlock()

	dispute, err := s.repo.GetByID(ctx, disputeID)
	if err != nil {
		return err
	}
	job, err := s.jobs.GetByID(ctx, dispute.JobID)
	if err != nil {
		return err
	}
	if job.FreelancerID == nil || *job.FreelancerID != freelancerID {
		return apperror.ErrForbidden
	}
	if dispute.Status != models.DisputeStatusPendingFreelancerResponse {
		return apperror.New(apperror.ErrCodeConflict, "спор уже не ожидает ответа исполнителя")
	}
	if dispute.FreelancerDeadline != nil && time.Now().After(*dispute.FreelancerDeadline) {
		return apperror.New(apperror.ErrCodeConflict, "срок ответа по спору истёк")
	}

	if err := s.repo.SetResponse(ctx, disputeID, description, evidenceURL); err != nil {
		if errors.Is(err, repository.ErrDisputeNotPending) {
			return apperror.New(apperror.ErrCodeConflict, "спор уже не ожидает ответа исполнителя")
		}
		return err
	}

	s.notify(ctx, job.EmployerID, EventDisputeResponse, disputeID)
	return nil
}

// ClaimTimeoutWin победа заказчика по таймауту: фрилансер промолчал
// всё отведённое окно. Доступна только пока спор ждёт ответа — после
// поданного ответа путь закрыт.
func (s *DisputeService) ClaimTimeoutWin(ctx context.Context, disputeID, employerID uuid.UUID) error {
	unlock := s.locks.Lock(disputeID)
	defer unlock()

	dispute, err := s.repo.GetByID(ctx, disputeID)
	if err != nil {
		return err
	}
	job, err := s.jobs.GetByID(ctx, dispute.JobID)
	if err != nil {
		return err
	}
	if job.EmployerID != employerID {
		return apperror.ErrForbidden
	}
	if err := s.ensureNoPendingOp(ctx, dispute); err != nil {
		return err
	}
	if dispute.Status != models.DisputeStatusPendingFreelancerResponse || dispute.Responded() {
		return apperror.New(apperror.ErrCodeConflict, "победа по таймауту недоступна: исполнитель ответил")
	}
	if dispute.FreelancerDeadline == nil || !time.Now().After(*dispute.FreelancerDeadline) {
		return apperror.New(apperror.ErrCodeConflict, "срок ответа исполнителя ещё не истёк")
	}

	ref := uuid.New()
	if err := s.repo.SetPendingOp(ctx, disputeID, opClaimTimeoutWin, ref); err != nil {
		return err
	}
	res, err := s.ledger.ClaimTimeoutWin(ctx, ref, *dispute.LedgerDisputeID)
	if err != nil {
		return s.ledgerFailure(ctx, disputeID, err)
	}

	if err := s.repo.MarkResolved(ctx, disputeID, models.DisputeWinnerEmployer, nil, nil,
		res.TxRef, models.JobStatusCancelled); err != nil {
		if errors.Is(err, repository.ErrDisputeResolved) {
			return nil
		}
		return apperror.Wrap(err, apperror.ErrCodeConsistencyFailure, "итог спора не записан, обратитесь в поддержку")
	}

	s.log.WithField("dispute_id", disputeID).Info("спор закрыт победой заказчика по таймауту")
	s.notify(ctx, job.EmployerID, EventDisputeResolved, disputeID)
	if job.FreelancerID != nil {
		s.notify(ctx, *job.FreelancerID, EventDisputeResolved, disputeID)
	}
	return nil
}

// StartVoting переводит спор в голосование арбитров.
func (s *DisputeService) StartVoting(ctx context.Context, disputeID uuid.UUID) error {
	unlock := s.locks.Lock(disputeID)
	defer unlock()

	dispute, err := s.repo.GetByID(ctx, disputeID)
	if err != nil {
		return err
	}
	if err := s.ensureNoPendingOp(ctx, dispute); err != nil {
		return err
	}
	if dispute.Status != models.DisputeStatusAwaitingArbitration {
		return apperror.New(apperror.ErrCodeConflict, "голосование можно начать только после ответа исполнителя")
	}

	ref := uuid.New()
	if err := s.repo.SetPendingOp(ctx, disputeID, opStartVoting, ref); err != nil {
		return err
	}
	if _, err := s.ledger.StartVoting(ctx, ref, *dispute.LedgerDisputeID); err != nil {
		return s.ledgerFailure(ctx, disputeID, err)
	}
	if err := s.repo.MarkVoting(ctx, disputeID); err != nil {
		return apperror.Wrap(err, apperror.ErrCodeConsistencyFailure, "статус голосования не записан")
	}

	job, err := s.jobs.GetByID(ctx, dispute.JobID)
	if err == nil {
		s.notify(ctx, job.EmployerID, EventDisputeVoting, disputeID)
		if job.FreelancerID != nil {
			s.notify(ctx, *job.FreelancerID, EventDisputeVoting, disputeID)
		}
	}
	return nil
}

// CastVote голос арбитра. Порог голосов контролирует леджер: когда он
// достигнут, леджер возвращает резолюцию, и координатор закрывает спор
// с расчётом по работе.
func (s *DisputeService) CastVote(ctx context.Context, disputeID, adminID uuid.UUID, favorEmployer bool, note string) (*models.Dispute, error) {
	unlock := s.locks.Lock(disputeID)
	defer unlock()

	dispute, err := s.repo.GetByID(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureNoPendingOp(ctx, dispute); err != nil {
		return nil, err
	}
	if dispute.Status != models.DisputeStatusVoting {
		return nil, apperror.New(apperror.ErrCodeConflict, "спор не находится в голосовании")
	}

	ref := uuid.New()
	if err := s.repo.SetPendingOp(ctx, disputeID, opCastVote, ref); err != nil {
		return nil, err
	}
	res, err := s.ledger.CastVote(ctx, ref, *dispute.LedgerDisputeID, favorEmployer)
	if err != nil {
		return nil, s.ledgerFailure(ctx, disputeID, err)
	}

	if !res.Resolved {
		if err := s.repo.ClearPendingOp(ctx, disputeID); err != nil {
			return nil, err
		}
		return s.repo.GetByID(ctx, disputeID)
	}

	if err := s.settle(ctx, dispute, res.Winner, noteOrNil(note), &adminID, res.TxRef); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, disputeID)
}

// Resolve прямое решение спора администратором в обход голосования.
// Повторное решение уже закрытого спора — no-op.
func (s *DisputeService) Resolve(ctx context.Context, disputeID, adminID uuid.UUID, winner, note string) error {
	if winner != models.DisputeWinnerEmployer && winner != models.DisputeWinnerFreelancer {
		return apperror.New(apperror.ErrCodeValidation, "победителем может быть только employer или freelancer")
	}

	unlock := s.locks.Lock(disputeID)
	defer unlock()

	dispute, err := s.repo.GetByID(ctx, disputeID)
	if err != nil {
		return err
	}
	if dispute.Status == models.DisputeStatusResolved {
		return nil
	}
	if err := s.ensureNoPendingOp(ctx, dispute); err != nil {
		return err
	}

	job, err := s.jobs.GetByID(ctx, dispute.JobID)
	if err != nil {
		return err
	}
	winnerIdentity := job.EmployerID.String()
	if winner == models.DisputeWinnerFreelancer {
		if job.FreelancerID == nil {
			return apperror.New(apperror.ErrCodeConflict, "у работы нет исполнителя")
		}
		winnerIdentity = job.FreelancerID.String()
	}

	ref := uuid.New()
	if err := s.repo.SetPendingOp(ctx, disputeID, opResolveDispute, ref); err != nil {
		return err
	}
	res, err := s.ledger.ResolveDispute(ctx, ref, dispute.EscrowID, winnerIdentity)
	if err != nil {
		return s.ledgerFailure(ctx, disputeID, err)
	}

	return s.settle(ctx, dispute, winner, noteOrNil(note), &adminID, res.TxRef)
}

// settle закрывает спор и сводит работу к финальному статусу: победа
// исполнителя означает выплату, победа заказчика — возврат.
func (s *DisputeService) settle(ctx context.Context, dispute *models.Dispute, winner string, note *string, resolvedBy *uuid.UUID, txRef string) error {
	finalStatus := models.JobStatusCancelled
	if winner == models.DisputeWinnerFreelancer {
		finalStatus = models.JobStatusCompleted
	}

	if err := s.repo.MarkResolved(ctx, dispute.ID, winner, note, resolvedBy, txRef, finalStatus); err != nil {
		if errors.Is(err, repository.ErrDisputeResolved) {
			return nil
		}
		return apperror.Wrap(err, apperror.ErrCodeConsistencyFailure, "итог спора не записан, обратитесь в поддержку")
	}

	s.log.WithFields(logrus.Fields{
		"dispute_id": dispute.ID,
		"winner":     winner,
		"job_status": finalStatus,
	}).Info("спор разрешён")

	job, err := s.jobs.GetByID(ctx, dispute.JobID)
	if err == nil {
		s.notify(ctx, job.EmployerID, EventDisputeResolved, dispute.ID)
		if job.FreelancerID != nil {
			s.notify(ctx, *job.FreelancerID, EventDisputeResolved, dispute.ID)
		}
	}
	return nil
}

// ClaimRefund получение средств выигравшей стороной, если леджер
// требует явного востребования. Состояние спора не меняется, хэш
// транзакции записывается.
func (s *DisputeService) ClaimRefund(ctx context.Context, disputeID, userID uuid.UUID) error {
	unlock := s.locks.Lock(disputeID)
	defer unlock()

	dispute, err := s.repo.GetByID(ctx, disputeID)
	if err != nil {
		return err
	}
	if err := s.ensureNoPendingOp(ctx, dispute); err != nil {
		return err
	}
	if dispute.Status != models.DisputeStatusResolved || dispute.Winner == nil {
		return apperror.New(apperror.ErrCodeConflict, "средства доступны только по решённому спору")
	}

	job, err := s.jobs.GetByID(ctx, dispute.JobID)
	if err != nil {
		return err
	}
	winnerID := job.EmployerID
	if *dispute.Winner == models.DisputeWinnerFreelancer && job.FreelancerID != nil {
		winnerID = *job.FreelancerID
	}
	if winnerID != userID {
		return apperror.ErrForbidden
	}

	ref := uuid.New()
	if err := s.repo.SetPendingOp(ctx, disputeID, opClaimDisputeRefund, ref); err != nil {
		return err
	}
	res, err := s.ledger.ClaimDisputeRefund(ctx, ref, *dispute.LedgerDisputeID)
	if err != nil {
		return s.ledgerFailure(ctx, disputeID, err)
	}
	if err := s.repo.SetLedgerTxHash(ctx, disputeID, res.TxRef); err != nil {
		return err
	}
	return s.repo.ClearPendingOp(ctx, disputeID)
}

// Get возвращает спор. Доступ только сторонам работы и администраторам.
func (s *DisputeService) Get(ctx context.Context, disputeID, userID uuid.UUID, role string) (*models.Dispute, error) {
	dispute, err := s.repo.GetByID(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if role == models.RoleAdmin {
		return dispute, nil
	}
	job, err := s.jobs.GetByID(ctx, dispute.JobID)
	if err != nil {
		return nil, err
	}
	if job.EmployerID != userID && (job.FreelancerID == nil || *job.FreelancerID != userID) {
		return nil, apperror.ErrForbidden
	}
	return dispute, nil
}

// ListByUser возвращает споры, где пользователь выступает стороной.
func (s *DisputeService) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Dispute, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListByUser(ctx, userID, limit, offset)
}

// DueResponses споры с истёкшим окном ответа (для планировщика).
func (s *DisputeService) DueResponses(ctx context.Context, now time.Time) ([]models.Dispute, error) {
	return s.repo.ListDueResponses(ctx, now)
}

// StalePendingOps споры с давно висящей незавершённой операцией
// (для сверочного прохода планировщика).
func (s *DisputeService) StalePendingOps(ctx context.Context, olderThan time.Time) ([]models.Dispute, error) {
	return s.repo.ListPendingOps(ctx, olderThan)
}

// Reconcile сверяет спор с висящим pending_op против леджера и
// приводит запись к его фактическому состоянию.
func (s *DisputeService) Reconcile(ctx context.Context, disputeID uuid.UUID) error {
	unlock := s.locks.Lock(disputeID)
	defer unlock()

	dispute, err := s.repo.GetByID(ctx, disputeID)
	if err != nil {
		return err
	}
	if dispute.PendingOp == nil {
		return ErrDeadlineRace
	}
	return s.reconcilePending(ctx, dispute)
}

// ensureNoPendingOp запрещает новый переход, пока по спору висит
// незавершённая операция: сначала сверка с леджером, потом повтор
// действия по свежему состоянию. Слепая переотправка с новым
// корреляционным идентификатором запрещена.
func (s *DisputeService) ensureNoPendingOp(ctx context.Context, dispute *models.Dispute) error {
	if dispute.PendingOp == nil {
		return nil
	}
	if err := s.reconcilePending(ctx, dispute); err != nil {
		return err
	}
	return apperror.New(apperror.ErrCodeConflict,
		"по спору шла незавершённая операция, запись сверена с леджером — обновите данные и повторите")
}

// reconcilePending приводит спор к фактическому состоянию леджера.
// Голос, чей исход потерялся, не переотправляется: повтор того же
// арбитра леджер отклонил бы, а состояние voting/resolved читается
// напрямую.
func (s *DisputeService) reconcilePending(ctx context.Context, dispute *models.Dispute) error {
	if dispute.PendingOpRef == nil || dispute.LedgerDisputeID == nil {
		return s.repo.ClearPendingOp(ctx, dispute.ID)
	}

	state, err := s.ledger.GetDispute(ctx, *dispute.LedgerDisputeID)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeLedgerTimeout, "леджер недоступен для сверки, попробуйте позже")
	}

	switch state.State {
	case ledger.DisputeStateResolved:
		if state.Winner != models.DisputeWinnerEmployer && state.Winner != models.DisputeWinnerFreelancer {
			s.log.WithFields(logrus.Fields{
				"dispute_id": dispute.ID,
				"winner":     state.Winner,
			}).Error("леджер вернул неизвестного победителя спора, требуется вмешательство оператора")
			return apperror.New(apperror.ErrCodeConsistencyFailure,
				"итог спора расходится с леджером, обратитесь в поддержку")
		}
		if err := s.settle(ctx, dispute, state.Winner, nil, nil, ""); err != nil {
			return err
		}
		s.log.WithFields(logrus.Fields{
			"dispute_id": dispute.ID,
			"winner":     state.Winner,
		}).Info("итог спора восстановлен сверкой с леджером")
		return nil
	case ledger.DisputeStateVoting:
		if errVoting := s.repo.MarkVoting(ctx, dispute.ID); errVoting != nil {
			if errors.Is(errVoting, repository.ErrStatusConflict) {
				// Запись уже в голосовании или дальше, операция сошлась.
				return s.repo.ClearPendingOp(ctx, dispute.ID)
			}
			return errVoting
		}
		return nil
	default:
		// Леджер не двигался: операция не прошла, снимаем pending_op.
		return s.repo.ClearPendingOp(ctx, dispute.ID)
	}
}

// NotifyTimeoutAvailable однократно сообщает заказчику, что стала
// доступна победа по таймауту. Сам переход остаётся за заказчиком:
// автоматически спор по таймауту не закрывается.
func (s *DisputeService) NotifyTimeoutAvailable(ctx context.Context, disputeID uuid.UUID) error {
	unlock := s.locks.Lock(disputeID)
	defer unlock()

	dispute, err := s.repo.GetByID(ctx, disputeID)
	if err != nil {
		return err
	}
	if dispute.Status != models.DisputeStatusPendingFreelancerResponse || dispute.TimeoutNotified {
		return ErrDeadlineRace
	}

	job, err := s.jobs.GetByID(ctx, dispute.JobID)
	if err != nil {
		return err
	}
	s.notify(ctx, job.EmployerID, EventDisputeTimeoutAvailable, disputeID)
	return s.repo.MarkTimeoutNotified(ctx, disputeID)
}

// ledgerFailure классификация сбоя леджера для операций по спорам:
// отказ снимает pending_op и передаётся дословно, таймаут оставляет
// pending_op до сверки.
func (s *DisputeService) ledgerFailure(ctx context.Context, disputeID uuid.UUID, err error) error {
	if rej, ok := ledger.AsRejection(err); ok {
		if cerr := s.repo.ClearPendingOp(ctx, disputeID); cerr != nil {
			s.log.WithField("dispute_id", disputeID).Warnf("не удалось снять pending_op после отказа: %v", cerr)
		}
		return apperror.Wrap(err, apperror.ErrCodeLedgerRejected, rej.Reason)
	}
	return apperror.Wrap(err, apperror.ErrCodeLedgerTimeout,
		"исход операции в леджере неизвестен, попробуйте позже")
}

func (s *DisputeService) notify(ctx context.Context, userID uuid.UUID, event string, refID uuid.UUID) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, userID, event, refID); err != nil {
		s.log.WithField("event", event).Warnf("не удалось отправить уведомление: %v", err)
	}
}

func noteOrNil(note string) *string {
	if note == "" {
		return nil
	}
	return &note
}
