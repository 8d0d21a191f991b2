package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/escrow-backend/internal/integrity"
	"github.com/ignatzorin/escrow-backend/internal/ledger"
	"github.com/ignatzorin/escrow-backend/internal/models"
	"github.com/ignatzorin/escrow-backend/internal/pkg/apperror"
)

type mockJobRepo struct {
	mock.Mock
}

func (m *mockJobRepo) CreateDraft(ctx context.Context, job *models.Job, contract *models.JobContract) error {
	args := m.Called(ctx, job, contract)
	return args.Error(0)
}

func (m *mockJobRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	args := m.Called(ctx, id)
	if job := args.Get(0); job != nil {
		return job.(*models.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockJobRepo) GetContract(ctx context.Context, jobID uuid.UUID) (*models.JobContract, error) {
	args := m.Called(ctx, jobID)
	if contract := args.Get(0); contract != nil {
		return contract.(*models.JobContract), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockJobRepo) UpdateContractTerms(ctx context.Context, contract *models.JobContract) error {
	args := m.Called(ctx, contract)
	return args.Error(0)
}

func (m *mockJobRepo) SetPendingOp(ctx context.Context, jobID uuid.UUID, op string, ref uuid.UUID) error {
	args := m.Called(ctx, jobID, op, ref)
	return args.Error(0)
}

func (m *mockJobRepo) ClearPendingOp(ctx context.Context, jobID uuid.UUID) error {
	args := m.Called(ctx, jobID)
	return args.Error(0)
}

func (m *mockJobRepo) MarkPublished(ctx context.Context, jobID uuid.UUID, escrowID, contractHash string) error {
	args := m.Called(ctx, jobID, escrowID, contractHash)
	return args.Error(0)
}

func (m *mockJobRepo) ReplaceContractHash(ctx context.Context, jobID uuid.UUID, contractHash string, budget, platformFee int64) error {
	args := m.Called(ctx, jobID, contractHash, budget, platformFee)
	return args.Error(0)
}

func (m *mockJobRepo) MarkAssigned(ctx context.Context, jobID, freelancerID uuid.UUID) error {
	args := m.Called(ctx, jobID, freelancerID)
	return args.Error(0)
}

func (m *mockJobRepo) MarkSigned(ctx context.Context, jobID uuid.UUID, submissionDeadline time.Time) error {
	args := m.Called(ctx, jobID, submissionDeadline)
	return args.Error(0)
}

func (m *mockJobRepo) MarkSubmitted(ctx context.Context, jobID uuid.UUID, evidenceURL string, reviewDeadline time.Time) error {
	args := m.Called(ctx, jobID, evidenceURL, reviewDeadline)
	return args.Error(0)
}

func (m *mockJobRepo) MarkCompleted(ctx context.Context, jobID uuid.UUID) error {
	args := m.Called(ctx, jobID)
	return args.Error(0)
}

func (m *mockJobRepo) MarkCancelled(ctx context.Context, jobID uuid.UUID, from ...string) error {
	args := m.Called(ctx, jobID, from)
	return args.Error(0)
}

func (m *mockJobRepo) MarkRevisionRequested(ctx context.Context, jobID uuid.UUID, submissionDeadline time.Time) error {
	args := m.Called(ctx, jobID, submissionDeadline)
	return args.Error(0)
}

func (m *mockJobRepo) ListDueSubmissions(ctx context.Context, now time.Time) ([]models.Job, error) {
	args := m.Called(ctx, now)
	return args.Get(0).([]models.Job), args.Error(1)
}

func (m *mockJobRepo) ListDueReviews(ctx context.Context, now time.Time) ([]models.Job, error) {
	args := m.Called(ctx, now)
	return args.Get(0).([]models.Job), args.Error(1)
}

func (m *mockJobRepo) ListPendingOps(ctx context.Context, olderThan time.Time) ([]models.Job, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).([]models.Job), args.Error(1)
}

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) CreateEscrow(ctx context.Context, ref uuid.UUID, params ledger.CreateEscrowParams) (*ledger.CreateEscrowResult, error) {
	args := m.Called(ctx, ref, params)
	if res := args.Get(0); res != nil {
		return res.(*ledger.CreateEscrowResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLedger) UpdateEscrow(ctx context.Context, ref uuid.UUID, escrowID string, params ledger.UpdateEscrowParams) (*ledger.TxResult, error) {
	args := m.Called(ctx, ref, escrowID, params)
	if res := args.Get(0); res != nil {
		return res.(*ledger.TxResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLedger) AssignWorker(ctx context.Context, ref uuid.UUID, escrowID, workerIdentity string) (*ledger.TxResult, error) {
	args := m.Called(ctx, ref, escrowID, workerIdentity)
	if res := args.Get(0); res != nil {
		return res.(*ledger.TxResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLedger) Sign(ctx context.Context, ref uuid.UUID, escrowID, contractHash string) (*ledger.TxResult, error) {
	args := m.Called(ctx, ref, escrowID, contractHash)
	if res := args.Get(0); res != nil {
		return res.(*ledger.TxResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLedger) SubmitDeliverable(ctx context.Context, ref uuid.UUID, escrowID, evidenceRef string) (*ledger.TxResult, error) {
	args := m.Called(ctx, ref, escrowID, evidenceRef)
	if res := args.Get(0); res != nil {
		return res.(*ledger.TxResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLedger) ReleasePayment(ctx context.Context, ref uuid.UUID, escrowID string) (*ledger.TxResult, error) {
	args := m.Called(ctx, ref, escrowID)
	if res := args.Get(0); res != nil {
		return res.(*ledger.TxResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLedger) RequestRevision(ctx context.Context, ref uuid.UUID, escrowID string) (*ledger.TxResult, error) {
	args := m.Called(ctx, ref, escrowID)
	if res := args.Get(0); res != nil {
		return res.(*ledger.TxResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLedger) FreelancerWithdraw(ctx context.Context, ref uuid.UUID, escrowID string) (*ledger.TxResult, error) {
	args := m.Called(ctx, ref, escrowID)
	if res := args.Get(0); res != nil {
		return res.(*ledger.TxResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLedger) QueryWithdrawalPenalty(ctx context.Context, escrowID string) (int64, error) {
	args := m.Called(ctx, escrowID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockLedger) CancelBeforeSigning(ctx context.Context, ref uuid.UUID, escrowID string) (*ledger.TxResult, error) {
	args := m.Called(ctx, ref, escrowID)
	if res := args.Get(0); res != nil {
		return res.(*ledger.TxResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLedger) CancelAfterSigning(ctx context.Context, ref uuid.UUID, escrowID string) (*ledger.TxResult, error) {
	args := m.Called(ctx, ref, escrowID)
	if res := args.Get(0); res != nil {
		return res.(*ledger.TxResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLedger) GetEscrow(ctx context.Context, escrowID string) (*ledger.EscrowState, error) {
	args := m.Called(ctx, escrowID)
	if res := args.Get(0); res != nil {
		return res.(*ledger.EscrowState), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLedger) FindByCorrelation(ctx context.Context, ref uuid.UUID) (*ledger.EscrowState, error) {
	args := m.Called(ctx, ref)
	if res := args.Get(0); res != nil {
		return res.(*ledger.EscrowState), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, userID uuid.UUID, eventType string, referenceID uuid.UUID) error {
	args := m.Called(ctx, userID, eventType, referenceID)
	return args.Error(0)
}

func newJobService(repo *mockJobRepo, led *mockLedger) *JobService {
	return NewJobService(repo, led, nil, NewEntityLocks(), 5)
}

func contractForTest() *models.JobContract {
	return &models.JobContract{
		Terms:        []models.ContractTerm{{Title: "Оплата", Content: "после приёмки"}},
		Requirements: "API",
		Deliverables: "код",
		DeadlineDays: 14,
		ReviewDays:   3,
	}
}

func draftJob(employerID uuid.UUID) *models.Job {
	return &models.Job{
		ID:                  uuid.New(),
		EmployerID:          employerID,
		Title:               "Бэкенд",
		Description:         "REST API",
		Status:              models.JobStatusDraft,
		Budget:              10000,
		Currency:            "USD",
		PlatformFee:         500,
		ApplicationDeadline: time.Now().Add(48 * time.Hour),
	}
}

func TestJobService_CreateDraft_ComputesFee(t *testing.T) {
	repo := new(mockJobRepo)
	svc := newJobService(repo, new(mockLedger))

	repo.On("CreateDraft", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	job, err := svc.CreateDraft(context.Background(), CreateDraftInput{
		EmployerID:          uuid.New(),
		Title:               "Бэкенд",
		Description:         "REST API",
		Budget:              10000,
		Currency:            "USD",
		ApplicationDeadline: time.Now().Add(time.Hour),
		DeadlineDays:        14,
		ReviewDays:          3,
		Terms:               []models.ContractTerm{{Title: "Оплата", Content: "после приёмки"}},
	})

	require.NoError(t, err)
	// 5% от 10000 в минорных единицах.
	assert.Equal(t, int64(500), job.PlatformFee)
	repo.AssertExpectations(t)
}

func TestJobService_CreateDraft_RejectsInvalidInput(t *testing.T) {
	svc := newJobService(new(mockJobRepo), new(mockLedger))

	_, err := svc.CreateDraft(context.Background(), CreateDraftInput{
		EmployerID:          uuid.New(),
		Title:               "Бэкенд",
		Description:         "REST API",
		Budget:              -5,
		Currency:            "USD",
		ApplicationDeadline: time.Now().Add(time.Hour),
		DeadlineDays:        14,
		ReviewDays:          3,
		Terms:               []models.ContractTerm{{Title: "a", Content: "b"}},
	})

	require.Error(t, err)
	assert.True(t, apperror.IsValidation(err))
}

func TestJobService_Publish_EscrowAmountIncludesFee(t *testing.T) {
	employerID := uuid.New()
	job := draftJob(employerID)
	contract := contractForTest()

	repo := new(mockJobRepo)
	led := new(mockLedger)
	svc := newJobService(repo, led)

	published := *job
	published.Status = models.JobStatusOpen

	repo.On("GetByID", mock.Anything, job.ID).Return(job, nil).Once()
	repo.On("GetContract", mock.Anything, job.ID).Return(contract, nil)
	repo.On("SetPendingOp", mock.Anything, job.ID, "create_escrow", mock.Anything).Return(nil)
	led.On("CreateEscrow", mock.Anything, mock.Anything, mock.MatchedBy(func(p ledger.CreateEscrowParams) bool {
		return p.Amount == 10500 && p.Currency == "USD"
	})).Return(&ledger.CreateEscrowResult{TxRef: "tx-1", EscrowID: "esc-1"}, nil)
	repo.On("MarkPublished", mock.Anything, job.ID, "esc-1", mock.Anything).Return(nil)
	repo.On("GetByID", mock.Anything, job.ID).Return(&published, nil)

	res, err := svc.Publish(context.Background(), job.ID, employerID)

	require.NoError(t, err)
	assert.Equal(t, models.JobStatusOpen, res.Status)
	repo.AssertExpectations(t)
	led.AssertExpectations(t)
}

func TestJobService_Publish_DBFailureCompensatesEscrow(t *testing.T) {
	employerID := uuid.New()
	job := draftJob(employerID)

	repo := new(mockJobRepo)
	led := new(mockLedger)
	svc := newJobService(repo, led)

	repo.On("GetByID", mock.Anything, job.ID).Return(job, nil)
	repo.On("GetContract", mock.Anything, job.ID).Return(contractForTest(), nil)
	repo.On("SetPendingOp", mock.Anything, job.ID, "create_escrow", mock.Anything).Return(nil)
	led.On("CreateEscrow", mock.Anything, mock.Anything, mock.Anything).
		Return(&ledger.CreateEscrowResult{TxRef: "tx-1", EscrowID: "esc-1"}, nil)
	repo.On("MarkPublished", mock.Anything, job.ID, "esc-1", mock.Anything).
		Return(errors.New("db down"))
	// Компенсация: средства возвращаются отменой созданного эскроу.
	led.On("CancelBeforeSigning", mock.Anything, mock.Anything, "esc-1").
		Return(&ledger.TxResult{TxRef: "tx-2"}, nil)
	repo.On("ClearPendingOp", mock.Anything, job.ID).Return(nil)

	_, err := svc.Publish(context.Background(), job.ID, employerID)

	require.Error(t, err)
	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperror.ErrCodeConsistencyFailure, appErr.Code)
	assert.True(t, apperror.IsRetryable(err))
	led.AssertExpectations(t)
	repo.AssertExpectations(t)
}

func TestJobService_Publish_RejectionClearsPendingOp(t *testing.T) {
	employerID := uuid.New()
	job := draftJob(employerID)

	repo := new(mockJobRepo)
	led := new(mockLedger)
	svc := newJobService(repo, led)

	repo.On("GetByID", mock.Anything, job.ID).Return(job, nil)
	repo.On("GetContract", mock.Anything, job.ID).Return(contractForTest(), nil)
	repo.On("SetPendingOp", mock.Anything, job.ID, "create_escrow", mock.Anything).Return(nil)
	led.On("CreateEscrow", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &ledger.RejectionError{Op: "create_escrow", Code: "INSUFFICIENT_FUNDS", Reason: "недостаточно средств"})
	repo.On("ClearPendingOp", mock.Anything, job.ID).Return(nil)

	_, err := svc.Publish(context.Background(), job.ID, employerID)

	require.Error(t, err)
	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperror.ErrCodeLedgerRejected, appErr.Code)
	// Причина отказа передаётся дословно.
	assert.Equal(t, "недостаточно средств", appErr.Message)
	repo.AssertExpectations(t)
}

func TestJobService_Publish_TimeoutKeepsPendingOp(t *testing.T) {
	employerID := uuid.New()
	job := draftJob(employerID)

	repo := new(mockJobRepo)
	led := new(mockLedger)
	svc := newJobService(repo, led)

	repo.On("GetByID", mock.Anything, job.ID).Return(job, nil)
	repo.On("GetContract", mock.Anything, job.ID).Return(contractForTest(), nil)
	repo.On("SetPendingOp", mock.Anything, job.ID, "create_escrow", mock.Anything).Return(nil)
	led.On("CreateEscrow", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, ledger.ErrTimeout)

	_, err := svc.Publish(context.Background(), job.ID, employerID)

	require.Error(t, err)
	assert.True(t, apperror.IsRetryable(err))
	// pending_op остаётся до сверки, слепого ClearPendingOp быть не должно.
	repo.AssertNotCalled(t, "ClearPendingOp", mock.Anything, mock.Anything)
}

func TestJobService_Publish_OnlyDraft(t *testing.T) {
	employerID := uuid.New()
	job := draftJob(employerID)
	job.Status = models.JobStatusOpen
	escrowID := "esc-1"
	job.EscrowID = &escrowID

	repo := new(mockJobRepo)
	svc := newJobService(repo, new(mockLedger))
	repo.On("GetByID", mock.Anything, job.ID).Return(job, nil)

	_, err := svc.Publish(context.Background(), job.ID, employerID)

	require.Error(t, err)
	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperror.ErrCodeConflict, appErr.Code)
}

func TestJobService_Sign_HashMismatchStopsBeforeLedger(t *testing.T) {
	employerID := uuid.New()
	freelancerID := uuid.New()
	job := draftJob(employerID)
	job.Status = models.JobStatusOpen
	job.FreelancerID = &freelancerID
	escrowID := "esc-1"
	job.EscrowID = &escrowID
	staleHash := integrity.HashFields(integrity.ContractFields{Budget: 1, Currency: "USD"})
	job.ContractHash = &staleHash

	repo := new(mockJobRepo)
	led := new(mockLedger)
	svc := newJobService(repo, led)

	repo.On("GetByID", mock.Anything, job.ID).Return(job, nil)
	repo.On("GetContract", mock.Anything, job.ID).Return(contractForTest(), nil)

	err := svc.Sign(context.Background(), job.ID, freelancerID)

	require.Error(t, err)
	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperror.ErrCodeConsistencyFailure, appErr.Code)
	// Жёсткая остановка: до леджера вызов не дошёл.
	led.AssertNotCalled(t, "Sign", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestJobService_Sign_MatchingHashSigns(t *testing.T) {
	employerID := uuid.New()
	freelancerID := uuid.New()
	job := draftJob(employerID)
	job.Status = models.JobStatusOpen
	job.FreelancerID = &freelancerID
	escrowID := "esc-1"
	job.EscrowID = &escrowID
	contract := contractForTest()
	hash := integrity.HashFields(integrity.ContractFields{
		Budget:       job.Budget,
		Currency:     job.Currency,
		DeadlineDays: contract.DeadlineDays,
		ReviewDays:   contract.ReviewDays,
		Requirements: contract.Requirements,
		Deliverables: contract.Deliverables,
		Terms:        contract.Terms,
	})
	job.ContractHash = &hash

	repo := new(mockJobRepo)
	led := new(mockLedger)
	svc := newJobService(repo, led)

	repo.On("GetByID", mock.Anything, job.ID).Return(job, nil)
	repo.On("GetContract", mock.Anything, job.ID).Return(contract, nil)
	repo.On("SetPendingOp", mock.Anything, job.ID, "sign", mock.Anything).Return(nil)
	led.On("Sign", mock.Anything, mock.Anything, "esc-1", hash).
		Return(&ledger.TxResult{TxRef: "tx-1"}, nil)
	repo.On("MarkSigned", mock.Anything, job.ID, mock.MatchedBy(func(d time.Time) bool {
		// Дедлайн сдачи считается от момента подписания.
		return d.After(time.Now().Add(13 * 24 * time.Hour))
	})).Return(nil)

	err := svc.Sign(context.Background(), job.ID, freelancerID)

	require.NoError(t, err)
	repo.AssertExpectations(t)
	led.AssertExpectations(t)
}

func TestJobService_Approve_IdempotentWhenCompleted(t *testing.T) {
	employerID := uuid.New()
	job := draftJob(employerID)
	job.Status = models.JobStatusCompleted

	repo := new(mockJobRepo)
	led := new(mockLedger)
	svc := newJobService(repo, led)
	repo.On("GetByID", mock.Anything, job.ID).Return(job, nil)

	err := svc.Approve(context.Background(), job.ID, employerID)

	// Повторная приёмка — no-op, второго движения средств нет.
	require.NoError(t, err)
	led.AssertNotCalled(t, "ReleasePayment", mock.Anything, mock.Anything, mock.Anything)
}

func TestJobService_Approve_ForbiddenForStranger(t *testing.T) {
	job := draftJob(uuid.New())
	job.Status = models.JobStatusPendingReview

	repo := new(mockJobRepo)
	svc := newJobService(repo, new(mockLedger))
	repo.On("GetByID", mock.Anything, job.ID).Return(job, nil)

	err := svc.Approve(context.Background(), job.ID, uuid.New())

	assert.True(t, apperror.IsForbidden(err))
}

func TestJobService_ExpireSubmission_DeadlineRace(t *testing.T) {
	employerID := uuid.New()
	job := draftJob(employerID)
	// К моменту прохода планировщика работа уже сдана.
	job.Status = models.JobStatusPendingReview

	repo := new(mockJobRepo)
	led := new(mockLedger)
	svc := newJobService(repo, led)
	repo.On("GetByID", mock.Anything, job.ID).Return(job, nil)

	err := svc.ExpireSubmission(context.Background(), job.ID)

	assert.ErrorIs(t, err, ErrDeadlineRace)
	led.AssertNotCalled(t, "CancelAfterSigning", mock.Anything, mock.Anything, mock.Anything)
}

func TestJobService_ExpireSubmission_CancelsWithRefund(t *testing.T) {
	employerID := uuid.New()
	job := draftJob(employerID)
	job.Status = models.JobStatusInProgress
	escrowID := "esc-1"
	job.EscrowID = &escrowID
	past := time.Now().Add(-time.Hour)
	job.WorkSubmissionDeadline = &past

	repo := new(mockJobRepo)
	led := new(mockLedger)
	svc := newJobService(repo, led)

	repo.On("GetByID", mock.Anything, job.ID).Return(job, nil)
	repo.On("SetPendingOp", mock.Anything, job.ID, "cancel_after_signing", mock.Anything).Return(nil)
	led.On("CancelAfterSigning", mock.Anything, mock.Anything, "esc-1").
		Return(&ledger.TxResult{TxRef: "tx-1"}, nil)
	repo.On("MarkCancelled", mock.Anything, job.ID, []string{models.JobStatusInProgress}).Return(nil)

	err := svc.ExpireSubmission(context.Background(), job.ID)

	require.NoError(t, err)
	repo.AssertExpectations(t)
	led.AssertExpectations(t)
}

func TestJobService_AutoApproveReview_SilenceIsAcceptance(t *testing.T) {
	employerID := uuid.New()
	freelancerID := uuid.New()
	job := draftJob(employerID)
	job.Status = models.JobStatusPendingReview
	job.FreelancerID = &freelancerID
	escrowID := "esc-1"
	job.EscrowID = &escrowID
	past := time.Now().Add(-time.Minute)
	job.WorkReviewDeadline = &past

	repo := new(mockJobRepo)
	led := new(mockLedger)
	notifier := new(mockNotifier)
	svc := NewJobService(repo, led, notifier, NewEntityLocks(), 5)

	repo.On("GetByID", mock.Anything, job.ID).Return(job, nil)
	repo.On("SetPendingOp", mock.Anything, job.ID, "release_payment", mock.Anything).Return(nil)
	led.On("ReleasePayment", mock.Anything, mock.Anything, "esc-1").
		Return(&ledger.TxResult{TxRef: "tx-1"}, nil)
	repo.On("MarkCompleted", mock.Anything, job.ID).Return(nil)
	notifier.On("Notify", mock.Anything, freelancerID, EventWorkApproved, job.ID).Return(nil)

	err := svc.AutoApproveReview(context.Background(), job.ID)

	require.NoError(t, err)
	repo.AssertExpectations(t)
	led.AssertExpectations(t)
	notifier.AssertExpectations(t)
}

func TestJobService_Reconcile_LostCreateConvergesByCorrelation(t *testing.T) {
	employerID := uuid.New()
	job := draftJob(employerID)
	op := "create_escrow"
	ref := uuid.New()
	job.PendingOp = &op
	job.PendingOpRef = &ref

	repo := new(mockJobRepo)
	led := new(mockLedger)
	svc := newJobService(repo, led)

	repo.On("GetByID", mock.Anything, job.ID).Return(job, nil)
	led.On("FindByCorrelation", mock.Anything, ref).
		Return(&ledger.EscrowState{EscrowID: "esc-9", State: ledger.EscrowStateCreated, ContractHash: "h"}, nil)
	repo.On("MarkPublished", mock.Anything, job.ID, "esc-9", "h").Return(nil)

	err := svc.Reconcile(context.Background(), job.ID)

	require.NoError(t, err)
	repo.AssertExpectations(t)
	led.AssertExpectations(t)
}

func TestJobService_Reconcile_RejectedCreateStaysDraft(t *testing.T) {
	employerID := uuid.New()
	job := draftJob(employerID)
	op := "create_escrow"
	ref := uuid.New()
	job.PendingOp = &op
	job.PendingOpRef = &ref

	repo := new(mockJobRepo)
	led := new(mockLedger)
	svc := newJobService(repo, led)

	repo.On("GetByID", mock.Anything, job.ID).Return(job, nil)
	led.On("FindByCorrelation", mock.Anything, ref).
		Return(nil, &ledger.RejectionError{Op: "find_by_correlation", Code: "NOT_FOUND", Reason: "операция не найдена"})
	repo.On("ClearPendingOp", mock.Anything, job.ID).Return(nil)

	err := svc.Reconcile(context.Background(), job.ID)

	// Операция до леджера не дошла: работа остаётся черновиком,
	// публикацию можно повторить.
	require.Error(t, err)
	assert.True(t, apperror.IsRetryable(err))
	repo.AssertExpectations(t)
}

func TestJobService_Withdraw_AppliesLedgerPenalty(t *testing.T) {
	employerID := uuid.New()
	freelancerID := uuid.New()
	job := draftJob(employerID)
	job.Status = models.JobStatusInProgress
	job.FreelancerID = &freelancerID
	escrowID := "esc-1"
	job.EscrowID = &escrowID

	repo := new(mockJobRepo)
	led := new(mockLedger)
	svc := newJobService(repo, led)

	repo.On("GetByID", mock.Anything, job.ID).Return(job, nil)
	led.On("QueryWithdrawalPenalty", mock.Anything, "esc-1").Return(int64(1050), nil)

	penalty, err := svc.WithdrawalPenalty(context.Background(), job.ID, freelancerID)

	require.NoError(t, err)
	assert.Equal(t, int64(1050), penalty)

	repo.On("SetPendingOp", mock.Anything, job.ID, "freelancer_withdraw", mock.Anything).Return(nil)
	led.On("FreelancerWithdraw", mock.Anything, mock.Anything, "esc-1").
		Return(&ledger.TxResult{TxRef: "tx-1"}, nil)
	repo.On("MarkCancelled", mock.Anything, job.ID, []string{models.JobStatusInProgress}).Return(nil)

	require.NoError(t, svc.Withdraw(context.Background(), job.ID, freelancerID))
	led.AssertExpectations(t)
}

func TestJobService_Sign_PendingOpReconcilesBeforeRetry(t *testing.T) {
	employerID := uuid.New()
	freelancerID := uuid.New()
	job := draftJob(employerID)
	job.Status = models.JobStatusOpen
	job.FreelancerID = &freelancerID
	escrowID := "esc-1"
	job.EscrowID = &escrowID
	hash := "h"
	job.ContractHash = &hash
	// Предыдущая подпись ушла в леджер, подтверждение потерялось.
	op := "sign"
	ref := uuid.New()
	job.PendingOp = &op
	job.PendingOpRef = &ref

	repo := new(mockJobRepo)
	led := new(mockLedger)
	svc := newJobService(repo, led)

	repo.On("GetByID", mock.Anything, job.ID).Return(job, nil)
	led.On("GetEscrow", mock.Anything, "esc-1").
		Return(&ledger.EscrowState{EscrowID: "esc-1", State: ledger.EscrowStateSigned}, nil)
	repo.On("GetContract", mock.Anything, job.ID).Return(contractForTest(), nil)
	repo.On("MarkSigned", mock.Anything, job.ID, mock.Anything).Return(nil)

	err := svc.Sign(context.Background(), job.ID, freelancerID)

	// Исход первой операции выясняется по сохранённому корреляционному
	// идентификатору; повторного вызова sign с новым быть не должно.
	require.Error(t, err)
	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperror.ErrCodeConflict, appErr.Code)
	led.AssertNotCalled(t, "Sign", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "SetPendingOp", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	repo.AssertExpectations(t)
	led.AssertExpectations(t)
}

func TestJobService_Reconcile_AssignedStateRecordsFreelancer(t *testing.T) {
	employerID := uuid.New()
	freelancerID := uuid.New()
	job := draftJob(employerID)
	job.Status = models.JobStatusOpen
	escrowID := "esc-1"
	job.EscrowID = &escrowID
	op := "assign_worker"
	ref := uuid.New()
	job.PendingOp = &op
	job.PendingOpRef = &ref

	repo := new(mockJobRepo)
	led := new(mockLedger)
	svc := newJobService(repo, led)

	repo.On("GetByID", mock.Anything, job.ID).Return(job, nil)
	led.On("GetEscrow", mock.Anything, "esc-1").
		Return(&ledger.EscrowState{EscrowID: "esc-1", State: ledger.EscrowStateAssigned,
			Freelancer: freelancerID.String()}, nil)
	repo.On("GetContract", mock.Anything, job.ID).Return(contractForTest(), nil)
	repo.On("MarkAssigned", mock.Anything, job.ID, freelancerID).Return(nil)

	err := svc.Reconcile(context.Background(), job.ID)

	// Назначение подтверждено леджером и доводится до записи, а не
	// отбрасывается снятием pending_op.
	require.NoError(t, err)
	repo.AssertNotCalled(t, "ClearPendingOp", mock.Anything, mock.Anything)
	repo.AssertExpectations(t)
	led.AssertExpectations(t)
}

func TestJobService_Reconcile_LedgerDisputeEscalates(t *testing.T) {
	employerID := uuid.New()
	job := draftJob(employerID)
	job.Status = models.JobStatusInProgress
	escrowID := "esc-1"
	job.EscrowID = &escrowID
	op := "open_dispute"
	ref := uuid.New()
	job.PendingOp = &op
	job.PendingOpRef = &ref

	repo := new(mockJobRepo)
	led := new(mockLedger)
	svc := newJobService(repo, led)

	repo.On("GetByID", mock.Anything, job.ID).Return(job, nil)
	led.On("GetEscrow", mock.Anything, "esc-1").
		Return(&ledger.EscrowState{EscrowID: "esc-1", State: ledger.EscrowStateDisputed}, nil)
	repo.On("GetContract", mock.Anything, job.ID).Return(contractForTest(), nil)

	err := svc.Reconcile(context.Background(), job.ID)

	// Средства заморожены спором на стороне леджера, локального спора
	// нет: расхождение эскалируется, pending_op остаётся до разбора.
	require.Error(t, err)
	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperror.ErrCodeConsistencyFailure, appErr.Code)
	repo.AssertNotCalled(t, "ClearPendingOp", mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "MarkCancelled", mock.Anything, mock.Anything, mock.Anything)
}

func TestJobService_UpdateBeforeSigning_RejectedAfterSigning(t *testing.T) {
	employerID := uuid.New()
	job := draftJob(employerID)
	job.Status = models.JobStatusInProgress
	escrowID := "esc-1"
	job.EscrowID = &escrowID

	repo := new(mockJobRepo)
	led := new(mockLedger)
	svc := newJobService(repo, led)
	repo.On("GetByID", mock.Anything, job.ID).Return(job, nil)

	err := svc.UpdateBeforeSigning(context.Background(), UpdateTermsInput{
		JobID:        job.ID,
		EmployerID:   employerID,
		Budget:       12000,
		DeadlineDays: 14,
		ReviewDays:   3,
		Terms:        []models.ContractTerm{{Title: "Оплата", Content: "после приёмки"}},
	})

	require.Error(t, err)
	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperror.ErrCodeConflict, appErr.Code)
	led.AssertNotCalled(t, "UpdateEscrow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
