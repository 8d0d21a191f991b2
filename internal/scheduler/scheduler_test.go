package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/ignatzorin/escrow-backend/internal/models"
	"github.com/ignatzorin/escrow-backend/internal/pkg/apperror"
	"github.com/ignatzorin/escrow-backend/internal/service"
)

type mockJobTransitions struct {
	mock.Mock
}

func (m *mockJobTransitions) DueSubmissions(ctx context.Context, now time.Time) ([]models.Job, error) {
	args := m.Called(ctx, now)
	return args.Get(0).([]models.Job), args.Error(1)
}

func (m *mockJobTransitions) DueReviews(ctx context.Context, now time.Time) ([]models.Job, error) {
	args := m.Called(ctx, now)
	return args.Get(0).([]models.Job), args.Error(1)
}

func (m *mockJobTransitions) ExpireSubmission(ctx context.Context, jobID uuid.UUID) error {
	args := m.Called(ctx, jobID)
	return args.Error(0)
}

func (m *mockJobTransitions) AutoApproveReview(ctx context.Context, jobID uuid.UUID) error {
	args := m.Called(ctx, jobID)
	return args.Error(0)
}

func (m *mockJobTransitions) StalePendingOps(ctx context.Context, olderThan time.Time) ([]models.Job, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).([]models.Job), args.Error(1)
}

func (m *mockJobTransitions) Reconcile(ctx context.Context, jobID uuid.UUID) error {
	args := m.Called(ctx, jobID)
	return args.Error(0)
}

type mockDisputeTransitions struct {
	mock.Mock
}

func (m *mockDisputeTransitions) DueResponses(ctx context.Context, now time.Time) ([]models.Dispute, error) {
	args := m.Called(ctx, now)
	return args.Get(0).([]models.Dispute), args.Error(1)
}

func (m *mockDisputeTransitions) NotifyTimeoutAvailable(ctx context.Context, disputeID uuid.UUID) error {
	args := m.Called(ctx, disputeID)
	return args.Error(0)
}

func (m *mockDisputeTransitions) StalePendingOps(ctx context.Context, olderThan time.Time) ([]models.Dispute, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).([]models.Dispute), args.Error(1)
}

func (m *mockDisputeTransitions) Reconcile(ctx context.Context, disputeID uuid.UUID) error {
	args := m.Called(ctx, disputeID)
	return args.Error(0)
}

func quietTransitions() (*mockJobTransitions, *mockDisputeTransitions) {
	jobs := new(mockJobTransitions)
	disputes := new(mockDisputeTransitions)
	jobs.On("DueSubmissions", mock.Anything, mock.Anything).Return([]models.Job{}, nil)
	jobs.On("DueReviews", mock.Anything, mock.Anything).Return([]models.Job{}, nil)
	jobs.On("StalePendingOps", mock.Anything, mock.Anything).Return([]models.Job{}, nil)
	disputes.On("DueResponses", mock.Anything, mock.Anything).Return([]models.Dispute{}, nil)
	disputes.On("StalePendingOps", mock.Anything, mock.Anything).Return([]models.Dispute{}, nil)
	return jobs, disputes
}

func TestScheduler_Sweep_AppliesDueTransitions(t *testing.T) {
	jobs := new(mockJobTransitions)
	disputes := new(mockDisputeTransitions)

	expired := models.Job{ID: uuid.New()}
	reviewed := models.Job{ID: uuid.New()}
	stale := models.Job{ID: uuid.New()}
	overdue := models.Dispute{ID: uuid.New()}
	staleDispute := models.Dispute{ID: uuid.New()}

	jobs.On("DueSubmissions", mock.Anything, mock.Anything).Return([]models.Job{expired}, nil)
	jobs.On("DueReviews", mock.Anything, mock.Anything).Return([]models.Job{reviewed}, nil)
	jobs.On("StalePendingOps", mock.Anything, mock.Anything).Return([]models.Job{stale}, nil)
	disputes.On("DueResponses", mock.Anything, mock.Anything).Return([]models.Dispute{overdue}, nil)
	disputes.On("StalePendingOps", mock.Anything, mock.Anything).Return([]models.Dispute{staleDispute}, nil)

	jobs.On("ExpireSubmission", mock.Anything, expired.ID).Return(nil)
	jobs.On("AutoApproveReview", mock.Anything, reviewed.ID).Return(nil)
	jobs.On("Reconcile", mock.Anything, stale.ID).Return(nil)
	disputes.On("NotifyTimeoutAvailable", mock.Anything, overdue.ID).Return(nil)
	disputes.On("Reconcile", mock.Anything, staleDispute.ID).Return(nil)

	New(jobs, disputes, time.Minute).Sweep(context.Background())

	jobs.AssertExpectations(t)
	disputes.AssertExpectations(t)
}

func TestScheduler_Sweep_StaleCutoffExcludesInflightOps(t *testing.T) {
	jobs, disputes := quietTransitions()

	before := time.Now().Add(-stalePendingAge)
	New(jobs, disputes, time.Minute).Sweep(context.Background())

	// Порог давности должен лежать минимум в stalePendingAge позади
	// начала прохода, иначе в сверку попадут запросы в полёте.
	call := jobs.Calls[len(jobs.Calls)-1]
	assert.Equal(t, "StalePendingOps", call.Method)
	olderThan := call.Arguments.Get(1).(time.Time)
	assert.False(t, olderThan.After(time.Now().Add(-stalePendingAge)))
	assert.False(t, olderThan.Before(before.Add(-time.Minute)))
}

func TestScheduler_Sweep_DeadlineRaceIsSwallowed(t *testing.T) {
	jobs, disputes := quietTransitions()
	jobs.ExpectedCalls = nil

	raced := models.Job{ID: uuid.New()}
	jobs.On("DueSubmissions", mock.Anything, mock.Anything).Return([]models.Job{raced}, nil)
	jobs.On("DueReviews", mock.Anything, mock.Anything).Return([]models.Job{}, nil)
	jobs.On("StalePendingOps", mock.Anything, mock.Anything).Return([]models.Job{}, nil)
	jobs.On("ExpireSubmission", mock.Anything, raced.ID).Return(service.ErrDeadlineRace)

	// Гонка с человеком не должна прервать проход.
	New(jobs, disputes, time.Minute).Sweep(context.Background())

	jobs.AssertExpectations(t)
}

func TestScheduler_Sweep_ErrorOnOneEntityDoesNotAbort(t *testing.T) {
	jobs := new(mockJobTransitions)
	disputes := new(mockDisputeTransitions)

	broken := models.Job{ID: uuid.New()}
	healthy := models.Job{ID: uuid.New()}

	jobs.On("DueSubmissions", mock.Anything, mock.Anything).Return([]models.Job{broken, healthy}, nil)
	jobs.On("DueReviews", mock.Anything, mock.Anything).Return([]models.Job{}, nil)
	jobs.On("StalePendingOps", mock.Anything, mock.Anything).Return([]models.Job{}, nil)
	disputes.On("DueResponses", mock.Anything, mock.Anything).Return([]models.Dispute{}, nil)
	disputes.On("StalePendingOps", mock.Anything, mock.Anything).Return([]models.Dispute{}, nil)

	jobs.On("ExpireSubmission", mock.Anything, broken.ID).
		Return(apperror.New(apperror.ErrCodeLedgerTimeout, "леджер недоступен"))
	jobs.On("ExpireSubmission", mock.Anything, healthy.ID).Return(nil)

	New(jobs, disputes, time.Minute).Sweep(context.Background())

	jobs.AssertCalled(t, "ExpireSubmission", mock.Anything, healthy.ID)
}

func TestScheduler_Sweep_RetryableOutcomeKeepsDeadline(t *testing.T) {
	jobs, disputes := quietTransitions()
	disputes.ExpectedCalls = nil

	overdue := models.Dispute{ID: uuid.New()}
	disputes.On("DueResponses", mock.Anything, mock.Anything).Return([]models.Dispute{overdue}, nil)
	disputes.On("StalePendingOps", mock.Anything, mock.Anything).Return([]models.Dispute{}, nil)
	disputes.On("NotifyTimeoutAvailable", mock.Anything, overdue.ID).
		Return(apperror.New(apperror.ErrCodeConsistencyFailure, "запись не сошлась"))

	s := New(jobs, disputes, time.Minute)
	s.Sweep(context.Background())
	// Сущность осталась в выборке: следующий проход пробует снова.
	s.Sweep(context.Background())

	disputes.AssertNumberOfCalls(t, "NotifyTimeoutAvailable", 2)
}

func TestScheduler_Sweep_ReconcilesStaleDisputeOps(t *testing.T) {
	jobs, disputes := quietTransitions()
	disputes.ExpectedCalls = nil

	hung := models.Dispute{ID: uuid.New()}
	disputes.On("DueResponses", mock.Anything, mock.Anything).Return([]models.Dispute{}, nil)
	disputes.On("StalePendingOps", mock.Anything, mock.Anything).Return([]models.Dispute{hung}, nil)
	disputes.On("Reconcile", mock.Anything, hung.ID).Return(nil)

	New(jobs, disputes, time.Minute).Sweep(context.Background())

	// Висящая операция по спору не остаётся навсегда: проход сверяет её
	// тем же порогом давности, что и по работам.
	disputes.AssertCalled(t, "Reconcile", mock.Anything, hung.ID)
}
