// Package scheduler выполняет переходы по истёкшим дедлайнам.
//
// Планировщик не хранит состояние между запусками: каждый проход
// заново читает из базы сущности с истёкшими сроками, поэтому рестарт
// процесса ничего не теряет. Параллельное действие человека всегда
// побеждает — проход перечитывает статус под блокировкой сущности и
// молча отбрасывает переход, если статус уже изменился.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/escrow-backend/internal/goroutine"
	"github.com/ignatzorin/escrow-backend/internal/logger"
	"github.com/ignatzorin/escrow-backend/internal/metrics"
	"github.com/ignatzorin/escrow-backend/internal/models"
	"github.com/ignatzorin/escrow-backend/internal/pkg/apperror"
	"github.com/ignatzorin/escrow-backend/internal/service"
)

// JobTransitions автопереходы и сверка по работам.
type JobTransitions interface {
	DueSubmissions(ctx context.Context, now time.Time) ([]models.Job, error)
	DueReviews(ctx context.Context, now time.Time) ([]models.Job, error)
	ExpireSubmission(ctx context.Context, jobID uuid.UUID) error
	AutoApproveReview(ctx context.Context, jobID uuid.UUID) error
	StalePendingOps(ctx context.Context, olderThan time.Time) ([]models.Job, error)
	Reconcile(ctx context.Context, jobID uuid.UUID) error
}

// DisputeTransitions уведомления и сверка по спорам.
type DisputeTransitions interface {
	DueResponses(ctx context.Context, now time.Time) ([]models.Dispute, error)
	NotifyTimeoutAvailable(ctx context.Context, disputeID uuid.UUID) error
	StalePendingOps(ctx context.Context, olderThan time.Time) ([]models.Dispute, error)
	Reconcile(ctx context.Context, disputeID uuid.UUID) error
}

// Возраст, после которого висящий pending_op считается потерянным и
// попадает в сверку.
const stalePendingAge = 5 * time.Minute

type Scheduler struct {
	jobs     JobTransitions
	disputes DisputeTransitions
	interval time.Duration
	log      *logrus.Entry
}

func New(jobs JobTransitions, disputes DisputeTransitions, interval time.Duration) *Scheduler {
	return &Scheduler{
		jobs:     jobs,
		disputes: disputes,
		interval: interval,
		log:      logger.WithComponent("scheduler"),
	}
}

// Start запускает цикл проходов в отдельной горутине и возвращается.
// Цикл останавливается отменой контекста.
func (s *Scheduler) Start(ctx context.Context) {
	goroutine.SafeGoWithContext(ctx, func(ctx context.Context) {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.log.WithField("interval", s.interval).Info("планировщик дедлайнов запущен")
		for {
			select {
			case <-ctx.Done():
				s.log.Info("планировщик дедлайнов остановлен")
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	})
}

// Sweep один проход: по одному переходу на сущность, без упорядочивания
// между сущностями. Ошибка по одной сущности не прерывает проход.
func (s *Scheduler) Sweep(ctx context.Context) {
	metrics.SchedulerSweeps.Inc()
	now := time.Now()

	due, err := s.jobs.DueSubmissions(ctx, now)
	if err != nil {
		s.log.Errorf("не удалось получить работы с истёкшим сроком сдачи: %v", err)
	}
	for _, job := range due {
		s.apply(ctx, job.ID, "expire_submission", s.jobs.ExpireSubmission)
	}

	due, err = s.jobs.DueReviews(ctx, now)
	if err != nil {
		s.log.Errorf("не удалось получить работы с истёкшим сроком проверки: %v", err)
	}
	for _, job := range due {
		s.apply(ctx, job.ID, "auto_approve_review", s.jobs.AutoApproveReview)
	}

	disputes, err := s.disputes.DueResponses(ctx, now)
	if err != nil {
		s.log.Errorf("не удалось получить споры с истёкшим окном ответа: %v", err)
	}
	for _, d := range disputes {
		s.apply(ctx, d.ID, "dispute_timeout_notice", s.disputes.NotifyTimeoutAvailable)
	}

	// Операции, чей исход остался неизвестным после таймаута леджера,
	// сверяются отдельным шагом. Порог отсекает запросы в полёте.
	stale, err := s.jobs.StalePendingOps(ctx, now.Add(-stalePendingAge))
	if err != nil {
		s.log.Errorf("не удалось получить работы с незавершёнными операциями: %v", err)
	}
	for _, job := range stale {
		s.apply(ctx, job.ID, "reconcile_pending_op", s.jobs.Reconcile)
	}

	staleDisputes, err := s.disputes.StalePendingOps(ctx, now.Add(-stalePendingAge))
	if err != nil {
		s.log.Errorf("не удалось получить споры с незавершёнными операциями: %v", err)
	}
	for _, d := range staleDisputes {
		s.apply(ctx, d.ID, "reconcile_dispute_op", s.disputes.Reconcile)
	}
}

func (s *Scheduler) apply(ctx context.Context, id uuid.UUID, kind string, fn func(context.Context, uuid.UUID) error) {
	err := fn(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrDeadlineRace):
		// Человек успел раньше: переход отбрасывается без следа для
		// пользователей.
		metrics.DeadlineRaces.Inc()
		s.log.WithFields(logrus.Fields{"entity_id": id, "kind": kind}).Info("автопереход отброшен, сущность уже изменена")
	case apperror.IsRetryable(err):
		// Леджер недоступен или запись не сошлась: дедлайн в базе
		// остаётся, следующий проход попробует снова.
		s.log.WithFields(logrus.Fields{"entity_id": id, "kind": kind}).Warnf("автопереход отложен: %v", err)
	default:
		s.log.WithFields(logrus.Fields{"entity_id": id, "kind": kind}).Errorf("автопереход не выполнен: %v", err)
	}
}
