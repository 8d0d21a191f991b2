package service

import (
	"context"

	"github.com/google/uuid"
)

// События, отправляемые сторонам после зафиксированных переходов.
const (
	EventJobPublished            = "job_published"
	EventJobAssigned             = "job_assigned"
	EventContractSigned          = "contract_signed"
	EventWorkSubmitted           = "work_submitted"
	EventWorkApproved            = "work_approved"
	EventRevisionRequested       = "revision_requested"
	EventJobCancelled            = "job_cancelled"
	EventDisputeOpened           = "dispute_opened"
	EventDisputeResponse         = "dispute_response"
	EventDisputeVoting           = "dispute_voting"
	EventDisputeResolved         = "dispute_resolved"
	EventDisputeTimeoutAvailable = "dispute_timeout_available"
)

// Notifier внешний канал уведомлений. Доставка вне зоны
// ответственности ядра, ошибки здесь только логируются.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, eventType string, referenceID uuid.UUID) error
}
