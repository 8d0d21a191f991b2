package models

// JobStatus константы статусов работ.
const (
	JobStatusDraft         = "draft"
	JobStatusOpen          = "open"
	JobStatusInProgress    = "in_progress"
	JobStatusPendingReview = "pending_review"
	JobStatusCompleted     = "completed"
	JobStatusCancelled     = "cancelled"
	JobStatusDisputed      = "disputed"
)

// DisputeStatus константы статусов споров.
const (
	DisputeStatusPendingFreelancerResponse = "pending_freelancer_response"
	DisputeStatusAwaitingArbitration       = "awaiting_arbitration"
	DisputeStatusVoting                    = "voting"
	DisputeStatusResolved                  = "resolved"
)

// DisputeWinner варианты исхода спора.
const (
	DisputeWinnerEmployer   = "employer"
	DisputeWinnerFreelancer = "freelancer"
)

// Роли пользователей, приходящие из JWT клеймов.
const (
	RoleEmployer   = "employer"
	RoleFreelancer = "freelancer"
	RoleAdmin      = "admin"
)

// IsTerminalJobStatus сообщает, является ли статус терминальным.
// Терминальные записи хранятся вечно, физическое удаление не предусмотрено.
func IsTerminalJobStatus(status string) bool {
	return status == JobStatusCompleted || status == JobStatusCancelled
}
