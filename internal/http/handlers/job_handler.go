package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-backend/internal/http/handlers/common"
	"github.com/ignatzorin/escrow-backend/internal/models"
	"github.com/ignatzorin/escrow-backend/internal/service"
)

// JobHandler обрабатывает запросы жизненного цикла работ.
type JobHandler struct {
	jobs *service.JobService
}

// NewJobHandler создаёт новый хэндлер.
func NewJobHandler(jobs *service.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

type contractTermRequest struct {
	Title   string `json:"title" binding:"required"`
	Content string `json:"content" binding:"required"`
}

type createJobRequest struct {
	Title               string                `json:"title" binding:"required"`
	Description         string                `json:"description" binding:"required"`
	Budget              int64                 `json:"budget" binding:"required"`
	Currency            string                `json:"currency" binding:"required"`
	ApplicationDeadline time.Time             `json:"application_deadline" binding:"required"`
	Requirements        string                `json:"requirements"`
	Deliverables        string                `json:"deliverables"`
	DeadlineDays        int                   `json:"deadline_days" binding:"required"`
	ReviewDays          int                   `json:"review_days" binding:"required"`
	Terms               []contractTermRequest `json:"terms" binding:"required"`
}

func termsFromRequest(in []contractTermRequest) []models.ContractTerm {
	terms := make([]models.ContractTerm, 0, len(in))
	for _, t := range in {
		terms = append(terms, models.ContractTerm{Title: t.Title, Content: t.Content})
	}
	return terms
}

// Create обрабатывает POST /jobs.
func (h *JobHandler) Create(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}

	var req createJobRequest
	if err := common.BindAndValidate(c, &req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	job, err := h.jobs.CreateDraft(c.Request.Context(), service.CreateDraftInput{
		EmployerID:          userID,
		Title:               req.Title,
		Description:         req.Description,
		Budget:              req.Budget,
		Currency:            req.Currency,
		ApplicationDeadline: req.ApplicationDeadline,
		Requirements:        req.Requirements,
		Deliverables:        req.Deliverables,
		DeadlineDays:        req.DeadlineDays,
		ReviewDays:          req.ReviewDays,
		Terms:               termsFromRequest(req.Terms),
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, job)
}

// Get обрабатывает GET /jobs/:id.
func (h *JobHandler) Get(c *gin.Context) {
	jobID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	job, err := h.jobs.GetJob(c.Request.Context(), jobID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// GetContract обрабатывает GET /jobs/:id/contract.
func (h *JobHandler) GetContract(c *gin.Context) {
	jobID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	contract, err := h.jobs.GetContract(c.Request.Context(), jobID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

// Publish обрабатывает POST /jobs/:id/publish.
func (h *JobHandler) Publish(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}
	jobID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	job, err := h.jobs.Publish(c.Request.Context(), jobID, userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, job)
}

type updateTermsRequest struct {
	Budget       int64                 `json:"budget" binding:"required"`
	Requirements string                `json:"requirements"`
	Deliverables string                `json:"deliverables"`
	DeadlineDays int                   `json:"deadline_days" binding:"required"`
	ReviewDays   int                   `json:"review_days" binding:"required"`
	Terms        []contractTermRequest `json:"terms" binding:"required"`
}

// UpdateTerms обрабатывает PUT /jobs/:id/terms.
func (h *JobHandler) UpdateTerms(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}
	jobID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	var req updateTermsRequest
	if err := common.BindAndValidate(c, &req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if err := h.jobs.UpdateBeforeSigning(c.Request.Context(), service.UpdateTermsInput{
		JobID:        jobID,
		EmployerID:   userID,
		Budget:       req.Budget,
		Requirements: req.Requirements,
		Deliverables: req.Deliverables,
		DeadlineDays: req.DeadlineDays,
		ReviewDays:   req.ReviewDays,
		Terms:        termsFromRequest(req.Terms),
	}); err != nil {
		_ = c.Error(err)
		return
	}
	common.RespondSuccess(c, http.StatusOK, "условия обновлены", nil)
}

type assignRequest struct {
	FreelancerID string `json:"freelancer_id" binding:"required,uuid"`
}

// Assign обрабатывает POST /jobs/:id/assign.
func (h *JobHandler) Assign(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}
	jobID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	var req assignRequest
	if err := common.BindAndValidate(c, &req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}
	freelancerID, err := uuid.Parse(req.FreelancerID)
	if err != nil {
		common.RespondBadRequest(c, "freelancer_id имеет неверный формат")
		return
	}

	if err := h.jobs.Assign(c.Request.Context(), jobID, userID, freelancerID); err != nil {
		_ = c.Error(err)
		return
	}
	common.RespondSuccess(c, http.StatusOK, "исполнитель назначен", nil)
}

// Sign обрабатывает POST /jobs/:id/sign.
func (h *JobHandler) Sign(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}
	jobID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if err := h.jobs.Sign(c.Request.Context(), jobID, userID); err != nil {
		_ = c.Error(err)
		return
	}
	common.RespondSuccess(c, http.StatusOK, "контракт подписан", nil)
}

type submitRequest struct {
	EvidenceURL string `json:"evidence_url" binding:"required,url"`
}

// Submit обрабатывает POST /jobs/:id/submit.
func (h *JobHandler) Submit(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}
	jobID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	var req submitRequest
	if err := common.BindAndValidate(c, &req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if err := h.jobs.Submit(c.Request.Context(), jobID, userID, req.EvidenceURL); err != nil {
		_ = c.Error(err)
		return
	}
	common.RespondSuccess(c, http.StatusOK, "работа сдана на проверку", nil)
}

// Approve обрабатывает POST /jobs/:id/approve.
func (h *JobHandler) Approve(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}
	jobID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if err := h.jobs.Approve(c.Request.Context(), jobID, userID); err != nil {
		_ = c.Error(err)
		return
	}
	common.RespondSuccess(c, http.StatusOK, "работа принята, выплата проведена", nil)
}

// RequestRevision обрабатывает POST /jobs/:id/revision.
func (h *JobHandler) RequestRevision(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}
	jobID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if err := h.jobs.RequestRevision(c.Request.Context(), jobID, userID); err != nil {
		_ = c.Error(err)
		return
	}
	common.RespondSuccess(c, http.StatusOK, "работа возвращена на доработку", nil)
}

// Cancel обрабатывает POST /jobs/:id/cancel.
func (h *JobHandler) Cancel(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}
	jobID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if err := h.jobs.CancelBeforeSigning(c.Request.Context(), jobID, userID); err != nil {
		_ = c.Error(err)
		return
	}
	common.RespondSuccess(c, http.StatusOK, "работа отменена, средства возвращены", nil)
}

// WithdrawalPenalty обрабатывает GET /jobs/:id/withdrawal-penalty.
func (h *JobHandler) WithdrawalPenalty(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}
	jobID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	penalty, err := h.jobs.WithdrawalPenalty(c.Request.Context(), jobID, userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"penalty": penalty})
}

// Withdraw обрабатывает POST /jobs/:id/withdraw.
func (h *JobHandler) Withdraw(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}
	jobID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if err := h.jobs.Withdraw(c.Request.Context(), jobID, userID); err != nil {
		_ = c.Error(err)
		return
	}
	common.RespondSuccess(c, http.StatusOK, "выход из контракта выполнен", nil)
}
