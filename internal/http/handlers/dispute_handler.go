package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/escrow-backend/internal/http/handlers/common"
	"github.com/ignatzorin/escrow-backend/internal/service"
)

// DisputeHandler обрабатывает запросы разрешения споров.
type DisputeHandler struct {
	disputes *service.DisputeService
}

// NewDisputeHandler создаёт новый хэндлер.
func NewDisputeHandler(disputes *service.DisputeService) *DisputeHandler {
	return &DisputeHandler{disputes: disputes}
}

type openDisputeRequest struct {
	Description string `json:"description" binding:"required"`
	EvidenceURL string `json:"evidence_url" binding:"required,url"`
}

// Open обрабатывает POST /jobs/:id/dispute.
func (h *DisputeHandler) Open(c *gin.Context) {
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

	var req openDisputeRequest
	if err := common.BindAndValidate(c, &req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	dispute, err := h.disputes.Open(c.Request.Context(), service.OpenInput{
		JobID:       jobID,
		EmployerID:  userID,
		Description: req.Description,
		EvidenceURL: req.EvidenceURL,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, dispute)
}

// Get обрабатывает GET /disputes/:id.
func (h *DisputeHandler) Get(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}
	role, err := common.CurrentUserRole(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}
	disputeID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	dispute, err := h.disputes.Get(c.Request.Context(), disputeID, userID, role)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, dispute)
}

// List обрабатывает GET /disputes.
func (h *DisputeHandler) List(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	disputes, err := h.disputes.ListByUser(c.Request.Context(), userID, limit, offset)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes})
}

type respondRequest struct {
	Description string `json:"description" binding:"required"`
	EvidenceURL string `json:"evidence_url"`
}

// Respond обрабатывает POST /disputes/:id/respond.
func (h *DisputeHandler) Respond(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}
	disputeID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	var req respondRequest
	if err := common.BindAndValidate(c, &req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if err := h.disputes.Respond(c.Request.Context(), disputeID, userID, req.Description, req.EvidenceURL); err != nil {
		_ = c.Error(err)
		return
	}
	common.RespondSuccess(c, http.StatusOK, "ответ по спору принят", nil)
}

// ClaimTimeout обрабатывает POST /disputes/:id/claim-timeout.
func (h *DisputeHandler) ClaimTimeout(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}
	disputeID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if err := h.disputes.ClaimTimeoutWin(c.Request.Context(), disputeID, userID); err != nil {
		_ = c.Error(err)
		return
	}
	common.RespondSuccess(c, http.StatusOK, "спор закрыт в вашу пользу", nil)
}

// StartVoting обрабатывает POST /disputes/:id/start-voting (только админ).
func (h *DisputeHandler) StartVoting(c *gin.Context) {
	disputeID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if err := h.disputes.StartVoting(c.Request.Context(), disputeID); err != nil {
		_ = c.Error(err)
		return
	}
	common.RespondSuccess(c, http.StatusOK, "голосование начато", nil)
}

type voteRequest struct {
	FavorEmployer *bool  `json:"favor_employer" binding:"required"`
	Note          string `json:"note"`
}

// Vote обрабатывает POST /disputes/:id/vote (только админ).
func (h *DisputeHandler) Vote(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}
	disputeID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	var req voteRequest
	if err := common.BindAndValidate(c, &req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	dispute, err := h.disputes.CastVote(c.Request.Context(), disputeID, userID, *req.FavorEmployer, req.Note)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, dispute)
}

type resolveRequest struct {
	Winner string `json:"winner" binding:"required"`
	Note   string `json:"note"`
}

// Resolve обрабатывает POST /disputes/:id/resolve (только админ).
func (h *DisputeHandler) Resolve(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}
	disputeID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	var req resolveRequest
	if err := common.BindAndValidate(c, &req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if err := h.disputes.Resolve(c.Request.Context(), disputeID, userID, req.Winner, req.Note); err != nil {
		_ = c.Error(err)
		return
	}
	common.RespondSuccess(c, http.StatusOK, "спор разрешён", nil)
}

// ClaimRefund обрабатывает POST /disputes/:id/claim-refund.
func (h *DisputeHandler) ClaimRefund(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}
	disputeID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if err := h.disputes.ClaimRefund(c.Request.Context(), disputeID, userID); err != nil {
		_ = c.Error(err)
		return
	}
	common.RespondSuccess(c, http.StatusOK, "средства востребованы", nil)
}
