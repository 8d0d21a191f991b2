package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/escrow-backend/internal/http/handlers/common"
	"github.com/ignatzorin/escrow-backend/internal/storage"
)

// Теги назначения загружаемых доказательств.
var allowedUsageTags = map[string]bool{
	"submission": true,
	"dispute":    true,
}

// EvidenceHandler отвечает за загрузку файлов доказательств.
type EvidenceHandler struct {
	storage *storage.EvidenceStorage
}

// NewEvidenceHandler создаёт новый хэндлер.
func NewEvidenceHandler(store *storage.EvidenceStorage) *EvidenceHandler {
	return &EvidenceHandler{storage: store}
}

// Upload обрабатывает POST /evidence (multipart/form-data: file, usage).
func (h *EvidenceHandler) Upload(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}

	usage := c.PostForm("usage")
	if !allowedUsageTags[usage] {
		common.RespondBadRequest(c, "поле usage должно быть submission или dispute")
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		common.RespondBadRequest(c, "поле file обязательно")
		return
	}
	if file.Size == 0 {
		common.RespondBadRequest(c, "файл не может быть пустым")
		return
	}

	src, err := file.Open()
	if err != nil {
		common.RespondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	defer src.Close()

	result, err := h.storage.Upload(c.Request.Context(), userID, file.Filename, src, file.Size, usage)
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	c.JSON(http.StatusCreated, result)
}
