package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/tokengate/tokengate/internal/middleware"
	"github.com/tokengate/tokengate/internal/services"
	"github.com/tokengate/tokengate/pkg/response"
	"gorm.io/gorm"
)

type AccessKeyHandler struct {
	keyService *services.AccessKeyService
}

func NewAccessKeyHandler(db *gorm.DB) *AccessKeyHandler {
	return &AccessKeyHandler{keyService: services.NewAccessKeyService(db)}
}

// Create issues a new access key. The secret is only returned here.
// POST /api/access-keys
func (h *AccessKeyHandler) Create(c *gin.Context) {
	var req services.CreateAccessKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.keyService.Create(&req)
	if err != nil {
		response.ServerError(c, "failed to create access key: "+err.Error())
		return
	}

	userID := middleware.GetUserID(c)
	services.LogInfo("access_key", "create", "access key created: "+req.Name, &userID, c.ClientIP(), nil)
	response.Success(c, result)
}

// List returns all access keys with masked secrets.
// GET /api/access-keys
func (h *AccessKeyHandler) List(c *gin.Context) {
	keys, err := h.keyService.List()
	if err != nil {
		response.ServerError(c, "failed to list access keys: "+err.Error())
		return
	}
	response.Success(c, keys)
}

// GetByID returns a single access key.
// GET /api/access-keys/:id
func (h *AccessKeyHandler) GetByID(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}

	key, err := h.keyService.GetByID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.NotFound(c, "access key not found")
			return
		}
		response.ServerError(c, "failed to get access key: "+err.Error())
		return
	}
	response.Success(c, key)
}

// Update changes mutable fields of an access key.
// PUT /api/access-keys/:id
func (h *AccessKeyHandler) Update(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}

	var req services.UpdateAccessKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	key, err := h.keyService.Update(id, &req)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.NotFound(c, "access key not found")
			return
		}
		response.ServerError(c, "failed to update access key: "+err.Error())
		return
	}

	userID := middleware.GetUserID(c)
	services.LogInfo("access_key", "update", "access key updated: "+key.Name, &userID, c.ClientIP(), nil)
	response.Success(c, key)
}

// Delete soft-deletes an access key. Its usage logs are retained.
// DELETE /api/access-keys/:id
func (h *AccessKeyHandler) Delete(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}

	if err := h.keyService.Delete(id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.NotFound(c, "access key not found")
			return
		}
		response.ServerError(c, "failed to delete access key: "+err.Error())
		return
	}

	userID := middleware.GetUserID(c)
	services.LogInfo("access_key", "delete", "access key deleted", &userID, c.ClientIP(), gin.H{"id": id})
	response.Success(c, gin.H{"deleted": true})
}
