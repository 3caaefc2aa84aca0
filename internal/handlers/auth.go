package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/middleware"
	"github.com/tokengate/tokengate/internal/models"
	"github.com/tokengate/tokengate/internal/services"
	"github.com/tokengate/tokengate/pkg/response"
	"gorm.io/gorm"
)

type AuthHandler struct {
	authService *services.AuthService
	db          *gorm.DB
}

func NewAuthHandler(db *gorm.DB, jwtCfg *config.JWTConfig) *AuthHandler {
	return &AuthHandler{
		authService: services.NewAuthService(db, jwtCfg),
		db:          db,
	}
}

// Login authenticates a user and returns a JWT.
// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req services.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.authService.Login(&req, c.ClientIP())
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.ServerError(c, "login failed: "+err.Error())
		return
	}
	response.Success(c, result)
}

// Me returns the current authenticated user.
// GET /api/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	userID := middleware.GetUserID(c)

	var user models.User
	if err := h.db.First(&user, userID).Error; err != nil {
		response.NotFound(c, "user not found")
		return
	}
	response.Success(c, user)
}
