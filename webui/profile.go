package webui

import (
	"database/sql"
	"errors"
	"net/http"

	"device-opcua/logic"

	"github.com/gin-gonic/gin"
)

func (s *Server) getProfile(c *gin.Context) {
	profile, err := logic.GetProfile(s.deps.DB, s.sessionUser(c))
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown user"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "error getting profile data"})
		return
	}
	c.JSON(http.StatusOK, profile)
}

// updateProfile changes name and email; the password stays unchanged.
func (s *Server) updateProfile(c *gin.Context) {
	var profile logic.Profile
	if err := c.ShouldBindJSON(&profile); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	profile.Username = s.sessionUser(c)

	if err := logic.UpdateProfile(s.deps.DB, profile); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "error updating profile"})
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (s *Server) changePassword(c *gin.Context) {
	var passwordData struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword" binding:"required"`
	}
	if err := c.ShouldBindJSON(&passwordData); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	err := logic.ChangePassword(s.deps.DB, s.sessionUser(c), passwordData.CurrentPassword, passwordData.NewPassword)
	if errors.Is(err, logic.ErrWrongPassword) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "error updating password"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "password updated"})
}
