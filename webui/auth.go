package webui

import (
	"net/http"
	"strings"
	"time"

	"device-opcua/logic"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type loginRequest struct {
	Username string `json:"username" form:"username" binding:"required"`
	Password string `json:"password" form:"password" binding:"required"`
}

// performLogin checks the credentials against the users table and opens a
// session. JSON and form bodies are accepted.
//
//	curl -X POST -d '{"username":"admin","password":"password"}' http://localhost:8080/api/v1/login
func (s *Server) performLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	ok, err := logic.CheckLogin(s.deps.DB, req.Username, req.Password)
	if err != nil {
		logrus.Errorf("WEBUI: login check failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login check failed"})
		return
	}
	if !ok {
		logrus.Warnf("WEBUI: failed login for %q", req.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}

	session := sessions.Default(c)
	session.Set("user", req.Username)
	session.Set("loginTime", time.Now().Unix())
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": req.Username})
}

// logout drops the session.
func logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	_ = session.Save()
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// authRequired rejects requests without a session when login is required.
func (s *Server) authRequired(c *gin.Context) {
	if !s.cfg.RequireLogin {
		c.Next()
		return
	}
	if sessions.Default(c).Get("user") == nil {
		if !isWebSocketRequest(c.Request) {
			c.Header("WWW-Authenticate", "Session")
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "login required"})
		return
	}
	c.Next()
}

// sessionUser returns the logged-in user, or the default admin login when
// sessions are not required.
func (s *Server) sessionUser(c *gin.Context) string {
	if user, ok := sessions.Default(c).Get("user").(string); ok {
		return user
	}
	return "admin"
}

func isWebSocketRequest(r *http.Request) bool {
	upgrade := r.Header.Get("Upgrade")
	return upgrade != "" && (strings.ToLower(upgrade) == "websocket")
}
