package webui

// setupRoutes registers the public and the protected API routes.
func (s *Server) setupRoutes() {
	api := s.r.Group("/api/v1")

	// Public routes
	api.POST("/login", s.performLogin)
	api.POST("/logout", logout)

	// Protected routes
	authorized := api.Group("/")
	authorized.Use(s.authRequired)
	{
		authorized.GET("/device/:device/:object", s.getDeviceObject)
		authorized.PUT("/device/:device/:object", s.putDeviceObject)
		authorized.GET("/devices", s.getDevices)
		authorized.POST("/restart", s.restartDevicesHandler)
		authorized.GET("/cache/:device/:operation", s.getCache)
		authorized.GET("/discovery", s.discover)

		authorized.GET("/status", s.getStatus)
		authorized.GET("/logs", getLogs)
		authorized.DELETE("/logs", clearLogs)
		authorized.GET("/ws/events", s.eventsWebSocket)

		authorized.GET("/broker/users", s.getBrokerUsers)
		authorized.GET("/profile", s.getProfile)
		authorized.PUT("/profile", s.updateProfile)
		authorized.POST("/profile/password", s.changePassword)
	}
}

// getPermissionText renders an ACL permission.
func getPermissionText(permission int) string {
	switch permission {
	case 0:
		return "NA"
	case 1:
		return "R"
	case 2:
		return "W"
	case 3:
		return "R/W"
	default:
		return "unknown"
	}
}
