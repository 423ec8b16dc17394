package main

import (
	"dialer-platform/internal/auth"
	"dialer-platform/internal/httpapi"
	"dialer-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic; handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.POST("/v1/auth/login", h.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(200, gin.H{"user_id": uid, "role": role})
		})

		// SIM gateway
		ports := v1.Group("/ports")
		ports.Use(rbac.RequireAnyRole(rbac.RoleAgent, rbac.RoleSupervisor))
		{
			ports.GET("", h.ListPorts)
			ports.GET("/:port", h.GetPort)
		}

		sms := v1.Group("/sms")
		sms.Use(rbac.RequireAnyRole(rbac.RoleAgent, rbac.RoleSupervisor))
		{
			sms.POST("", h.SendSMS)
		}

		// PBX registration state
		sip := v1.Group("/sip-users")
		sip.Use(rbac.RequireAnyRole(rbac.RoleSupervisor))
		{
			sip.GET("", h.ListSIPUsers)
			sip.GET("/:username", h.GetSIPUser)
		}

		// Agent lines and the dial log
		lines := v1.Group("/lines")
		lines.Use(rbac.RequireAnyRole(rbac.RoleAgent, rbac.RoleSupervisor))
		{
			lines.GET("", h.ListLines)
			lines.POST("/:line/start-call", h.StartCall)
			lines.POST("/:line/end-call", h.EndCall)
		}

		callLog := v1.Group("/calls")
		callLog.Use(rbac.RequireAnyRole(rbac.RoleSupervisor))
		{
			callLog.GET("", h.ListCalls)
		}
	}
}
