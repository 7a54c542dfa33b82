package main

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"warm-transfer-platform/internal/gateway"
	"warm-transfer-platform/internal/httpapi"
	"warm-transfer-platform/pkg/utils"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
//
// Caller-facing routes are public: callers hold no JWT, only the media room
// token they get from call creation. Agent and room administration require a
// bearer token.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, db *sql.DB, rdb *redis.Client, provider gateway.Provider) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx := c.Request.Context()
		if err := utils.HealthCheck(ctx, db, 5*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "postgres": err.Error()})
			return
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": err.Error()})
			return
		}
		if err := provider.HealthCheck(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "media": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// AUTH routes (token issuance).
	r.POST("/auth/token", h.IssueToken)

	// Caller-facing call routes.
	publicCalls := r.Group("/calls")
	{
		publicCalls.POST("/create", h.CreateCall)
		publicCalls.POST("/join", h.JoinCall)
		publicCalls.GET("/:call_id", h.GetCall)
		publicCalls.PUT("/:call_id/status", h.UpdateCallStatus)
		publicCalls.POST("/:call_id/transcript", h.AppendTranscript)
	}

	// Directory listing stays public so dashboards can render the floor.
	r.GET("/agents", h.ListAgents)

	// protected API group
	protected := r.Group("")
	protected.Use(authMW)
	{
		protected.GET("/calls", h.ListCalls)
		protected.GET("/calls/waiting", h.ListWaitingCalls)
		protected.DELETE("/calls/:call_id", h.DeleteCall)
		protected.GET("/calls/:call_id/transfers", h.ListCallTransfers)

		agentsGroup := protected.Group("/agents")
		{
			agentsGroup.POST("", h.CreateAgent)
			agentsGroup.GET("/:agent_id", h.GetAgent)
			agentsGroup.PUT("/:agent_id", h.UpdateAgent)
			agentsGroup.PATCH("/:agent_id/status", h.SetAgentStatus)
			agentsGroup.DELETE("/:agent_id", h.DeleteAgent)
		}

		transfers := protected.Group("/transfer")
		{
			transfers.POST("/initiate", h.InitiateTransfer)
			transfers.GET("/active", h.ActiveTransfers)
			transfers.GET("/agents/available", h.AvailableAgents)
			transfers.GET("/:transfer_id/status", h.TransferStatus)
			transfers.POST("/:transfer_id/complete", h.CompleteTransfer)
			transfers.POST("/:transfer_id/cancel", h.CancelTransfer)
		}

		rooms := protected.Group("/rooms")
		{
			rooms.GET("/:room_id/info", h.RoomInfo)
			rooms.GET("/:room_id/stats", h.RoomStats)
			rooms.GET("/:room_id/participants", h.RoomParticipants)
			rooms.DELETE("/:room_id", h.CloseRoom)
			rooms.DELETE("/:room_id/participants/:identity", h.RemoveParticipant)
			rooms.POST("/:room_id/mute", h.MuteParticipant)
			rooms.POST("/:room_id/data", h.SendData)
		}
	}
}
