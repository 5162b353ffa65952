package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/lumenclass/videogen-backend/internal/handlers"
	"github.com/lumenclass/videogen-backend/internal/middleware"
)

type RouterConfig struct {
	AuthMiddleware       *middleware.AuthMiddleware
	RequestHandler       *handlers.RequestHandler
	RealtimeHandler      *handlers.RealtimeHandler
	NotificationsHandler *handlers.NotificationsHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	// Cors
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:80",
			"http://localhost:3000",
			"http://localhost:5174",
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	// ===============
	// || Public    ||
	// ===============
	router.GET("/healthcheck", handlers.HealthCheck)
	router.GET("/api/stages", cfg.NotificationsHandler.Stages)
	router.GET("/api/notifications/health", cfg.NotificationsHandler.Health)

	// ===============
	// || Protected ||
	// ===============
	protected := router.Group("/api")
	protected.Use(cfg.AuthMiddleware.RequireAuth())
	// Requests
	protected.POST("/requests", cfg.RequestHandler.SubmitRequest)
	protected.GET("/requests", cfg.RequestHandler.ListRequests)
	protected.GET("/requests/:id", cfg.RequestHandler.GetRequest)
	protected.POST("/requests/:id/cancel", cfg.RequestHandler.CancelRequest)
	// Notifications
	protected.GET("/notifications/stream", cfg.RealtimeHandler.Stream)
	protected.POST("/notifications/heartbeat", cfg.RealtimeHandler.Heartbeat)

	// ===============
	// || Admin     ||
	// ===============
	admin := router.Group("/api")
	admin.Use(cfg.AuthMiddleware.RequireAuth(), cfg.AuthMiddleware.RequireAdmin())
	admin.GET("/notifications/connections", cfg.NotificationsHandler.Connections)
	admin.GET("/admin/dead-letters", cfg.NotificationsHandler.DeadLetters)

	return router
}
