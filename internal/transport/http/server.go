package http

import (
	"github.com/gin-gonic/gin"

	"gopherai-chatsync/internal/bootstrap"
	"gopherai-chatsync/internal/transport/http/handler"
	"gopherai-chatsync/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(middleware.RequestLogger(app.Logger), gin.Recovery())

	session := app.Orchestrator
	healthHandler := handler.NewHealthHandler(app.Config.App.Name, app.Config.App.Env, app.StartedAt, session)
	chatHandler := handler.NewChatHandler(session)
	streamHandler := handler.NewStreamHandler(session.Log(), app.Logger)

	router.GET("/healthz", healthHandler.Check)

	v1 := router.Group("/api/v1")
	chatGroup := v1.Group("/chat")
	chatGroup.GET("/messages", chatHandler.ListMessages)
	chatGroup.POST("/messages", chatHandler.SendMessage)
	chatGroup.GET("/stream", streamHandler.Stream)

	return router
}

