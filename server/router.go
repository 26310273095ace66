package server

import (
	"fmt"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func (s *Server) setupRouter() *gin.Engine {
	ginMode := os.Getenv("GIN_MODE")
	if ginMode == "test" {
		r := gin.New()
		s.defineRoutes(r)
		return r
	}

	r := gin.New()
	r.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.ClientIP,
			param.TimeStamp.Format(time.RFC1123),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))
	r.Use(gin.Recovery())

	allowedOrigins := []string{"http://localhost:3001"}
	if s.Config.AllowedOrigin != "" {
		allowedOrigins = []string{s.Config.AllowedOrigin}
	}
	corsConfig := cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	r.Use(cors.New(corsConfig))

	s.defineRoutes(r)
	return r
}

func (s *Server) defineRoutes(r *gin.Engine) {
	apirouter := r.Group("/api/v1")
	apirouter.Use(s.Authorize())

	apirouter.GET("/conversations", s.GetConversationsHandler)
	apirouter.POST("/conversations", s.CreateConversationHandler)

	conversation := apirouter.Group("/conversations/:id")
	conversation.Use(s.requireParticipant())
	conversation.GET("/messages", s.GetMessagesHandler)
	conversation.POST("/messages", s.rateLimitSend(), s.SendMessageHandler)
	conversation.PUT("/messages/:messageID", s.EditMessageHandler)
	conversation.DELETE("/messages/:messageID", s.DeleteMessageHandler)
	conversation.GET("/ws", s.ConversationSocketHandler)
	conversation.DELETE("", s.DeleteConversationHandler)
}
