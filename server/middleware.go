package server

import (
	"net/http"
	"strings"
	"time"

	ratelimit "github.com/JGLTechnologies/gin-rate-limit"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	errs "github.com/echosec/echosec/errors"
	"github.com/echosec/echosec/services/jwt"
)

// Authorize validates the bearer token and stores the caller's userID in the
// request context. Tokens are issued by the external auth service; this
// middleware only verifies and extracts.
func (s *Server) Authorize() gin.HandlerFunc {
	return func(c *gin.Context) {
		accessToken := getTokenFromHeader(c)
		if accessToken == "" {
			respondAndAbort(c, "", http.StatusUnauthorized, nil, errs.New("Unauthorized", http.StatusUnauthorized))
			return
		}

		claims, err := jwt.ValidateAndGetClaims(accessToken, s.Config.JWTSecret)
		if err != nil {
			respondAndAbort(c, "", http.StatusUnauthorized, nil, errs.New("Unauthorized", http.StatusUnauthorized))
			return
		}

		sub, ok := claims["id"].(string)
		if !ok {
			respondAndAbort(c, "", http.StatusBadRequest, nil, errs.New("Invalid userID format", http.StatusBadRequest))
			return
		}
		userID, err := uuid.Parse(sub)
		if err != nil {
			respondAndAbort(c, "", http.StatusBadRequest, nil, errs.New("Invalid userID format", http.StatusBadRequest))
			return
		}

		c.Set("userID", userID)
		c.Set("access_token", accessToken)
		c.Next()
	}
}

// requireParticipant rejects callers who are not members of the conversation
// named by the :id route param, and stashes the parsed id in the context.
func (s *Server) requireParticipant() gin.HandlerFunc {
	return func(c *gin.Context) {
		conversationID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			respondAndAbort(c, "invalid conversation id", http.StatusBadRequest, nil, errs.ErrBadRequest)
			return
		}
		userID := c.MustGet("userID").(uuid.UUID)

		member, err := s.ConversationRepository.IsParticipant(c.Request.Context(), conversationID, userID)
		if err != nil {
			respondAndAbort(c, "", http.StatusInternalServerError, nil, errs.ErrInternalServerError)
			return
		}
		if !member {
			respondAndAbort(c, "", http.StatusForbidden, nil, errs.ErrNotAuthorized)
			return
		}

		c.Set("conversationID", conversationID)
		c.Next()
	}
}

func (s *Server) rateLimitSend() gin.HandlerFunc {
	store := ratelimit.InMemoryStore(&ratelimit.InMemoryOptions{
		Rate:  time.Second,
		Limit: 5,
	})
	return ratelimit.RateLimiter(store, &ratelimit.Options{
		ErrorHandler: func(c *gin.Context, info ratelimit.Info) {
			respondAndAbort(c, "too many messages, slow down", http.StatusTooManyRequests, nil,
				errs.New("rate limited", http.StatusTooManyRequests))
		},
		KeyFunc: func(c *gin.Context) string {
			if userID, ok := c.Get("userID"); ok {
				return userID.(uuid.UUID).String()
			}
			return c.ClientIP()
		},
	})
}

func getTokenFromHeader(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "bearer ") {
		return authHeader[7:]
	}
	return ""
}
