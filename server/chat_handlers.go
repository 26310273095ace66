package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apiError "github.com/echosec/echosec/errors"
	"github.com/echosec/echosec/server/response"
)

func respondAndAbort(c *gin.Context, message string, status int, data interface{}, e *apiError.Error) {
	response.JSON(c, message, status, data, e)
	c.Abort()
}

// respondError maps a service error onto the HTTP response, falling back to
// a generic 500 for anything outside the API taxonomy.
func respondError(c *gin.Context, err error) {
	var e *apiError.Error
	if errors.As(err, &e) {
		response.JSON(c, "", e.Status, nil, e)
		return
	}
	response.JSON(c, "", http.StatusInternalServerError, nil, apiError.ErrInternalServerError)
}

type createConversationRequest struct {
	ParticipantIDs []uuid.UUID `json:"participant_ids" binding:"required,min=1"`
}

type sendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

type editMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

func (s *Server) GetConversationsHandler(c *gin.Context) {
	userID := c.MustGet("userID").(uuid.UUID)
	conversations, err := s.ConversationService.ListConversations(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.JSON(c, "conversations retrieved", http.StatusOK, gin.H{"conversations": conversations}, nil)
}

func (s *Server) CreateConversationHandler(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.JSON(c, "invalid request body", http.StatusBadRequest, nil, apiError.ErrBadRequest)
		return
	}
	userID := c.MustGet("userID").(uuid.UUID)

	conversation, err := s.ConversationService.CreateConversation(c.Request.Context(), userID, req.ParticipantIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	response.JSON(c, "conversation created", http.StatusCreated, gin.H{"conversation": conversation}, nil)
}

func (s *Server) DeleteConversationHandler(c *gin.Context) {
	userID := c.MustGet("userID").(uuid.UUID)
	conversationID := c.MustGet("conversationID").(uuid.UUID)

	if err := s.ConversationService.DeleteConversation(c.Request.Context(), conversationID, userID); err != nil {
		respondError(c, err)
		return
	}
	response.JSON(c, "conversation deleted", http.StatusOK, nil, nil)
}

// GetMessagesHandler returns the decrypted history plus the key-readiness
// flag the UI uses to gate its composer.
func (s *Server) GetMessagesHandler(c *gin.Context) {
	conversationID := c.MustGet("conversationID").(uuid.UUID)

	if err := s.ChatService.OpenConversation(c.Request.Context(), conversationID); err != nil {
		respondError(c, err)
		return
	}
	messages, err := s.ChatService.History(conversationID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.JSON(c, "messages retrieved", http.StatusOK, gin.H{
		"messages":  messages,
		"key_ready": s.ChatService.Ready(conversationID),
	}, nil)
}

func (s *Server) SendMessageHandler(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.JSON(c, "invalid request body", http.StatusBadRequest, nil, apiError.ErrBadRequest)
		return
	}
	userID := c.MustGet("userID").(uuid.UUID)
	conversationID := c.MustGet("conversationID").(uuid.UUID)

	if err := s.ChatService.OpenConversation(c.Request.Context(), conversationID); err != nil {
		respondError(c, err)
		return
	}
	msg, err := s.ChatService.Send(c.Request.Context(), conversationID, userID, req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	response.JSON(c, "message sent", http.StatusCreated, gin.H{"message": msg}, nil)
}

func (s *Server) EditMessageHandler(c *gin.Context) {
	var req editMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.JSON(c, "invalid request body", http.StatusBadRequest, nil, apiError.ErrBadRequest)
		return
	}
	messageID, err := uuid.Parse(c.Param("messageID"))
	if err != nil {
		response.JSON(c, "invalid message id", http.StatusBadRequest, nil, apiError.ErrBadRequest)
		return
	}
	userID := c.MustGet("userID").(uuid.UUID)
	conversationID := c.MustGet("conversationID").(uuid.UUID)

	if err := s.ChatService.OpenConversation(c.Request.Context(), conversationID); err != nil {
		respondError(c, err)
		return
	}
	if err := s.ChatService.Edit(c.Request.Context(), conversationID, messageID, userID, req.Content); err != nil {
		respondError(c, err)
		return
	}
	response.JSON(c, "message updated", http.StatusOK, nil, nil)
}

func (s *Server) DeleteMessageHandler(c *gin.Context) {
	messageID, err := uuid.Parse(c.Param("messageID"))
	if err != nil {
		response.JSON(c, "invalid message id", http.StatusBadRequest, nil, apiError.ErrBadRequest)
		return
	}
	userID := c.MustGet("userID").(uuid.UUID)
	conversationID := c.MustGet("conversationID").(uuid.UUID)

	if err := s.ChatService.OpenConversation(c.Request.Context(), conversationID); err != nil {
		respondError(c, err)
		return
	}
	if err := s.ChatService.Delete(c.Request.Context(), conversationID, messageID, userID); err != nil {
		respondError(c, err)
		return
	}
	response.JSON(c, "message deleted", http.StatusOK, nil, nil)
}
