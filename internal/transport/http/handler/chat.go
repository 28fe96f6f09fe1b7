package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"gopherai-chatsync/internal/app"
	"gopherai-chatsync/internal/broker"
	"gopherai-chatsync/internal/chatlog"
	"gopherai-chatsync/internal/model"
	"gopherai-chatsync/internal/transport/http/response"
)

// ChatSession is the part of the orchestrator the HTTP surface drives.
type ChatSession interface {
	Submit(ctx context.Context, text string) (model.ChatMessage, error)
	Log() *chatlog.MessageLog
	Busy() bool
	State() broker.State
}

type ChatHandler struct {
	session ChatSession
}

type SendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

type MessagesResponse struct {
	Messages []model.ChatMessage `json:"messages"`
	Busy     bool                `json:"busy"`
	State    string              `json:"state"`
}

func NewChatHandler(session ChatSession) *ChatHandler {
	return &ChatHandler{session: session}
}

func (h *ChatHandler) ListMessages(c *gin.Context) {
	response.OK(c, MessagesResponse{
		Messages: h.session.Log().All(),
		Busy:     h.session.Busy(),
		State:    h.session.State().String(),
	})
}

func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	msg, err := h.session.Submit(c.Request.Context(), req.Content)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrMessageEmpty):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
		case errors.Is(err, app.ErrTurnInFlight):
			response.Error(c, http.StatusConflict, response.CodeTurnInFlight, err.Error())
		case errors.Is(err, app.ErrNotConnected):
			response.Error(c, http.StatusServiceUnavailable, response.CodeNotConnected, err.Error())
		case errors.Is(err, app.ErrSessionClosed):
			response.Error(c, http.StatusServiceUnavailable, response.CodeSessionClosed, err.Error())
		default:
			_ = c.Error(err)
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "send message failed")
		}
		return
	}

	c.JSON(http.StatusAccepted, response.APIResponse{
		Code:    response.CodeOK,
		Message: "accepted",
		Data:    msg,
	})
}
