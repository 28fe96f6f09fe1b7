package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gopherai-chatsync/internal/broker"
)

type StateSource interface {
	State() broker.State
}

type HealthHandler struct {
	name      string
	env       string
	startedAt time.Time
	channel   StateSource
}

type dependencyStatus struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func NewHealthHandler(name, env string, startedAt time.Time, channel StateSource) *HealthHandler {
	return &HealthHandler{name: name, env: env, startedAt: startedAt, channel: channel}
}

func (h *HealthHandler) Check(c *gin.Context) {
	brokerStatus := h.checkBroker()

	statusCode := http.StatusOK
	if !brokerStatus.OK {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"app":        h.name,
		"env":        h.env,
		"uptime_sec": int(time.Since(h.startedAt).Seconds()),
		"dependencies": gin.H{
			"broker": brokerStatus,
		},
	})
}

func (h *HealthHandler) checkBroker() dependencyStatus {
	state := h.channel.State()
	if state != broker.Connected {
		return dependencyStatus{OK: false, Message: state.String()}
	}
	return dependencyStatus{OK: true}
}
