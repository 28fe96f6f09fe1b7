package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gopherai-chatsync/internal/chatlog"
	"gopherai-chatsync/internal/model"
)

const (
	streamWriteWait  = 5 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
	streamBuffer     = 64
)

type streamFrame struct {
	Type     string              `json:"type"`
	Messages []model.ChatMessage `json:"messages,omitempty"`
	Message  *model.ChatMessage  `json:"message,omitempty"`
}

// StreamHandler pushes the log snapshot and then every appended message.
type StreamHandler struct {
	log      *chatlog.MessageLog
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewStreamHandler(log *chatlog.MessageLog, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{
		log:    log,
		logger: logger.With(zap.String("component", "stream")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (h *StreamHandler) Stream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	updates, seen, err := h.subscribe(conn)
	if err != nil {
		return
	}
	defer func() { updates.cancel() }()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case msg, ok := <-updates.ch:
			if !ok {
				if h.log.Closed() {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
						time.Now().Add(streamWriteWait))
					return
				}
				// fell behind the log; start over from a fresh snapshot
				updates.cancel()
				next, nextSeen, err := h.subscribe(conn)
				if err != nil {
					return
				}
				updates, seen = next, nextSeen
				h.logger.Debug("stream resynced after falling behind")
				continue
			}
			if _, dup := seen[msg.DedupKey()]; dup {
				continue
			}
			if err := h.write(conn, streamFrame{Type: "message", Message: &msg}); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

type watch struct {
	ch     <-chan model.ChatMessage
	cancel func()
}

// subscribe watches before taking the snapshot so nothing appended in
// between is lost, then sends the snapshot frame.
func (h *StreamHandler) subscribe(conn *websocket.Conn) (watch, map[string]struct{}, error) {
	ch, cancel := h.log.Watch(streamBuffer)

	snapshot := h.log.All()
	seen := make(map[string]struct{}, len(snapshot))
	for _, msg := range snapshot {
		seen[msg.DedupKey()] = struct{}{}
	}
	if err := h.write(conn, streamFrame{Type: "snapshot", Messages: snapshot}); err != nil {
		cancel()
		return watch{}, nil, err
	}
	return watch{ch: ch, cancel: cancel}, seen, nil
}

func (h *StreamHandler) write(conn *websocket.Conn, frame streamFrame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteJSON(frame); err != nil {
		h.logger.Debug("stream write failed", zap.Error(err))
		return err
	}
	return nil
}
