package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"pollster-audit/internal/models"
	"pollster-audit/internal/session"
	"pollster-audit/pkg/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 1024
)

// clientMessage is a command sent by the page over the event stream
type clientMessage struct {
	Type    string `json:"type"`
	ChartID string `json:"chart_id"`
	Min     int64  `json:"min"`
	Max     int64  `json:"max"`
	Firm    string `json:"firm"`
}

// EventStream handles GET /api/sessions/{id}/ws. It pushes session events
// to the page and accepts zoom and firm commands back.
func (h *SessionHandler) EventStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client
		h.logger.Warn(r.Context(), "[WS_UPGRADE_ERROR] WebSocket upgrade failed", logging.Fields{
			"session_id": sess.ID(),
			"error":      err.Error(),
		})
		return
	}

	events, cancel := sess.Events().Subscribe()
	h.metrics.WebSocketClients.Inc()

	ctx := logging.WithSessionID(context.Background(), sess.ID())
	if id, ok := logging.RequestID(r.Context()); ok {
		ctx = logging.WithRequestID(ctx, id)
	}
	h.logger.Info(ctx, "[WS_CONNECT] Event stream opened", logging.Fields{
		"remote_addr": r.RemoteAddr,
	})

	state := sess.Coordinator().State()
	initial := []models.Event{
		{Type: models.EventLabel, Label: state.Label},
		{Type: models.EventURL, URL: state.URL},
	}

	go h.writePump(ctx, conn, events, initial)
	h.readPump(ctx, conn, sess)

	cancel()
	h.metrics.WebSocketClients.Dec()
}

// writePump forwards session events to the connection until the
// subscription ends or a write fails
func (h *SessionHandler) writePump(ctx context.Context, conn *websocket.Conn, events <-chan models.Event, initial []models.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for _, e := range initial {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}

	for {
		select {
		case e, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The session closed the stream
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				h.logger.Debug(ctx, "[WS_WRITE_ERROR] Event write failed", logging.Fields{
					"error": err.Error(),
				})
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles commands from the page until the connection drops
func (h *SessionHandler) readPump(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn(ctx, "[WS_CLOSE] Unexpected close", logging.Fields{
					"error": err.Error(),
				})
			}
			h.logger.Info(ctx, "[WS_DISCONNECT] Event stream closed", logging.Fields{})
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug(ctx, "[WS_BAD_MESSAGE] Ignoring malformed message", logging.Fields{
				"error": err.Error(),
			})
			continue
		}

		switch msg.Type {
		case "heartbeat":
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		case "zoom":
			if _, err := sess.Coordinator().OnZoomOrPan(ctx, msg.ChartID, msg.Min, msg.Max); err != nil {
				h.logger.Warn(ctx, "[WS_ZOOM_ERROR] Zoom failed", logging.Fields{
					"chart_id": msg.ChartID,
					"error":    err.Error(),
				})
			}
		case "firm":
			if err := sess.SelectFirm(ctx, msg.Firm); err != nil {
				h.logger.Warn(ctx, "[WS_FIRM_ERROR] Firm selection failed", logging.Fields{
					"firm":  msg.Firm,
					"error": err.Error(),
				})
			}
		default:
			h.logger.Debug(ctx, "[WS_UNKNOWN] Ignoring message", logging.Fields{
				"type": msg.Type,
			})
		}
	}
}
