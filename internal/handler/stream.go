package handler

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bingo-hall/internal/model"
	"github.com/iliyamo/bingo-hall/internal/queue"
	"github.com/iliyamo/bingo-hall/internal/realtime"
	"github.com/iliyamo/bingo-hall/internal/service"
)

// StreamHandler upgrades viewers of a session to a WebSocket.  The first
// message is a snapshot of the session; every later message is an event
// committed after it, in commit order.
type StreamHandler struct {
	Sessions *service.SessionService
	Hub      *realtime.Hub
	Upgrader websocket.Upgrader
}

func NewStreamHandler(sessions *service.SessionService, hub *realtime.Hub) *StreamHandler {
	return &StreamHandler{
		Sessions: sessions,
		Hub:      hub,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *StreamHandler) Stream(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	ctx, cancel := reqCtx(c)
	_, err = h.Sessions.Get(ctx, id)
	cancel()
	if err != nil {
		return respondError(c, err)
	}

	conn, err := h.Upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return nil
	}

	var client *realtime.Client
	err = h.Sessions.Watch(c.Request().Context(), id, func(gs model.GameSession, seq uint64) error {
		ev, err := queue.NewGameEvent(queue.EventSnapshot, gs.ID, gs)
		if err != nil {
			return err
		}
		ev.Seq = seq
		client = h.Hub.Subscribe(gs.ID)
		h.Hub.Enqueue(client, ev)
		return nil
	})
	if err != nil {
		c.Logger().Warnj(map[string]interface{}{"event": "stream_attach_failed", "session_id": id, "error": err.Error()})
		if client != nil {
			h.Hub.Unsubscribe(client)
		}
		_ = conn.Close()
		return nil
	}
	h.Hub.Serve(client, conn)
	return nil
}
