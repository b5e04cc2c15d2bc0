package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nidhogg/sprintloop/internal/event"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsBuffer     = 128
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// eventStream upgrades to a websocket and forwards bus events as JSON.
// ?types=a,b filters by event type; ?history=N replays the last N events
// first. A client that falls behind loses events rather than stalling
// the bus.
func (h *Handler) eventStream(w http.ResponseWriter, r *http.Request) {
	filter := map[event.Type]bool{}
	if v := r.URL.Query().Get("types"); v != "" {
		for _, t := range strings.Split(v, ",") {
			filter[event.Type(strings.TrimSpace(t))] = true
		}
	}
	wants := func(e event.Event) bool { return len(filter) == 0 || filter[e.Type] }

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	out := make(chan event.Event, wsBuffer)
	unsubscribe := h.Bus.SubscribeAll(func(e event.Event) {
		if !wants(e) {
			return
		}
		select {
		case out <- e:
		default:
			h.logger.Debug("websocket client slow, dropping event", zap.String("type", string(e.Type)))
		}
	})
	defer unsubscribe()

	// the read loop only notices the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if n := queryInt(r, "history", 0); n > 0 {
		for _, e := range h.Bus.History(n) {
			if !wants(e) {
				continue
			}
			if err := writeEvent(conn, e); err != nil {
				return
			}
		}
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case e := <-out:
			if err := writeEvent(conn, e); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, e event.Event) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(e)
}
