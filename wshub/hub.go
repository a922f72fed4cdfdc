package wshub

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/spoolbuddy/core/eventbus"
	"github.com/spoolbuddy/core/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SnapshotFunc builds the atomic initial_state a new subscriber should see.
type SnapshotFunc func() InitialState

// PrinterStatesFunc returns the current full telemetry for every printer
// that has any (disconnected or never-seen printers are omitted), so a
// newly attached client can be brought up to date the same way a
// printer_state delta would: "full snapshot also uses this type on attach
// for each printer."
type PrinterStatesFunc func() []events.PrinterState

// Hub serves /ws/ui: every connected client is an eventbus subscriber with
// no filter (it wants every event), per spec.md §4.5.
type Hub struct {
	bus           *eventbus.Bus
	snapshot      SnapshotFunc
	printerStates PrinterStatesFunc
}

// New builds a Hub over bus. snapshot and printerStates are each invoked
// once per connecting client, under the bus's subscribe lock, to build its
// attach-time frames: one initial_state plus one printer_state per printer
// printerStates returns.
func New(bus *eventbus.Bus, snapshot SnapshotFunc, printerStates PrinterStatesFunc) *Hub {
	return &Hub{bus: bus, snapshot: snapshot, printerStates: printerStates}
}

// Handle is the httprouter.Handle for GET /ws/ui.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws/ui upgrade failed", "error", err)
		return
	}

	_, ch, unsubscribe := h.bus.Subscribe(nil, func() []events.Event {
		out := []events.Event{NewInitialStateEvent(h.snapshot())}
		if h.printerStates != nil {
			for _, ps := range h.printerStates() {
				out = append(out, ps)
			}
		}
		return out
	})

	go h.readPump(conn, unsubscribe)
	h.writePump(conn, ch, unsubscribe)
}

// readPump only exists to observe the client going away (clients send no
// control messages per spec.md §6) and to answer control pings/pongs.
func (h *Hub) readPump(conn *websocket.Conn, unsubscribe func()) {
	defer func() {
		unsubscribe()
		conn.Close()
	}()
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, ch <-chan events.Event, unsubscribe func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		unsubscribe()
		conn.Close()
	}()

	for {
		select {
		case e, ok := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			wire, ok := MarshalEvent(e)
			if !ok {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, wire); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
