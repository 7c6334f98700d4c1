package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veilpay/brain/internal/events"
)

// EventFeed pushes plan execution events to websocket clients. The feed is a
// diagnostics surface: it taps the best-effort bus, so a slow dashboard can
// miss events without affecting plan execution.
type EventFeed struct {
	bus      *events.Bus
	upgrader websocket.Upgrader
	logger   *log.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan *events.Event
	closed  bool
}

// NewEventFeed creates the feed around the bus.
func NewEventFeed(bus *events.Bus) *EventFeed {
	return &EventFeed{
		bus:    bus,
		logger: log.New(log.Writer(), "[FEED] ", log.LstdFlags),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan *events.Event),
	}
}

// Handle upgrades the connection and streams events until the client leaves.
// An optional plan_id query parameter narrows the feed to one plan.
func (f *EventFeed) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Printf("upgrade failed: %v", err)
		return
	}

	planID := r.URL.Query().Get("plan_id")
	var ch chan *events.Event
	if planID != "" {
		ch = f.bus.SubscribePlan(planID)
	} else {
		ch = f.bus.SubscribeAll()
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		f.bus.Unsubscribe(ch)
		_ = conn.Close()
		return
	}
	f.clients[conn] = ch
	f.mu.Unlock()

	go f.writeLoop(conn, ch)
	f.readLoop(conn)
}

// writeLoop forwards events and keeps the connection alive with pings.
func (f *EventFeed) writeLoop(conn *websocket.Conn, ch chan *events.Event) {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				f.drop(conn)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.drop(conn)
				return
			}
		}
	}
}

// readLoop drains client frames so close handshakes and pongs are processed.
func (f *EventFeed) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			f.drop(conn)
			return
		}
	}
}

func (f *EventFeed) drop(conn *websocket.Conn) {
	f.mu.Lock()
	ch, ok := f.clients[conn]
	delete(f.clients, conn)
	f.mu.Unlock()
	if ok {
		f.bus.Unsubscribe(ch)
	}
	_ = conn.Close()
}

// ClientCount returns the number of connected feed clients.
func (f *EventFeed) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Close disconnects every client.
func (f *EventFeed) Close() {
	f.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(f.clients))
	for c := range f.clients {
		conns = append(conns, c)
	}
	f.closed = true
	f.mu.Unlock()
	for _, c := range conns {
		f.drop(c)
	}
}
