package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"cantonscan-ingest/internal/eventbus"
)

// Hub fans live-ingest notifications out to websocket clients. It holds one
// bus subscription; slow clients are dropped rather than allowed to back up
// the tailer.
type Hub struct {
	sub        *eventbus.Subscription
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	stop       chan struct{}
	stopOnce   sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(bus *eventbus.Bus) *Hub {
	return &Hub{
		sub:        bus.Subscribe(256),
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		stop:       make(chan struct{}),
	}
}

// Dropped reports notifications the hub missed while busy (status surface).
func (h *Hub) Dropped() int64 { return h.sub.Dropped() }

func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.closeClients()
			return
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case n, ok := <-h.sub.C:
			if !ok {
				// Bus closed at shutdown.
				h.closeClients()
				return
			}
			payload := marshalNotification(n)
			if payload == nil {
				continue
			}
			for client := range h.clients {
				select {
				case client.send <- payload:
				default:
					delete(h.clients, client)
					close(client.send)
				}
			}
		}
	}
}

func (h *Hub) closeClients() {
	for client := range h.clients {
		close(client.send)
		client.conn.Close()
		delete(h.clients, client)
	}
}

// marshalNotification renders a bus notification as a websocket frame.
func marshalNotification(n eventbus.Notification) []byte {
	var frame interface{}
	switch v := n.(type) {
	case eventbus.UpdateIngested:
		frame = map[string]interface{}{
			"type":   "update",
			"update": v.Update,
		}
	case eventbus.CursorAdvanced:
		frame = map[string]interface{}{
			"type":          "cursor",
			"migration_id":  v.MigrationID,
			"record_time":   v.RecordTime,
			"total_updates": v.TotalUpdates,
			"total_events":  v.TotalEvents,
		}
	default:
		return nil
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil
	}
	return payload
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
		h.sub.Cancel()
	})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("[api] websocket upgrade error:", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 256)}
	select {
	case h.register <- client:
	case <-h.stop:
		conn.Close()
		return
	}

	// Writer goroutine: drain the send channel to the socket.
	go func() {
		defer conn.Close()
		for message := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				break
			}
		}
	}()

	// Reader goroutine: we ignore client messages but need the read loop to
	// observe disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- client:
			case <-h.stop:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
