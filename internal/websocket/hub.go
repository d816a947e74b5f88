package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/clipdeck/api/internal/model"
)

// Client represents a WebSocket client subscribed to one job.
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte
}

// Hub fans driver-side progress out to dashboard subscribers. Push is
// advisory only; the status poll endpoint stays the authoritative read path.
type Hub struct {
	clients    map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage

	mu sync.RWMutex
}

type broadcastMessage struct {
	jobID   string
	message []byte
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *broadcastMessage, 256),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.JobID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.Send)
					if len(clients) == 0 {
						delete(h.clients, client.JobID)
					}
				}
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			if clients, ok := h.clients[msg.jobID]; ok {
				for client := range clients {
					select {
					case client.Send <- msg.message:
					default:
						close(client.Send)
						delete(clients, client)
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) send(jobID string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("Failed to marshal ws message: %v", err)
		return
	}
	h.broadcast <- &broadcastMessage{jobID: jobID, message: data}
}

// BroadcastProgress pushes a progress update to all job subscribers.
func (h *Hub) BroadcastProgress(jobID string, progress int, status model.JobStatus, step model.StepName) {
	h.send(jobID, model.WSProgressMessage{
		Type:     model.WSMessageTypeProgress,
		JobID:    jobID,
		Status:   status,
		Progress: progress,
		Step:     step,
	})
}

// BroadcastComplete announces job completion to all job subscribers.
func (h *Hub) BroadcastComplete(jobID, outputURL string) {
	h.send(jobID, model.WSCompleteMessage{
		Type:      model.WSMessageTypeComplete,
		JobID:     jobID,
		OutputURL: outputURL,
	})
}

// BroadcastError announces a job failure to all job subscribers.
func (h *Hub) BroadcastError(jobID, code, message string) {
	h.send(jobID, model.WSErrorMessage{
		Type:    model.WSMessageTypeError,
		JobID:   jobID,
		Code:    code,
		Message: message,
	})
}

// HandleConnection handles a WebSocket connection for one job subscription.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string) {
	client := &Client{
		JobID: jobID,
		Conn:  c,
		Send:  make(chan []byte, 256),
	}

	h.register <- client
	defer func() { h.unregister <- client }()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			client.Send <- data
		}
	}
}
