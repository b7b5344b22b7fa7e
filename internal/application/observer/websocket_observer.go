package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/flowmesh/core/internal/infrastructure/logger"
)

// WebSocketObserver broadcasts execution events to WebSocket clients.
type WebSocketObserver struct {
	name   string
	filter EventFilter
	logger *logger.Logger
	hub    *WebSocketHub
}

// WebSocketClient represents a connected WebSocket client.
type WebSocketClient struct {
	ID            string
	conn          *websocket.Conn
	send          chan []byte
	hub           *WebSocketHub
	executionID   string
	subscriptions map[EventType]bool
	mu            sync.RWMutex
}

// WebSocketHub manages WebSocket connections and broadcasting.
type WebSocketHub struct {
	clients    map[*WebSocketClient]bool
	broadcast  chan []byte
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	logger     *logger.Logger
	mu         sync.RWMutex
}

// WebSocketMessage is the envelope sent to WebSocket clients.
type WebSocketMessage struct {
	Type      string         `json:"type"` // "event" or "control"
	Event     *EventPayload  `json:"event,omitempty"`
	Control   map[string]any `json:"control,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventPayload is the WebSocket-friendly event payload.
type EventPayload struct {
	EventType   string         `json:"event_type"`
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Status      string         `json:"status"`
	NodeID      *string        `json:"node_id,omitempty"`
	NodeName    *string        `json:"node_name,omitempty"`
	NodeType    *string        `json:"node_type,omitempty"`
	WaveIndex   *int           `json:"wave_index,omitempty"`
	NodeCount   *int           `json:"node_count,omitempty"`
	DurationMs  *int64         `json:"duration_ms,omitempty"`
	Error       *string        `json:"error,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Message     *string        `json:"message,omitempty"`
}

// WebSocketObserverOption configures WebSocketObserver.
type WebSocketObserverOption func(*WebSocketObserver)

// WithWebSocketFilter sets the event filter.
func WithWebSocketFilter(filter EventFilter) WebSocketObserverOption {
	return func(o *WebSocketObserver) { o.filter = filter }
}

// WithWebSocketLogger sets the logger instance.
func WithWebSocketLogger(l *logger.Logger) WebSocketObserverOption {
	return func(o *WebSocketObserver) { o.logger = l }
}

// NewWebSocketHub creates a new hub and starts its run loop.
func NewWebSocketHub(log *logger.Logger) *WebSocketHub {
	hub := &WebSocketHub{
		clients:    make(map[*WebSocketClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		logger:     log,
	}
	go hub.run()
	return hub
}

// NewWebSocketObserver creates a new WebSocket observer over hub.
func NewWebSocketObserver(hub *WebSocketHub, opts ...WebSocketObserverOption) *WebSocketObserver {
	obs := &WebSocketObserver{name: "websocket", hub: hub}
	for _, opt := range opts {
		opt(obs)
	}
	return obs
}

func (o *WebSocketObserver) Name() string        { return o.name }
func (o *WebSocketObserver) Filter() EventFilter { return o.filter }

// OnEvent broadcasts the event to clients subscribed to its execution.
func (o *WebSocketObserver) OnEvent(ctx context.Context, event Event) error {
	message := o.eventToMessage(event)

	data, err := json.Marshal(message)
	if err != nil {
		if o.logger != nil {
			o.logger.ErrorContext(ctx, "failed to marshal WebSocket message", "error", err, "event_type", string(event.Type))
		}
		return fmt.Errorf("marshal message: %w", err)
	}

	o.hub.BroadcastToExecution(event.ExecutionID, data)
	return nil
}

func (o *WebSocketObserver) eventToMessage(event Event) *WebSocketMessage {
	payload := &EventPayload{
		EventType:   string(event.Type),
		ExecutionID: event.ExecutionID,
		WorkflowID:  event.WorkflowID,
		Timestamp:   event.Timestamp,
		Status:      event.Status,
		NodeID:      event.NodeID,
		NodeName:    event.NodeName,
		NodeType:    event.NodeType,
		WaveIndex:   event.WaveIndex,
		NodeCount:   event.NodeCount,
		DurationMs:  event.DurationMs,
		Output:      event.Output,
		Message:     event.Message,
	}

	if event.Error != nil {
		errStr := event.Error.Error()
		payload.Error = &errStr
	}

	return &WebSocketMessage{Type: "event", Event: payload, Timestamp: time.Now()}
}

// GetHub returns the WebSocket hub, for HTTP handler wiring.
func (o *WebSocketObserver) GetHub() *WebSocketHub { return o.hub }

func (h *WebSocketHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			if h.logger != nil {
				h.logger.Info("websocket client connected", "client_id", client.ID, "execution_id", client.executionID)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			if h.logger != nil {
				h.logger.Info("websocket client disconnected", "client_id", client.ID)
			}

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Register registers a new WebSocket client.
func (h *WebSocketHub) Register(client *WebSocketClient) { h.register <- client }

// Unregister removes a WebSocket client.
func (h *WebSocketHub) Unregister(client *WebSocketClient) { h.unregister <- client }

// Broadcast sends message to every connected client.
func (h *WebSocketHub) Broadcast(message []byte) { h.broadcast <- message }

// BroadcastToExecution sends message to clients with no execution filter or
// whose filter matches executionID.
func (h *WebSocketHub) BroadcastToExecution(executionID string, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.executionID == "" || client.executionID == executionID {
			select {
			case client.send <- message:
			default:
				if h.logger != nil {
					h.logger.Warn("websocket client send buffer full, skipping message", "client_id", client.ID)
				}
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewWebSocketClient creates a client bound to hub, optionally filtered to
// a single execution.
func NewWebSocketClient(id string, conn *websocket.Conn, hub *WebSocketHub, executionID string) *WebSocketClient {
	return &WebSocketClient{
		ID:            id,
		conn:          conn,
		send:          make(chan []byte, 256),
		hub:           hub,
		executionID:   executionID,
		subscriptions: make(map[EventType]bool),
	}
}

// ReadPump reads (and discards/handles control) messages from the client
// until the connection closes.
func (c *WebSocketClient) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				if c.hub.logger != nil {
					c.hub.logger.Error("websocket read error", "client_id", c.ID, "error", err)
				}
			}
			break
		}
		c.handleMessage(message)
	}
}

// WritePump writes queued messages and pings to the client connection.
func (c *WebSocketClient) WritePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WebSocketClient) handleMessage(message []byte) {
	var msg map[string]any
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}

	cmd, _ := msg["command"].(string)
	switch cmd {
	case "subscribe":
		if eventTypes, ok := msg["event_types"].([]any); ok {
			c.mu.Lock()
			for _, et := range eventTypes {
				if eventType, ok := et.(string); ok {
					c.subscriptions[EventType(eventType)] = true
				}
			}
			c.mu.Unlock()
		}

	case "unsubscribe":
		if eventTypes, ok := msg["event_types"].([]any); ok {
			c.mu.Lock()
			for _, et := range eventTypes {
				if eventType, ok := et.(string); ok {
					delete(c.subscriptions, EventType(eventType))
				}
			}
			c.mu.Unlock()
		}
	}
}

// IsSubscribed reports whether the client wants eventType (no
// subscriptions recorded means every event passes).
func (c *WebSocketClient) IsSubscribed(eventType EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	return c.subscriptions[eventType]
}
