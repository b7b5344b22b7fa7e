package observer

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/flowmesh/core/internal/infrastructure/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler serves WebSocket upgrade requests against a hub.
type WebSocketHandler struct {
	hub    *WebSocketHub
	logger *logger.Logger
}

// NewWebSocketHandler creates a handler over hub.
func NewWebSocketHandler(hub *WebSocketHub, log *logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, logger: log}
}

// ServeHTTP upgrades the request and registers a client, optionally
// filtered to a single execution via the execution_id query parameter.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	executionID := r.URL.Query().Get("execution_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("failed to upgrade websocket connection", "error", err)
		}
		return
	}

	clientID := uuid.New().String()
	client := NewWebSocketClient(clientID, conn, h.hub, executionID)
	h.hub.Register(client)

	welcomeMsg := map[string]any{
		"type":         "control",
		"message":      "connected to flowmesh status stream",
		"client_id":    clientID,
		"execution_id": executionID,
		"timestamp":    time.Now().Format(time.RFC3339),
	}
	if data, err := json.Marshal(welcomeMsg); err == nil {
		select {
		case client.send <- data:
		default:
		}
	}

	go client.WritePump()
	go client.ReadPump()

	if h.logger != nil {
		h.logger.Info("websocket connection established", "client_id", clientID, "execution_id", executionID, "remote_addr", r.RemoteAddr)
	}
}

// HandleHealthCheck reports the hub's connected-client count.
func (h *WebSocketHandler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	status := map[string]any{
		"status":            "healthy",
		"connected_clients": h.hub.ClientCount(),
		"timestamp":         time.Now().Format(time.RFC3339),
	}
	if data, err := json.Marshal(status); err == nil {
		w.Write(data)
	}
}
