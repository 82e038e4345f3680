package ws

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Handler upgrades HTTP connections to WebSocket and spawns the read/write
// pumps for the new client.
type Handler struct {
	hub        *Hub
	stats      StatsProvider
	sendBuffer int
	upgrader   websocket.Upgrader
}

// NewHandler creates a Handler. Browser origins are checked against
// allowedOrigins.
func NewHandler(hub *Hub, sp StatsProvider, allowedOrigins []string, sendBuffer int) *Handler {
	return &Handler{
		hub:        hub,
		stats:      sp,
		sendBuffer: sendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     NewOriginChecker(allowedOrigins),
		},
	}
}

// RegisterRoutes wires the WebSocket endpoint.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws", h.ServeWS).Methods(http.MethodGet)
}

// ServeWS upgrades an HTTP GET /ws request to a WebSocket connection. Any
// client may connect; there is no authentication.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already wrote the error response.
		return
	}

	client := NewClient(h.hub, conn, h.stats, h.sendBuffer)
	if err := client.Open(); err != nil {
		log.Printf("ws: client %s rejected: %v", client.ID, err)
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
