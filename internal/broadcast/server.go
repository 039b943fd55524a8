package broadcast

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// controlRequest is what downstream clients send on the socket.
type controlRequest struct {
	Action string `json:"action"` // "subscribe" | "unsubscribe"
	Symbol string `json:"symbol"`
	Expiry string `json:"expiry"` // "2006-01-02"
}

type controlReply struct {
	Type    string `json:"type"`
	Action  string `json:"action,omitempty"`
	Symbol  string `json:"symbol,omitempty"`
	Expiry  string `json:"expiry,omitempty"`
	Message string `json:"message,omitempty"`
}

const clientReadTimeout = 5 * time.Minute

// Server upgrades downstream HTTP requests to websocket sessions and
// runs each connection's control read loop. Outbound delivery stays on
// the Conn's writer goroutine; this loop only parses requests.
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewServer(hub *Hub) *Server {
	return &Server{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("downstream upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	conn := s.hub.Register(ws)
	defer conn.close()

	for {
		ws.SetReadDeadline(time.Now().Add(clientReadTimeout))
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.handleControl(conn, raw)
	}
}

func (s *Server) handleControl(conn *Conn, raw []byte) {
	var req controlRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.reply(conn, controlReply{Type: msgError, Message: "malformed request"})
		return
	}
	if req.Symbol == "" || req.Expiry == "" {
		s.reply(conn, controlReply{Type: msgError, Action: req.Action, Message: "symbol and expiry are required"})
		return
	}

	switch req.Action {
	case "subscribe":
		s.hub.Subscribe(conn, req.Symbol, req.Expiry)
		s.reply(conn, controlReply{Type: msgAck, Action: req.Action, Symbol: req.Symbol, Expiry: req.Expiry})
	case "unsubscribe":
		s.hub.Unsubscribe(conn, req.Symbol, req.Expiry)
		s.reply(conn, controlReply{Type: msgAck, Action: req.Action, Symbol: req.Symbol, Expiry: req.Expiry})
	default:
		s.reply(conn, controlReply{Type: msgError, Action: req.Action, Message: "unknown action"})
	}
}

func (s *Server) reply(conn *Conn, rep controlReply) {
	payload, err := json.Marshal(rep)
	if err != nil {
		return
	}
	conn.enqueue(outbound{payload: payload})
}
