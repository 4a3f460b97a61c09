package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/coinfolio/rebalancer/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsClient is one connected WebSocket client.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
}

// wsMessage is the WebSocket wire envelope.
type wsMessage struct {
	ID        string `json:"id"`
	Type      string `json:"type"` // request, response, event
	Method    string `json:"method"`
	Payload   any    `json:"payload,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, 256),
		subs: make(map[string]bool),
	}

	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()

	s.logger.Info("websocket client connected", zap.String("id", client.id))

	go s.readPump(client)
	go s.writePump(client)
}

func (s *Server) readPump(client *wsClient) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.id)
		s.mu.Unlock()
		client.conn.Close()
		s.logger.Info("websocket client disconnected", zap.String("id", client.id))
	}()

	client.conn.SetReadLimit(512 * 1024)
	client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("invalid websocket message", zap.Error(err))
			continue
		}
		s.handleMessage(client, &msg)
	}
}

func (s *Server) writePump(client *wsClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleMessage(client *wsClient, msg *wsMessage) {
	response := &wsMessage{
		ID:        msg.ID,
		Type:      "response",
		Method:    msg.Method,
		Timestamp: time.Now().UnixMilli(),
	}

	switch msg.Method {
	case "ping":
		response.Payload = map[string]string{"pong": "ok"}

	case "backtest:run":
		raw, err := json.Marshal(msg.Payload)
		if err != nil {
			response.Error = "invalid payload"
			break
		}
		var config types.BacktestConfig
		if err := json.Unmarshal(raw, &config); err != nil {
			response.Error = "invalid payload"
			break
		}
		state, err := s.startBacktest(config)
		if err != nil {
			response.Error = err.Error()
			break
		}
		response.Payload = map[string]any{"id": state.ID, "status": state.Status}

	case "backtest:status":
		payload, _ := msg.Payload.(map[string]any)
		id, _ := payload["id"].(string)

		s.mu.RLock()
		state, ok := s.backtests[id]
		if !ok {
			response.Error = "backtest not found"
		} else {
			response.Payload = map[string]any{
				"id":       state.ID,
				"status":   state.Status,
				"progress": state.Progress,
			}
		}
		s.mu.RUnlock()

	case "backtest:cancel":
		payload, _ := msg.Payload.(map[string]any)
		id, _ := payload["id"].(string)

		s.mu.Lock()
		state, ok := s.backtests[id]
		if !ok {
			response.Error = "backtest not found"
		} else {
			if state.Status == "running" {
				state.cancel()
				state.Status = "cancelled"
			}
			response.Payload = map[string]string{"status": state.Status}
		}
		s.mu.Unlock()

	case "subscribe":
		payload, _ := msg.Payload.(map[string]any)
		channel, _ := payload["channel"].(string)
		client.subs[channel] = true
		response.Payload = map[string]string{"subscribed": channel}

	case "unsubscribe":
		payload, _ := msg.Payload.(map[string]any)
		channel, _ := payload["channel"].(string)
		delete(client.subs, channel)
		response.Payload = map[string]string{"unsubscribed": channel}

	default:
		response.Error = "unknown method"
	}

	raw, _ := json.Marshal(response)
	select {
	case client.send <- raw:
	default:
	}
}

// broadcast sends a message to every connected client. Clients with a full
// buffer are skipped rather than blocked on.
func (s *Server) broadcast(msg *wsMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, client := range s.clients {
		select {
		case client.send <- raw:
		default:
		}
	}
}
