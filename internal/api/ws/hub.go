// Package ws empurra atualizações de saldo para clientes WebSocket inscritos por usuário.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/radieske/vault-settlement/pkg/contracts/events"
)

const writeWait = 5 * time.Second

// client serializa escritas numa conexão (gorilla não aceita escritores concorrentes)
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(msgType int, b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(msgType, b)
}

func (c *client) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, b)
}

// Hub gerencia conexões WebSocket e assinaturas por username
// subs: mapeia username para o conjunto de clientes inscritos
type Hub struct {
	upgrader websocket.Upgrader
	log      *zap.Logger
	mu       sync.RWMutex
	subs     map[string]map[*client]struct{}
}

// NewHub cria uma instância de Hub com política customizada de origem (CORS)
func NewHub(allowOrigin func(r *http.Request) bool, log *zap.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: allowOrigin},
		log:      log.With(zap.String("component", "ws")),
		subs:     make(map[string]map[*client]struct{}),
	}
}

// HandleWS gerencia o ciclo de vida de uma conexão WebSocket
// Permite subscribe/unsubscribe por usuário e responde a pings
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	c := &client{conn: conn}

	for {
		var msg ClientMsg
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		switch msg.Type {
		case "subscribe":
			if msg.Username == "" {
				_ = c.writeJSON(map[string]string{"type": "error", "error": "username required"})
				continue
			}
			h.mu.Lock()
			if _, ok := h.subs[msg.Username]; !ok {
				h.subs[msg.Username] = make(map[*client]struct{})
			}
			h.subs[msg.Username][c] = struct{}{}
			h.mu.Unlock()
			_ = c.writeJSON(map[string]string{"type": "subscribed", "username": msg.Username})
		case "unsubscribe":
			h.unsubscribe(msg.Username, c)
		case "ping":
			_ = c.writeJSON(map[string]string{"type": "pong"})
		}
	}
	// Remove a conexão de todas as assinaturas ao desconectar
	h.mu.Lock()
	for user, set := range h.subs {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, user)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) unsubscribe(username string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.subs[username]; ok {
		delete(m, c)
		if len(m) == 0 {
			delete(h.subs, username)
		}
	}
}

// Subscribers retorna quantas conexões acompanham o usuário
func (h *Hub) Subscribers(username string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[username])
}

// Broadcast envia a atualização de saldo para os clientes inscritos no usuário
func (h *Hub) Broadcast(ev events.BalanceChanged) {
	h.mu.RLock()
	set := h.subs[ev.Username]
	conns := make([]*client, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	if len(conns) == 0 {
		return
	}

	b, _ := json.Marshal(BalanceUpdate{
		Type:     "balance",
		Username: ev.Username,
		Balance:  ev.Balance,
		Delta:    ev.Delta,
		EventID:  ev.EventID,
		Ts:       ev.TsUnixMs,
	})
	for _, c := range conns {
		if err := c.write(websocket.TextMessage, b); err != nil {
			h.log.Debug("ws write failed", zap.String("username", ev.Username), zap.Error(err))
		}
	}
}
