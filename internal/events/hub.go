package events

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/xtrntr/escrow/internal/models"
)

// Authenticate resolves a bearer token to the account it was issued for.
type Authenticate func(token string) (models.AccountID, error)

type wsClient struct {
	conn    *websocket.Conn
	account models.AccountID
	mu      sync.Mutex
}

// Hub streams committed ledger events to authenticated websocket
// subscribers. Each subscriber only receives public events and events it is
// a party to.
type Hub struct {
	upgrader     websocket.Upgrader
	authenticate Authenticate
	log          *logrus.Entry

	mu      sync.RWMutex
	clients map[*wsClient]bool
}

// NewHub creates a hub. Browser connections are accepted from origins only;
// "*" or an empty list allows any origin.
func NewHub(log *logrus.Entry, authenticate Authenticate, origins []string) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(origins),
		},
		authenticate: authenticate,
		log:          log,
		clients:      make(map[*wsClient]bool),
	}
}

func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[strings.ToLower(o)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		return allowed[strings.ToLower(origin)]
	}
}

// Publish delivers events to the subscribers allowed to see them and drops
// subscribers whose connection failed.
func (h *Hub) Publish(_ context.Context, events ...Event) error {
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}

		var dead []*wsClient
		h.mu.RLock()
		for client := range h.clients {
			if !e.VisibleTo(client.account) {
				continue
			}
			client.mu.Lock()
			err := client.conn.WriteMessage(websocket.TextMessage, data)
			client.mu.Unlock()
			if err != nil {
				h.log.WithError(err).Warn("failed to send event")
				dead = append(dead, client)
			}
		}
		h.mu.RUnlock()

		for _, c := range dead {
			h.remove(c)
		}
	}
	return nil
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP authenticates the request, upgrades the connection and keeps it
// registered until the peer goes away. Browsers cannot set headers on a
// websocket handshake, so the token may also come from the token query
// parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" || h.authenticate == nil {
		http.Error(w, "Authorization required", http.StatusUnauthorized)
		return
	}
	account, err := h.authenticate(token)
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("failed to upgrade connection")
		return
	}

	client := &wsClient{conn: conn, account: account}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	h.log.WithField("account", account).Debug("subscriber connected")

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(client)
			return
		}
	}
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		_ = c.conn.Close()
	}
	h.mu.Unlock()
}
