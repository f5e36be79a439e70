package sse

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var (
	ErrClientNotFound = errors.New("SSE client not found")
	ErrChannelFull    = errors.New("SSE message channel full")
)

// Client is one connected event stream. MatchID zero subscribes to every
// event.
type Client struct {
	ClientID    string
	MatchID     uint64
	ConnectedAt time.Time
	MessageChan chan *Message
}

func NewClient(clientID string, matchID uint64) *Client {
	return &Client{
		ClientID:    clientID,
		MatchID:     matchID,
		ConnectedAt: time.Now().UTC(),
		MessageChan: make(chan *Message, 100),
	}
}

// Close closes the client's message channel
func (c *Client) Close() {
	close(c.MessageChan)
}

// Message is one frame written to a stream.
type Message struct {
	ID      string          `json:"id"`
	Event   string          `json:"event"`
	MatchID uint64          `json:"matchId,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Hub manages SSE clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.clients[client.ClientID]; ok {
		prev.Close()
	}
	h.clients[client.ClientID] = client
}

// Unregister drops client if it is still the one registered under its id.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[client.ClientID]; ok && c == client {
		c.Close()
		delete(h.clients, client.ClientID)
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish delivers message to every client following all matches or
// message.MatchID. Slow clients drop messages instead of blocking.
func (h *Hub) Publish(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.MatchID != 0 && c.MatchID != message.MatchID {
			continue
		}
		trySend(c, message)
	}
}

func (h *Hub) SendToClient(clientID string, message *Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := h.clients[clientID]
	if c == nil {
		return ErrClientNotFound
	}
	if !trySend(c, message) {
		return ErrChannelFull
	}
	return nil
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}

func trySend(c *Client, msg *Message) bool {
	select {
	case c.MessageChan <- msg:
		return true
	default:
		return false
	}
}
