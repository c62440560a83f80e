package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"confio/internal/identity"
)

const (
	EventChatMessage  = "chat_message"
	EventTyping       = "typing_indicator"
	EventStatusUpdate = "trade_status_update"
	EventDispute      = "dispute_update"
)

type Envelope struct {
	Type    string          `json:"type"`
	TradeID string          `json:"trade_id"`
	Payload json.RawMessage `json:"payload"`
}

type StatusUpdate struct {
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type ChatMessage struct {
	MessageID string `json:"message_id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	SentAt    string `json:"sent_at"`
}

type TypingIndicator struct {
	Sender string `json:"sender"`
	Typing bool   `json:"typing"`
}

// Hub fans trade events out to every open connection on that trade. Rooms
// are keyed by trade id; a participant may hold several connections.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Register(tradeID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[tradeID] == nil {
		h.rooms[tradeID] = make(map[*Client]struct{})
	}
	h.rooms[tradeID][client] = struct{}{}
}

func (h *Hub) Unregister(tradeID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[tradeID] == nil {
		return
	}
	delete(h.rooms[tradeID], client)
	if len(h.rooms[tradeID]) == 0 {
		delete(h.rooms, tradeID)
	}
}

func (h *Hub) BroadcastStatus(tradeID string, update StatusUpdate) {
	h.broadcast(tradeID, EventStatusUpdate, update, identity.Participant{})
}

func (h *Hub) BroadcastMessage(tradeID string, message ChatMessage) {
	h.broadcast(tradeID, EventChatMessage, message, identity.Participant{})
}

// BroadcastTyping skips the sender's own connections; echoing a typing
// indicator back confuses clients.
func (h *Hub) BroadcastTyping(tradeID string, sender identity.Participant, typing bool) {
	h.broadcast(tradeID, EventTyping, TypingIndicator{Sender: sender.String(), Typing: typing}, sender)
}

func (h *Hub) BroadcastDispute(tradeID string, payload any) {
	h.broadcast(tradeID, EventDispute, payload, identity.Participant{})
}

func (h *Hub) broadcast(tradeID, eventType string, payload any, skip identity.Participant) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	envelope, err := json.Marshal(Envelope{Type: eventType, TradeID: tradeID, Payload: body})
	if err != nil {
		return
	}

	var slow []*Client
	h.mu.RLock()
	for client := range h.rooms[tradeID] {
		if !skip.IsZero() && client.participant.Equal(skip) {
			continue
		}
		select {
		case client.send <- envelope:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	// A full send buffer means the reader stopped draining; drop the
	// connection rather than block every other subscriber.
	for _, client := range slow {
		h.Unregister(tradeID, client)
		client.closeSlow()
	}
}
