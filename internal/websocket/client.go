package websocket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"confio/internal/identity"
)

// MessageSink persists an inbound chat line and returns the stored record;
// the hub only broadcasts what the sink accepted.
type MessageSink interface {
	SaveMessage(ctx context.Context, tradeID string, sender identity.Participant, content string) (ChatMessage, error)
}

type Client struct {
	conn        *websocket.Conn
	send        chan []byte
	participant identity.Participant
	closeOnce   sync.Once
}

type inbound struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Typing  bool   `json:"typing"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func ServeWS(w http.ResponseWriter, r *http.Request, hub *Hub, sink MessageSink, tradeID string, participant identity.Participant) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "websocket upgrade failed", http.StatusBadRequest)
		return
	}
	client := &Client{
		conn:        conn,
		send:        make(chan []byte, 16),
		participant: participant,
	}
	hub.Register(tradeID, client)
	go client.writePump(hub, tradeID)
	client.readPump(hub, sink, tradeID)
}

func (c *Client) readPump(hub *Hub, sink MessageSink, tradeID string) {
	defer func() {
		hub.Unregister(tradeID, c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case EventTyping:
			hub.BroadcastTyping(tradeID, c.participant, msg.Typing)
		case EventChatMessage:
			if msg.Content == "" {
				continue
			}
			stored, err := sink.SaveMessage(context.Background(), tradeID, c.participant, msg.Content)
			if err != nil {
				log.Printf("websocket: message save failed for trade %s: %v", tradeID, err)
				continue
			}
			hub.BroadcastMessage(tradeID, stored)
		}
	}
}

func (c *Client) writePump(hub *Hub, tradeID string) {
	ticker := time.NewTicker(50 * time.Second)
	defer func() {
		ticker.Stop()
		hub.Unregister(tradeID, c)
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeSlow tears the connection down; both pumps exit on the closed conn.
// The send channel is never closed, so in-flight broadcasts cannot panic.
func (c *Client) closeSlow() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}
