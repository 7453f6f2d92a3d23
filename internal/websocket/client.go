package websocket

import (
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	writeTimeout   = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 4 * 1024
	sendBufferSize = 256
)

type Client struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan interface{}
	subscriptions map[string]bool // uploadId -> subscribed
	mu            sync.RWMutex
}

func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:            uuid.NewString(),
		hub:           hub,
		conn:          conn,
		send:          make(chan interface{}, sendBufferSize),
		subscriptions: make(map[string]bool),
	}
}

func (c *Client) ID() string {
	return c.id
}

// Subscribe starts the feed for uploadID, or for every upload when uploadID is empty.
func (c *Client) Subscribe(uploadID string) {
	if uploadID == "" {
		uploadID = allUploads
	}

	c.mu.Lock()
	c.subscriptions[uploadID] = true
	c.mu.Unlock()

	c.hub.Subscribe(c, uploadID)

	log.Debug().
		Str("clientId", c.id).
		Str("uploadId", uploadID).
		Msg("[WS] Client subscribed to upload")
}

func (c *Client) Unsubscribe(uploadID string) {
	if uploadID == "" {
		uploadID = allUploads
	}

	c.mu.Lock()
	delete(c.subscriptions, uploadID)
	c.mu.Unlock()

	c.hub.Unsubscribe(c, uploadID)

	log.Debug().
		Str("clientId", c.id).
		Str("uploadId", uploadID).
		Msg("[WS] Client unsubscribed from upload")
}

func (c *Client) IsSubscribed(uploadID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[uploadID] || c.subscriptions[allUploads]
}

// wantsAll reports whether c has no subscriptions and so follows every upload.
func (c *Client) wantsAll() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0
}

func (c *Client) subscribedTo() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	subs := make([]string, 0, len(c.subscriptions))
	for uploadID := range c.subscriptions {
		subs = append(subs, uploadID)
	}
	return subs
}

func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg IncomingMessage
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Debug().
					Str("clientId", c.id).
					Err(err).
					Msg("[WS] Read error")
			} else {
				log.Debug().
					Str("clientId", c.id).
					Msg("[WS] Client disconnected")
			}
			return
		}

		c.handleMessage(&msg)
	}
}

func (c *Client) handleMessage(msg *IncomingMessage) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.Subscribe(msg.UploadID)

	case MessageTypeUnsubscribe:
		c.Unsubscribe(msg.UploadID)

	case MessageTypePing:
		c.send <- &OutgoingMessage{Type: MessageTypePong}

	default:
		log.Debug().
			Str("type", string(msg.Type)).
			Msg("[WS] Unknown message type")
		c.send <- &OutgoingMessage{Type: MessageTypeError, Error: "unknown message type"}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				log.Debug().
					Str("clientId", c.id).
					Err(err).
					Msg("[WS] Write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Str("clientId", c.id).
					Err(err).
					Msg("[WS] Ping error")
				return
			}
		}
	}
}
