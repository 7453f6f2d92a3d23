package websocket

import (
	"sync"

	"github.com/prappser/multipart_uploader/internal/upload"
	"github.com/rs/zerolog/log"
)

// Hub fans pending list changes out to subscribed clients. Registration, removal and delivery
// all happen on the Run goroutine, so a client's send channel is never written after close.
type Hub struct {
	clients    map[*Client]bool
	byUpload   map[string][]*Client // uploadId or allUploads -> subscribers
	register   chan registration
	unregister chan *Client
	broadcast  chan upload.PendingUploadItem
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		byUpload:   make(map[string][]*Client),
		register:   make(chan registration),
		unregister: make(chan *Client),
		broadcast:  make(chan upload.PendingUploadItem, 256),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case r := <-h.register:
			h.registerClient(r)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case item := <-h.broadcast:
			h.broadcastUpload(item)
		}
	}
}

// registration carries an optional snapshot source, read on the Run goroutine so the snapshot
// is queued before any update broadcast after it.
type registration struct {
	client   *Client
	snapshot func() []upload.PendingUploadItem
}

func (h *Hub) registerClient(r registration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client := r.client
	h.clients[client] = true
	if r.snapshot != nil {
		client.send <- &SnapshotMessage{Type: MessageTypeSnapshot, Uploads: r.snapshot()}
	}

	log.Info().
		Str("clientId", client.id).
		Int("totalClients", len(h.clients)).
		Msg("[WS] Client registered")
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}

	delete(h.clients, client)
	close(client.send)

	for _, uploadID := range client.subscribedTo() {
		h.removeSubscriber(client, uploadID)
	}

	log.Info().
		Str("clientId", client.id).
		Int("totalClients", len(h.clients)).
		Msg("[WS] Client unregistered")
}

func (h *Hub) removeSubscriber(client *Client, uploadID string) {
	subscribers := h.byUpload[uploadID]
	for i, c := range subscribers {
		if c == client {
			h.byUpload[uploadID] = append(subscribers[:i], subscribers[i+1:]...)
			break
		}
	}
	if len(h.byUpload[uploadID]) == 0 {
		delete(h.byUpload, uploadID)
	}
}

func (h *Hub) Subscribe(client *Client, uploadID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.byUpload[uploadID] {
		if c == client {
			return
		}
	}
	h.byUpload[uploadID] = append(h.byUpload[uploadID], client)
}

func (h *Hub) Unsubscribe(client *Client, uploadID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeSubscriber(client, uploadID)
}

func (h *Hub) broadcastUpload(item upload.PendingUploadItem) {
	h.mu.RLock()
	recipients := make(map[*Client]bool)
	for _, c := range h.byUpload[item.UploadID] {
		recipients[c] = true
	}
	for _, c := range h.byUpload[allUploads] {
		recipients[c] = true
	}
	for c := range h.clients {
		if c.wantsAll() {
			recipients[c] = true
		}
	}
	h.mu.RUnlock()

	if len(recipients) == 0 {
		return
	}

	msg := &UploadMessage{Type: MessageTypeUpload, Upload: item}
	for client := range recipients {
		select {
		case client.send <- msg:
		default:
			log.Warn().
				Str("clientId", client.id).
				Str("uploadId", item.UploadID).
				Msg("[WS] Client send buffer full, dropping message")
		}
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- registration{client: client}
}

// RegisterWithSnapshot registers client and queues the result of snapshot as its first upload
// message. Updates published while the snapshot is taken follow it.
func (h *Hub) RegisterWithSnapshot(client *Client, snapshot func() []upload.PendingUploadItem) {
	h.register <- registration{client: client, snapshot: snapshot}
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Publish queues item for delivery. It never blocks, so it can serve as a pending list
// listener; updates beyond the queue capacity are dropped.
func (h *Hub) Publish(item upload.PendingUploadItem) {
	select {
	case h.broadcast <- item:
	default:
		log.Warn().Str("uploadId", item.UploadID).Msg("[WS] Broadcast queue full, dropping upload update")
	}
}

func (h *Hub) GetStats() (totalClients, totalSubscriptions int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	totalClients = len(h.clients)
	for _, clients := range h.byUpload {
		totalSubscriptions += len(clients)
	}
	return
}
