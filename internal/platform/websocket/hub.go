// Package websocket pushes emergency events to connected clients. Clients
// subscribe to topics and receive every event broadcast to those topics.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Event is the message delivered to websocket clients and relayed between
// server instances.
type Event struct {
	Type        string          `json:"type"`
	Topic       string          `json:"topic"`
	EmergencyID string          `json:"emergency_id,omitempty"`
	Status      string          `json:"status,omitempty"`
	Version     int             `json:"version,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data,omitempty"`
}

const (
	// EventSubscriptionDenied is sent back to a client for each topic it may
	// not subscribe to.
	EventSubscriptionDenied = "subscription.denied"
	// EventSubscriptionRevoked is sent when a subscriber loses access to a
	// topic it already holds. It receives nothing further on that topic.
	EventSubscriptionRevoked = "subscription.revoked"
)

// ClientMessage is an inbound message from a websocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// EventPublisher delivers events to subscribers, locally or across instances.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Authorizer reports whether the caller identified by ctx may subscribe to
// topic.
type Authorizer func(ctx context.Context, topic string) bool

// DeliveryCheck reports whether the subscriber identified by ctx may still
// receive event.
type DeliveryCheck func(ctx context.Context, event Event) bool

// Client is a single websocket connection.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
	hub    *Hub
	// ctx carries the caller identity captured at upgrade time.
	ctx context.Context
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> subscribers
	all     map[*Client]struct{}
	check   DeliveryCheck
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// SetDeliveryCheck installs a check run for every subscriber on every
// broadcast. Subscribers failing it are unsubscribed from the topic.
func (h *Hub) SetDeliveryCheck(check DeliveryCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.check = check
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.addLocked(topic, client)
	}
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.removeLocked(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) addLocked(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) removeLocked(topic string, client *Client) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Subscribe adds topics to a registered client. Topics it already has are
// ignored.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if _, ok := h.clients[topic][client]; ok {
			continue
		}
		h.addLocked(topic, client)
		client.Topics = append(client.Topics, topic)
	}
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	remove := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		remove[topic] = struct{}{}
		h.removeLocked(topic, client)
	}

	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if _, rm := remove[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

// ProcessMessage applies a subscribe or unsubscribe request. Subscriptions
// the authorizer rejects are answered with EventSubscriptionDenied.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage, authorize Authorizer) {
	switch msg.Action {
	case "subscribe":
		allowed := make([]string, 0, len(msg.Topics))
		for _, topic := range msg.Topics {
			if topic == "" {
				continue
			}
			if authorize != nil && !authorize(client.ctx, topic) {
				h.sendTo(client, Event{Type: EventSubscriptionDenied, Topic: topic, Timestamp: time.Now().UTC()})
				continue
			}
			allowed = append(allowed, topic)
		}
		h.Subscribe(client, allowed)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

func (h *Hub) sendTo(client *Client, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}

// Broadcast sends event to every subscriber of topic. Slow clients whose
// buffer is full miss the event; they recover by polling.
func (h *Hub) Broadcast(topic string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("websocket: failed to marshal event")
		return
	}

	var revoked []*Client
	h.mu.RLock()
	for client := range h.clients[topic] {
		if h.check != nil && !h.check(client.ctx, event) {
			revoked = append(revoked, client)
			continue
		}
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client_id", client.ID).Str("topic", topic).Msg("websocket: client buffer full, dropping event")
		}
	}
	h.mu.RUnlock()

	for _, client := range revoked {
		h.Unsubscribe(client, []string{topic})
		h.sendTo(client, Event{
			Type:        EventSubscriptionRevoked,
			Topic:       topic,
			EmergencyID: event.EmergencyID,
			Timestamp:   time.Now().UTC(),
		})
		h.logger.Debug().Str("client_id", client.ID).Str("topic", topic).Msg("websocket: subscription revoked")
	}
}

// Publish implements EventPublisher for the local instance.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Broadcast(event.Topic, event)
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// ---------------------------------------------------------------------------
// WebSocketHandler
// ---------------------------------------------------------------------------

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Mobile clients send no Origin; browsers are limited by CORS on the
	// REST API and by the bearer token here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketHandler upgrades HTTP connections and routes client messages.
type WebSocketHandler struct {
	hub       *Hub
	authorize Authorizer
	logger    zerolog.Logger
}

func NewWebSocketHandler(hub *Hub, authorize Authorizer) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, authorize: authorize, logger: hub.logger}
}

func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the connection, registers the client and starts
// its read and write pumps.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:     uuid.New().String(),
		Topics: []string{},
		Send:   make(chan []byte, sendBuffer),
		hub:    wsh.hub,
		// The request context is cancelled once this handler returns.
		ctx: context.WithoutCancel(c.Request().Context()),
	}
	wsh.hub.Register(client)
	wsh.logger.Debug().Str("client_id", client.ID).Msg("websocket: client connected")

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

func (wsh *WebSocketHandler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
		wsh.logger.Debug().Str("client_id", client.ID).Msg("websocket: client disconnected")
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		wsh.hub.ProcessMessage(client, msg, wsh.authorize)
	}
}

func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
