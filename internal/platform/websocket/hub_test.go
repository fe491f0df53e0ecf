package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newTestClient(hub *Hub, id string, topics ...string) *Client {
	return &Client{
		ID:     id,
		Topics: topics,
		Send:   make(chan []byte, sendBuffer),
		hub:    hub,
		ctx:    context.Background(),
	}
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.Send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("failed to unmarshal event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("client %s did not receive an event", c.ID)
	}
	return Event{}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.Send:
		t.Fatalf("client %s should not have received %s", c.ID, msg)
	default:
	}
}

func TestHub_RegisterAndUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient(hub, "c1", "emergency/123")

	hub.Register(client)
	if hub.ClientCount() != 1 || hub.TopicCount("emergency/123") != 1 {
		t.Fatalf("expected 1 client on emergency/123, got %d/%d", hub.ClientCount(), hub.TopicCount("emergency/123"))
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount("emergency/123") != 0 {
		t.Fatalf("expected hub to be empty, got %d/%d", hub.ClientCount(), hub.TopicCount("emergency/123"))
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send to be closed")
	}

	// A second unregister is a no-op rather than a double close.
	hub.Unregister(client)
}

func TestHub_BroadcastToTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	sub := newTestClient(hub, "sub", "emergency/123")
	other := newTestClient(hub, "other", "emergency/999")
	hub.Register(sub)
	hub.Register(other)

	hub.Broadcast("emergency/123", Event{
		Type:        "emergency.updated",
		Topic:       "emergency/123",
		EmergencyID: "123",
		Status:      "enroute",
		Version:     3,
		Timestamp:   time.Now(),
	})

	ev := receive(t, sub)
	if ev.Type != "emergency.updated" || ev.Status != "enroute" || ev.Version != 3 {
		t.Fatalf("unexpected event %+v", ev)
	}
	expectNothing(t, other)
}

func TestHub_BroadcastToEmptyTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	hub.Broadcast("emergencies/pending", Event{Type: "emergency.created"})
}

func TestHub_BroadcastDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	slow := &Client{ID: "slow", Topics: []string{"t"}, Send: make(chan []byte, 1), hub: hub, ctx: context.Background()}
	hub.Register(slow)

	done := make(chan struct{})
	go func() {
		hub.Broadcast("t", Event{Type: "a"})
		hub.Broadcast("t", Event{Type: "b"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full client buffer")
	}
	if ev := receive(t, slow); ev.Type != "a" {
		t.Fatalf("expected first event to be kept, got %s", ev.Type)
	}
}

func TestHub_SubscribeIsIdempotent(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient(hub, "c")
	hub.Register(client)

	hub.Subscribe(client, []string{"patient/p1", "emergency/e1"})
	hub.Subscribe(client, []string{"patient/p1"})

	if len(client.Topics) != 2 {
		t.Fatalf("expected 2 topics, got %v", client.Topics)
	}
	if hub.TopicCount("patient/p1") != 1 {
		t.Fatalf("expected 1 subscriber on patient/p1, got %d", hub.TopicCount("patient/p1"))
	}
}

func TestHub_UnsubscribeRemovesTopics(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient(hub, "c", "emergency/1", "patient/2", "hospital/3")
	hub.Register(client)

	hub.Unsubscribe(client, []string{"emergency/1", "hospital/3"})

	if hub.TopicCount("emergency/1") != 0 || hub.TopicCount("hospital/3") != 0 {
		t.Fatal("expected removed topics to have no subscribers")
	}
	if hub.TopicCount("patient/2") != 1 {
		t.Fatalf("expected patient/2 kept, got %d", hub.TopicCount("patient/2"))
	}
	if len(client.Topics) != 1 || client.Topics[0] != "patient/2" {
		t.Fatalf("unexpected remaining topics %v", client.Topics)
	}
}

func TestHub_ProcessMessage_Authorization(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient(hub, "c")
	hub.Register(client)

	authorize := func(_ context.Context, topic string) bool {
		return topic == "patient/p1"
	}

	var msg ClientMessage
	if err := json.Unmarshal([]byte(`{"action":"subscribe","topics":["patient/p1","patient/p2"]}`), &msg); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	hub.ProcessMessage(client, msg, authorize)

	if hub.TopicCount("patient/p1") != 1 {
		t.Fatalf("expected allowed topic subscribed")
	}
	if hub.TopicCount("patient/p2") != 0 {
		t.Fatalf("expected denied topic not subscribed")
	}
	ev := receive(t, client)
	if ev.Type != EventSubscriptionDenied || ev.Topic != "patient/p2" {
		t.Fatalf("expected denial for patient/p2, got %+v", ev)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{"patient/p1"}}, authorize)
	if hub.TopicCount("patient/p1") != 0 {
		t.Fatal("expected unsubscribe to remove topic")
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newTestClient(hub, "c", "emergencies/pending")
			hub.Register(c)
			hub.Broadcast("emergencies/pending", Event{Type: "emergency.created"})
			hub.Unregister(c)
		}()
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHub_PublishUsesEventTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient(hub, "c", "ambulance/a1")
	hub.Register(client)

	var pub EventPublisher = hub
	if err := pub.Publish(context.Background(), Event{Type: "emergency.updated", Topic: "ambulance/a1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ev := receive(t, client); ev.Topic != "ambulance/a1" {
		t.Fatalf("unexpected topic %s", ev.Topic)
	}
}

func TestWebSocketHandler_RejectsPlainHTTP(t *testing.T) {
	handler := NewWebSocketHandler(NewHub(zerolog.Nop()), nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := handler.HandleConnect(c)
	if err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to fail for non-websocket request")
	}
}

func TestWebSocketHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	handler := NewWebSocketHandler(hub, func(_ context.Context, topic string) bool {
		return strings.HasPrefix(topic, "emergency/")
	})

	e := echo.New()
	handler.RegisterRoutes(e.Group(""))
	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"emergency/e1"}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount("emergency/e1") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscription was not registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Broadcast("emergency/e1", Event{
		Type:        "emergency.updated",
		Topic:       "emergency/e1",
		EmergencyID: "e1",
		Status:      "assigned",
		Version:     2,
		Timestamp:   time.Now(),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.EmergencyID != "e1" || received.Version != 2 {
		t.Fatalf("unexpected event %+v", received)
	}
}

func TestHub_DeliveryCheckRevokesSubscription(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	hub.SetDeliveryCheck(func(_ context.Context, ev Event) bool {
		return ev.Status == "pending"
	})
	watcher := newTestClient(hub, "crew-b", "emergency/e1", "emergencies/pending")
	hub.Register(watcher)

	hub.Broadcast("emergency/e1", Event{Type: "emergency.created", Topic: "emergency/e1", EmergencyID: "e1", Status: "pending"})
	if ev := receive(t, watcher); ev.Status != "pending" {
		t.Fatalf("expected pending event, got %+v", ev)
	}

	hub.Broadcast("emergency/e1", Event{Type: "emergency.updated", Topic: "emergency/e1", EmergencyID: "e1", Status: "assigned"})
	ev := receive(t, watcher)
	if ev.Type != EventSubscriptionRevoked || ev.Topic != "emergency/e1" || ev.EmergencyID != "e1" {
		t.Fatalf("expected revocation, got %+v", ev)
	}
	if hub.TopicCount("emergency/e1") != 0 {
		t.Fatal("expected revoked topic to be unsubscribed")
	}
	if len(watcher.Topics) != 1 || watcher.Topics[0] != "emergencies/pending" {
		t.Fatalf("other subscriptions must survive, got %v", watcher.Topics)
	}

	hub.Broadcast("emergency/e1", Event{Type: "emergency.updated", Topic: "emergency/e1", EmergencyID: "e1", Status: "enroute"})
	expectNothing(t, watcher)
}

func TestHub_DeliveryCheckSeesSubscriberContext(t *testing.T) {
	type key struct{}
	hub := NewHub(zerolog.Nop())
	hub.SetDeliveryCheck(func(ctx context.Context, _ Event) bool {
		return ctx.Value(key{}) == "allowed"
	})
	allowed := newTestClient(hub, "a", "t")
	allowed.ctx = context.WithValue(context.Background(), key{}, "allowed")
	denied := newTestClient(hub, "d", "t")
	hub.Register(allowed)
	hub.Register(denied)

	hub.Broadcast("t", Event{Type: "x", Topic: "t"})
	if ev := receive(t, allowed); ev.Type != "x" {
		t.Fatalf("unexpected %+v", ev)
	}
	if ev := receive(t, denied); ev.Type != EventSubscriptionRevoked {
		t.Fatalf("expected revocation, got %+v", ev)
	}
}
