package resqclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeServer serves one emergency over REST and, when enabled, streams
// events over a websocket.
type fakeServer struct {
	t *testing.T

	mu        sync.Mutex
	current   Emergency
	gets      int
	lastAuth  string
	lastBody  map[string]interface{}
	events    chan event
	websocket bool
	subscribe chan []string
	// forbidden makes GET /emergencies/e1 answer 403; deny makes the
	// websocket refuse the subscription.
	forbidden bool
	deny      bool
}

func newFakeServer(t *testing.T, withWebsocket bool) (*fakeServer, *httptest.Server) {
	fs := &fakeServer{
		t:         t,
		current:   Emergency{ID: "e1", PatientID: "p1", Status: "pending", Version: 1},
		events:    make(chan event, 16),
		websocket: withWebsocket,
		subscribe: make(chan []string, 1),
	}
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeServer) set(status string, version int) Emergency {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.current.Status = status
	fs.current.Version = version
	return fs.current
}

func (fs *fakeServer) getCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.gets
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (fs *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	fs.lastAuth = r.Header.Get("Authorization")
	fs.mu.Unlock()

	switch {
	case r.URL.Path == "/api/v1/ws":
		if !fs.websocket {
			http.NotFound(w, r)
			return
		}
		fs.serveWS(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/emergencies/e1":
		fs.mu.Lock()
		fs.gets++
		if fs.forbidden {
			fs.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"message":"caller may not view this emergency"}`))
			return
		}
		body, _ := json.Marshal(fs.current)
		fs.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/emergencies/missing":
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"emergency not found"}`))
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/emergencies/pending":
		w.Write([]byte(`{"data":[{"id":"e1","status":"pending","version":1}],"total":1,"limit":5,"offset":0,"has_more":false}`))
	case r.Method == http.MethodPost:
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		fs.mu.Lock()
		fs.lastBody = body
		out, _ := json.Marshal(fs.current)
		fs.mu.Unlock()
		w.Write(out)
	default:
		http.NotFound(w, r)
	}
}

func (fs *fakeServer) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var msg subscribeMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return
	}
	fs.subscribe <- msg.Topics
	fs.mu.Lock()
	deny := fs.deny
	fs.mu.Unlock()
	if deny {
		for _, topic := range msg.Topics {
			conn.WriteJSON(event{Type: "subscription.denied", Topic: topic})
		}
		return
	}
	for ev := range fs.events {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

func (fs *fakeServer) push(e Emergency, withData bool) {
	ev := event{Type: "emergency.updated", Topic: "emergency/" + e.ID, EmergencyID: e.ID, Status: e.Status, Version: e.Version}
	if withData {
		ev.Data, _ = json.Marshal(e)
	}
	fs.events <- ev
}

func TestClient_Requests(t *testing.T) {
	fs, srv := newFakeServer(t, false)
	c := New(srv.URL+"/api/v1/", WithToken("tok"))
	ctx := context.Background()

	e, err := c.GetEmergency(ctx, "e1")
	if err != nil || e.ID != "e1" || e.Status != "pending" {
		t.Fatalf("get: %v %+v", err, e)
	}
	if fs.lastAuth != "Bearer tok" {
		t.Fatalf("expected bearer token, got %q", fs.lastAuth)
	}

	if _, err := c.Advance(ctx, "e1", "enroute"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if fs.lastBody["status"] != "enroute" {
		t.Fatalf("unexpected body %v", fs.lastBody)
	}

	if _, err := c.Accept(ctx, "e1", ""); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, ok := fs.lastBody["hospital_id"]; ok {
		t.Fatal("hospital_id should be omitted when empty")
	}

	page, err := c.ListPending(ctx, &[2]float64{40.7, -74}, 5, 0)
	if err != nil || page.Total != 1 || len(page.Data) != 1 {
		t.Fatalf("pending: %v %+v", err, page)
	}
}

func TestClient_APIError(t *testing.T) {
	_, srv := newFakeServer(t, false)
	c := New(srv.URL + "/api/v1")

	_, err := c.GetEmergency(context.Background(), "missing")
	if StatusCode(err) != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
	if !strings.Contains(err.Error(), "emergency not found") {
		t.Fatalf("expected server message, got %v", err)
	}
}

func TestClient_WithHeader(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Dev-Role")
		w.Write([]byte(`{"id":"e1"}`))
	}))
	defer srv.Close()

	if _, err := New(srv.URL, WithHeader("X-Dev-Role", "patient")).ActiveEmergency(context.Background()); err != nil {
		t.Fatalf("active: %v", err)
	}
	if got != "patient" {
		t.Fatalf("expected header to be sent, got %q", got)
	}
}

func TestClient_WebsocketURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8000/api/v1":   "ws://localhost:8000/api/v1/ws",
		"https://dispatch.example/api/v1": "wss://dispatch.example/api/v1/ws",
	}
	for base, want := range cases {
		got, err := New(base).websocketURL()
		if err != nil || got != want {
			t.Fatalf("websocketURL(%s) = %q, %v; want %q", base, got, err, want)
		}
	}
	if _, err := New("ftp://x").websocketURL(); err == nil {
		t.Fatal("expected an error for ftp")
	}
}

type recorder struct {
	mu       sync.Mutex
	versions []int
	notify   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 64)}
}

func (r *recorder) onChange(e *Emergency) {
	r.mu.Lock()
	r.versions = append(r.versions, e.Version)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *recorder) waitFor(t *testing.T, n int) []int {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		got := append([]int(nil), r.versions...)
		r.mu.Unlock()
		if len(got) >= n {
			return got
		}
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("expected %d deliveries, got %v", n, got)
		}
	}
}

func TestWatcher_PollingFallback(t *testing.T) {
	fs, srv := newFakeServer(t, false)
	w := New(srv.URL + "/api/v1").NewWatcher()
	w.PollInterval = 10 * time.Millisecond
	rec := newRecorder()

	done := make(chan error, 1)
	go func() { done <- w.Watch(context.Background(), "e1", rec.onChange) }()

	rec.waitFor(t, 1)
	fs.set("assigned", 2)
	rec.waitFor(t, 2)
	fs.set("completed", 8)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil once finished, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after completion")
	}

	got := rec.waitFor(t, 3)
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 8 {
		t.Fatalf("expected versions [1 2 8] exactly once each, got %v", got)
	}
	if fs.getCount() < 3 {
		t.Fatalf("expected repeated polling, got %d fetches", fs.getCount())
	}
}

func TestWatcher_StopsOnCancel(t *testing.T) {
	_, srv := newFakeServer(t, false)
	w := New(srv.URL + "/api/v1").NewWatcher()
	w.PollInterval = 10 * time.Millisecond
	rec := newRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx, "e1", rec.onChange) }()

	rec.waitFor(t, 1)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher ignored cancellation")
	}
}

func TestWatcher_WebsocketDedupesByVersion(t *testing.T) {
	fs, srv := newFakeServer(t, true)
	w := New(srv.URL + "/api/v1").NewWatcher()
	w.PollInterval = time.Hour
	rec := newRecorder()

	done := make(chan error, 1)
	go func() { done <- w.Watch(context.Background(), "e1", rec.onChange) }()

	select {
	case topics := <-fs.subscribe:
		if len(topics) != 1 || topics[0] != "emergency/e1" {
			t.Fatalf("unexpected subscription %v", topics)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never subscribed")
	}
	rec.waitFor(t, 1)

	enroute := fs.set("enroute", 3)
	fs.push(enroute, true)
	fs.push(enroute, true) // duplicate
	stale := enroute
	stale.Version = 2
	stale.Status = "assigned"
	fs.push(stale, true) // older than what was delivered
	rec.waitFor(t, 2)

	// An event without data makes the watcher fetch the record.
	fs.push(fs.set("completed", 8), false)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil once finished, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after completion")
	}

	got := rec.waitFor(t, 3)
	if len(got) != 3 || got[0] != 1 || got[1] != 3 || got[2] != 8 {
		t.Fatalf("expected versions [1 3 8], got %v", got)
	}
}

func TestWatcher_StopsWhenSubscriptionDenied(t *testing.T) {
	fs, srv := newFakeServer(t, true)
	fs.deny = true
	w := New(srv.URL + "/api/v1").NewWatcher()
	w.PollInterval = 10 * time.Millisecond
	rec := newRecorder()

	done := make(chan error, 1)
	go func() { done <- w.Watch(context.Background(), "e1", rec.onChange) }()

	select {
	case err := <-done:
		if StatusCode(err) != http.StatusForbidden {
			t.Fatalf("expected 403 APIError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher kept going after the subscription was denied")
	}
}

func TestWatcher_StopsWhenPollingIsForbidden(t *testing.T) {
	fs, srv := newFakeServer(t, false)
	w := New(srv.URL + "/api/v1").NewWatcher()
	w.PollInterval = 10 * time.Millisecond
	rec := newRecorder()

	done := make(chan error, 1)
	go func() { done <- w.Watch(context.Background(), "e1", rec.onChange) }()
	rec.waitFor(t, 1)

	fs.mu.Lock()
	fs.forbidden = true
	fs.mu.Unlock()

	select {
	case err := <-done:
		if StatusCode(err) != http.StatusForbidden {
			t.Fatalf("expected 403 APIError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher kept polling a forbidden emergency")
	}
	gets := fs.getCount()
	time.Sleep(50 * time.Millisecond)
	if fs.getCount() != gets {
		t.Fatal("watcher polled after returning")
	}
}

func TestWatcher_MissingEmergency(t *testing.T) {
	_, srv := newFakeServer(t, false)
	w := New(srv.URL + "/api/v1").NewWatcher()
	w.PollInterval = 10 * time.Millisecond

	err := w.Watch(context.Background(), "missing", func(*Emergency) {})
	if StatusCode(err) != http.StatusNotFound {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
}
