// Package notification delivers emergency notifications to patients' phones
// (FCM push) and to in-vehicle terminals (MQTT), with template rendering,
// an in-memory delivery log, retry and admin HTTP handlers.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Notification Types
// ---------------------------------------------------------------------------

// NotificationType is the channel used to deliver a notification.
type NotificationType string

const (
	TypePush NotificationType = "push"
	TypeMQTT NotificationType = "mqtt"
)

const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusDropped = "dropped"
)

// Notification is a single outbound message. Recipient is a device token for
// push and a topic for MQTT.
type Notification struct {
	ID         string            `json:"id"`
	Type       NotificationType  `json:"type"`
	Recipient  string            `json:"recipient"`
	Title      string            `json:"title,omitempty"`
	Body       string            `json:"body"`
	Data       map[string]string `json:"data,omitempty"`
	TemplateID string            `json:"template_id,omitempty"`
	Status     string            `json:"status"`
	Attempts   int               `json:"attempts"`
	CreatedAt  time.Time         `json:"created_at"`
	SentAt     *time.Time        `json:"sent_at,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// ---------------------------------------------------------------------------
// Sender Interfaces
// ---------------------------------------------------------------------------

// PushSender delivers a push notification to one device.
type PushSender interface {
	SendPush(ctx context.Context, token, title, body string, data map[string]string) error
}

// MessagePublisher publishes a payload on a message-bus topic.
type MessagePublisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template is a reusable push message.
type Template struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

const (
	TemplateAssigned          = "emergency-assigned"
	TemplateArrivedAtScene    = "arrived-at-scene"
	TemplateArrivedAtHospital = "arrived-at-hospital"
	TemplateAutoConfirmed     = "auto-confirmed"
	TemplateCompleted         = "emergency-completed"
)

// TemplateEngine renders {{key}} placeholders in registered templates.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	for _, t := range []Template{
		{TemplateAssigned, "Ambulance assigned", "An ambulance has accepted your emergency and is preparing to leave."},
		{TemplateArrivedAtScene, "Ambulance has arrived", "The crew reports arriving at your location. Tap to confirm within {{timeout}}."},
		{TemplateArrivedAtHospital, "Arrived at hospital", "The crew reports arriving at the hospital. Tap to confirm within {{timeout}}."},
		{TemplateAutoConfirmed, "Status confirmed automatically", "No confirmation was received, so the status moved to {{status}}."},
		{TemplateCompleted, "Emergency completed", "Your emergency has been closed. We hope you are safe."},
	} {
		t := t
		e.templates[t.ID] = &t
	}
	return e
}

func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render fills the template. Placeholders missing from data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (title, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	title, body = t.Title, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		title = strings.ReplaceAll(title, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return title, body, nil
}

// ---------------------------------------------------------------------------
// Mock Senders (test doubles)
// ---------------------------------------------------------------------------

type PushCall struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
}

// MockPushSender records pushes and optionally fails them.
type MockPushSender struct {
	mu         sync.Mutex
	calls      []PushCall
	ShouldFail bool
}

func (m *MockPushSender) SendPush(_ context.Context, token, title, body string, data map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, PushCall{Token: token, Title: title, Body: body, Data: data})
	if m.ShouldFail {
		return errors.New("push provider unavailable")
	}
	return nil
}

func (m *MockPushSender) Calls() []PushCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PushCall, len(m.calls))
	copy(out, m.calls)
	return out
}

type PublishCall struct {
	Topic   string
	Payload []byte
}

// MockPublisher records publishes and optionally fails them.
type MockPublisher struct {
	mu         sync.Mutex
	calls      []PublishCall
	ShouldFail bool
}

func (m *MockPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, PublishCall{Topic: topic, Payload: payload})
	if m.ShouldFail {
		return errors.New("broker unavailable")
	}
	return nil
}

func (m *MockPublisher) Calls() []PublishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PublishCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

const (
	defaultQueueSize = 256
	defaultHistory   = 1000
)

// Dispatcher sends notifications through the configured channels and keeps a
// bounded log of recent deliveries. Enqueue is for request paths: it never
// blocks and delivery errors are only logged.
type Dispatcher struct {
	push      PushSender
	publisher MessagePublisher
	templates *TemplateEngine
	logger    zerolog.Logger
	queue     chan *Notification

	mu      sync.RWMutex
	byID    map[string]*Notification
	order   []string
	history int
}

// NewDispatcher builds a dispatcher. A nil sender falls back to logging the
// message for that channel.
func NewDispatcher(push PushSender, publisher MessagePublisher, tpl *TemplateEngine, logger zerolog.Logger) *Dispatcher {
	log := NewLogSender(logger)
	if push == nil {
		push = log
	}
	if publisher == nil {
		publisher = log
	}
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	return &Dispatcher{
		push:      push,
		publisher: publisher,
		templates: tpl,
		logger:    logger,
		queue:     make(chan *Notification, defaultQueueSize),
		byID:      make(map[string]*Notification),
		history:   defaultHistory,
	}
}

// Start runs the delivery worker until ctx is cancelled, then drains what is
// already queued.
func (d *Dispatcher) Start(ctx context.Context) {
	for {
		select {
		case n := <-d.queue:
			d.deliver(ctx, n)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				select {
				case n := <-d.queue:
					d.deliver(drainCtx, n)
				default:
					return
				}
			}
		}
	}
}

// Enqueue records n and hands it to the worker. When the queue is full the
// notification is marked dropped.
func (d *Dispatcher) Enqueue(n *Notification) {
	d.prepare(n)
	select {
	case d.queue <- n:
	default:
		d.setResult(n, StatusDropped, errors.New("notification queue full"))
		d.logger.Warn().Str("notification_id", n.ID).Str("type", string(n.Type)).Msg("notification queue full, dropping")
	}
}

// EnqueuePushTemplate renders templateID and enqueues a push to token.
func (d *Dispatcher) EnqueuePushTemplate(token, templateID string, vars, data map[string]string) error {
	title, body, err := d.templates.Render(templateID, vars)
	if err != nil {
		return fmt.Errorf("render template: %w", err)
	}
	d.Enqueue(&Notification{
		Type:       TypePush,
		Recipient:  token,
		Title:      title,
		Body:       body,
		Data:       data,
		TemplateID: templateID,
	})
	return nil
}

// Send delivers n synchronously and returns the delivery error.
func (d *Dispatcher) Send(ctx context.Context, n *Notification) error {
	d.prepare(n)
	return d.deliver(ctx, n)
}

func (d *Dispatcher) prepare(n *Notification) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.CreatedAt = time.Now().UTC()
	n.Status = StatusPending

	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID[n.ID] = n
	d.order = append(d.order, n.ID)
	if len(d.order) > d.history {
		evict := d.order[0]
		d.order = d.order[1:]
		delete(d.byID, evict)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n *Notification) error {
	var err error
	switch n.Type {
	case TypePush:
		err = d.push.SendPush(ctx, n.Recipient, n.Title, n.Body, n.Data)
	case TypeMQTT:
		err = d.publisher.Publish(ctx, n.Recipient, []byte(n.Body))
	default:
		err = fmt.Errorf("unsupported notification type: %s", n.Type)
	}

	if err != nil {
		d.setResult(n, StatusFailed, err)
		d.logger.Warn().Err(err).
			Str("notification_id", n.ID).
			Str("type", string(n.Type)).
			Msg("notification delivery failed")
		return err
	}
	d.setResult(n, StatusSent, nil)
	return nil
}

func (d *Dispatcher) setResult(n *Notification, status string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n.Status = status
	n.Attempts++
	if err != nil {
		n.Error = err.Error()
		return
	}
	n.Error = ""
	sentAt := time.Now().UTC()
	n.SentAt = &sentAt
}

func (d *Dispatcher) snapshot(n *Notification) *Notification {
	cp := *n
	return &cp
}

func (d *Dispatcher) Get(_ context.Context, id string) (*Notification, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.byID[id]
	if !ok {
		return nil, fmt.Errorf("notification %q not found", id)
	}
	return d.snapshot(n), nil
}

// ListByRecipient returns the newest notifications for recipient first.
func (d *Dispatcher) ListByRecipient(_ context.Context, recipient string, limit int) []*Notification {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*Notification
	for i := len(d.order) - 1; i >= 0 && len(out) < limit; i-- {
		if n := d.byID[d.order[i]]; n.Recipient == recipient {
			out = append(out, d.snapshot(n))
		}
	}
	return out
}

// Retry re-sends a failed or dropped notification.
func (d *Dispatcher) Retry(ctx context.Context, id string) error {
	d.mu.RLock()
	n, ok := d.byID[id]
	var status string
	if ok {
		status = n.Status
	}
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("notification %q not found", id)
	}
	if status != StatusFailed && status != StatusDropped {
		return fmt.Errorf("notification %q is not retryable (current: %s)", id, status)
	}
	return d.deliver(ctx, n)
}

// Stats counts logged notifications by status.
func (d *Dispatcher) Stats(_ context.Context) map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := make(map[string]int)
	for _, n := range d.byID {
		stats[n.Status]++
	}
	return stats
}

// ---------------------------------------------------------------------------
// HTTP Handler
// ---------------------------------------------------------------------------

// Handler exposes the delivery log to administrators.
type Handler struct {
	dispatcher *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications/stats", h.HandleStats)
	g.GET("/notifications/:id", h.HandleGet)
	g.GET("/notifications", h.HandleList)
	g.POST("/notifications/:id/retry", h.HandleRetry)
}

func (h *Handler) HandleGet(c echo.Context) error {
	n, err := h.dispatcher.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, n)
}

// HandleList handles GET /notifications?recipient=...
func (h *Handler) HandleList(c echo.Context) error {
	recipient := c.QueryParam("recipient")
	if recipient == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "recipient query parameter is required")
	}
	return c.JSON(http.StatusOK, h.dispatcher.ListByRecipient(c.Request().Context(), recipient, 100))
}

func (h *Handler) HandleRetry(c echo.Context) error {
	id := c.Param("id")
	if err := h.dispatcher.Retry(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	n, _ := h.dispatcher.Get(c.Request().Context(), id)
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.dispatcher.Stats(c.Request().Context()))
}
