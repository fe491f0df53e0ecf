// Package webhook delivers signed emergency events to external dispatch and
// hospital systems that registered an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound   = errors.New("webhook not found")
	ErrValidation = errors.New("validation error")
)

const (
	StatusActive = "active"
	StatusPaused = "paused"

	DeliverySuccess = "success"
	DeliveryFailed  = "failed"

	SignatureHeader = "X-ResQLink-Signature"
	TimestampHeader = "X-ResQLink-Timestamp"
	EndpointHeader  = "X-ResQLink-Webhook"
)

// Endpoint is a registered destination. HospitalID, when set, limits it to
// events of emergencies routed to that hospital.
type Endpoint struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Secret     string    `json:"-"`
	Events     []string  `json:"events"`
	HospitalID string    `json:"hospital_id,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// Event is the signed request body.
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	EmergencyID string          `json:"emergency_id"`
	HospitalID  string          `json:"hospital_id,omitempty"`
	Status      string          `json:"status"`
	Version     int             `json:"version"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Delivery records one attempt to post an event.
type Delivery struct {
	ID           string        `json:"id"`
	EndpointID   string        `json:"endpoint_id"`
	EventID      string        `json:"event_id"`
	EventType    string        `json:"event_type"`
	Attempt      int           `json:"attempt"`
	Status       string        `json:"status"`
	StatusCode   int           `json:"status_code,omitempty"`
	Error        string        `json:"error,omitempty"`
	ResponseBody string        `json:"response_body,omitempty"`
	Duration     time.Duration `json:"duration"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Store persists endpoints and the delivery log.
type Store interface {
	CreateEndpoint(ctx context.Context, ep *Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*Endpoint, error)
	ListEndpoints(ctx context.Context) ([]*Endpoint, error)
	UpdateEndpoint(ctx context.Context, ep *Endpoint) error
	DeleteEndpoint(ctx context.Context, id string) error
	RecordDelivery(ctx context.Context, d *Delivery) error
	ListDeliveries(ctx context.Context, endpointID string, limit int) ([]*Delivery, error)
}

const maxDeliveryLog = 1000

// MemoryStore keeps endpoints and the most recent deliveries in memory.
type MemoryStore struct {
	mu         sync.RWMutex
	endpoints  map[string]*Endpoint
	deliveries []*Delivery
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{endpoints: make(map[string]*Endpoint)}
}

func (s *MemoryStore) CreateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ep
	s.endpoints[ep.ID] = &cp
	return nil
}

func (s *MemoryStore) GetEndpoint(_ context.Context, id string) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *ep
	return &cp, nil
}

func (s *MemoryStore) ListEndpoints(_ context.Context) ([]*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		cp := *ep
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[ep.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ep.ID)
	}
	cp := *ep
	s.endpoints[ep.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.endpoints, id)
	return nil
}

func (s *MemoryStore) RecordDelivery(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, d)
	if len(s.deliveries) > maxDeliveryLog {
		s.deliveries = s.deliveries[len(s.deliveries)-maxDeliveryLog:]
	}
	return nil
}

// ListDeliveries returns the newest deliveries first.
func (s *MemoryStore) ListDeliveries(_ context.Context, endpointID string, limit int) ([]*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Delivery
	for i := len(s.deliveries) - 1; i >= 0 && len(out) < limit; i-- {
		if s.deliveries[i].EndpointID == endpointID {
			cp := *s.deliveries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a SignatureHeader value, with or without the sha256= prefix.
func Verify(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

// Matches reports whether pattern selects eventType. Patterns are exact
// ("emergency.completed") or end in a wildcard ("emergency.*", "*").
func Matches(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

func (ep *Endpoint) wants(event Event) bool {
	if ep.Status != StatusActive {
		return false
	}
	if ep.HospitalID != "" && ep.HospitalID != event.HospitalID {
		return false
	}
	for _, p := range ep.Events {
		if Matches(p, event.Type) {
			return true
		}
	}
	return false
}

type Option func(*Manager)

// WithHTTPClient overrides the delivery client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithRetryDelays sets the waits between attempts; one attempt is made per
// delay plus the first.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(m *Manager) { m.retryDelays = delays }
}

const queueSize = 256

// Manager registers endpoints and delivers events from a bounded queue.
type Manager struct {
	store       Store
	httpClient  *http.Client
	retryDelays []time.Duration
	queue       chan Event
	logger      zerolog.Logger
	now         func() time.Time
}

func NewManager(store Store, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 10 * time.Second},
		queue:       make(chan Event, queueSize),
		logger:      logger,
		now:         time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: url is required", ErrValidation)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: invalid url %q", ErrValidation, raw)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return fmt.Errorf("%w: url scheme must be http or https, got %q", ErrValidation, u.Scheme)
	}
	return nil
}

// Register stores a new active endpoint. An empty secret is generated; the
// returned endpoint is the only place the caller sees it.
func (m *Manager) Register(ctx context.Context, rawURL, secret, hospitalID string, events []string) (*Endpoint, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		events = []string{"emergency.*"}
	}
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = s
	}
	ep := &Endpoint{
		ID:         uuid.NewString(),
		URL:        rawURL,
		Secret:     secret,
		Events:     events,
		HospitalID: hospitalID,
		Status:     StatusActive,
		CreatedAt:  m.now().UTC(),
	}
	if err := m.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*Endpoint, error) {
	return m.store.GetEndpoint(ctx, id)
}

func (m *Manager) List(ctx context.Context) ([]*Endpoint, error) {
	return m.store.ListEndpoints(ctx)
}

func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.DeleteEndpoint(ctx, id)
}

// SetStatus pauses or resumes an endpoint.
func (m *Manager) SetStatus(ctx context.Context, id, status string) (*Endpoint, error) {
	if status != StatusActive && status != StatusPaused {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	ep, err := m.store.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	ep.Status = status
	if err := m.store.UpdateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

func (m *Manager) Deliveries(ctx context.Context, id string, limit int) ([]*Delivery, error) {
	if _, err := m.store.GetEndpoint(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListDeliveries(ctx, id, limit)
}

// Enqueue schedules event for delivery. A full queue drops the event.
func (m *Manager) Enqueue(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	select {
	case m.queue <- event:
	default:
		m.logger.Warn().Str("event_type", event.Type).Str("emergency_id", event.EmergencyID).
			Msg("webhook: queue full, dropping event")
	}
}

// Start delivers queued events until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-m.queue:
			m.Deliver(ctx, event)
		}
	}
}

// Deliver posts event to every matching endpoint, retrying failures.
func (m *Manager) Deliver(ctx context.Context, event Event) []*Delivery {
	endpoints, err := m.store.ListEndpoints(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("webhook: list endpoints")
		return nil
	}
	var out []*Delivery
	for _, ep := range endpoints {
		if !ep.wants(event) {
			continue
		}
		out = append(out, m.deliverWithRetry(ctx, ep, event))
	}
	return out
}

func (m *Manager) deliverWithRetry(ctx context.Context, ep *Endpoint, event Event) *Delivery {
	d := m.Send(ctx, ep, event, 1)
	for i, delay := range m.retryDelays {
		if d.Status == DeliverySuccess {
			break
		}
		select {
		case <-ctx.Done():
			return d
		case <-time.After(delay):
		}
		d = m.Send(ctx, ep, event, i+2)
	}
	if d.Status != DeliverySuccess {
		m.logger.Warn().Str("endpoint_id", ep.ID).Str("event_type", event.Type).Str("error", d.Error).
			Msg("webhook: delivery failed")
	}
	return d
}

// Send makes one signed delivery attempt and records it.
func (m *Manager) Send(ctx context.Context, ep *Endpoint, event Event, attempt int) *Delivery {
	payload, _ := json.Marshal(event)
	now := m.now().UTC()
	d := &Delivery{
		ID:         uuid.NewString(),
		EndpointID: ep.ID,
		EventID:    event.ID,
		EventType:  event.Type,
		Attempt:    attempt,
		Status:     DeliveryFailed,
		CreatedAt:  now,
	}
	defer func() {
		if err := m.store.RecordDelivery(ctx, d); err != nil {
			m.logger.Error().Err(err).Msg("webhook: record delivery")
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		d.Error = err.Error()
		return d
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+Sign(payload, ep.Secret))
	req.Header.Set(TimestampHeader, now.Format(time.RFC3339))
	req.Header.Set(EndpointHeader, ep.ID)

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	d.Duration = time.Since(start)
	if err != nil {
		d.Error = err.Error()
		return d
	}
	defer resp.Body.Close()

	d.StatusCode = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	d.ResponseBody = string(body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.Status = DeliverySuccess
	} else {
		d.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return d
}

// Test sends a synthetic webhook.test event once, bypassing event filters.
func (m *Manager) Test(ctx context.Context, id string) (*Delivery, error) {
	ep, err := m.store.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Send(ctx, ep, Event{
		ID:        uuid.NewString(),
		Type:      "webhook.test",
		Timestamp: m.now().UTC(),
		Data:      json.RawMessage(`{"test":true}`),
	}, 1), nil
}
