// Package resqclient is a Go client for the ResQLink dispatch API.
package resqclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Emergency is the client view of an emergency record.
type Emergency struct {
	ID                   string     `json:"id"`
	PatientID            string     `json:"patient_id"`
	PatientName          string     `json:"patient_name"`
	PatientPhone         *string    `json:"patient_phone,omitempty"`
	AmbulanceID          *string    `json:"ambulance_id,omitempty"`
	HospitalID           *string    `json:"hospital_id,omitempty"`
	Latitude             float64    `json:"latitude"`
	Longitude            float64    `json:"longitude"`
	HospitalLatitude     *float64   `json:"hospital_latitude,omitempty"`
	HospitalLongitude    *float64   `json:"hospital_longitude,omitempty"`
	Description          *string    `json:"description,omitempty"`
	Priority             string     `json:"priority"`
	Status               string     `json:"status"`
	AwaitingConfirmation bool       `json:"awaiting_confirmation"`
	ConfirmedBy          *string    `json:"confirmed_by,omitempty"`
	DistanceKm           *float64   `json:"distance_km,omitempty"`
	ArrivedAtSceneAt     *time.Time `json:"arrived_at_scene_at,omitempty"`
	ArrivedAtHospitalAt  *time.Time `json:"arrived_at_hospital_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	CancelledAt          *time.Time `json:"cancelled_at,omitempty"`
	Version              int        `json:"version"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Finished reports whether the emergency reached a terminal status.
func (e *Emergency) Finished() bool {
	return e.Status == "completed" || e.Status == "cancelled"
}

type CreateRequest struct {
	PatientName      string  `json:"patient_name"`
	PatientPhone     *string `json:"patient_phone,omitempty"`
	PatientPushToken *string `json:"patient_push_token,omitempty"`
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	Description      *string `json:"description,omitempty"`
	Priority         string  `json:"priority,omitempty"`
}

type Page struct {
	Data    []*Emergency `json:"data"`
	Total   int          `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	HasMore bool         `json:"has_more"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("resqlink api: %d %s", e.StatusCode, e.Message)
}

// StatusCode returns the HTTP status of err, or 0 when err is not an API error.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(cl *Client) { cl.token = token }
}

// WithHeader adds a static header, e.g. the X-Dev-* headers of a
// development server.
func WithHeader(key, value string) Option {
	return func(cl *Client) { cl.headers.Set(key, value) }
}

type Client struct {
	baseURL    string
	token      string
	headers    http.Header
	httpClient *http.Client
}

// New creates a client for the API rooted at baseURL, e.g.
// "https://dispatch.example.com/api/v1".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		headers:    make(http.Header),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) authorize(h http.Header) {
	for k, v := range c.headers {
		h[k] = v
	}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &e) != nil || e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Message}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *Client) emergency(ctx context.Context, method, path string, body interface{}) (*Emergency, error) {
	var e Emergency
	if err := c.do(ctx, method, path, body, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *Client) CreateEmergency(ctx context.Context, req CreateRequest) (*Emergency, error) {
	return c.emergency(ctx, http.MethodPost, "/emergencies", req)
}

func (c *Client) GetEmergency(ctx context.Context, id string) (*Emergency, error) {
	return c.emergency(ctx, http.MethodGet, "/emergencies/"+url.PathEscape(id), nil)
}

// ActiveEmergency returns the caller's active emergency.
func (c *Client) ActiveEmergency(ctx context.Context) (*Emergency, error) {
	return c.emergency(ctx, http.MethodGet, "/emergencies/active", nil)
}

// ListPending lists unassigned emergencies, nearest first when near is set.
func (c *Client) ListPending(ctx context.Context, near *[2]float64, limit, offset int) (*Page, error) {
	q := url.Values{}
	if near != nil {
		q.Set("lat", strconv.FormatFloat(near[0], 'f', -1, 64))
		q.Set("lng", strconv.FormatFloat(near[1], 'f', -1, 64))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/emergencies/pending"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var p Page
	if err := c.do(ctx, http.MethodGet, path, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Accept assigns the caller's ambulance. hospitalID may be empty to let the
// server pick the nearest hospital.
func (c *Client) Accept(ctx context.Context, id, hospitalID string) (*Emergency, error) {
	body := map[string]string{}
	if hospitalID != "" {
		body["hospital_id"] = hospitalID
	}
	return c.emergency(ctx, http.MethodPost, "/emergencies/"+url.PathEscape(id)+"/accept", body)
}

// Advance moves the emergency to status, or to the next step when status is
// empty.
func (c *Client) Advance(ctx context.Context, id, status string) (*Emergency, error) {
	return c.emergency(ctx, http.MethodPost, "/emergencies/"+url.PathEscape(id)+"/status",
		map[string]string{"status": status})
}

func (c *Client) Confirm(ctx context.Context, id string) (*Emergency, error) {
	return c.emergency(ctx, http.MethodPost, "/emergencies/"+url.PathEscape(id)+"/confirm", nil)
}

func (c *Client) Cancel(ctx context.Context, id string) (*Emergency, error) {
	return c.emergency(ctx, http.MethodPost, "/emergencies/"+url.PathEscape(id)+"/cancel", nil)
}

// Override confirms completion on behalf of the receiving hospital.
func (c *Client) Override(ctx context.Context, id string) (*Emergency, error) {
	return c.emergency(ctx, http.MethodPost, "/emergencies/"+url.PathEscape(id)+"/override", nil)
}

// websocketURL maps the API base onto its ws:// or wss:// endpoint.
func (c *Client) websocketURL() (string, error) {
	u, err := url.Parse(c.baseURL + "/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}
