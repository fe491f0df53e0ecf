// Package prediction proxies energy consumption forecasts to the external
// prediction API.
package prediction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrValidation  = errors.New("invalid prediction input")
	ErrUnavailable = errors.New("prediction service unavailable")
)

// Input is the form the dashboard submits. Field names follow the
// prediction API's wire format.
type Input struct {
	Temperature     float64 `json:"temperature"`
	Humidity        float64 `json:"humidity"`
	SquareFootage   float64 `json:"square_footage"`
	Occupancy       int     `json:"occupancy"`
	HVACUsage       string  `json:"hvac_usage"`
	LightingUsage   string  `json:"lighting_usage"`
	RenewableEnergy float64 `json:"renewable_energy"`
	DayOfWeek       string  `json:"day_of_week"`
	Holiday         string  `json:"holiday"`
}

var (
	onOff = map[string]bool{"on": true, "off": true}
	yesNo = map[string]bool{"yes": true, "no": true}
	days  = map[string]bool{
		"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
		"friday": true, "saturday": true, "sunday": true,
	}
)

// Normalize lowercases the categorical fields and checks every value.
func (in *Input) Normalize() error {
	in.HVACUsage = strings.ToLower(strings.TrimSpace(in.HVACUsage))
	in.LightingUsage = strings.ToLower(strings.TrimSpace(in.LightingUsage))
	in.DayOfWeek = strings.ToLower(strings.TrimSpace(in.DayOfWeek))
	in.Holiday = strings.ToLower(strings.TrimSpace(in.Holiday))

	switch {
	case in.Humidity < 0 || in.Humidity > 100:
		return fmt.Errorf("%w: humidity must be between 0 and 100", ErrValidation)
	case in.SquareFootage <= 0:
		return fmt.Errorf("%w: square_footage must be positive", ErrValidation)
	case in.Occupancy < 0:
		return fmt.Errorf("%w: occupancy must not be negative", ErrValidation)
	case in.RenewableEnergy < 0:
		return fmt.Errorf("%w: renewable_energy must not be negative", ErrValidation)
	case !onOff[in.HVACUsage]:
		return fmt.Errorf("%w: hvac_usage must be on or off", ErrValidation)
	case !onOff[in.LightingUsage]:
		return fmt.Errorf("%w: lighting_usage must be on or off", ErrValidation)
	case !days[in.DayOfWeek]:
		return fmt.Errorf("%w: unknown day_of_week %q", ErrValidation, in.DayOfWeek)
	case !yesNo[in.Holiday]:
		return fmt.Errorf("%w: holiday must be yes or no", ErrValidation)
	}
	return nil
}

// Result is the prediction API response; Input echoes what was scored.
type Result struct {
	Prediction float64         `json:"prediction"`
	Confidence float64         `json:"confidence"`
	Input      json.RawMessage `json:"input,omitempty"`
}

type Predictor interface {
	Predict(ctx context.Context, in Input) (*Result, error)
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// Client calls POST <baseURL>/predict.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Predict(ctx context.Context, in Input) (*Result, error) {
	if err := in.Normalize(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	// Read at most 64KB of response body.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: non-2xx response: %d", ErrUnavailable, resp.StatusCode)
	}

	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if len(res.Input) == 0 {
		res.Input = payload
	}
	return &res, nil
}
