package resqclient

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	DefaultPollInterval = 5 * time.Second
	// DefaultRedialInterval is how long the watcher polls before trying the
	// websocket again.
	DefaultRedialInterval = 30 * time.Second
)

type event struct {
	Type        string          `json:"type"`
	Topic       string          `json:"topic"`
	EmergencyID string          `json:"emergency_id"`
	Status      string          `json:"status"`
	Version     int             `json:"version"`
	Data        json.RawMessage `json:"data"`
}

type subscribeMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Watcher follows one emergency. It subscribes over the websocket and falls
// back to polling when the subscription cannot be established or drops.
// Each version is delivered at most once and only in increasing order.
type Watcher struct {
	client         *Client
	PollInterval   time.Duration
	RedialInterval time.Duration
	Dialer         *websocket.Dialer
	Logger         zerolog.Logger

	mu   sync.Mutex
	last int
}

func (c *Client) NewWatcher() *Watcher {
	return &Watcher{
		client:         c,
		PollInterval:   DefaultPollInterval,
		RedialInterval: DefaultRedialInterval,
		Dialer:         websocket.DefaultDialer,
		Logger:         zerolog.Nop(),
	}
}

// Watch calls onChange for every newer version of the emergency until ctx is
// cancelled or the emergency finishes. It returns nil once the emergency is
// finished, and the *APIError when the caller is refused access (401, 403)
// or the emergency does not exist (404).
func (w *Watcher) Watch(ctx context.Context, id string, onChange func(*Emergency)) error {
	if w.PollInterval <= 0 {
		w.PollInterval = DefaultPollInterval
	}
	if w.RedialInterval <= 0 {
		w.RedialInterval = DefaultRedialInterval
	}

	if done, err := w.refresh(ctx, id, onChange); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if accessLost(err) {
			return err
		}
		w.Logger.Warn().Err(err).Str("emergency_id", id).Msg("initial fetch failed")
	} else if done {
		return nil
	}

	for {
		done, err := w.subscribe(ctx, id, onChange)
		if done {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if accessLost(err) {
			return err
		}
		w.Logger.Info().Err(err).Str("emergency_id", id).Dur("interval", w.PollInterval).
			Msg("realtime unavailable, polling")

		if done, err := w.poll(ctx, id, onChange); done || err != nil {
			return err
		}
	}
}

// accessLost reports errors that polling cannot recover from: the caller may
// not see the emergency, or it does not exist.
func accessLost(err error) bool {
	switch StatusCode(err) {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// deliver passes e on when its version is newer than anything seen so far.
func (w *Watcher) deliver(e *Emergency, onChange func(*Emergency)) bool {
	w.mu.Lock()
	if e.Version <= w.last {
		w.mu.Unlock()
		return e.Finished()
	}
	w.last = e.Version
	w.mu.Unlock()

	onChange(e)
	return e.Finished()
}

// LastVersion returns the newest version delivered.
func (w *Watcher) LastVersion() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *Watcher) refresh(ctx context.Context, id string, onChange func(*Emergency)) (bool, error) {
	e, err := w.client.GetEmergency(ctx, id)
	if err != nil {
		return false, err
	}
	return w.deliver(e, onChange), nil
}

// poll fetches every PollInterval until RedialInterval has passed.
func (w *Watcher) poll(ctx context.Context, id string, onChange func(*Emergency)) (bool, error) {
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()
	redial := time.NewTimer(w.RedialInterval)
	defer redial.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-redial.C:
			return false, nil
		case <-ticker.C:
			done, err := w.refresh(ctx, id, onChange)
			if accessLost(err) {
				return true, err
			}
			if err != nil {
				w.Logger.Debug().Err(err).Str("emergency_id", id).Msg("poll failed")
				continue
			}
			if done {
				return true, nil
			}
		}
	}
}

// subscribe streams events until the connection drops or the emergency
// finishes.
func (w *Watcher) subscribe(ctx context.Context, id string, onChange func(*Emergency)) (bool, error) {
	wsURL, err := w.client.websocketURL()
	if err != nil {
		return false, err
	}
	header := http.Header{}
	w.client.authorize(header)

	conn, _, err := w.Dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	// Unblock ReadJSON when ctx ends.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	topic := "emergency/" + id
	if err := conn.WriteJSON(subscribeMessage{Action: "subscribe", Topics: []string{topic}}); err != nil {
		return false, err
	}

	// Catch up on anything that changed between the last fetch and the
	// subscription taking effect.
	if done, err := w.refresh(ctx, id, onChange); accessLost(err) {
		return false, err
	} else if err == nil && done {
		return true, nil
	}

	for {
		var ev event
		if err := conn.ReadJSON(&ev); err != nil {
			return false, err
		}
		if (ev.Type == "subscription.denied" || ev.Type == "subscription.revoked") && ev.Topic == topic {
			w.Logger.Warn().Str("topic", ev.Topic).Str("type", ev.Type).Msg("lost access to emergency")
			return false, &APIError{StatusCode: http.StatusForbidden, Message: ev.Type}
		}
		if ev.Topic != topic || ev.Version <= w.LastVersion() {
			continue
		}

		var e Emergency
		if len(ev.Data) > 0 && json.Unmarshal(ev.Data, &e) == nil && e.ID != "" {
			if w.deliver(&e, onChange) {
				return true, nil
			}
			continue
		}
		// Oversized events arrive without data.
		done, err := w.refresh(ctx, id, onChange)
		if err != nil {
			w.Logger.Debug().Err(err).Str("emergency_id", id).Msg("refresh after event failed")
			continue
		}
		if done {
			return true, nil
		}
	}
}
