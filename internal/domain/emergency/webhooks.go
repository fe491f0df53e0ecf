package emergency

import (
	"context"
	"encoding/json"

	"github.com/resqlink/resqlink/internal/platform/webhook"
)

// WebhookQueue is satisfied by webhook.Manager.
type WebhookQueue interface {
	Enqueue(event webhook.Event)
}

// WebhookListener forwards changes to registered external endpoints as
// emergency.created, emergency.<status> or emergency.updated events.
type WebhookListener struct {
	queue WebhookQueue
}

func NewWebhookListener(queue WebhookQueue) *WebhookListener {
	return &WebhookListener{queue: queue}
}

// WebhookEventType names the event delivered for change.
func WebhookEventType(change Change) string {
	switch {
	case change.Type == ChangeCreated:
		return ChangeCreated
	case change.FromStatus != change.Emergency.Status:
		return "emergency." + string(change.Emergency.Status)
	default:
		return ChangeUpdated
	}
}

func (l *WebhookListener) OnEmergencyChange(_ context.Context, change Change) {
	e := change.Emergency
	data, err := json.Marshal(e)
	if err != nil {
		data = nil
	}
	ev := webhook.Event{
		Type:        WebhookEventType(change),
		EmergencyID: e.ID.String(),
		Status:      string(e.Status),
		Version:     e.Version,
		Timestamp:   e.UpdatedAt,
		Data:        data,
	}
	if e.HospitalID != nil {
		ev.HospitalID = e.HospitalID.String()
	}
	l.queue.Enqueue(ev)
}
