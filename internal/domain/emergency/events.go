package emergency

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/resqlink/resqlink/internal/platform/notification"
	"github.com/resqlink/resqlink/internal/platform/websocket"
)

// TopicPending carries emergencies entering or leaving the pending queue.
const TopicPending = "emergencies/pending"

func EmergencyTopic(id string) string { return "emergency/" + id }
func PatientTopic(id string) string   { return "patient/" + id }
func AmbulanceTopic(id string) string { return "ambulance/" + id }
func HospitalTopic(id string) string  { return "hospital/" + id }

// Topics lists every websocket topic a change to e is broadcast on.
func Topics(e *Emergency, from Status) []string {
	topics := []string{EmergencyTopic(e.ID.String()), PatientTopic(e.PatientID)}
	if e.AmbulanceID != nil {
		topics = append(topics, AmbulanceTopic(e.AmbulanceID.String()))
	}
	if e.HospitalID != nil {
		topics = append(topics, HospitalTopic(e.HospitalID.String()))
	}
	if e.Status == StatusPending || from == StatusPending {
		topics = append(topics, TopicPending)
	}
	return topics
}

// Notifier queues outbound notifications without blocking the caller.
type Notifier interface {
	Enqueue(n *notification.Notification)
	EnqueuePushTemplate(token, templateID string, vars, data map[string]string) error
}

// EventFanout turns persisted changes into websocket events, MQTT messages
// and patient push notifications. Failures are logged only.
type EventFanout struct {
	publisher websocket.EventPublisher
	notifier  Notifier
	timeout   string
	logger    zerolog.Logger
}

// NewEventFanout wires the listener. Either publisher or notifier may be nil.
func NewEventFanout(publisher websocket.EventPublisher, notifier Notifier, svc *Service, logger zerolog.Logger) *EventFanout {
	return &EventFanout{
		publisher: publisher,
		notifier:  notifier,
		timeout:   svc.ConfirmationTimeout().String(),
		logger:    logger,
	}
}

func (f *EventFanout) OnEmergencyChange(ctx context.Context, c Change) {
	e := c.Emergency
	data, err := json.Marshal(e)
	if err != nil {
		f.logger.Error().Err(err).Str("emergency_id", e.ID.String()).Msg("failed to marshal emergency event")
		return
	}

	base := websocket.Event{
		Type:        c.Type,
		EmergencyID: e.ID.String(),
		Status:      string(e.Status),
		Version:     e.Version,
		Timestamp:   e.UpdatedAt,
		Data:        data,
	}

	if f.publisher != nil {
		for _, topic := range Topics(e, c.FromStatus) {
			ev := base
			ev.Topic = topic
			if topic == TopicPending && e.Status != StatusPending {
				// Every crew watches the queue; a record leaving it is
				// announced without its contents.
				ev.Data = nil
			}
			if err := f.publisher.Publish(ctx, ev); err != nil {
				f.logger.Warn().Err(err).Str("topic", topic).Msg("failed to publish emergency event")
			}
		}
	}

	if f.notifier == nil {
		return
	}
	f.publishMQTT(base, c)
	f.pushPatient(e, c)
}

func (f *EventFanout) publishMQTT(base websocket.Event, c Change) {
	topics := []string{notification.TopicEmergencyPrefix + base.EmergencyID}
	if c.Type == ChangeCreated {
		topics = append(topics, notification.TopicDispatchPending)
	}
	for _, topic := range topics {
		ev := base
		ev.Topic = topic
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		f.notifier.Enqueue(&notification.Notification{
			Type:      notification.TypeMQTT,
			Recipient: topic,
			Body:      string(payload),
		})
	}
}

// pushTemplate picks the patient-facing message for a change, if any.
func pushTemplate(e *Emergency, actor Actor) (string, bool) {
	if actor == ActorTimeout {
		return notification.TemplateAutoConfirmed, true
	}
	switch e.Status {
	case StatusAssigned:
		return notification.TemplateAssigned, true
	case StatusArrivedAtScene:
		return notification.TemplateArrivedAtScene, true
	case StatusArrivedAtHospital:
		return notification.TemplateArrivedAtHospital, true
	case StatusCompleted:
		return notification.TemplateCompleted, true
	}
	return "", false
}

func (f *EventFanout) pushPatient(e *Emergency, c Change) {
	if e.PatientPushToken == nil || *e.PatientPushToken == "" || c.Type != ChangeUpdated {
		return
	}
	tpl, ok := pushTemplate(e, c.Actor)
	if !ok {
		return
	}
	vars := map[string]string{
		"timeout": f.timeout,
		"status":  string(e.Status),
	}
	data := map[string]string{
		"emergency_id": e.ID.String(),
		"status":       string(e.Status),
		"version":      fmt.Sprint(e.Version),
	}
	if err := f.notifier.EnqueuePushTemplate(*e.PatientPushToken, tpl, vars, data); err != nil {
		f.logger.Warn().Err(err).Str("emergency_id", e.ID.String()).Msg("failed to queue push notification")
	}
}
