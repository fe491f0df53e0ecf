package emergency

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/resqlink/resqlink/internal/platform/auth"
	"github.com/resqlink/resqlink/internal/platform/websocket"
)

// TopicAuthorizer decides websocket subscriptions from the caller identity.
// Patients see their own records, crews their ambulance and the pending
// queue, hospital staff their hospital.
func TopicAuthorizer(svc *Service) websocket.Authorizer {
	return func(ctx context.Context, topic string) bool {
		id := auth.IdentityFromContext(ctx)
		if id == nil {
			return false
		}
		if id.HasRole(auth.RoleAdmin) {
			return true
		}

		kind, key, _ := strings.Cut(topic, "/")
		switch {
		case topic == TopicPending:
			return id.HasRole(auth.RoleAmbulance)
		case kind == "patient":
			return id.HasRole(auth.RolePatient) && key == id.Subject
		case kind == "ambulance":
			return id.HasRole(auth.RoleAmbulance) && key != "" && key == id.AmbulanceID
		case kind == "hospital":
			return id.HasRole(auth.RoleHospital) && key != "" && key == id.HospitalID
		case kind == "emergency":
			eid, err := uuid.Parse(key)
			if err != nil {
				return false
			}
			e, err := svc.Get(ctx, eid)
			if err != nil {
				return false
			}
			return CanView(id, e)
		}
		return false
	}
}

// DeliveryCheck re-applies CanView to the record carried by each websocket
// event, so a subscriber stops receiving an emergency once it moves out of
// reach (e.g. another crew accepts it). Events without a record pass.
func DeliveryCheck(ctx context.Context, event websocket.Event) bool {
	if len(event.Data) == 0 {
		return true
	}
	id := auth.IdentityFromContext(ctx)
	if id == nil {
		return false
	}
	var e Emergency
	if err := json.Unmarshal(event.Data, &e); err != nil {
		return false
	}
	return CanView(id, &e)
}

// CanView reports whether id may read e.
func CanView(id *auth.Identity, e *Emergency) bool {
	switch {
	case id.HasRole(auth.RoleAdmin):
		return true
	case id.HasRole(auth.RolePatient) && e.PatientID == id.Subject:
		return true
	case id.HasRole(auth.RoleAmbulance):
		// Crews may look at anything still pending before accepting it.
		if e.Status == StatusPending {
			return true
		}
		return e.AmbulanceID != nil && e.AmbulanceID.String() == id.AmbulanceID
	case id.HasRole(auth.RoleHospital):
		return e.HospitalID != nil && e.HospitalID.String() == id.HospitalID
	}
	return false
}
