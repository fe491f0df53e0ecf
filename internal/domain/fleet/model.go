// Package fleet manages the hospitals patients are taken to and the
// ambulances that carry them.
package fleet

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/resqlink/resqlink/internal/platform/geo"
)

var (
	ErrNotFound   = errors.New("fleet record not found")
	ErrValidation = errors.New("validation failed")
	ErrBusy       = errors.New("ambulance is not available")
)

// Hospital maps to the hospital table.
type Hospital struct {
	ID            uuid.UUID `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	Address       *string   `db:"address" json:"address,omitempty"`
	Phone         *string   `db:"phone" json:"phone,omitempty"`
	Latitude      float64   `db:"latitude" json:"latitude"`
	Longitude     float64   `db:"longitude" json:"longitude"`
	AvailableBeds int       `db:"available_beds" json:"available_beds"`
	Active        bool      `db:"active" json:"active"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`

	// DistanceKm is filled in for proximity lookups only.
	DistanceKm *float64 `db:"-" json:"distance_km,omitempty"`
}

func (h *Hospital) Location() geo.Point {
	return geo.Point{Lat: h.Latitude, Lng: h.Longitude}
}

// Ambulance maps to the ambulance table.
type Ambulance struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	CallSign          string     `db:"call_sign" json:"call_sign"`
	DriverName        *string    `db:"driver_name" json:"driver_name,omitempty"`
	DriverPhone       *string    `db:"driver_phone" json:"driver_phone,omitempty"`
	DriverUserID      *string    `db:"driver_user_id" json:"driver_user_id,omitempty"`
	Latitude          *float64   `db:"latitude" json:"latitude,omitempty"`
	Longitude         *float64   `db:"longitude" json:"longitude,omitempty"`
	Available         bool       `db:"available" json:"available"`
	LocationUpdatedAt *time.Time `db:"location_updated_at" json:"location_updated_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// Location returns the last reported position, if any.
func (a *Ambulance) Location() (geo.Point, bool) {
	if a.Latitude == nil || a.Longitude == nil {
		return geo.Point{}, false
	}
	return geo.Point{Lat: *a.Latitude, Lng: *a.Longitude}, true
}
