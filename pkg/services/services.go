// Package services declares the external collaborators the session engine
// consumes: geocoding/fare, structured extraction, and dispatch. All calls
// carry bounded timeouts and may fail; the booking state machine handles
// failure through its skip/loop-breaker rules.
package services

import (
	"context"

	"github.com/kerbside/voicecab/pkg/booking"
)

// Geocoder verifies spoken addresses.
type Geocoder interface {
	// GeocodeAddress resolves a raw spoken address for the named slot.
	// callContext carries surrounding booking detail (e.g. the other
	// address) to help disambiguation.
	GeocodeAddress(ctx context.Context, raw string, field booking.Slot, callContext string) (*booking.VerifiedAddress, error)
}

// FareQuoter prices a structured booking.
type FareQuoter interface {
	CalculateFare(ctx context.Context, b booking.StructuredBooking) (*booking.FareResult, error)
}

// Extractor converts raw slot values into the canonical structured record.
type Extractor interface {
	Extract(ctx context.Context, slots map[booking.Slot]string, callContext string) (*booking.StructuredBooking, error)
}

// BookingRef identifies a dispatched booking.
type BookingRef struct {
	Reference      string `json:"reference"`
	DispatchStatus string `json:"dispatch_status"`
}

// Dispatcher creates the booking in the downstream dispatch/CRM system.
type Dispatcher interface {
	CreateAndDispatch(ctx context.Context, b booking.StructuredBooking, fare *booking.FareResult) (*BookingRef, error)
}
