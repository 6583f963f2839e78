// Package engine runs one voice-booking call: the turn transport manager
// that arbitrates the upstream streaming-AI session, and the orchestrator
// that binds it to the booking state machine.
package engine

import (
	"github.com/kerbside/voicecab/pkg/booking"
	"github.com/kerbside/voicecab/pkg/services"
)

// EndReason explains why a call ended.
type EndReason string

const (
	EndReasonGoodbye          EndReason = "goodbye"
	EndReasonNoReply          EndReason = "no_reply"
	EndReasonConnectionClosed EndReason = "connection_closed"
	EndReasonCallerRequest    EndReason = "caller_request"
	EndReasonSessionTimeout   EndReason = "session_timeout"
)

// Event is emitted by the engine to the surrounding call-handling layer.
type Event interface {
	eventType() string
}

// AudioOutEvent carries one assistant audio frame bound for the caller.
type AudioOutEvent struct {
	TurnID string
	Frame  []byte
}

func (AudioOutEvent) eventType() string { return "audio_out" }

// TranscriptEvent carries a finalized transcript for either role.
type TranscriptEvent struct {
	Role string
	Text string
}

func (TranscriptEvent) eventType() string { return "transcript" }

// TurnStartedEvent signals the assistant began speaking.
type TurnStartedEvent struct{ TurnID string }

func (TurnStartedEvent) eventType() string { return "turn_started" }

// TurnFinishedEvent signals the assistant finished speaking.
type TurnFinishedEvent struct{ TurnID string }

func (TurnFinishedEvent) eventType() string { return "turn_finished" }

// BargeInEvent tells the audio player to discard buffered assistant audio.
type BargeInEvent struct{ TurnID string }

func (BargeInEvent) eventType() string { return "barge_in" }

// CallEndedEvent is the terminal event for a call.
type CallEndedEvent struct{ Reason EndReason }

func (CallEndedEvent) eventType() string { return "call_ended" }

// BookingUpdatedEvent publishes a fresh structured booking record.
type BookingUpdatedEvent struct{ Booking booking.StructuredBooking }

func (BookingUpdatedEvent) eventType() string { return "booking_updated" }

// FareReadyEvent publishes a computed fare.
type FareReadyEvent struct{ Fare booking.FareResult }

func (FareReadyEvent) eventType() string { return "fare_ready" }

// BookingDispatchedEvent publishes the downstream booking reference.
type BookingDispatchedEvent struct{ Ref services.BookingRef }

func (BookingDispatchedEvent) eventType() string { return "booking_dispatched" }
