package booking

import "fmt"

// ErrorCode categorizes booking-flow errors.
type ErrorCode string

const (
	ErrEmptyValue     ErrorCode = "empty_value"
	ErrPassengerRange ErrorCode = "passenger_range"
	ErrUnknownSlot    ErrorCode = "unknown_slot"
	ErrBadState       ErrorCode = "bad_state"
	ErrIncomplete     ErrorCode = "booking_incomplete"
)

// Error is a validation or sequencing error. Validation errors are surfaced
// as re-prompt instructions, never fatal.
type Error struct {
	Code    ErrorCode
	Slot    Slot
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Slot != "" {
		return fmt.Sprintf("%s: %s (slot: %s)", e.Code, e.Message, e.Slot)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func emptyValue(slot Slot) *Error {
	return &Error{Code: ErrEmptyValue, Slot: slot, Message: "value must not be empty"}
}

func passengerRange(raw string) *Error {
	return &Error{Code: ErrPassengerRange, Slot: SlotPassengers, Message: fmt.Sprintf("passenger count %q must be between 1 and 8", raw)}
}

func badState(op string, state CollectionState) *Error {
	return &Error{Code: ErrBadState, Message: fmt.Sprintf("%s not allowed in state %s", op, state)}
}

func incomplete(message string) *Error {
	return &Error{Code: ErrIncomplete, Message: message}
}
