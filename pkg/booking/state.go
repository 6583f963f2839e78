package booking

import (
	"fmt"
	"log/slog"
	"strings"
)

// CollectionState tracks where the call is in the booking flow. Transitions
// are monotonic forward except explicit corrections, which jump back to a
// Verifying or Collecting state.
type CollectionState int

const (
	StateIdle CollectionState = iota
	StateCollectingName
	StateCollectingPickup
	StateVerifyingPickup
	StateCollectingDestination
	StateVerifyingDestination
	StateCollectingPassengers
	StateCollectingPickupTime
	StateReadyForExtraction
	StateExtracting
	StateGeocoding
	StateAwaitingClarification
	StatePresentingFare
	StateAwaitingPaymentChoice
	StateAwaitingConfirmation
	StateEnded
)

func (s CollectionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateCollectingName:
		return "COLLECTING_NAME"
	case StateCollectingPickup:
		return "COLLECTING_PICKUP"
	case StateVerifyingPickup:
		return "VERIFYING_PICKUP"
	case StateCollectingDestination:
		return "COLLECTING_DESTINATION"
	case StateVerifyingDestination:
		return "VERIFYING_DESTINATION"
	case StateCollectingPassengers:
		return "COLLECTING_PASSENGERS"
	case StateCollectingPickupTime:
		return "COLLECTING_PICKUP_TIME"
	case StateReadyForExtraction:
		return "READY_FOR_EXTRACTION"
	case StateExtracting:
		return "EXTRACTING"
	case StateGeocoding:
		return "GEOCODING"
	case StateAwaitingClarification:
		return "AWAITING_CLARIFICATION"
	case StatePresentingFare:
		return "PRESENTING_FARE"
	case StateAwaitingPaymentChoice:
		return "AWAITING_PAYMENT_CHOICE"
	case StateAwaitingConfirmation:
		return "AWAITING_CONFIRMATION"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// collectingStateFor maps a slot to the state that collects it.
func collectingStateFor(slot Slot) CollectionState {
	switch slot {
	case SlotName:
		return StateCollectingName
	case SlotPickup:
		return StateCollectingPickup
	case SlotDestination:
		return StateCollectingDestination
	case SlotPassengers:
		return StateCollectingPassengers
	case SlotPickupTime:
		return StateCollectingPickupTime
	default:
		return StateIdle
	}
}

// verifyingStateFor maps an address slot to its verification state.
func verifyingStateFor(slot Slot) CollectionState {
	switch slot {
	case SlotPickup:
		return StateVerifyingPickup
	case SlotDestination:
		return StateVerifyingDestination
	default:
		return StateIdle
	}
}

// slotForState is the inverse of collectingStateFor/verifyingStateFor.
func slotForState(state CollectionState) (Slot, bool) {
	switch state {
	case StateCollectingName:
		return SlotName, true
	case StateCollectingPickup, StateVerifyingPickup:
		return SlotPickup, true
	case StateCollectingDestination, StateVerifyingDestination:
		return SlotDestination, true
	case StateCollectingPassengers:
		return SlotPassengers, true
	case StateCollectingPickupTime:
		return SlotPickupTime, true
	default:
		return "", false
	}
}

// StateChange is emitted on every transition.
type StateChange struct {
	From CollectionState
	To   CollectionState
}

// Machine owns CollectionState and the slot store. It is not safe for
// concurrent use; the session event loop is its only caller.
type Machine struct {
	state      CollectionState
	slots      *Slots
	structured *StructuredBooking
	fare       *FareResult
	clar       *ClarificationInfo
	clarReturn CollectionState
	payment    string
	confirmed  bool

	logger   *slog.Logger
	onChange func(StateChange)
}

// MachineOptions configures a Machine.
type MachineOptions struct {
	Logger   *slog.Logger
	OnChange func(StateChange)

	// Prefilled seeds slots known before collection starts, e.g. a
	// recognized caller's name.
	Prefilled map[Slot]string
}

func NewMachine(opts MachineOptions) *Machine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Machine{
		state:    StateIdle,
		slots:    NewSlots(),
		logger:   opts.Logger,
		onChange: opts.OnChange,
	}
	for slot, value := range opts.Prefilled {
		if strings.TrimSpace(value) != "" {
			m.slots.set(slot, value)
		}
	}
	return m
}

func (m *Machine) State() CollectionState            { return m.state }
func (m *Machine) Slots() *Slots                     { return m.slots }
func (m *Machine) Fare() *FareResult                 { return m.fare }
func (m *Machine) Confirmed() bool                   { return m.confirmed }
func (m *Machine) PaymentChoice() string             { return m.payment }
func (m *Machine) Clarification() *ClarificationInfo { return m.clar }

// Structured returns the latest extraction record, if any.
func (m *Machine) Structured() *StructuredBooking { return m.structured }

// CurrentSlot returns the slot the current state collects or verifies.
func (m *Machine) CurrentSlot() (Slot, bool) { return slotForState(m.state) }

func (m *Machine) transition(to CollectionState) {
	if to == m.state {
		return
	}
	change := StateChange{From: m.state, To: to}
	m.state = to
	m.logger.Debug("booking state change", "from", change.From.String(), "to", change.To.String())
	if m.onChange != nil {
		m.onChange(change)
	}
}

// nextCollectionState picks the first state whose slot is still unfilled, or
// ReadyForExtraction when none remain.
func (m *Machine) nextCollectionState() CollectionState {
	for _, slot := range RequiredSlots {
		if !m.slots.Filled(slot) {
			return collectingStateFor(slot)
		}
	}
	return StateReadyForExtraction
}

// BeginCollection advances out of Idle to the first missing slot. Slots
// prefilled at construction are skipped.
func (m *Machine) BeginCollection() error {
	if m.state != StateIdle {
		return badState("BeginCollection", m.state)
	}
	m.transition(m.nextCollectionState())
	return nil
}

// AcceptSlotValue validates and stores a caller answer for the named slot.
// Address slots detour through their Verifying state; all others advance to
// the next missing slot. On a validation error no state is mutated and the
// caller should re-prompt.
func (m *Machine) AcceptSlotValue(slot Slot, raw string) (CollectionState, error) {
	if m.state == StateEnded {
		return m.state, badState("AcceptSlotValue", m.state)
	}
	cleaned, err := m.cleanValue(slot, raw)
	if err != nil {
		return m.state, err
	}
	m.slots.set(slot, cleaned)
	if IsAddressSlot(slot) {
		m.slots.clearVerified(slot)
		m.transition(verifyingStateFor(slot))
		return m.state, nil
	}
	m.transition(m.nextCollectionState())
	return m.state, nil
}

func (m *Machine) cleanValue(slot Slot, raw string) (string, error) {
	switch slot {
	case SlotName:
		cleaned := NormalizeName(raw)
		if cleaned == "" {
			return "", emptyValue(slot)
		}
		return cleaned, nil
	case SlotPickup, SlotDestination:
		cleaned := NormalizeAddress(raw)
		if cleaned == "" {
			return "", emptyValue(slot)
		}
		return cleaned, nil
	case SlotPassengers:
		n := NormalizePassengers(raw)
		if n < 1 || n > 8 {
			return "", passengerRange(raw)
		}
		return fmt.Sprintf("%d", n), nil
	case SlotPickupTime:
		cleaned := NormalizePickupTime(raw)
		if cleaned == "" {
			return "", emptyValue(slot)
		}
		return cleaned, nil
	default:
		return "", &Error{Code: ErrUnknownSlot, Slot: slot, Message: "unknown slot"}
	}
}

// CompletePickupVerification attaches the geocoded pickup and advances.
func (m *Machine) CompletePickupVerification(addr VerifiedAddress) error {
	return m.completeVerification(SlotPickup, StateVerifyingPickup, addr)
}

// CompleteDestinationVerification attaches the geocoded destination and advances.
func (m *Machine) CompleteDestinationVerification(addr VerifiedAddress) error {
	return m.completeVerification(SlotDestination, StateVerifyingDestination, addr)
}

func (m *Machine) completeVerification(slot Slot, expect CollectionState, addr VerifiedAddress) error {
	if m.state != expect {
		return badState("CompleteVerification", m.state)
	}
	copied := addr
	m.slots.verified[slot] = &copied
	if strings.TrimSpace(addr.Display) != "" {
		m.slots.set(slot, addr.Display)
	}
	m.transition(m.nextCollectionState())
	return nil
}

// SkipVerification accepts the raw address as-is when geocoding is
// unavailable or exhausted its clarification budget, trading strictness for
// forward progress.
func (m *Machine) SkipVerification(slot Slot, reason string) error {
	if !IsAddressSlot(slot) {
		return &Error{Code: ErrUnknownSlot, Slot: slot, Message: "not an address slot"}
	}
	if m.state != verifyingStateFor(slot) && m.state != StateAwaitingClarification {
		return badState("SkipVerification", m.state)
	}
	m.logger.Warn("verification skipped", "slot", string(slot), "reason", reason)
	m.slots.clearVerified(slot)
	m.clar = nil
	m.transition(m.nextCollectionState())
	return nil
}

// EnterClarification pushes into AwaitingClarification, remembering where to
// return on resolution.
func (m *Machine) EnterClarification(info ClarificationInfo) error {
	if m.state == StateEnded {
		return badState("EnterClarification", m.state)
	}
	if m.state != StateAwaitingClarification {
		m.clarReturn = m.state
	}
	copied := info
	m.clar = &copied
	m.transition(StateAwaitingClarification)
	return nil
}

// ClarificationExhausted reports whether the loop-breaker bound has been hit
// for the active clarification cycle.
func (m *Machine) ClarificationExhausted() bool {
	return m.clar != nil && m.clar.Attempts >= 2
}

// AcceptClarification resolves the pending ambiguity with the caller's
// answer. Address slots are re-verified; other flows resume where they left
// off.
func (m *Machine) AcceptClarification(value string) error {
	if m.state != StateAwaitingClarification || m.clar == nil {
		return badState("AcceptClarification", m.state)
	}
	slot := m.clar.Slot
	m.clar = nil
	if IsAddressSlot(slot) {
		cleaned := NormalizeAddress(value)
		if cleaned != "" {
			m.slots.set(slot, cleaned)
		}
		m.slots.clearVerified(slot)
		m.fare = nil
		m.transition(verifyingStateFor(slot))
		return nil
	}
	if strings.TrimSpace(value) != "" {
		if cleaned, err := m.cleanValue(slot, value); err == nil {
			m.slots.set(slot, cleaned)
		}
	}
	m.transition(m.clarReturn)
	return nil
}

// CorrectSlot overwrites a previously captured value. Address corrections
// invalidate the verified address and any computed fare and force the flow
// back through verification; they are never accepted silently.
func (m *Machine) CorrectSlot(slot Slot, newValue string) error {
	if m.state == StateEnded {
		return badState("CorrectSlot", m.state)
	}
	cleaned, err := m.cleanValue(slot, newValue)
	if err != nil {
		return err
	}
	m.slots.set(slot, cleaned)
	if IsAddressSlot(slot) {
		m.slots.clearVerified(slot)
		m.fare = nil
		m.structured = nil
		m.clar = nil
		m.transition(verifyingStateFor(slot))
		return nil
	}
	m.structured = nil
	// Non-address corrections keep the current position unless the slot's
	// own collection is still pending.
	if m.state == collectingStateFor(slot) {
		m.transition(m.nextCollectionState())
	}
	return nil
}

// BeginExtraction guards entry to the structured-extraction phase.
func (m *Machine) BeginExtraction() error {
	if m.state != StateReadyForExtraction {
		return badState("BeginExtraction", m.state)
	}
	if !m.slots.AllRequiredPresent() {
		return incomplete("extraction requires all slots")
	}
	m.transition(StateExtracting)
	return nil
}

// CompleteExtraction replaces the structured record wholesale.
func (m *Machine) CompleteExtraction(structured StructuredBooking) error {
	if m.state != StateExtracting {
		return badState("CompleteExtraction", m.state)
	}
	copied := structured
	m.structured = &copied
	return nil
}

// ExtractionFailed returns to ReadyForExtraction so the caller can retry or
// fall through with raw slot values.
func (m *Machine) ExtractionFailed(reason string) {
	if m.state != StateExtracting {
		return
	}
	m.logger.Warn("extraction failed", "reason", reason)
	m.transition(StateReadyForExtraction)
}

// BeginGeocoding guards entry to the fare-computation phase.
func (m *Machine) BeginGeocoding() error {
	if m.state != StateExtracting && m.state != StateReadyForExtraction {
		return badState("BeginGeocoding", m.state)
	}
	m.transition(StateGeocoding)
	return nil
}

// CompleteGeocoding stores the fare and moves to presentation.
func (m *Machine) CompleteGeocoding(fare FareResult) error {
	if m.state != StateGeocoding {
		return badState("CompleteGeocoding", m.state)
	}
	copied := fare
	m.fare = &copied
	m.transition(StatePresentingFare)
	return nil
}

// GeocodingFailed proceeds to presentation without a quote; the orchestrator
// decides how to phrase the fallback.
func (m *Machine) GeocodingFailed(reason string) {
	if m.state != StateGeocoding {
		return
	}
	m.logger.Warn("fare geocoding failed", "reason", reason)
	m.fare = nil
	m.transition(StatePresentingFare)
}

// RequestPaymentChoice marks the fare as presented and awaits the caller's
// payment answer.
func (m *Machine) RequestPaymentChoice() error {
	if m.state != StatePresentingFare {
		return badState("RequestPaymentChoice", m.state)
	}
	m.transition(StateAwaitingPaymentChoice)
	return nil
}

// AcceptPaymentChoice records the spoken payment choice and moves to final
// confirmation.
func (m *Machine) AcceptPaymentChoice(choice string) error {
	if m.state != StatePresentingFare && m.state != StateAwaitingPaymentChoice {
		return badState("AcceptPaymentChoice", m.state)
	}
	choice = strings.ToLower(strings.TrimSpace(choice))
	if choice == "" {
		return emptyValue("payment_choice")
	}
	m.payment = choice
	m.transition(StateAwaitingConfirmation)
	return nil
}

// ConfirmBooking marks the booking as caller-confirmed.
func (m *Machine) ConfirmBooking() error {
	if m.state != StateAwaitingConfirmation {
		return badState("ConfirmBooking", m.state)
	}
	m.confirmed = true
	return nil
}

// EndCall terminates the flow. Without force it is refused while required
// slots are missing, preventing premature hangup on an incomplete booking.
func (m *Machine) EndCall(force bool) error {
	if m.state == StateEnded {
		return nil
	}
	if !force && !m.slots.AllRequiredPresent() {
		return incomplete("refusing to end call with missing slots")
	}
	m.clar = nil
	m.transition(StateEnded)
	return nil
}
