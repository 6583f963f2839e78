package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/kerbside/voicecab/pkg/booking"
	"github.com/kerbside/voicecab/pkg/services"
)

type controlRecorder struct {
	turns     []string
	notes     []string
	awaiting  []bool
	shutdowns []EndReason
	events    []Event
}

func (c *controlRecorder) RequestTurn(instructions string) {
	c.turns = append(c.turns, instructions)
}

func (c *controlRecorder) InjectSystemNote(text string) { c.notes = append(c.notes, text) }

func (c *controlRecorder) SetAwaitingConfirmation(v bool) { c.awaiting = append(c.awaiting, v) }

func (c *controlRecorder) ShutdownAfterDrain(r EndReason) { c.shutdowns = append(c.shutdowns, r) }

func (c *controlRecorder) Emit(event Event) { c.events = append(c.events, event) }

func (c *controlRecorder) lastTurn(t *testing.T) string {
	t.Helper()
	if len(c.turns) == 0 {
		t.Fatal("no turn requested")
	}
	return c.turns[len(c.turns)-1]
}

type fakeGeocoder struct {
	calls  int
	result func(raw string, field booking.Slot) (*booking.VerifiedAddress, error)
}

func (g *fakeGeocoder) GeocodeAddress(_ context.Context, raw string, field booking.Slot, _ string) (*booking.VerifiedAddress, error) {
	g.calls++
	if g.result != nil {
		return g.result(raw, field)
	}
	return &booking.VerifiedAddress{Display: raw}, nil
}

type fakeFareQuoter struct {
	fare *booking.FareResult
	err  error
}

func (f *fakeFareQuoter) CalculateFare(context.Context, booking.StructuredBooking) (*booking.FareResult, error) {
	return f.fare, f.err
}

type fakeExtractor struct{}

func (fakeExtractor) Extract(_ context.Context, slots map[booking.Slot]string, _ string) (*booking.StructuredBooking, error) {
	return &booking.StructuredBooking{
		CallerName:         slots[booking.SlotName],
		PickupAddress:      slots[booking.SlotPickup],
		DestinationAddress: slots[booking.SlotDestination],
		Passengers:         booking.NormalizePassengers(slots[booking.SlotPassengers]),
		PickupTime:         slots[booking.SlotPickupTime],
		PickupASAP:         slots[booking.SlotPickupTime] == "ASAP",
	}, nil
}

type fakeDispatcher struct {
	calls int
	ref   *services.BookingRef
	err   error
}

func (d *fakeDispatcher) CreateAndDispatch(context.Context, booking.StructuredBooking, *booking.FareResult) (*services.BookingRef, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.ref, nil
}

type orchFixture struct {
	orch       *Orchestrator
	control    *controlRecorder
	machine    *booking.Machine
	geocoder   *fakeGeocoder
	dispatcher *fakeDispatcher
}

func newOrchFixture(t *testing.T, prefilled map[booking.Slot]string, fare *fakeFareQuoter) *orchFixture {
	t.Helper()
	control := &controlRecorder{}
	machine := booking.NewMachine(booking.MachineOptions{Prefilled: prefilled})
	geocoder := &fakeGeocoder{}
	dispatcher := &fakeDispatcher{ref: &services.BookingRef{Reference: "BK123", DispatchStatus: "dispatched"}}
	if fare == nil {
		fare = &fakeFareQuoter{fare: &booking.FareResult{Amount: 20, SpokenFare: "about twenty dollars"}}
	}
	orch, err := NewOrchestrator(OrchestratorOptions{
		Control:      control,
		Machine:      machine,
		Resolver:     booking.NewResolver(booking.ResolverOptions{}),
		Geocoder:     geocoder,
		FareQuoter:   fare,
		Extractor:    fakeExtractor{},
		Dispatcher:   dispatcher,
		CompanyName:  "City Cabs",
		QuoteUpfront: true,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return &orchFixture{orch: orch, control: control, machine: machine, geocoder: geocoder, dispatcher: dispatcher}
}

func TestOrchestrator_FullBookingFlow(t *testing.T) {
	f := newOrchFixture(t, nil, nil)
	f.geocoder.result = func(raw string, _ booking.Slot) (*booking.VerifiedAddress, error) {
		if strings.Contains(strings.ToLower(raw), "airport") {
			return &booking.VerifiedAddress{Display: "Sydney Airport"}, nil
		}
		return &booking.VerifiedAddress{Display: "14 Ocean Drive, Bondi"}, nil
	}

	f.orch.Start()
	if !strings.Contains(strings.ToLower(f.control.lastTurn(t)), "name") {
		t.Fatalf("greeting should ask for the name: %q", f.control.lastTurn(t))
	}

	f.orch.OnCallerTranscript("my name is Sarah")
	if !strings.Contains(strings.ToLower(f.control.lastTurn(t)), "picked up") {
		t.Fatalf("should ask for pickup: %q", f.control.lastTurn(t))
	}

	f.orch.OnCallerTranscript("14 Ocean Drive")
	if f.machine.State() != booking.StateVerifyingPickup {
		t.Fatalf("state = %s", f.machine.State())
	}
	f.orch.OnAssistantTranscript("I have 14 Ocean Drive as your pickup, is that right?")
	f.orch.OnCallerTranscript("yes")
	if f.machine.State() != booking.StateCollectingDestination {
		t.Fatalf("confirmed pickup should advance, state = %s", f.machine.State())
	}
	if got := f.machine.Slots().Get(booking.SlotPickup); got != "14 Ocean Drive, Bondi" {
		t.Fatalf("pickup = %q, want geocoded display", got)
	}

	f.orch.OnCallerTranscript("the airport")
	f.orch.OnCallerTranscript("yes")
	f.orch.OnCallerTranscript("two passengers")
	if f.machine.State() != booking.StateCollectingPickupTime {
		t.Fatalf("state = %s", f.machine.State())
	}

	f.orch.OnCallerTranscript("now")
	if f.machine.State() != booking.StateAwaitingPaymentChoice {
		t.Fatalf("pipeline should reach payment, state = %s", f.machine.State())
	}
	fareTurn := f.control.lastTurn(t)
	if !strings.Contains(fareTurn, "about twenty dollars") {
		t.Fatalf("fare turn should quote the spoken fare verbatim: %q", fareTurn)
	}

	f.orch.OnCallerTranscript("card")
	if f.machine.State() != booking.StateAwaitingConfirmation {
		t.Fatalf("state = %s", f.machine.State())
	}
	if len(f.control.awaiting) == 0 || !f.control.awaiting[len(f.control.awaiting)-1] {
		t.Fatal("confirmation window should widen the no-reply timeout")
	}

	f.orch.OnCallerTranscript("yes")
	if f.dispatcher.calls != 1 {
		t.Fatalf("dispatch calls = %d, want 1", f.dispatcher.calls)
	}
	if !strings.Contains(f.control.lastTurn(t), "BK123") {
		t.Fatalf("closing turn should speak the reference: %q", f.control.lastTurn(t))
	}
	if len(f.control.shutdowns) != 1 || f.control.shutdowns[0] != EndReasonGoodbye {
		t.Fatalf("shutdowns = %v", f.control.shutdowns)
	}
}

func TestOrchestrator_PassengerRangeReprompts(t *testing.T) {
	f := newOrchFixture(t, map[booking.Slot]string{
		booking.SlotName:        "Sarah",
		booking.SlotPickup:      "14 Ocean Drive",
		booking.SlotDestination: "Sydney Airport",
	}, nil)
	f.orch.Start()
	if f.machine.State() != booking.StateCollectingPassengers {
		t.Fatalf("state = %s", f.machine.State())
	}

	f.orch.OnCallerTranscript("twelve of us")
	if f.machine.State() != booking.StateCollectingPassengers {
		t.Fatalf("rejected count moved state to %s", f.machine.State())
	}
	if !strings.Contains(f.control.lastTurn(t), "one to eight") {
		t.Fatalf("re-prompt should explain the range: %q", f.control.lastTurn(t))
	}

	f.orch.OnCallerTranscript("four")
	if f.machine.State() != booking.StateCollectingPickupTime {
		t.Fatalf("state = %s", f.machine.State())
	}
}

func TestOrchestrator_VerificationCorrectionReverifies(t *testing.T) {
	f := newOrchFixture(t, map[booking.Slot]string{booking.SlotName: "Sarah"}, nil)
	f.orch.Start()

	f.orch.OnCallerTranscript("14 Ocean Drive")
	first := f.control.lastTurn(t)
	if !strings.Contains(first, "14 Ocean Drive") {
		t.Fatalf("read-back should repeat the address: %q", first)
	}

	f.orch.OnAssistantTranscript("I have 14 Ocean Drive, is that right?")
	f.orch.OnCallerTranscript("no, it's 12 Ocean Drive")
	if f.machine.State() != booking.StateVerifyingPickup {
		t.Fatalf("state = %s", f.machine.State())
	}
	second := f.control.lastTurn(t)
	if !strings.Contains(second, "12 Ocean Drive") {
		t.Fatalf("corrected read-back = %q", second)
	}
	if f.geocoder.calls != 0 {
		t.Fatal("nothing should geocode before the caller confirms")
	}

	f.orch.OnCallerTranscript("yes")
	if f.geocoder.calls != 1 {
		t.Fatalf("geocode calls = %d, want 1", f.geocoder.calls)
	}
	if got := f.machine.Slots().Get(booking.SlotPickup); got != "12 Ocean Drive" {
		t.Fatalf("pickup = %q", got)
	}
}

func TestOrchestrator_AmbiguityLoopBreaker(t *testing.T) {
	f := newOrchFixture(t, map[booking.Slot]string{booking.SlotName: "Sarah"}, nil)
	f.geocoder.result = func(raw string, _ booking.Slot) (*booking.VerifiedAddress, error) {
		return &booking.VerifiedAddress{
			Display:      raw,
			Ambiguous:    true,
			Alternatives: []string{"High Street North", "High Street South"},
		}, nil
	}
	f.orch.Start()

	f.orch.OnCallerTranscript("High Street")
	f.orch.OnCallerTranscript("yes")
	if f.machine.State() != booking.StateAwaitingClarification {
		t.Fatalf("state = %s, want AWAITING_CLARIFICATION", f.machine.State())
	}
	if !strings.Contains(f.control.lastTurn(t), "High Street North") {
		t.Fatalf("clarification should offer alternatives: %q", f.control.lastTurn(t))
	}

	// Second ambiguous round hits the attempt bound and degrades to the raw
	// address instead of looping.
	f.orch.OnCallerTranscript("High Street")
	if f.machine.State() != booking.StateCollectingDestination {
		t.Fatalf("loop breaker should advance, state = %s", f.machine.State())
	}
	if f.geocoder.calls != 2 {
		t.Fatalf("geocode calls = %d, want 2", f.geocoder.calls)
	}
}

func TestOrchestrator_NoQuoteMeansNoSpokenPrice(t *testing.T) {
	f := newOrchFixture(t, map[booking.Slot]string{
		booking.SlotName:        "Sarah",
		booking.SlotPickup:      "14 Ocean Drive",
		booking.SlotDestination: "Sydney Airport",
		booking.SlotPassengers:  "2",
	}, &fakeFareQuoter{err: fmt.Errorf("pricing backend down")})
	f.orch.Start()

	f.orch.OnCallerTranscript("now")
	if f.machine.State() != booking.StateAwaitingPaymentChoice {
		t.Fatalf("state = %s", f.machine.State())
	}
	turn := f.control.lastTurn(t)
	if !strings.Contains(turn, "Do not state any price") {
		t.Fatalf("fare turn must forbid invented prices: %q", turn)
	}
}

func TestOrchestrator_PriceGuardCorrectsInventedFare(t *testing.T) {
	f := newOrchFixture(t, nil, nil)
	f.orch.Start()

	f.orch.OnAssistantTranscript("That will be 25 dollars in total.")
	if len(f.control.notes) != 1 {
		t.Fatalf("notes = %v, want one corrective note", f.control.notes)
	}

	f.orch.OnAssistantTranscript("And what name is the booking under?")
	if len(f.control.notes) != 1 {
		t.Fatal("harmless transcript should not trigger the price guard")
	}
}

func TestOrchestrator_ToolEndCall(t *testing.T) {
	f := newOrchFixture(t, nil, nil)
	f.orch.Start()

	result, err := f.orch.HandleTool(context.Background(), "end_call", json.RawMessage(`{"reason":"caller hung up"}`))
	if err != nil {
		t.Fatalf("HandleTool: %v", err)
	}
	if result == nil {
		t.Fatal("end_call should return a status payload")
	}
	if f.machine.State() != booking.StateEnded {
		t.Fatalf("state = %s", f.machine.State())
	}
	if len(f.control.shutdowns) != 1 || f.control.shutdowns[0] != EndReasonCallerRequest {
		t.Fatalf("shutdowns = %v", f.control.shutdowns)
	}
}

func TestOrchestrator_UnknownToolRejected(t *testing.T) {
	f := newOrchFixture(t, nil, nil)
	if _, err := f.orch.HandleTool(context.Background(), "summon_helicopter", nil); err == nil {
		t.Fatal("unknown tool should error")
	}
}

func TestOrchestrator_SyncToolAppliesFields(t *testing.T) {
	f := newOrchFixture(t, map[booking.Slot]string{booking.SlotName: "Sarah"}, nil)
	f.orch.Start()

	result, err := f.orch.HandleTool(context.Background(), "sync_booking_data",
		json.RawMessage(`{"pickup":"14 Ocean Drive","passengers":"2"}`))
	if err != nil {
		t.Fatalf("HandleTool: %v", err)
	}
	snapshot, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("result type = %T", result)
	}
	slots, ok := snapshot["slots"].(map[booking.Slot]string)
	if !ok {
		t.Fatalf("slots type = %T", snapshot["slots"])
	}
	if slots[booking.SlotPickup] != "14 Ocean Drive" {
		t.Fatalf("pickup = %q, want the synced address", slots[booking.SlotPickup])
	}
	if slots[booking.SlotPassengers] != "2" {
		t.Fatalf("passengers = %q, want 2", slots[booking.SlotPassengers])
	}
	if _, ok := snapshot["fare"]; ok {
		t.Fatal("incomplete booking must not carry a fare quote")
	}
}

func TestOrchestrator_SyncToolQuotesWhenComplete(t *testing.T) {
	f := newOrchFixture(t, map[booking.Slot]string{
		booking.SlotName:        "Sarah",
		booking.SlotPickup:      "14 Ocean Drive",
		booking.SlotDestination: "Sydney Airport",
		booking.SlotPassengers:  "2",
		booking.SlotPickupTime:  "ASAP",
	}, nil)
	f.orch.Start()

	result, err := f.orch.HandleTool(context.Background(), "sync_booking_data", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("HandleTool: %v", err)
	}
	snapshot, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("result type = %T", result)
	}
	if snapshot["fare"] != "about twenty dollars" {
		t.Fatalf("fare = %v, want the spoken quote once all fields are present", snapshot["fare"])
	}
}

func TestOrchestrator_BookTaxiQuoteDoesNotDispatch(t *testing.T) {
	f := newOrchFixture(t, map[booking.Slot]string{
		booking.SlotName:        "Sarah",
		booking.SlotPickup:      "14 Ocean Drive",
		booking.SlotDestination: "Sydney Airport",
		booking.SlotPassengers:  "2",
		booking.SlotPickupTime:  "ASAP",
	}, nil)
	f.orch.Start()

	result, err := f.orch.HandleTool(context.Background(), "book_taxi",
		json.RawMessage(`{"action":"request_quote","pickup":"14 Ocean Drive","destination":"Sydney Airport"}`))
	if err != nil {
		t.Fatalf("HandleTool: %v", err)
	}
	if f.dispatcher.calls != 0 {
		t.Fatalf("dispatch calls after a quote request = %d, want 0", f.dispatcher.calls)
	}
	quote, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("result type = %T", result)
	}
	if quote["fare"] != "about twenty dollars" {
		t.Fatalf("fare = %v", quote["fare"])
	}

	result, err = f.orch.HandleTool(context.Background(), "book_taxi", json.RawMessage(`{"action":"confirmed"}`))
	if err != nil {
		t.Fatalf("HandleTool confirmed: %v", err)
	}
	if f.dispatcher.calls != 1 {
		t.Fatalf("dispatch calls after confirmation = %d, want 1", f.dispatcher.calls)
	}
	ref, ok := result.(*services.BookingRef)
	if !ok || ref.Reference != "BK123" {
		t.Fatalf("confirmed result = %#v", result)
	}
}

func TestOrchestrator_BookTaxiUnknownActionRejected(t *testing.T) {
	f := newOrchFixture(t, nil, nil)
	f.orch.Start()

	if _, err := f.orch.HandleTool(context.Background(), "book_taxi", json.RawMessage(`{"action":"teleport"}`)); err == nil {
		t.Fatal("unknown action should error")
	}
	if f.dispatcher.calls != 0 {
		t.Fatalf("dispatch calls = %d, want 0", f.dispatcher.calls)
	}
}

func confirmationFixture(t *testing.T) *orchFixture {
	t.Helper()
	f := newOrchFixture(t, map[booking.Slot]string{
		booking.SlotName:        "Sarah",
		booking.SlotPickup:      "14 Ocean Drive",
		booking.SlotDestination: "Sydney Airport",
		booking.SlotPassengers:  "2",
	}, nil)
	f.orch.Start()
	f.orch.OnCallerTranscript("now")
	f.orch.OnCallerTranscript("card")
	if f.machine.State() != booking.StateAwaitingConfirmation {
		t.Fatalf("state = %s, want AWAITING_CONFIRMATION", f.machine.State())
	}
	return f
}

func TestOrchestrator_ConfirmationRejectionEndsCall(t *testing.T) {
	f := confirmationFixture(t)

	f.orch.OnCallerTranscript("no, don't book it")
	if f.dispatcher.calls != 0 {
		t.Fatalf("dispatch calls = %d, want 0 after rejection", f.dispatcher.calls)
	}
	if f.machine.State() != booking.StateEnded {
		t.Fatalf("state = %s, want ENDED", f.machine.State())
	}
	if !strings.Contains(f.control.lastTurn(t), "nothing has been booked") {
		t.Fatalf("closing turn should confirm nothing was booked: %q", f.control.lastTurn(t))
	}
	if len(f.control.shutdowns) != 1 || f.control.shutdowns[0] != EndReasonCallerRequest {
		t.Fatalf("shutdowns = %v", f.control.shutdowns)
	}
	if f.control.awaiting[len(f.control.awaiting)-1] {
		t.Fatal("confirmation window should be closed on rejection")
	}
}

func TestOrchestrator_UnclearConfirmationIsBounded(t *testing.T) {
	f := confirmationFixture(t)

	f.orch.OnCallerTranscript("banana")
	if f.machine.State() != booking.StateAwaitingConfirmation {
		t.Fatalf("first unclear answer should re-prompt, state = %s", f.machine.State())
	}
	if len(f.control.shutdowns) != 0 {
		t.Fatalf("shutdowns = %v, want none yet", f.control.shutdowns)
	}

	f.orch.OnCallerTranscript("perhaps")
	if f.machine.State() != booking.StateEnded {
		t.Fatalf("state = %s, want ENDED after the attempt bound", f.machine.State())
	}
	if f.dispatcher.calls != 0 {
		t.Fatalf("dispatch calls = %d, want 0", f.dispatcher.calls)
	}
	if len(f.control.shutdowns) != 1 || f.control.shutdowns[0] != EndReasonGoodbye {
		t.Fatalf("shutdowns = %v", f.control.shutdowns)
	}
}
