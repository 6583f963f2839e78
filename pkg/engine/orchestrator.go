package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/kerbside/voicecab/pkg/booking"
	"github.com/kerbside/voicecab/pkg/services"
)

// sessionControl is the slice of Transport the orchestrator drives; tests
// substitute a recorder.
type sessionControl interface {
	RequestTurn(instructions string)
	InjectSystemNote(text string)
	SetAwaitingConfirmation(v bool)
	ShutdownAfterDrain(reason EndReason)
	Emit(event Event)
}

// toolKind is the closed set of tools the upstream agent may call. Anything
// else is an error result, never a crash.
type toolKind string

const (
	toolSyncBookingData toolKind = "sync_booking_data"
	toolBookTaxi        toolKind = "book_taxi"
	toolEndCall         toolKind = "end_call"
)

// Orchestrator binds the transport to the booking state machine: it routes
// caller transcripts through the correction resolver, runs the verification
// and clarification flows, drives the extraction/fare pipeline, and answers
// upstream tool calls. It runs entirely on the session event loop.
type Orchestrator struct {
	control  sessionControl
	machine  *booking.Machine
	resolver *booking.Resolver

	geocoder   services.Geocoder
	fareQuoter services.FareQuoter
	extractor  services.Extractor
	dispatcher services.Dispatcher

	logger         *slog.Logger
	companyName    string
	quoteUpfront   bool
	serviceTimeout time.Duration

	lastQuestion string
	lastReadback string

	// clarAttempts survives AcceptClarification, which discards the
	// machine's ClarificationInfo; without it the loop breaker would reset
	// every cycle.
	clarAttempts    map[booking.Slot]int
	confirmAttempts int
	dispatched      *services.BookingRef
}

// OrchestratorOptions wires an Orchestrator.
type OrchestratorOptions struct {
	Control    sessionControl
	Machine    *booking.Machine
	Resolver   *booking.Resolver
	Geocoder   services.Geocoder
	FareQuoter services.FareQuoter
	Extractor  services.Extractor
	Dispatcher services.Dispatcher
	Logger     *slog.Logger

	CompanyName string
	// QuoteUpfront permits speaking a fare before dispatch. When false (or
	// when no quote exists) the instructions forbid naming any price.
	QuoteUpfront   bool
	ServiceTimeout time.Duration
}

func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Control == nil {
		return nil, fmt.Errorf("session control is required")
	}
	if opts.Machine == nil {
		return nil, fmt.Errorf("booking machine is required")
	}
	if opts.Resolver == nil {
		opts.Resolver = booking.NewResolver(booking.ResolverOptions{Logger: opts.Logger})
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CompanyName == "" {
		opts.CompanyName = "the taxi company"
	}
	if opts.ServiceTimeout <= 0 {
		opts.ServiceTimeout = 5 * time.Second
	}
	return &Orchestrator{
		control:        opts.Control,
		machine:        opts.Machine,
		resolver:       opts.Resolver,
		geocoder:       opts.Geocoder,
		fareQuoter:     opts.FareQuoter,
		extractor:      opts.Extractor,
		dispatcher:     opts.Dispatcher,
		logger:         opts.Logger,
		companyName:    opts.CompanyName,
		quoteUpfront:   opts.QuoteUpfront,
		serviceTimeout: opts.ServiceTimeout,
		clarAttempts:   make(map[booking.Slot]int, 2),
	}, nil
}

// Start opens collection and greets the caller. Call once, before any caller
// transcript can arrive.
func (o *Orchestrator) Start() {
	if err := o.machine.BeginCollection(); err != nil {
		o.logger.Warn("begin collection refused", "error", err)
		return
	}
	o.promptForCurrentState(fmt.Sprintf(
		"Greet the caller warmly on behalf of %s and say you can book them a taxi. Then %s",
		o.companyName, o.questionForState()))
}

// pricePattern catches a spoken fare claim in assistant output.
var pricePattern = regexp.MustCompile(`(?i)[$£€]\s?\d|\b\d+(\.\d+)?\s?(dollars|pounds|euros|bucks|quid)\b|\bfare (is|will be|comes to)\b`)

// OnAssistantTranscript tracks the assistant's spoken interpretation; during
// address verification it is the read-back the caller is confirming.
func (o *Orchestrator) OnAssistantTranscript(text string) {
	switch o.machine.State() {
	case booking.StateVerifyingPickup, booking.StateVerifyingDestination:
		o.lastReadback = text
		return
	}
	// A spoken price with no computed quote is an invented promise; correct
	// the record immediately.
	if o.machine.Fare() == nil && pricePattern.MatchString(text) {
		o.logger.Warn("assistant spoke a price with no computed fare")
		o.control.InjectSystemNote("No fare has been computed for this booking. Do not state a price; if asked, say the driver will confirm the fare.")
	}
}

// OnCallerTranscript routes one finalized caller utterance.
func (o *Orchestrator) OnCallerTranscript(text string) {
	text = strings.TrimSpace(text)
	if text == "" || o.machine.State() == booking.StateEnded {
		return
	}

	// Corrections outrank the current prompt in every state.
	if correction := o.resolveCorrection(text); correction != nil {
		o.applyCorrection(*correction)
		return
	}

	switch state := o.machine.State(); state {
	case booking.StateVerifyingPickup, booking.StateVerifyingDestination:
		o.handleVerificationAnswer(text)
	case booking.StateAwaitingClarification:
		o.handleClarificationAnswer(text)
	case booking.StateAwaitingPaymentChoice, booking.StatePresentingFare:
		o.handlePaymentAnswer(text)
	case booking.StateAwaitingConfirmation:
		o.handleConfirmationAnswer(text)
	default:
		o.handleSlotAnswer(text)
	}
}

func (o *Orchestrator) resolveCorrection(text string) *booking.Correction {
	ctx, cancel := context.WithTimeout(context.Background(), o.serviceTimeout)
	defer cancel()
	return o.resolver.Resolve(ctx, text, o.machine.Slots().FilledValues())
}

func (o *Orchestrator) applyCorrection(c booking.Correction) {
	if err := o.machine.CorrectSlot(c.Slot, c.Value); err != nil {
		o.logger.Warn("correction rejected", "slot", string(c.Slot), "error", err)
		o.promptForCurrentState(fmt.Sprintf(
			"The caller tried to change their %s but the value %q was not usable. Apologize briefly and ask again for it.",
			speakableSlot(c.Slot), c.Value))
		return
	}
	o.logger.Info("slot corrected", "slot", string(c.Slot))
	if booking.IsAddressSlot(c.Slot) {
		delete(o.clarAttempts, c.Slot)
		o.askReadback(c.Slot)
		return
	}
	o.advanceAfterFill(fmt.Sprintf("Acknowledge the updated %s. ", speakableSlot(c.Slot)))
}

func (o *Orchestrator) handleSlotAnswer(text string) {
	slot, ok := o.machine.CurrentSlot()
	if !ok {
		// Extraction/geocoding states; the pipeline owns the conversation.
		o.logger.Debug("transcript outside collection ignored", "state", o.machine.State().String())
		return
	}
	if _, err := o.machine.AcceptSlotValue(slot, text); err != nil {
		o.logger.Info("slot answer rejected", "slot", string(slot), "error", err)
		o.promptForCurrentState(rePromptInstructions(slot, err))
		return
	}
	if booking.IsAddressSlot(slot) {
		o.askReadback(slot)
		return
	}
	o.advanceAfterFill("")
}

// askReadback starts the read-back verification turn for an address slot.
func (o *Orchestrator) askReadback(slot booking.Slot) {
	value := o.machine.Slots().Get(slot)
	o.lastReadback = value
	o.lastQuestion = fmt.Sprintf("Read back the %s %q and ask if that is right.", speakableSlot(slot), value)
	o.control.RequestTurn(o.lastQuestion)
}

func (o *Orchestrator) handleVerificationAnswer(text string) {
	slot, ok := o.machine.CurrentSlot()
	if !ok {
		return
	}
	outcome := o.resolver.ResolveVerification(booking.VerificationContext{
		Slot:              slot,
		Question:          o.lastQuestion,
		CallerText:        text,
		AssistantReadback: o.lastReadback,
	})
	switch {
	case outcome.Confirmed:
		o.verifyAddress(slot)
	case outcome.CorrectedValue != "":
		if err := o.machine.CorrectSlot(slot, outcome.CorrectedValue); err != nil {
			o.promptForCurrentState(rePromptInstructions(slot, err))
			return
		}
		o.askReadback(slot)
	default:
		o.askReadback(slot)
	}
}

// verifyAddress geocodes a confirmed address. Ambiguity becomes a bounded
// clarification cycle; collaborator failure degrades to the raw value.
func (o *Orchestrator) verifyAddress(slot booking.Slot) {
	raw := o.machine.Slots().Get(slot)
	if o.geocoder == nil {
		o.skipVerification(slot, "no geocoder configured")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.serviceTimeout)
	addr, err := o.geocoder.GeocodeAddress(ctx, raw, slot, o.callContext())
	cancel()
	if err != nil {
		o.logger.Warn("geocode failed", "slot", string(slot), "error", err)
		o.skipVerification(slot, err.Error())
		return
	}
	if addr.Ambiguous {
		o.enterClarification(slot, addr.Alternatives)
		return
	}
	o.completeVerification(slot, *addr)
}

func (o *Orchestrator) completeVerification(slot booking.Slot, addr booking.VerifiedAddress) {
	var err error
	if slot == booking.SlotPickup {
		err = o.machine.CompletePickupVerification(addr)
	} else {
		err = o.machine.CompleteDestinationVerification(addr)
	}
	if err != nil {
		o.logger.Warn("verification completion refused", "slot", string(slot), "error", err)
		return
	}
	delete(o.clarAttempts, slot)
	o.advanceAfterFill(fmt.Sprintf("Confirm the %s is locked in. ", speakableSlot(slot)))
}

func (o *Orchestrator) skipVerification(slot booking.Slot, reason string) {
	if err := o.machine.SkipVerification(slot, reason); err != nil {
		o.logger.Warn("skip verification refused", "slot", string(slot), "error", err)
		return
	}
	delete(o.clarAttempts, slot)
	o.advanceAfterFill(fmt.Sprintf("Accept the %s as given. ", speakableSlot(slot)))
}

func (o *Orchestrator) enterClarification(slot booking.Slot, alternatives []string) {
	o.clarAttempts[slot]++
	attempts := o.clarAttempts[slot]
	prompt := clarificationPrompt(slot, alternatives)
	if err := o.machine.EnterClarification(booking.ClarificationInfo{
		Slot:         slot,
		Prompt:       prompt,
		Alternatives: alternatives,
		Attempts:     attempts,
	}); err != nil {
		o.logger.Warn("clarification refused", "slot", string(slot), "error", err)
		return
	}
	if o.machine.ClarificationExhausted() {
		// Loop breaker: stop re-asking and move on with what we have.
		o.skipVerification(slot, "clarification attempts exhausted")
		return
	}
	o.lastQuestion = prompt
	o.control.RequestTurn(prompt)
}

func (o *Orchestrator) handleClarificationAnswer(text string) {
	clar := o.machine.Clarification()
	if clar == nil {
		o.handleSlotAnswer(text)
		return
	}
	slot := clar.Slot
	if err := o.machine.AcceptClarification(text); err != nil {
		o.logger.Warn("clarification answer refused", "error", err)
		return
	}
	if booking.IsAddressSlot(slot) {
		// Re-verify the disambiguated address directly; the caller just
		// chose it, another read-back would grate.
		o.verifyAddress(slot)
		return
	}
	o.advanceAfterFill("")
}

// advanceAfterFill prompts for whatever the machine wants next, kicking the
// extraction/fare pipeline when collection is complete.
func (o *Orchestrator) advanceAfterFill(ackPrefix string) {
	if o.machine.State() == booking.StateReadyForExtraction {
		o.runQuotePipeline(ackPrefix)
		return
	}
	o.promptForCurrentState(ackPrefix + o.questionForState())
}

// runQuotePipeline performs extraction and fare computation back to back,
// then presents the result and asks for payment. Each collaborator failure
// degrades rather than ending the call.
func (o *Orchestrator) runQuotePipeline(ackPrefix string) {
	if err := o.machine.BeginExtraction(); err != nil {
		o.logger.Warn("extraction refused", "error", err)
		return
	}
	structured := o.extractStructured()
	if err := o.machine.CompleteExtraction(structured); err != nil {
		o.logger.Warn("extraction completion refused", "error", err)
		return
	}
	o.control.Emit(BookingUpdatedEvent{Booking: structured})

	if err := o.machine.BeginGeocoding(); err != nil {
		o.logger.Warn("fare phase refused", "error", err)
		return
	}
	if o.fareQuoter == nil {
		o.machine.GeocodingFailed("no fare quoter configured")
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), o.serviceTimeout)
		fare, err := o.fareQuoter.CalculateFare(ctx, structured)
		cancel()
		if err != nil {
			o.machine.GeocodingFailed(err.Error())
		} else if err := o.machine.CompleteGeocoding(*fare); err != nil {
			o.logger.Warn("fare completion refused", "error", err)
		} else {
			o.control.Emit(FareReadyEvent{Fare: *fare})
		}
	}
	o.presentFare(ackPrefix)
}

// extractStructured asks the extractor for the canonical record, falling back
// to a literal mapping of the raw slot values.
func (o *Orchestrator) extractStructured() booking.StructuredBooking {
	slots := o.machine.Slots()
	if o.extractor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), o.serviceTimeout)
		structured, err := o.extractor.Extract(ctx, slots.FilledValues(), o.callContext())
		cancel()
		if err == nil && structured != nil {
			return *structured
		}
		if err != nil {
			o.logger.Warn("extractor failed, using raw slots", "error", err)
		}
	}
	return booking.StructuredBooking{
		CallerName:         slots.Get(booking.SlotName),
		PickupAddress:      slots.Get(booking.SlotPickup),
		DestinationAddress: slots.Get(booking.SlotDestination),
		Passengers:         booking.NormalizePassengers(slots.Get(booking.SlotPassengers)),
		PickupTime:         slots.Get(booking.SlotPickupTime),
		PickupASAP:         slots.Get(booking.SlotPickupTime) == "ASAP",
	}
}

func (o *Orchestrator) presentFare(ackPrefix string) {
	if err := o.machine.RequestPaymentChoice(); err != nil {
		o.logger.Warn("payment phase refused", "error", err)
		return
	}
	fare := o.machine.Fare()
	var sb strings.Builder
	sb.WriteString(ackPrefix)
	sb.WriteString("Summarize the booking: name, pickup, destination, passengers, and pickup time. ")
	if fare != nil && o.quoteUpfront && fare.SpokenFare != "" {
		fmt.Fprintf(&sb, "Quote the fare as exactly %q; never change or round it. ", fare.SpokenFare)
	} else {
		// No quote exists; a spoken price here would be an invented promise.
		sb.WriteString("Do not state any price; say the driver will confirm the fare. ")
	}
	sb.WriteString("Then ask whether they will pay by card or cash.")
	o.lastQuestion = sb.String()
	o.control.RequestTurn(o.lastQuestion)
}

func (o *Orchestrator) handlePaymentAnswer(text string) {
	if err := o.machine.AcceptPaymentChoice(text); err != nil {
		o.logger.Info("payment answer rejected", "error", err)
		o.promptForCurrentState("Ask again, simply: card or cash?")
		return
	}
	o.control.SetAwaitingConfirmation(true)
	o.confirmAttempts = 0
	o.lastQuestion = "Ask the caller to confirm the booking with a simple yes or no. Do not add new details."
	o.control.RequestTurn(o.lastQuestion)
}

// maxConfirmAttempts bounds the yes-or-no re-asks at final confirmation.
const maxConfirmAttempts = 2

func (o *Orchestrator) handleConfirmationAnswer(text string) {
	if o.resolver.RejectsOutright(text) {
		o.abandonBooking(EndReasonCallerRequest,
			"Acknowledge that the caller does not want the taxi, confirm nothing has been booked, and say goodbye.")
		return
	}
	outcome := o.resolver.ResolveVerification(booking.VerificationContext{
		Question:   o.lastQuestion,
		CallerText: text,
	})
	if !outcome.Confirmed {
		o.confirmAttempts++
		if o.confirmAttempts >= maxConfirmAttempts {
			o.abandonBooking(EndReasonGoodbye,
				"Explain you could not get a clear confirmation, so nothing has been booked, and invite them to call back. Say goodbye.")
			return
		}
		o.promptForCurrentState("The caller did not clearly confirm. Ask once more: should I book it, yes or no?")
		return
	}
	o.control.SetAwaitingConfirmation(false)
	if err := o.machine.ConfirmBooking(); err != nil {
		o.logger.Warn("confirm refused", "error", err)
		return
	}
	ref, err := o.dispatchBooking()
	if err != nil {
		o.logger.Error("dispatch failed", "error", err)
		o.control.RequestTurn("Apologize: the booking system had a problem and the booking was not placed. Offer to have someone call them back, then say goodbye.")
		o.control.ShutdownAfterDrain(EndReasonGoodbye)
		return
	}
	o.control.RequestTurn(fmt.Sprintf(
		"Tell the caller the taxi is booked, reference %s. Thank them for calling %s and say goodbye.",
		ref.Reference, o.companyName))
	o.control.ShutdownAfterDrain(EndReasonGoodbye)
}

// abandonBooking ends the call without dispatching: explicit rejection or an
// exhausted confirmation loop.
func (o *Orchestrator) abandonBooking(reason EndReason, instructions string) {
	o.control.SetAwaitingConfirmation(false)
	if err := o.machine.EndCall(true); err != nil {
		o.logger.Warn("end call refused", "error", err)
	}
	o.logger.Info("booking abandoned at confirmation", "reason", string(reason))
	o.control.RequestTurn(instructions)
	o.control.ShutdownAfterDrain(reason)
}

func (o *Orchestrator) dispatchBooking() (*services.BookingRef, error) {
	if o.dispatched != nil {
		return o.dispatched, nil
	}
	if o.dispatcher == nil {
		return nil, fmt.Errorf("no dispatcher configured")
	}
	structured := o.machine.Structured()
	if structured == nil {
		fallback := o.extractStructured()
		structured = &fallback
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.serviceTimeout)
	defer cancel()
	ref, err := o.dispatcher.CreateAndDispatch(ctx, *structured, o.machine.Fare())
	if err != nil {
		return nil, err
	}
	o.dispatched = ref
	o.control.Emit(BookingDispatchedEvent{Ref: *ref})
	return ref, nil
}

// HandleTool answers an upstream tool call.
func (o *Orchestrator) HandleTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	switch toolKind(name) {
	case toolSyncBookingData:
		return o.toolSync(args)
	case toolBookTaxi:
		return o.toolBook(args)
	case toolEndCall:
		return o.toolEnd(args)
	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}

// bookingFieldArgs is the slot payload both data tools share: every field is
// optional and only present fields are applied.
type bookingFieldArgs struct {
	CallerName  string `json:"caller_name"`
	Pickup      string `json:"pickup"`
	Destination string `json:"destination"`
	Passengers  string `json:"passengers"`
	PickupTime  string `json:"pickup_time"`
}

func (a bookingFieldArgs) bySlot() map[booking.Slot]string {
	return map[booking.Slot]string{
		booking.SlotName:        a.CallerName,
		booking.SlotPickup:      a.Pickup,
		booking.SlotDestination: a.Destination,
		booking.SlotPassengers:  a.Passengers,
		booking.SlotPickupTime:  a.PickupTime,
	}
}

// applyBookingFields pushes each present field into the machine. Unchanged
// values are skipped so a redundant sync cannot rewind address verification.
func (o *Orchestrator) applyBookingFields(fields map[booking.Slot]string) error {
	for _, slot := range booking.RequiredSlots {
		value := strings.TrimSpace(fields[slot])
		if value == "" || strings.EqualFold(value, o.machine.Slots().Get(slot)) {
			continue
		}
		if err := o.machine.CorrectSlot(slot, value); err != nil {
			return fmt.Errorf("apply %s: %w", string(slot), err)
		}
	}
	return nil
}

// currentQuote returns the computed fare, pricing the booking on demand when
// none exists yet.
func (o *Orchestrator) currentQuote() (*booking.FareResult, error) {
	if fare := o.machine.Fare(); fare != nil {
		return fare, nil
	}
	if o.fareQuoter == nil {
		return nil, fmt.Errorf("no fare quoter configured")
	}
	structured := o.machine.Structured()
	if structured == nil {
		fallback := o.extractStructured()
		structured = &fallback
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.serviceTimeout)
	defer cancel()
	return o.fareQuoter.CalculateFare(ctx, *structured)
}

func (o *Orchestrator) toolSync(args json.RawMessage) (any, error) {
	var req bookingFieldArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, fmt.Errorf("decode sync_booking_data args: %w", err)
		}
	}
	if err := o.applyBookingFields(req.bySlot()); err != nil {
		return nil, err
	}
	snapshot := map[string]any{
		"state": o.machine.State().String(),
		"slots": o.machine.Slots().FilledValues(),
	}
	if o.machine.Slots().AllRequiredPresent() {
		fare, err := o.currentQuote()
		if err != nil {
			o.logger.Warn("quote for booking snapshot failed", "error", err)
		} else {
			snapshot["fare"] = fare.SpokenFare
			snapshot["eta_minutes"] = fare.ETAMinutes
		}
	}
	return snapshot, nil
}

const (
	bookActionQuote     = "request_quote"
	bookActionConfirmed = "confirmed"
)

type bookTaxiArgs struct {
	Action string `json:"action"`
	bookingFieldArgs
}

// toolBook quotes or dispatches depending on the requested action. A quote
// request must never create a booking.
func (o *Orchestrator) toolBook(args json.RawMessage) (any, error) {
	var req bookTaxiArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, fmt.Errorf("decode book_taxi args: %w", err)
		}
	}
	if err := o.applyBookingFields(req.bySlot()); err != nil {
		return nil, err
	}
	switch req.Action {
	case bookActionQuote:
		fare, err := o.currentQuote()
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"fare":        fare.SpokenFare,
			"fare_amount": fare.Amount,
			"eta_minutes": fare.ETAMinutes,
		}, nil
	case bookActionConfirmed:
		ref, err := o.dispatchBooking()
		if err != nil {
			return nil, err
		}
		return ref, nil
	default:
		return nil, fmt.Errorf("unknown book_taxi action %q", req.Action)
	}
}

type endCallArgs struct {
	Reason string `json:"reason"`
}

func (o *Orchestrator) toolEnd(args json.RawMessage) (any, error) {
	var req endCallArgs
	if len(args) > 0 {
		_ = json.Unmarshal(args, &req)
	}
	if err := o.machine.EndCall(true); err != nil {
		return nil, err
	}
	o.control.ShutdownAfterDrain(EndReasonCallerRequest)
	return map[string]string{"status": "ending", "reason": req.Reason}, nil
}

func (o *Orchestrator) promptForCurrentState(instructions string) {
	o.lastQuestion = instructions
	o.control.RequestTurn(instructions)
}

// questionForState phrases the prompt for the machine's current position.
func (o *Orchestrator) questionForState() string {
	switch o.machine.State() {
	case booking.StateCollectingName:
		return "Ask for the caller's name."
	case booking.StateCollectingPickup:
		return "Ask where they would like to be picked up."
	case booking.StateCollectingDestination:
		return "Ask where they are going."
	case booking.StateCollectingPassengers:
		return "Ask how many passengers are travelling."
	case booking.StateCollectingPickupTime:
		return "Ask when they need the taxi."
	case booking.StateAwaitingPaymentChoice:
		return "Ask whether they will pay by card or cash."
	case booking.StateAwaitingConfirmation:
		return "Ask them to confirm the booking, yes or no."
	default:
		return "Continue the booking naturally."
	}
}

func rePromptInstructions(slot booking.Slot, err error) string {
	if bErr, ok := err.(*booking.Error); ok && bErr.Code == booking.ErrPassengerRange {
		return "Explain you can book for one to eight passengers and ask again how many are travelling."
	}
	return fmt.Sprintf("You didn't catch a usable %s. Ask for it again, politely.", speakableSlot(slot))
}

func clarificationPrompt(slot booking.Slot, alternatives []string) string {
	if len(alternatives) > 0 {
		shown := alternatives
		if len(shown) > 3 {
			shown = shown[:3]
		}
		return fmt.Sprintf("The %s matched more than one place. Ask which one they mean: %s.",
			speakableSlot(slot), strings.Join(shown, "; "))
	}
	return fmt.Sprintf("The %s was unclear. Ask them to repeat it with the street and area.", speakableSlot(slot))
}

func speakableSlot(slot booking.Slot) string {
	switch slot {
	case booking.SlotName:
		return "name"
	case booking.SlotPickup:
		return "pickup address"
	case booking.SlotDestination:
		return "destination"
	case booking.SlotPassengers:
		return "passenger count"
	case booking.SlotPickupTime:
		return "pickup time"
	default:
		return string(slot)
	}
}

// callContext summarizes the booking so far for collaborator calls.
func (o *Orchestrator) callContext() string {
	filled := o.machine.Slots().FilledValues()
	if len(filled) == 0 {
		return ""
	}
	parts := make([]string, 0, len(filled))
	for _, slot := range booking.RequiredSlots {
		if v, ok := filled[slot]; ok {
			parts = append(parts, fmt.Sprintf("%s=%s", string(slot), v))
		}
	}
	return strings.Join(parts, "; ")
}
