package booking

import (
	"context"
	"log/slog"
	"strings"
)

// Correction names a previously filled slot and its replacement value.
type Correction struct {
	Slot  Slot
	Value string
}

// Classifier attempts to identify a correction in free-form caller speech.
// Implementations may call a remote model; the resolver treats any error or
// nil result as inconclusive and falls back to pattern matching.
type Classifier interface {
	Classify(ctx context.Context, utterance string, filled map[Slot]string) (*Correction, error)
}

// Resolver decides whether an utterance answers the current prompt, amends a
// previously filled slot, or neither.
type Resolver struct {
	classifier Classifier
	logger     *slog.Logger
}

type ResolverOptions struct {
	Classifier Classifier
	Logger     *slog.Logger
}

func NewResolver(opts ResolverOptions) *Resolver {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Resolver{classifier: opts.Classifier, logger: opts.Logger}
}

// correctionMarkers gate the expensive classification step. An utterance that
// opens with none of these is treated as an ordinary answer without paying
// remote-call latency.
var correctionMarkers = []string{
	"no,", "no ", "nope", "not ", "actually", "sorry", "wait",
	"change", "wrong", "instead", "i said", "i meant", "make it",
	"it's not", "that's not", "that is not", "scratch that",
}

// looksLikeCorrection is the cheap local gate.
func looksLikeCorrection(utterance string) bool {
	lower := strings.ToLower(strings.TrimSpace(utterance))
	if lower == "no" {
		return true
	}
	for _, marker := range correctionMarkers {
		if strings.HasPrefix(lower, marker) {
			return true
		}
	}
	for _, marker := range []string{" not the ", " change the ", " change my ", " instead of "} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Resolve returns the correction an utterance encodes, or nil when it should
// be treated as a direct answer. Only already-filled slots can be corrected.
func (r *Resolver) Resolve(ctx context.Context, utterance string, filled map[Slot]string) *Correction {
	if strings.TrimSpace(utterance) == "" || len(filled) == 0 {
		return nil
	}
	if !looksLikeCorrection(utterance) {
		return nil
	}
	if r.classifier != nil {
		correction, err := r.classifier.Classify(ctx, utterance, filled)
		if err != nil {
			r.logger.Warn("correction classifier failed, using pattern fallback", "error", err)
		} else if correction != nil {
			if _, ok := filled[correction.Slot]; ok && strings.TrimSpace(correction.Value) != "" {
				return correction
			}
		}
	}
	return patternCorrection(utterance, filled)
}

// slotKeywords maps spoken field references to slots for the deterministic
// fallback extractor.
var slotKeywords = []struct {
	keyword string
	slot    Slot
}{
	{"pickup address", SlotPickup},
	{"pick up address", SlotPickup},
	{"pickup", SlotPickup},
	{"pick up", SlotPickup},
	{"pick me up", SlotPickup},
	{"collect me", SlotPickup},
	{"from", SlotPickup},
	{"destination", SlotDestination},
	{"drop off", SlotDestination},
	{"dropoff", SlotDestination},
	{"drop me", SlotDestination},
	{"going to", SlotDestination},
	{"go to", SlotDestination},
	{"passengers", SlotPassengers},
	{"passenger", SlotPassengers},
	{"people", SlotPassengers},
	{"of us", SlotPassengers},
	{"pickup time", SlotPickupTime},
	{"time", SlotPickupTime},
	{"when", SlotPickupTime},
	{"name", SlotName},
}

var valueConnectors = []string{" is ", " to ", " should be ", ": ", " of "}

func patternCorrection(utterance string, filled map[Slot]string) *Correction {
	lower := strings.ToLower(utterance)
	for _, entry := range slotKeywords {
		idx := strings.Index(lower, entry.keyword)
		if idx < 0 {
			continue
		}
		if _, ok := filled[entry.slot]; !ok {
			continue
		}
		rest := utterance[idx+len(entry.keyword):]
		value := extractValue(rest)
		if value == "" {
			continue
		}
		return &Correction{Slot: entry.slot, Value: value}
	}
	return nil
}

func extractValue(rest string) string {
	lower := strings.ToLower(rest)
	for _, conn := range valueConnectors {
		if idx := strings.Index(lower, conn); idx >= 0 {
			return strings.Trim(strings.TrimSpace(rest[idx+len(conn):]), ".!?,")
		}
	}
	trimmed := strings.Trim(strings.TrimSpace(rest), ".!?,")
	if len(strings.Fields(trimmed)) == 0 {
		return ""
	}
	return trimmed
}

// VerificationContext carries the three signals reconciled during address
// read-back: the question that prompted the utterance, the caller's raw
// transcript, and the assistant's own spoken interpretation.
type VerificationContext struct {
	Slot              Slot
	Question          string
	CallerText        string
	AssistantReadback string
}

// VerificationOutcome is the resolver's verdict on a read-back response.
type VerificationOutcome struct {
	Confirmed bool
	// CorrectedValue is non-empty when the caller supplied a replacement
	// address; a rejection without one means re-prompt.
	CorrectedValue string
}

var affirmatives = []string{
	"yes", "yeah", "yep", "yup", "correct", "right", "that's right",
	"that is right", "that's correct", "that is correct", "exactly",
	"perfect", "spot on", "that's it", "that's the one", "aye", "sure",
}

// ResolveVerification decides between "confirmed" and "corrected" for an
// address under read-back. Voice transcription of addresses is unreliable, so
// a bare affirmative confirms the assistant's interpretation rather than the
// raw caller transcript.
func (r *Resolver) ResolveVerification(vc VerificationContext) VerificationOutcome {
	text := strings.ToLower(strings.Trim(strings.TrimSpace(vc.CallerText), ".!?,"))
	if text == "" {
		return VerificationOutcome{}
	}
	for _, word := range affirmatives {
		if text == word || strings.HasPrefix(text, word+" ") || strings.HasPrefix(text, word+",") {
			// "yes but it's 14 not 40" still corrects.
			if !looksLikeCorrection(strings.TrimPrefix(text, word)) {
				return VerificationOutcome{Confirmed: true}
			}
		}
	}
	if looksLikeCorrection(vc.CallerText) {
		value := strippedCorrectionValue(vc.CallerText)
		if value != "" && !strings.EqualFold(value, strings.TrimSpace(vc.AssistantReadback)) {
			return VerificationOutcome{CorrectedValue: value}
		}
		return VerificationOutcome{}
	}
	// Neither a clean confirm nor an explicit rejection: if the utterance
	// looks like a full replacement address, take it as a correction.
	if len(strings.Fields(vc.CallerText)) >= 2 && containsDigit(vc.CallerText) {
		return VerificationOutcome{CorrectedValue: NormalizeAddress(vc.CallerText)}
	}
	return VerificationOutcome{}
}

var rejectionOpeners = []string{"no", "nope", "nah"}

var rejectionPhrases = []string{
	"don't book", "do not book", "don't want", "do not want",
	"cancel", "forget it", "never mind", "nevermind", "leave it",
	"changed my mind",
}

// RejectsOutright reports a flat refusal: a clear "no" or cancel phrase with
// no affirmative opening. Used at final confirmation, where a refusal must
// end the call rather than re-prompt forever.
func (r *Resolver) RejectsOutright(text string) bool {
	t := strings.ToLower(strings.Trim(strings.TrimSpace(text), ".!?,"))
	if t == "" {
		return false
	}
	for _, word := range affirmatives {
		if t == word || strings.HasPrefix(t, word+" ") || strings.HasPrefix(t, word+",") {
			return false
		}
	}
	for _, opener := range rejectionOpeners {
		if t == opener || strings.HasPrefix(t, opener+" ") || strings.HasPrefix(t, opener+",") {
			return true
		}
	}
	for _, phrase := range rejectionPhrases {
		if strings.Contains(t, phrase) {
			return true
		}
	}
	return false
}

// strippedCorrectionValue removes leading rejection markers and connective
// filler, leaving the replacement value if one was spoken.
func strippedCorrectionValue(text string) string {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)
	for _, marker := range []string{"no,", "no.", "no ", "nope,", "nope ", "not ", "actually,", "actually ", "sorry,", "sorry ", "wrong,", "wrong ", "that's wrong,", "that's wrong "} {
		if strings.HasPrefix(lower, marker) {
			trimmed = strings.TrimSpace(trimmed[len(marker):])
			lower = strings.ToLower(trimmed)
		}
	}
	for _, connector := range []string{"it's ", "it is ", "i said ", "i meant ", "make it ", "should be ", "the address is "} {
		if strings.HasPrefix(lower, connector) {
			trimmed = strings.TrimSpace(trimmed[len(connector):])
			break
		}
	}
	trimmed = strings.Trim(trimmed, ".!?,")
	if strings.EqualFold(trimmed, "no") || trimmed == "" {
		return ""
	}
	return NormalizeAddress(trimmed)
}

func containsDigit(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}
