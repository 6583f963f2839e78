// Package booking owns the deterministic side of a voice taxi-booking call:
// the slot store, the collection state machine, and the correction resolver.
package booking

import (
	"strconv"
	"strings"
)

// Slot identifies one named field of the booking form.
type Slot string

const (
	SlotName        Slot = "caller_name"
	SlotPickup      Slot = "pickup"
	SlotDestination Slot = "destination"
	SlotPassengers  Slot = "passengers"
	SlotPickupTime  Slot = "pickup_time"
)

// RequiredSlots lists the five slots in collection order.
var RequiredSlots = []Slot{SlotName, SlotPickup, SlotDestination, SlotPassengers, SlotPickupTime}

// IsAddressSlot reports whether the slot holds an address that needs
// read-back verification before it is trusted.
func IsAddressSlot(s Slot) bool {
	return s == SlotPickup || s == SlotDestination
}

// VerifiedAddress is the geocoder's view of a spoken address. It is attached
// to an address slot after verification and cleared on any correction.
type VerifiedAddress struct {
	Display      string
	Latitude     float64
	Longitude    float64
	Ambiguous    bool
	Alternatives []string
}

// Slots holds raw and cleaned values for the required booking fields plus any
// verified-address results. Pure data; mutated only by the state machine and
// the resolver. Lifetime is one call.
type Slots struct {
	values   map[Slot]string
	verified map[Slot]*VerifiedAddress
}

func NewSlots() *Slots {
	return &Slots{
		values:   make(map[Slot]string, len(RequiredSlots)),
		verified: make(map[Slot]*VerifiedAddress, 2),
	}
}

// Get returns the stored raw value for a slot ("" when unfilled).
func (s *Slots) Get(slot Slot) string {
	if s == nil {
		return ""
	}
	return s.values[slot]
}

func (s *Slots) set(slot Slot, value string) {
	s.values[slot] = strings.TrimSpace(value)
}

func (s *Slots) clearVerified(slot Slot) {
	delete(s.verified, slot)
}

// Verified returns the verified address attached to an address slot, if any.
func (s *Slots) Verified(slot Slot) *VerifiedAddress {
	if s == nil {
		return nil
	}
	return s.verified[slot]
}

// Filled reports whether the slot holds a non-empty value.
func (s *Slots) Filled(slot Slot) bool {
	return strings.TrimSpace(s.Get(slot)) != ""
}

// AllRequiredPresent reports whether every required slot is filled.
func (s *Slots) AllRequiredPresent() bool {
	for _, slot := range RequiredSlots {
		if !s.Filled(slot) {
			return false
		}
	}
	return true
}

// FilledValues returns a copy of all non-empty slot values.
func (s *Slots) FilledValues() map[Slot]string {
	out := make(map[Slot]string, len(s.values))
	for slot, v := range s.values {
		if strings.TrimSpace(v) != "" {
			out[slot] = v
		}
	}
	return out
}

// StructuredBooking is the canonical post-extraction record. It is immutable
// once produced; a new extraction pass supersedes it wholesale.
type StructuredBooking struct {
	CallerName         string
	PickupAddress      string
	DestinationAddress string
	Passengers         int
	PickupTime         string
	PickupASAP         bool
}

// FareResult is the computed quote for a booking. Any address correction
// voids it.
type FareResult struct {
	Amount           float64
	SpokenFare       string
	DistanceKM       float64
	ETAMinutes       int
	Zone             string
	PickupAmbiguous  bool
	DropoffAmbiguous bool
}

// ClarificationInfo exists only while the call is awaiting a clarification
// answer; it is discarded on resolution.
type ClarificationInfo struct {
	Slot         Slot
	Prompt       string
	Alternatives []string
	Attempts     int
}

// asapSynonyms maps immediate-travel phrases, including common
// mis-transcriptions, to the canonical ASAP token.
var asapSynonyms = map[string]struct{}{
	"now":                 {},
	"right now":           {},
	"asap":                {},
	"a sap":               {},
	"a s a p":             {},
	"as soon as possible": {},
	"straight away":       {},
	"straightaway":        {},
	"right away":          {},
	"immediately":         {},
	"as soon as you can":  {},
}

// NormalizePickupTime collapses immediate-travel synonyms to "ASAP" and trims
// everything else.
func NormalizePickupTime(raw string) string {
	trimmed := strings.TrimSpace(raw)
	key := strings.ToLower(strings.TrimRight(trimmed, ".!?,"))
	key = strings.Join(strings.Fields(key), " ")
	for _, prefix := range []string{"uh ", "um ", "er "} {
		key = strings.TrimPrefix(key, prefix)
	}
	if _, ok := asapSynonyms[key]; ok {
		return "ASAP"
	}
	return trimmed
}

// passengerWords covers number words and the homophones voice transcription
// substitutes for them.
var passengerWords = map[string]int{
	"one": 1, "won": 1, "a": 1, "just me": 1, "only me": 1,
	"two": 2, "to": 2, "too": 2, "a couple": 2, "couple": 2,
	"three": 3, "free": 3,
	"four": 4, "for": 4, "fore": 4,
	"five": 5,
	"six": 6,
	"seven": 7,
	"eight": 8, "ate": 8,
}

// NormalizePassengers converts a spoken passenger count to an integer,
// resolving homophones before digit parsing. Returns 0 when unparseable.
func NormalizePassengers(raw string) int {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.TrimRight(key, ".!?,")
	key = strings.TrimSuffix(key, " passengers")
	key = strings.TrimSuffix(key, " passenger")
	key = strings.TrimSuffix(key, " people")
	key = strings.TrimSuffix(key, " of us")
	key = strings.Join(strings.Fields(key), " ")
	if n, ok := passengerWords[key]; ok {
		return n
	}
	if n, err := strconv.Atoi(key); err == nil {
		return n
	}
	// "there are four", "it's just two"
	fields := strings.Fields(key)
	if len(fields) > 0 {
		last := fields[len(fields)-1]
		if n, ok := passengerWords[last]; ok {
			return n
		}
		if n, err := strconv.Atoi(last); err == nil {
			return n
		}
	}
	return 0
}

var nameFillerPrefixes = []string{
	"my name is ",
	"my name's ",
	"the name is ",
	"the name's ",
	"name is ",
	"this is ",
	"it's ",
	"it is ",
	"i'm ",
	"i am ",
	"call me ",
	"yes it's ",
	"yeah it's ",
}

// NormalizeName strips conversational filler and self-introduction prefixes
// from a spoken name.
func NormalizeName(raw string) string {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimRight(trimmed, ".!?,")
	lower := strings.ToLower(trimmed)
	for _, filler := range []string{"uh ", "um ", "er ", "well ", "yes ", "yeah ", "hi ", "hello "} {
		if strings.HasPrefix(lower, filler) {
			trimmed = strings.TrimSpace(trimmed[len(filler):])
			lower = strings.ToLower(trimmed)
		}
	}
	for _, prefix := range nameFillerPrefixes {
		if strings.HasPrefix(lower, prefix) {
			trimmed = strings.TrimSpace(trimmed[len(prefix):])
			break
		}
	}
	return strings.TrimSpace(trimmed)
}

// NormalizeAddress trims and collapses whitespace in a spoken address.
func NormalizeAddress(raw string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(raw)), " ")
}
