package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kerbside/voicecab/pkg/booking"
)

func newBackend(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewHTTPClient(HTTPClientOptions{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	return client
}

func TestGeocodeAddress_RoundTrip(t *testing.T) {
	client := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/geocode" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["address"] != "14 Ocean Drive" || req["field"] != "pickup" {
			t.Errorf("request = %v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"display":   "14 Ocean Drive, Bondi NSW",
			"latitude":  -33.89,
			"longitude": 151.27,
		})
	})

	addr, err := client.GeocodeAddress(context.Background(), "14 Ocean Drive", booking.SlotPickup, "")
	if err != nil {
		t.Fatalf("GeocodeAddress: %v", err)
	}
	if addr.Display != "14 Ocean Drive, Bondi NSW" || addr.Ambiguous {
		t.Fatalf("addr = %+v", addr)
	}
}

func TestGeocodeAddress_Ambiguous(t *testing.T) {
	client := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"display":      "High Street",
			"ambiguous":    true,
			"alternatives": []string{"High Street North", "High Street South"},
		})
	})

	addr, err := client.GeocodeAddress(context.Background(), "High Street", booking.SlotPickup, "")
	if err != nil {
		t.Fatalf("GeocodeAddress: %v", err)
	}
	if !addr.Ambiguous || len(addr.Alternatives) != 2 {
		t.Fatalf("addr = %+v", addr)
	}
}

func TestCalculateFare_ErrorStatus(t *testing.T) {
	client := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "zone not covered", http.StatusUnprocessableEntity)
	})

	_, err := client.CalculateFare(context.Background(), booking.StructuredBooking{})
	if err == nil {
		t.Fatal("expected error on non-200 status")
	}
}

func TestCreateAndDispatch_ReturnsReference(t *testing.T) {
	client := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/dispatch" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["fare_amount"] != 20.0 {
			t.Errorf("fare_amount = %v", req["fare_amount"])
		}
		json.NewEncoder(w).Encode(BookingRef{Reference: "BK123", DispatchStatus: "dispatched"})
	})

	ref, err := client.CreateAndDispatch(context.Background(),
		booking.StructuredBooking{CallerName: "Sarah"},
		&booking.FareResult{Amount: 20})
	if err != nil {
		t.Fatalf("CreateAndDispatch: %v", err)
	}
	if ref.Reference != "BK123" {
		t.Fatalf("ref = %+v", ref)
	}
}

func TestExtract_MapsSlots(t *testing.T) {
	client := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Slots map[string]string `json:"slots"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Slots["passengers"] != "2" {
			t.Errorf("slots = %v", req.Slots)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"caller_name": "Sarah",
			"passengers":  2,
			"pickup_asap": true,
		})
	})

	structured, err := client.Extract(context.Background(), map[booking.Slot]string{
		booking.SlotPassengers: "2",
	}, "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if structured.CallerName != "Sarah" || structured.Passengers != 2 || !structured.PickupASAP {
		t.Fatalf("structured = %+v", structured)
	}
}
