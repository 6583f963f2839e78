package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kerbside/voicecab/pkg/booking"
)

// HTTPClient talks to the deployment's booking backend over JSON POST
// endpoints. It implements all four collaborator interfaces.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

type HTTPClientOptions struct {
	BaseURL string
	Timeout time.Duration
}

func NewHTTPClient(opts HTTPClientOptions) (*HTTPClient, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &HTTPClient{
		baseURL: opts.BaseURL,
		client:  &http.Client{Timeout: opts.Timeout},
	}, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, string(payload))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

type geocodeRequest struct {
	Address string `json:"address"`
	Field   string `json:"field"`
	Context string `json:"context,omitempty"`
}

type geocodeResponse struct {
	Display      string   `json:"display"`
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	Ambiguous    bool     `json:"ambiguous"`
	Alternatives []string `json:"alternatives,omitempty"`
}

func (c *HTTPClient) GeocodeAddress(ctx context.Context, raw string, field booking.Slot, callContext string) (*booking.VerifiedAddress, error) {
	var resp geocodeResponse
	err := c.post(ctx, "/v1/geocode", geocodeRequest{Address: raw, Field: string(field), Context: callContext}, &resp)
	if err != nil {
		return nil, err
	}
	return &booking.VerifiedAddress{
		Display:      resp.Display,
		Latitude:     resp.Latitude,
		Longitude:    resp.Longitude,
		Ambiguous:    resp.Ambiguous,
		Alternatives: resp.Alternatives,
	}, nil
}

type fareRequest struct {
	Pickup      string `json:"pickup"`
	Destination string `json:"destination"`
	Passengers  int    `json:"passengers"`
	PickupTime  string `json:"pickup_time"`
	ASAP        bool   `json:"asap"`
}

type fareResponse struct {
	Amount           float64 `json:"amount"`
	SpokenFare       string  `json:"spoken_fare"`
	DistanceKM       float64 `json:"distance_km"`
	ETAMinutes       int     `json:"eta_minutes"`
	Zone             string  `json:"zone"`
	PickupAmbiguous  bool    `json:"pickup_ambiguous"`
	DropoffAmbiguous bool    `json:"dropoff_ambiguous"`
}

func (c *HTTPClient) CalculateFare(ctx context.Context, b booking.StructuredBooking) (*booking.FareResult, error) {
	var resp fareResponse
	err := c.post(ctx, "/v1/fare", fareRequest{
		Pickup:      b.PickupAddress,
		Destination: b.DestinationAddress,
		Passengers:  b.Passengers,
		PickupTime:  b.PickupTime,
		ASAP:        b.PickupASAP,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &booking.FareResult{
		Amount:           resp.Amount,
		SpokenFare:       resp.SpokenFare,
		DistanceKM:       resp.DistanceKM,
		ETAMinutes:       resp.ETAMinutes,
		Zone:             resp.Zone,
		PickupAmbiguous:  resp.PickupAmbiguous,
		DropoffAmbiguous: resp.DropoffAmbiguous,
	}, nil
}

type extractRequest struct {
	Slots   map[string]string `json:"slots"`
	Context string            `json:"context,omitempty"`
}

type extractResponse struct {
	CallerName         string `json:"caller_name"`
	PickupAddress      string `json:"pickup_address"`
	DestinationAddress string `json:"destination_address"`
	Passengers         int    `json:"passengers"`
	PickupTime         string `json:"pickup_time"`
	PickupASAP         bool   `json:"pickup_asap"`
}

func (c *HTTPClient) Extract(ctx context.Context, slots map[booking.Slot]string, callContext string) (*booking.StructuredBooking, error) {
	req := extractRequest{Slots: make(map[string]string, len(slots)), Context: callContext}
	for slot, value := range slots {
		req.Slots[string(slot)] = value
	}
	var resp extractResponse
	if err := c.post(ctx, "/v1/extract", req, &resp); err != nil {
		return nil, err
	}
	return &booking.StructuredBooking{
		CallerName:         resp.CallerName,
		PickupAddress:      resp.PickupAddress,
		DestinationAddress: resp.DestinationAddress,
		Passengers:         resp.Passengers,
		PickupTime:         resp.PickupTime,
		PickupASAP:         resp.PickupASAP,
	}, nil
}

type dispatchRequest struct {
	CallerName  string  `json:"caller_name"`
	Pickup      string  `json:"pickup"`
	Destination string  `json:"destination"`
	Passengers  int     `json:"passengers"`
	PickupTime  string  `json:"pickup_time"`
	ASAP        bool    `json:"asap"`
	FareAmount  float64 `json:"fare_amount,omitempty"`
}

func (c *HTTPClient) CreateAndDispatch(ctx context.Context, b booking.StructuredBooking, fare *booking.FareResult) (*BookingRef, error) {
	req := dispatchRequest{
		CallerName:  b.CallerName,
		Pickup:      b.PickupAddress,
		Destination: b.DestinationAddress,
		Passengers:  b.Passengers,
		PickupTime:  b.PickupTime,
		ASAP:        b.PickupASAP,
	}
	if fare != nil {
		req.FareAmount = fare.Amount
	}
	var ref BookingRef
	if err := c.post(ctx, "/v1/dispatch", req, &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}
