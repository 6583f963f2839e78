package engine

import (
	"encoding/json"

	"github.com/kerbside/voicecab/pkg/engine/protocol"
)

// UpstreamTools declares the orchestrator's tool surface for the session
// hello. The set is closed; HandleTool rejects anything else.
func UpstreamTools() []protocol.Tool {
	return []protocol.Tool{
		{
			Name:        string(toolSyncBookingData),
			Description: "Report changed booking fields and fetch the current booking snapshot, including a fare quote once all fields are present.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"caller_name": {"type": "string"},
					"pickup": {"type": "string"},
					"destination": {"type": "string"},
					"passengers": {"type": "string"},
					"pickup_time": {"type": "string"}
				}
			}`),
		},
		{
			Name:        string(toolBookTaxi),
			Description: "Quote a fare (action=request_quote) or, only after the caller has confirmed, create and dispatch the booking (action=confirmed).",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"action": {"type": "string", "enum": ["request_quote", "confirmed"]},
					"caller_name": {"type": "string"},
					"pickup": {"type": "string"},
					"destination": {"type": "string"},
					"passengers": {"type": "string"},
					"pickup_time": {"type": "string"}
				},
				"required": ["action"]
			}`),
		},
		{
			Name:        string(toolEndCall),
			Description: "End the call at the caller's request after saying goodbye.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {"reason": {"type": "string"}}
			}`),
		},
	}
}
