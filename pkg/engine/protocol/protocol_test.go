package protocol

import (
	"errors"
	"testing"
)

func TestDecodeUpstreamMessage_KnownFrames(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		test func(t *testing.T, msg any)
	}{
		{
			name: "turn_started",
			raw:  `{"type":"turn_started","turn_id":"t1"}`,
			test: func(t *testing.T, msg any) {
				got, ok := msg.(TurnStarted)
				if !ok || got.TurnID != "t1" {
					t.Fatalf("msg = %#v", msg)
				}
			},
		},
		{
			name: "transcript",
			raw:  `{"type":"transcript","role":"caller","text":"hello"}`,
			test: func(t *testing.T, msg any) {
				got, ok := msg.(Transcript)
				if !ok || got.Role != RoleCaller || got.Text != "hello" {
					t.Fatalf("msg = %#v", msg)
				}
			},
		},
		{
			name: "audio_out",
			raw:  `{"type":"audio_out","turn_id":"t1","data_b64":"AAAA"}`,
			test: func(t *testing.T, msg any) {
				got, ok := msg.(AudioOut)
				if !ok || got.TurnID != "t1" {
					t.Fatalf("msg = %#v", msg)
				}
			},
		},
		{
			name: "tool_call",
			raw:  `{"type":"tool_call","call_id":"c1","name":"end_call","arguments":{"reason":"done"}}`,
			test: func(t *testing.T, msg any) {
				got, ok := msg.(ToolCall)
				if !ok || got.CallID != "c1" || got.Name != "end_call" {
					t.Fatalf("msg = %#v", msg)
				}
			},
		},
		{
			name: "error",
			raw:  `{"type":"error","code":"overloaded","message":"try later"}`,
			test: func(t *testing.T, msg any) {
				got, ok := msg.(SessionError)
				if !ok || got.Code != "overloaded" {
					t.Fatalf("msg = %#v", msg)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := DecodeUpstreamMessage([]byte(tc.raw))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			tc.test(t, msg)
		})
	}
}

func TestDecodeUpstreamMessage_BadFrames(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{`},
		{"missing type", `{"text":"hi"}`},
		{"unknown type", `{"type":"telepathy"}`},
		{"turn_started without id", `{"type":"turn_started"}`},
		{"transcript with bad role", `{"type":"transcript","role":"narrator","text":"hi"}`},
		{"audio_out without data", `{"type":"audio_out","turn_id":"t1"}`},
		{"tool_call without name", `{"type":"tool_call","call_id":"c1"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeUpstreamMessage([]byte(tc.raw))
			if err == nil {
				t.Fatal("expected decode error")
			}
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("error type = %T", err)
			}
		})
	}
}
