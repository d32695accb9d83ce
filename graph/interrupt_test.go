package graph

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDefaultResponseMapping_InfersKindsWithoutSchema(t *testing.T) {
	delta, err := DefaultResponseMapping(nil, json.RawMessage(`{
		"answer": "net_revenue",
		"option": 2,
		"ratio": 0.5,
		"confirm": true,
		"fields": ["a", "b"],
		"extra": {"nested": 1}
	}`))
	if err != nil {
		t.Fatalf("DefaultResponseMapping: %v", err)
	}

	want := map[string]Kind{
		"answer":  KindString,
		"option":  KindInt,
		"ratio":   KindFloat,
		"confirm": KindBool,
		"fields":  KindStrings,
		"extra":   KindJSON,
	}
	for name, kind := range want {
		if got := delta.Fields[name].Kind(); got != kind {
			t.Errorf("%s kind = %s, want %s", name, got, kind)
		}
	}
}

func TestDefaultResponseMapping_UsesSchemaKinds(t *testing.T) {
	schema := Schema{"confidence": {Kind: KindFloat}}

	delta, err := DefaultResponseMapping(schema, json.RawMessage(`{"confidence": 1}`))
	if err != nil {
		t.Fatalf("DefaultResponseMapping: %v", err)
	}
	if delta.Fields["confidence"].Kind() != KindFloat {
		t.Errorf("kind = %s, want float from the schema", delta.Fields["confidence"].Kind())
	}

	if _, err := DefaultResponseMapping(schema, json.RawMessage(`{"other": 1}`)); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("undeclared field err = %v", err)
	}
}

func TestDecodeResponse(t *testing.T) {
	var out struct {
		Answer string `mapstructure:"answer"`
		Option int    `mapstructure:"option"`
	}
	if err := DecodeResponse(json.RawMessage(`{"answer":"x","option":2}`), &out); err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if out.Answer != "x" || out.Option != 2 {
		t.Errorf("out = %+v", out)
	}

	if err := DecodeResponse(json.RawMessage(`{"unknown":1}`), &out); err == nil {
		t.Error("unknown keys should be rejected")
	}
	if err := DecodeResponse(json.RawMessage(`"text"`), &out); err == nil {
		t.Error("non-object responses should be rejected")
	}
}

func TestCheckResumable_Order(t *testing.T) {
	ticket := &Ticket{ID: "t-2"}
	tests := []struct {
		name string
		run  Run
		id   string
		want error
	}{
		{"cancelled wins", Run{Status: StatusCancelled, ConsumedTickets: []string{"t-1"}}, "t-1", ErrRunCancelled},
		{"consumed before status", Run{Status: StatusCompleted, ConsumedTickets: []string{"t-1"}}, "t-1", ErrTicketNotFound},
		{"not suspended", Run{Status: StatusRunning}, "t-2", ErrRunNotSuspended},
		{"no ticket", Run{Status: StatusSuspended}, "t-2", ErrTicketNotFound},
		{"mismatch", Run{Status: StatusSuspended, Ticket: ticket}, "t-3", ErrTicketMismatch},
		{"ok", Run{Status: StatusSuspended, Ticket: ticket}, "t-2", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkResumable(&tt.run, tt.id)
			if !errors.Is(err, tt.want) || (tt.want == nil && err != nil) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRun_ConsumedWindowIsBounded(t *testing.T) {
	r := &Run{}
	for i := 0; i < consumedWindow+5; i++ {
		r.Ticket = &Ticket{ID: string(rune('a' + i%26)) + string(rune('0'+i/26))}
		r.consumeTicket()
	}
	if len(r.ConsumedTickets) != consumedWindow {
		t.Errorf("window = %d, want %d", len(r.ConsumedTickets), consumedWindow)
	}
	if r.Ticket != nil {
		t.Error("consumeTicket should clear the outstanding ticket")
	}
}
