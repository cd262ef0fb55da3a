package validation

import (
	"reflect"
	"testing"
)

func TestParseSubprotocolsRoundTrip(t *testing.T) {
	want := []string{"a", "b", "c"}
	header := SerializeSubprotocols(want)
	got, err := ParseSubprotocols(header)
	if err != nil {
		t.Fatalf("ParseSubprotocols(%q) error: %v", header, err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip = %v, want %v", got, want)
	}
}

func TestParseSubprotocolsWhitespace(t *testing.T) {
	got, err := ParseSubprotocols("ocpp1.6 ,  ocpp2.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"ocpp1.6", "ocpp2.0.1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParseSubprotocolsDuplicateRejected(t *testing.T) {
	if _, err := ParseSubprotocols("ocpp1.6, ocpp1.6"); err == nil {
		t.Fatal("expected error for duplicate subprotocol")
	}
}
