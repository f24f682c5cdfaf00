package bus

import (
	"errors"
	"testing"
	"time"
)

func TestEventEncodeDecode(t *testing.T) {
	sent := Event{
		Kind:      EventActionFailed,
		ServerID:  "PRMR-0002",
		ActionID:  "a1",
		Action:    "EnsureIndex",
		Database:  "db1",
		Shard:     "s100",
		Error:     "index type not supported",
		Timestamp: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := sent.Encode()
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	got, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if got != sent {
		t.Errorf("Round trip mismatch:\n sent %+v\n got  %+v", sent, got)
	}
}

func TestDecodeEventInvalid(t *testing.T) {
	if _, err := DecodeEvent([]byte("{not json")); err == nil {
		t.Fatal("Expected error for invalid payload")
	}
}

func TestDecodeAndHandleDropsGarbage(t *testing.T) {
	called := false
	err := decodeAndHandle(func(Event) error {
		called = true
		return nil
	}, []byte("garbage"))
	if err != nil {
		t.Errorf("Garbage must be dropped without error, got %v", err)
	}
	if called {
		t.Error("Handler must not run for undecodable messages")
	}
}

func TestDecodeAndHandlePropagatesHandlerError(t *testing.T) {
	want := errors.New("handler failed")
	data, _ := Event{Kind: EventPlanNotify, ServerID: "PRMR-0001"}.Encode()

	err := decodeAndHandle(func(Event) error { return want }, data)
	if !errors.Is(err, want) {
		t.Errorf("Expected handler error, got %v", err)
	}
}
