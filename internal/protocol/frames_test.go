package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestParseControlAcceptsSync(t *testing.T) {
	message, err := ParseControl([]byte(`{"type":"SYNC"}`))
	if err != nil {
		t.Fatalf("failed to parse control message: %v", err)
	}
	if message.Type != TypeSync {
		t.Fatalf("expected %q, got %q", TypeSync, message.Type)
	}
}

func TestParseControlRejectsUnknownInput(t *testing.T) {
	inputs := []string{
		``,
		`not json`,
		`{}`,
		`{"type":"sync"}`,
		`{"type":"SYNC_COMPLETE"}`,
		`{"type":"DELETE_EVERYTHING"}`,
		`[1,2,3]`,
	}
	for _, input := range inputs {
		if _, err := ParseControl([]byte(input)); !errors.Is(err, ErrControlParse) {
			t.Fatalf("input %q: expected control parse error, got %v", input, err)
		}
	}
}

func TestControlFrameEncodesType(t *testing.T) {
	frame := ControlFrame(TypeSyncComplete)
	if frame.Kind != FrameText {
		t.Fatalf("expected text frame, got kind %d", frame.Kind)
	}
	if string(frame.Payload) != `{"type":"SYNC_COMPLETE"}` {
		t.Fatalf("unexpected payload %s", frame.Payload)
	}
}

func TestBinaryFrameKeepsPayload(t *testing.T) {
	payload := []byte{0x85, 0x6f, 0x4a, 0x83, 0x01}
	frame := BinaryFrame(payload)
	if frame.Kind != FrameBinary {
		t.Fatalf("expected binary frame, got kind %d", frame.Kind)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Fatalf("expected payload %x, got %x", payload, frame.Payload)
	}
}
