package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// FrameKind distinguishes CRDT payloads from control messages.
type FrameKind int

const (
	// FrameBinary carries an opaque CRDT update.
	FrameBinary FrameKind = iota + 1
	// FrameText carries a JSON control message.
	FrameText
)

const (
	// TypeSync asks the server to run the metadata projector now.
	TypeSync = "SYNC"
	// TypeSyncComplete acknowledges a finished SYNC request.
	TypeSyncComplete = "SYNC_COMPLETE"
	// TypeSyncFailed reports that the projector could not write metadata.
	TypeSyncFailed = "SYNC_FAILED"
)

// ErrControlParse indicates that a text frame is not a recognized control message.
var ErrControlParse = errors.New("protocol: unrecognized control message")

var controlValidator = validator.New(validator.WithRequiredStructEnabled())

// Frame is one message exchanged over a document channel.
type Frame struct {
	Kind    FrameKind
	Payload []byte
}

// BinaryFrame wraps a CRDT update.
func BinaryFrame(update []byte) Frame {
	return Frame{Kind: FrameBinary, Payload: update}
}

// ControlFrame encodes a control message of the given type.
func ControlFrame(messageType string) Frame {
	payload, _ := json.Marshal(ControlMessage{Type: messageType})
	return Frame{Kind: FrameText, Payload: payload}
}

// ControlMessage is the JSON body of a text frame.
type ControlMessage struct {
	Type string `json:"type" validate:"required,oneof=SYNC"`
}

// ParseControl decodes an inbound text frame. Anything other than a known
// client verb yields ErrControlParse.
func ParseControl(payload []byte) (ControlMessage, error) {
	var message ControlMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		return ControlMessage{}, fmt.Errorf("%w: %v", ErrControlParse, err)
	}
	message.Type = strings.TrimSpace(message.Type)
	if err := controlValidator.Struct(message); err != nil {
		return ControlMessage{}, fmt.Errorf("%w: %v", ErrControlParse, err)
	}
	return message, nil
}
