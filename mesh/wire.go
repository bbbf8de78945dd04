package mesh

import (
	"encoding/json"
)

// EncodeMessage serializes msg into the shared wire schema.
func EncodeMessage(msg Message) ([]byte, error) {
	if _, err := ParseKind(string(msg.Kind)); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, WrapMeshError(ErrMalformedPayload, "encode message: %v", err)
	}
	return raw, nil
}

// DecodeMessage parses a wire frame. Frames that are not valid JSON objects
// or that carry a missing or unrecognized type are rejected; the caller is
// expected to drop them silently.
func DecodeMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, WrapMeshError(ErrMalformedPayload, "decode message: %v", err)
	}
	if msg.Kind == "" {
		return Message{}, WrapMeshError(ErrUnknownKind, "message is missing a type")
	}
	kind, err := ParseKind(string(msg.Kind))
	if err != nil {
		return Message{}, err
	}
	msg.Kind = kind
	return msg, nil
}
