package wire

import (
	"fmt"

	"github.com/goccy/go-json"
)

// The codec uses goccy/go-json: payloads are encoded on every flush and
// decoded on every delivery, so this sits on the hot path of each edit
// burst.

// EncodePayload serializes a batch payload for the transport.
func EncodePayload(p SyncPayload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// DecodePayload parses a batch payload received from the transport.
func DecodePayload(data []byte) (SyncPayload, error) {
	var p SyncPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return SyncPayload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// EncodeEvents serializes a batch of sync events.
func EncodeEvents(events []SyncEvent) ([]byte, error) {
	data, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("encode events: %w", err)
	}
	return data, nil
}

// DecodeEvents parses a batch of sync events. Per-event validation is a
// separate step (ValidateEvent); this only rejects malformed JSON.
func DecodeEvents(data []byte) ([]SyncEvent, error) {
	var events []SyncEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return events, nil
}

// EncodeEnvelope serializes a topic envelope.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a topic envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}
