package relay

import "encoding/json"

// Envelope is the wire form of a room event on the editor-events channel.
// Payload elements stay raw: the relay only inspects them for the access
// revocation predicate and otherwise forwards them untouched.
type Envelope struct {
	RoomID  string            `json:"room_id"`
	Message string            `json:"message"`
	Payload []json.RawMessage `json:"payload"`

	// ID is the optional source-sequence id ("source-counter") checked
	// for duplicates and ordering violations.
	ID string `json:"_id,omitempty"`

	// HealthCheck marks a probe message; Key carries the probe id.
	// Probes are consumed by the health registry and never delivered.
	HealthCheck bool   `json:"health_check,omitempty"`
	Key         string `json:"key,omitempty"`
}

// rawPayload converts the envelope payload for client delivery.
func (e *Envelope) rawPayload() []any {
	out := make([]any, len(e.Payload))
	for i, p := range e.Payload {
		out[i] = p
	}
	return out
}

// marshalPayload encodes emit arguments into raw payload elements.
func marshalPayload(payload []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(payload))
	for i, p := range payload {
		data, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}
