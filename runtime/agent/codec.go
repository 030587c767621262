package agent

import (
	"encoding/json"
	"fmt"
)

// envelope is the stable on-wire/on-disk shape for an Event: a type tag plus
// its JSON-encoded payload. Both the ThreadStore's events-blob and the SSE
// framing in package httpapi use EncodeEvent/DecodeEvent so the two surfaces
// never drift from each other.
type envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeEvent serializes e into its stable type+payload envelope.
func EncodeEvent(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload %q: %w", e.Type(), err)
	}
	return json.Marshal(envelope{Type: e.Type(), Payload: payload})
}

// EncodeEvents serializes a run's event sequence to its durable events-blob
// form (§4.1, ThreadStore storage contract).
func EncodeEvents(events []Event) ([]byte, error) {
	envs := make([]envelope, 0, len(events))
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal event payload %q: %w", e.Type(), err)
		}
		envs = append(envs, envelope{Type: e.Type(), Payload: payload})
	}
	return json.Marshal(envs)
}

// DecodeEvent reconstructs a concrete Event from its envelope bytes.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	return decodeEnvelope(env)
}

// DecodeEvents reconstructs a run's event sequence from its durable
// events-blob form.
func DecodeEvents(data []byte) ([]Event, error) {
	var envs []envelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, fmt.Errorf("decode events blob: %w", err)
	}
	out := make([]Event, 0, len(envs))
	for _, env := range envs {
		e, err := decodeEnvelope(env)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeEnvelope(env envelope) (Event, error) {
	switch env.Type {
	case EventRunStarted:
		var e RunStartedEvent
		err := unmarshalInto(env, &e)
		return e, err
	case EventRunFinished:
		var e RunFinishedEvent
		err := unmarshalInto(env, &e)
		return e, err
	case EventRunError:
		var e RunErrorEvent
		err := unmarshalInto(env, &e)
		return e, err
	case EventTextMessageStart:
		var e TextMessageStartEvent
		err := unmarshalInto(env, &e)
		return e, err
	case EventTextMessageContent:
		var e TextMessageContentEvent
		err := unmarshalInto(env, &e)
		return e, err
	case EventTextMessageEnd:
		var e TextMessageEndEvent
		err := unmarshalInto(env, &e)
		return e, err
	case EventToolCallStart:
		var e ToolCallStartEvent
		err := unmarshalInto(env, &e)
		return e, err
	case EventToolCallArgs:
		var e ToolCallArgsEvent
		err := unmarshalInto(env, &e)
		return e, err
	case EventToolCallEnd:
		var e ToolCallEndEvent
		err := unmarshalInto(env, &e)
		return e, err
	case EventToolCallResult:
		var e ToolCallResultEvent
		err := unmarshalInto(env, &e)
		return e, err
	case EventCustom:
		var e CustomEvent
		err := unmarshalInto(env, &e)
		return e, err
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}

func unmarshalInto[T any](env envelope, dst *T) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return nil
}
