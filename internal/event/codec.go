package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotWire marks an attempt to encode an event kind that never leaves the
// process (STREAM_READY, REFRESH, ...).
var ErrNotWire = errors.New("event kind is not a wire event")

// Envelope is the wire form of a control event: the kind plus a kind-specific
// JSON payload. Envelopes travel newline-delimited over the control
// connection.
type Envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

type addressPayload struct {
	Address string `json:"address"`
	Domain  string `json:"domain"`
}

type dataRequestPayload struct {
	Pathname string `json:"pathname"`
	Data     []byte `json:"data,omitempty"`
}

type resetPayload struct {
	Detail string `json:"detail,omitempty"`
}

// Encode serializes a wire event into one envelope line. Kinds that only
// exist in-process return ErrNotWire.
func Encode(ev Event) ([]byte, error) {
	var (
		payload any
		err     error
	)

	switch ev.Kind {
	case KindAddress:
		payload = addressPayload{Address: ev.Address, Domain: ev.Domain}
	case KindResource:
		payload = ev.Dispatch
	case KindDataRequest:
		payload = dataRequestPayload{Pathname: ev.Pathname, Data: ev.Data}
	case KindReset:
		payload = resetPayload{Detail: ev.Detail}
	case KindResourceAck, KindPrepare, KindPrepareAck, KindExecute, KindExecuteAck:
		payload = nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotWire, ev.Kind)
	}

	env := Envelope{Kind: ev.Kind}
	if payload != nil {
		env.Data, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", ev.Kind, err)
		}
	}
	return json.Marshal(env)
}

// Decode parses one envelope line into an event. The result always carries a
// Remote origin: anything read off a connection is remote by definition.
func Decode(line []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Event{}, fmt.Errorf("decode envelope: %w", err)
	}

	ev := Event{Kind: env.Kind, Origin: Remote}

	switch env.Kind {
	case KindAddress:
		var p addressPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return Event{}, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		ev.Address, ev.Domain = p.Address, p.Domain

	case KindResource:
		var d DispatchMessage
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Event{}, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		ev.Dispatch = &d

	case KindDataRequest:
		var p dataRequestPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return Event{}, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		ev.Pathname, ev.Data = p.Pathname, p.Data

	case KindReset:
		if len(env.Data) > 0 {
			var p resetPayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				return Event{}, fmt.Errorf("decode %s payload: %w", env.Kind, err)
			}
			ev.Detail = p.Detail
		}

	case KindResourceAck, KindPrepare, KindPrepareAck, KindExecute, KindExecuteAck:
		// No payload.

	default:
		return Event{}, fmt.Errorf("unknown wire event kind %q", env.Kind)
	}

	return ev, nil
}
