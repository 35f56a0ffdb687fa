package protocol

import (
	"encoding/json"
	"io"
	"strconv"

	"github.com/danmuck/capturectl/internal/protocol/frame"
)

// Marshal renders env as a wire frame in its own form (versioned unless Legacy).
func Marshal(env Envelope) (frame.Frame, error) {
	if err := env.Validate(); err != nil {
		return frame.Frame{}, err
	}
	if env.Legacy {
		raw, err := marshalLegacy(env)
		if err != nil {
			return frame.Frame{}, err
		}
		return frame.Frame{Kind: frame.KindLine, Payload: raw}, nil
	}
	env.Version = Version
	raw, err := json.Marshal(env)
	if err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{Kind: frame.KindPrefixed, Payload: raw}, nil
}

// Encode writes env to w as one frame.
func Encode(w io.Writer, env Envelope, limits frame.Limits) error {
	f, err := Marshal(env)
	if err != nil {
		return err
	}
	return frame.WriteFrame(w, f, limits)
}

// marshalLegacy flattens payload fields next to the legacy header keys.
func marshalLegacy(env Envelope) ([]byte, error) {
	out := map[string]any{}
	if len(env.Payload) > 0 {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(env.Payload, &fields); err != nil {
			return nil, ErrPayloadNotObject
		}
		for k, v := range fields {
			out[k] = v
		}
	}
	switch env.Type {
	case TypeCommand:
		out["id"] = legacyID(env.ID)
		out["command"] = env.Command
	case TypeAck:
		out["ack_id"] = legacyID(env.ID)
		if env.Status == StatusError {
			out["type"] = "error"
			out["code"] = env.Code
			out["message"] = env.Error
		} else {
			out["type"] = "ack"
			out["status"] = env.Status
		}
	case TypeEvent:
		out["type"] = env.Name
	}
	return json.Marshal(out)
}

// legacyID restores numeric correlation ids so legacy peers can match them.
func legacyID(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}
