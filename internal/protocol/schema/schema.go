package schema

import (
	"encoding/json"
	"fmt"

	"github.com/danmuck/capturectl/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Kind is the JSON shape a required payload field must have.
type Kind uint8

const (
	KindString Kind = iota + 1
	KindNumber
	KindBool
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

type Requirement struct {
	Field string
	Kind  Kind
}

type ValidationError struct {
	Command string
	Field   string
	Reason  string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema: command=%s: %s", e.Command, e.Reason)
	}
	return fmt.Sprintf("schema: command=%s field=%s: %s", e.Command, e.Field, e.Reason)
}

var requirements = map[string][]Requirement{
	protocol.CmdQueryCapabilities: nil,
	protocol.CmdStartRecording: {
		{"session_id", KindString},
	},
	protocol.CmdStopRecording: nil,
	protocol.CmdTimeSync:      nil,
	protocol.CmdSessionRejoin: {
		{"session_id", KindString},
		{"was_recording", KindBool},
	},
	protocol.CmdFlashSync: nil,
	protocol.CmdHeartbeat: {
		{"seq", KindNumber},
	},
}

// Known reports whether command is part of the command set.
func Known(command string) bool {
	_, ok := requirements[command]
	return ok
}

// Validate enforces required payload fields and their JSON kinds for a command.
// Unknown fields are ignored.
func Validate(command string, payload json.RawMessage) error {
	reqs, ok := requirements[command]
	if !ok {
		log.Debug().Str("command", command).Msg("schema.Validate unknown command")
		return ValidationError{Command: command, Reason: "unknown command"}
	}
	if len(reqs) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return ValidationError{Command: command, Reason: "payload is not an object"}
		}
	}
	for _, req := range reqs {
		raw, found := fields[req.Field]
		if !found {
			log.Debug().Str("command", command).Str("field", req.Field).Msg("schema.Validate missing field")
			return ValidationError{Command: command, Field: req.Field, Reason: "missing required field"}
		}
		if got := kindOf(raw); got != req.Kind {
			log.Debug().
				Str("command", command).
				Str("field", req.Field).
				Stringer("got", got).
				Stringer("want", req.Kind).
				Msg("schema.Validate type mismatch")
			return ValidationError{Command: command, Field: req.Field, Reason: "type mismatch"}
		}
		if req.Kind == KindString {
			var s string
			_ = json.Unmarshal(raw, &s)
			if s == "" {
				return ValidationError{Command: command, Field: req.Field, Reason: "empty value"}
			}
		}
	}
	return nil
}

func kindOf(raw json.RawMessage) Kind {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '"':
			return KindString
		case 't', 'f':
			return KindBool
		case '{':
			return KindObject
		case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
			return KindNumber
		default:
			return 0
		}
	}
	return 0
}
