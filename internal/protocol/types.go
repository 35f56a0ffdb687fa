package protocol

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// Version is the only versioned envelope revision this package speaks.
const Version = 1

type MessageType string

const (
	TypeCommand MessageType = "cmd"
	TypeAck     MessageType = "ack"
	TypeEvent   MessageType = "event"
)

// Ack statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Command names.
const (
	CmdQueryCapabilities = "query_capabilities"
	CmdStartRecording    = "start_recording"
	CmdStopRecording     = "stop_recording"
	CmdTimeSync          = "time_sync"
	CmdSessionRejoin     = "session_rejoin"
	CmdFlashSync         = "flash_sync"
	CmdHeartbeat         = "heartbeat"
)

// Event names.
const (
	EventRecordingState   = "recording_state"
	EventTransferComplete = "transfer_complete"
	EventBye              = "bye"
)

// Envelope is one message on the command channel.
// Legacy marks envelopes decoded from (or destined for) the unversioned line form.
type Envelope struct {
	Version int             `json:"v"`
	Type    MessageType     `json:"type"`
	ID      string          `json:"id,omitempty"`
	Command string          `json:"command,omitempty"`
	Name    string          `json:"name,omitempty"`
	Status  string          `json:"status,omitempty"`
	Code    string          `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	Legacy bool `json:"-"`
}

// NewID returns a fresh correlation id.
func NewID() string {
	return uuid.NewString()
}

// NewCommand builds a versioned command envelope with a fresh correlation id.
func NewCommand(command string, payload any) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Version: Version,
		Type:    TypeCommand,
		ID:      NewID(),
		Command: strings.TrimSpace(command),
		Payload: raw,
	}, nil
}

func NewEvent(name string, payload any) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Version: Version,
		Type:    TypeEvent,
		Name:    strings.TrimSpace(name),
		Payload: raw,
	}, nil
}

// AckFor builds a success ack for cmd. The reply keeps the wire form of cmd.
func AckFor(cmd Envelope, payload any) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Version: Version,
		Type:    TypeAck,
		ID:      cmd.ID,
		Command: cmd.Command,
		Status:  StatusOK,
		Payload: raw,
		Legacy:  cmd.Legacy,
	}, nil
}

// ErrorAckFor builds a failure ack for cmd carrying a short code and message.
func ErrorAckFor(cmd Envelope, code string, err error) Envelope {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Envelope{
		Version: Version,
		Type:    TypeAck,
		ID:      cmd.ID,
		Command: cmd.Command,
		Status:  StatusError,
		Code:    code,
		Error:   msg,
		Legacy:  cmd.Legacy,
	}
}

// OK reports whether an ack carries a success status.
func (e Envelope) OK() bool {
	return e.Type == TypeAck && e.Status == StatusOK
}

// DecodePayload unmarshals the payload into out. An empty payload is a no-op.
func (e Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return ErrMalformed
	}
	return nil
}

// Validate checks structural requirements for the envelope type.
func (e Envelope) Validate() error {
	switch e.Type {
	case TypeCommand:
		if strings.TrimSpace(e.ID) == "" {
			return ErrMissingID
		}
		if strings.TrimSpace(e.Command) == "" {
			return ErrMissingCommand
		}
	case TypeAck:
		if strings.TrimSpace(e.ID) == "" {
			return ErrMissingID
		}
	case TypeEvent:
		if strings.TrimSpace(e.Name) == "" {
			return ErrMissingEventName
		}
	default:
		return ErrUnknownType
	}
	if len(e.Payload) > 0 {
		trimmed := strings.TrimSpace(string(e.Payload))
		if trimmed != "null" && !strings.HasPrefix(trimmed, "{") {
			return ErrPayloadNotObject
		}
	}
	return nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
