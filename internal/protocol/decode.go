package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/capturectl/internal/protocol/frame"
)

var versionedKeys = map[string]struct{}{
	"v": {}, "type": {}, "id": {}, "ack_id": {}, "command": {}, "name": {},
	"status": {}, "code": {}, "error": {}, "message": {}, "payload": {},
}

// Reader decodes envelopes from one stream.
type Reader struct {
	br     *bufio.Reader
	limits frame.Limits
}

func NewReader(r io.Reader, limits frame.Limits) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{br: br, limits: limits}
}

// Next returns the next envelope. Errors for which IsProtocolError is true
// leave the stream aligned; callers log and keep reading.
func (r *Reader) Next() (Envelope, error) {
	f, err := frame.ReadFrame(r.br, r.limits)
	if err != nil {
		return Envelope{}, err
	}
	return Unmarshal(f.Payload)
}

// IsProtocolError reports whether err concerns one bad message rather than the stream.
func IsProtocolError(err error) bool {
	if err == nil {
		return false
	}
	if frame.Recoverable(err) {
		return true
	}
	return errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrUnsupportedVersion) ||
		errors.Is(err, ErrUnknownType) ||
		errors.Is(err, ErrMissingID) ||
		errors.Is(err, ErrMissingCommand) ||
		errors.Is(err, ErrMissingEventName) ||
		errors.Is(err, ErrPayloadNotObject)
}

// Unmarshal decodes one JSON object. Presence of "v" selects the versioned
// envelope; its absence selects the legacy line form.
func Unmarshal(raw []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var (
		env Envelope
		err error
	)
	if v, ok := fields["v"]; ok {
		env, err = decodeVersioned(v, fields)
	} else {
		env, err = decodeLegacy(fields)
	}
	if err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func decodeVersioned(rawVersion json.RawMessage, fields map[string]json.RawMessage) (Envelope, error) {
	var version int
	if err := json.Unmarshal(rawVersion, &version); err != nil {
		return Envelope{}, fmt.Errorf("%w: version field", ErrMalformed)
	}
	if version != Version {
		return Envelope{}, fmt.Errorf("%w: v=%d", ErrUnsupportedVersion, version)
	}
	env := Envelope{Version: version}
	env.Type = MessageType(stringField(fields, "type"))
	env.ID = idField(fields, "id")
	if env.ID == "" {
		env.ID = idField(fields, "ack_id")
	}
	env.Command = stringField(fields, "command")
	env.Name = stringField(fields, "name")
	env.Status = stringField(fields, "status")
	env.Code = stringField(fields, "code")
	env.Error = stringField(fields, "error")
	if env.Error == "" {
		env.Error = stringField(fields, "message")
	}
	if env.Type == "error" {
		env.Type = TypeAck
		env.Status = StatusError
	}
	if env.Type == TypeAck && env.Status == "" {
		env.Status = StatusOK
	}
	if p, ok := fields["payload"]; ok && !isNull(p) {
		env.Payload = p
		return env, nil
	}
	// Some versioned senders put arguments at the top level.
	extra, err := collectExtra(fields, versionedKeys)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = extra
	return env, nil
}

func decodeLegacy(fields map[string]json.RawMessage) (Envelope, error) {
	env := Envelope{Version: Version, Legacy: true}
	consumed := map[string]struct{}{}
	take := func(key string) {
		consumed[key] = struct{}{}
	}
	switch {
	case hasKey(fields, "command"):
		env.Type = TypeCommand
		env.Command = stringField(fields, "command")
		env.ID = idField(fields, "id")
		take("command")
		take("id")
	case hasKey(fields, "ack_id"):
		env.Type = TypeAck
		env.ID = idField(fields, "ack_id")
		take("ack_id")
		take("type")
		take("status")
		env.Status = stringField(fields, "status")
		if stringField(fields, "type") == "error" {
			env.Status = StatusError
			env.Code = stringField(fields, "code")
			env.Error = stringField(fields, "message")
			take("code")
			take("message")
		}
		if env.Status == "" {
			env.Status = StatusOK
		}
	case hasKey(fields, "type"):
		env.Type = TypeEvent
		env.Name = stringField(fields, "type")
		take("type")
	default:
		return Envelope{}, fmt.Errorf("%w: legacy message without command, ack_id or type", ErrMalformed)
	}
	extra, err := collectExtra(fields, consumed)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = extra
	return env, nil
}

func collectExtra(fields map[string]json.RawMessage, skip map[string]struct{}) (json.RawMessage, error) {
	extra := map[string]json.RawMessage{}
	for k, v := range fields {
		if _, ok := skip[k]; ok {
			continue
		}
		extra[k] = v
	}
	if len(extra) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return raw, nil
}

func hasKey(fields map[string]json.RawMessage, key string) bool {
	_, ok := fields[key]
	return ok
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// idField accepts both string and numeric correlation ids.
func idField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		return n.String()
	}
	return ""
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
