package protocol

import "errors"

var (
	ErrMalformed          = errors.New("protocol: malformed message")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrUnknownType        = errors.New("protocol: unknown message type")
	ErrMissingID          = errors.New("protocol: missing correlation id")
	ErrMissingCommand     = errors.New("protocol: missing command name")
	ErrMissingEventName   = errors.New("protocol: missing event name")
	ErrPayloadNotObject   = errors.New("protocol: payload must be a json object")
)

var ErrUnsafeID = errors.New("protocol: id is not path safe")
