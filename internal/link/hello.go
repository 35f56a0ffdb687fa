package link

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/capturectl/internal/protocol"
)

const (
	controlTypeHello    = "node.hello"
	controlTypeHelloAck = "node.hello.ack"

	HelloAccepted = "accepted"
	HelloRejected = "rejected"

	maxControlLine = 128 * 1024
)

var (
	ErrInvalidHello        = errors.New("link: invalid hello")
	ErrInvalidHelloAck     = errors.New("link: invalid hello ack")
	ErrHelloRejected       = errors.New("link: hello rejected")
	ErrControlLineTooLarge = errors.New("link: control message too large")
)

// Hello opens a node session on the hub.
type Hello struct {
	NodeID    string              `json:"node_id"`
	Modules   []string            `json:"modules"`
	Device    protocol.DeviceInfo `json:"device"`
	SessionID string              `json:"session_id,omitempty"`
	Recording bool                `json:"recording"`
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.NodeID) == "" {
		return fmt.Errorf("%w: missing node_id", ErrInvalidHello)
	}
	for i, m := range h.Modules {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("%w: modules[%d] empty", ErrInvalidHello, i)
		}
	}
	return nil
}

// HelloAck answers a Hello. An empty host in an advertised address means
// "same host as the command channel".
type HelloAck struct {
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
	NodeID       string `json:"node_id"`
	TransferAddr string `json:"transfer_addr,omitempty"`
	TimeSyncAddr string `json:"time_sync_addr,omitempty"`
	TimestampMS  uint64 `json:"timestamp_ms"`
}

func (a HelloAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != HelloAccepted && status != HelloRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidHelloAck)
	}
	if strings.TrimSpace(a.NodeID) == "" {
		return fmt.Errorf("%w: missing node_id", ErrInvalidHelloAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidHelloAck)
	}
	return nil
}

type controlEnvelope struct {
	Type  string    `json:"type"`
	Hello *Hello    `json:"hello,omitempty"`
	Ack   *HelloAck `json:"hello_ack,omitempty"`
}

func WriteHello(w io.Writer, h Hello) error {
	if err := h.Validate(); err != nil {
		return err
	}
	return writeControl(w, controlEnvelope{Type: controlTypeHello, Hello: &h})
}

func ReadHello(r *bufio.Reader) (Hello, error) {
	env, err := readControl(r)
	if err != nil {
		return Hello{}, err
	}
	if env.Type != controlTypeHello || env.Hello == nil {
		return Hello{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidHello, env.Type)
	}
	if err := env.Hello.Validate(); err != nil {
		return Hello{}, err
	}
	return *env.Hello, nil
}

func WriteHelloAck(w io.Writer, ack HelloAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControl(w, controlEnvelope{Type: controlTypeHelloAck, Ack: &ack})
}

func ReadHelloAck(r *bufio.Reader) (HelloAck, error) {
	env, err := readControl(r)
	if err != nil {
		return HelloAck{}, err
	}
	if env.Type != controlTypeHelloAck || env.Ack == nil {
		return HelloAck{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidHelloAck, env.Type)
	}
	if err := env.Ack.Validate(); err != nil {
		return HelloAck{}, err
	}
	return *env.Ack, nil
}

func writeControl(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

func readControl(r *bufio.Reader) (controlEnvelope, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxControlLine {
			return controlEnvelope{}, ErrControlLineTooLarge
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return controlEnvelope{}, err
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
