package transfer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/danmuck/capturectl/internal/protocol"
)

// DefaultMaxHeaderBytes bounds the header line.
const DefaultMaxHeaderBytes = 1 << 20

// maxStatusBytes bounds the receiver's status line.
const maxStatusBytes = 4096

var (
	ErrInvalidHeader  = errors.New("transfer: invalid header")
	ErrHeaderTooLarge = errors.New("transfer: header exceeds limit")
	ErrRejected       = errors.New("transfer: receiver rejected archive")
	ErrNoStatus       = errors.New("transfer: receiver closed without status")
)

// Header precedes the raw archive bytes on a transfer connection.
type Header struct {
	SessionID string `json:"session_id"`
	DeviceID  string `json:"device_id"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
}

func (h Header) Validate() error {
	if err := protocol.CheckPathSafeID(h.SessionID); err != nil {
		return fmt.Errorf("%w: session_id: %w", ErrInvalidHeader, err)
	}
	if err := protocol.CheckPathSafeID(h.DeviceID); err != nil {
		return fmt.Errorf("%w: device_id: %w", ErrInvalidHeader, err)
	}
	if filepath.Base(h.Filename) != h.Filename {
		return fmt.Errorf("%w: filename %q", ErrInvalidHeader, h.Filename)
	}
	if err := protocol.CheckPathSafeID(h.Filename); err != nil {
		return fmt.Errorf("%w: filename: %w", ErrInvalidHeader, err)
	}
	if h.SizeBytes < 0 {
		return fmt.Errorf("%w: negative size", ErrInvalidHeader)
	}
	return nil
}

func WriteHeader(w io.Writer, h Header) error {
	if err := h.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// ReadHeader reads one newline-terminated JSON header of at most max bytes.
func ReadHeader(br *bufio.Reader, max int) (Header, error) {
	if max <= 0 {
		max = DefaultMaxHeaderBytes
	}
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > max {
			return Header{}, ErrHeaderTooLarge
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return Header{}, fmt.Errorf("%w: %w", ErrInvalidHeader, io.ErrUnexpectedEOF)
		}
		return Header{}, err
	}
	var h Header
	if err := json.Unmarshal(bytes.TrimSpace(line), &h); err != nil {
		return Header{}, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}
	return h, h.Validate()
}

// WriteStatus sends the receiver's verdict: "ok" or "error: <reason>".
func WriteStatus(w io.Writer, outcome error) error {
	line := "ok\n"
	if outcome != nil {
		line = "error: " + strings.ReplaceAll(outcome.Error(), "\n", " ") + "\n"
	}
	_, err := io.WriteString(w, line)
	return err
}

// ReadStatus reads the verdict written by WriteStatus. Anything but "ok"
// is an error.
func ReadStatus(r io.Reader) error {
	br := bufio.NewReaderSize(io.LimitReader(r, maxStatusBytes), 256)
	line, err := br.ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("%w: %w", ErrNoStatus, err)
	}
	line = strings.TrimSpace(line)
	if line == "ok" {
		return nil
	}
	if reason, ok := strings.CutPrefix(line, "error:"); ok {
		return fmt.Errorf("%w: %s", ErrRejected, strings.TrimSpace(reason))
	}
	return fmt.Errorf("%w: unexpected status %q", ErrRejected, line)
}
