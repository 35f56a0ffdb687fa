package frame

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Kind identifies how one frame was delimited on the wire.
type Kind uint8

const (
	// KindPrefixed is the versioned form: ASCII decimal length, '\n', payload.
	KindPrefixed Kind = iota + 1
	// KindLine is the legacy form: one payload terminated by '\n'.
	KindLine
)

const maxLengthDigits = 12

var (
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrLineTooLong     = errors.New("frame: line too long")
	ErrBadLength       = errors.New("frame: invalid length prefix")
	ErrEmbeddedNewline = errors.New("frame: line payload contains newline")
	ErrEmptyPayload    = errors.New("frame: empty payload")
)

// Frame is one complete wire message.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes int
	MaxLineBytes    int
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 8 * 1024 * 1024,
		MaxLineBytes:    1024 * 1024,
	}
}

// Recoverable reports whether the stream is still aligned after err.
func Recoverable(err error) bool {
	return errors.Is(err, ErrPayloadTooLarge) ||
		errors.Is(err, ErrLineTooLong) ||
		errors.Is(err, ErrBadLength) ||
		errors.Is(err, ErrEmptyPayload)
}

// ReadFrame reads one frame, detecting the delimiting form from the first byte.
// Blank lines between frames are skipped.
func ReadFrame(r *bufio.Reader, limits Limits) (Frame, error) {
	for {
		b, err := r.Peek(1)
		if err != nil {
			return Frame{}, err
		}
		switch {
		case b[0] == '\n' || b[0] == '\r' || b[0] == ' ' || b[0] == '\t':
			if _, err := r.ReadByte(); err != nil {
				return Frame{}, err
			}
			continue
		case b[0] >= '0' && b[0] <= '9':
			return readPrefixed(r, limits)
		default:
			line, err := readLine(r, limits.MaxLineBytes)
			if err != nil {
				return Frame{}, err
			}
			return Frame{Kind: KindLine, Payload: line}, nil
		}
	}
}

func readPrefixed(r *bufio.Reader, limits Limits) (Frame, error) {
	head, err := readLine(r, maxLengthDigits)
	if err != nil {
		if errors.Is(err, ErrLineTooLong) {
			return Frame{}, fmt.Errorf("%w: too many digits", ErrBadLength)
		}
		return Frame{}, err
	}
	n, err := strconv.Atoi(string(head))
	if err != nil || n < 0 {
		return Frame{}, fmt.Errorf("%w: %q", ErrBadLength, head)
	}
	if n == 0 {
		return Frame{}, ErrEmptyPayload
	}
	if limits.MaxPayloadBytes > 0 && n > limits.MaxPayloadBytes {
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return Frame{}, unexpected(err)
		}
		return Frame{}, ErrPayloadTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, unexpected(err)
	}
	return Frame{Kind: KindPrefixed, Payload: payload}, nil
}

// readLine returns one line without its terminator. An overlong line is
// consumed through its newline so the stream stays aligned.
func readLine(r *bufio.Reader, max int) ([]byte, error) {
	var out []byte
	overflow := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !overflow {
			out = append(out, chunk...)
			if max > 0 && len(out) > max+2 {
				overflow = true
				out = nil
			}
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(out) > 0 && !overflow {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if overflow {
		return nil, ErrLineTooLong
	}
	out = bytes.TrimRight(out, "\r\n")
	if max > 0 && len(out) > max {
		return nil, ErrLineTooLong
	}
	if len(out) == 0 {
		return nil, ErrEmptyPayload
	}
	return out, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if len(f.Payload) == 0 {
		return ErrEmptyPayload
	}
	var buf bytes.Buffer
	switch f.Kind {
	case KindLine:
		if limits.MaxLineBytes > 0 && len(f.Payload) > limits.MaxLineBytes {
			return ErrLineTooLong
		}
		if bytes.IndexByte(f.Payload, '\n') >= 0 {
			return ErrEmbeddedNewline
		}
		buf.Grow(len(f.Payload) + 1)
		buf.Write(f.Payload)
		buf.WriteByte('\n')
	default:
		if limits.MaxPayloadBytes > 0 && len(f.Payload) > limits.MaxPayloadBytes {
			return ErrPayloadTooLarge
		}
		buf.Grow(len(f.Payload) + maxLengthDigits)
		buf.WriteString(strconv.Itoa(len(f.Payload)))
		buf.WriteByte('\n')
		buf.Write(f.Payload)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
