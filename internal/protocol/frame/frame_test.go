package frame

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestReadWritePrefixedRoundTrip(t *testing.T) {
	payload := []byte(`{"v":1,"type":"cmd","id":"1","command":"time_sync"}`)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Kind: KindPrefixed, Payload: payload}, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "51\n") {
		t.Fatalf("unexpected prefix: %q", buf.String()[:4])
	}
	out, err := ReadFrame(bufio.NewReader(&buf), DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Kind != KindPrefixed || !bytes.Equal(out.Payload, payload) {
		t.Fatalf("frame mismatch: %+v", out)
	}
}

func TestReadMixedFormsOnOneStream(t *testing.T) {
	stream := "\n{\"id\":3,\"command\":\"stop_recording\"}\r\n" + "2\n{}" + "{\"ack_id\":3}\n"
	r := bufio.NewReader(strings.NewReader(stream))
	first, err := ReadFrame(r, DefaultLimits())
	if err != nil || first.Kind != KindLine {
		t.Fatalf("first frame: %+v err=%v", first, err)
	}
	if string(first.Payload) != `{"id":3,"command":"stop_recording"}` {
		t.Fatalf("line payload not trimmed: %q", first.Payload)
	}
	second, err := ReadFrame(r, DefaultLimits())
	if err != nil || second.Kind != KindPrefixed || string(second.Payload) != "{}" {
		t.Fatalf("second frame: %+v err=%v", second, err)
	}
	third, err := ReadFrame(r, DefaultLimits())
	if err != nil || third.Kind != KindLine {
		t.Fatalf("third frame: %+v err=%v", third, err)
	}
	if _, err := ReadFrame(r, DefaultLimits()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestOversizedPrefixedFrameIsSkipped(t *testing.T) {
	limits := Limits{MaxPayloadBytes: 4, MaxLineBytes: 64}
	r := bufio.NewReader(strings.NewReader("8\n12345678" + "2\nok"))
	if _, err := ReadFrame(r, limits); !errors.Is(err, ErrPayloadTooLarge) || !Recoverable(err) {
		t.Fatalf("expected recoverable ErrPayloadTooLarge, got %v", err)
	}
	next, err := ReadFrame(r, limits)
	if err != nil || string(next.Payload) != "ok" {
		t.Fatalf("stream not realigned: %+v err=%v", next, err)
	}
}

func TestOverlongLineIsSkipped(t *testing.T) {
	limits := Limits{MaxPayloadBytes: 64, MaxLineBytes: 8}
	r := bufio.NewReader(strings.NewReader("{\"aaaaaaaaaaaaaaa\":1}\n{\"b\":1}\n"))
	if _, err := ReadFrame(r, limits); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong, got %v", err)
	}
	next, err := ReadFrame(r, limits)
	if err != nil || string(next.Payload) != `{"b":1}` {
		t.Fatalf("stream not realigned: %+v err=%v", next, err)
	}
}

func TestTruncatedPayloadIsFatal(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("10\n{\"a\""))
	_, err := ReadFrame(r, DefaultLimits())
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
	if Recoverable(err) {
		t.Fatalf("truncation must not be recoverable")
	}
}

func TestBadLengthPrefix(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("12x\n"))
	if _, err := ReadFrame(r, DefaultLimits()); !errors.Is(err, ErrBadLength) {
		t.Fatalf("expected ErrBadLength, got %v", err)
	}
}

func TestWriteLineRejectsEmbeddedNewline(t *testing.T) {
	err := WriteFrame(io.Discard, Frame{Kind: KindLine, Payload: []byte("a\nb")}, DefaultLimits())
	if !errors.Is(err, ErrEmbeddedNewline) {
		t.Fatalf("expected ErrEmbeddedNewline, got %v", err)
	}
}
