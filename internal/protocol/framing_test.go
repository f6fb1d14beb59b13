package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestLineBufferSplitReads(t *testing.T) {
	var lb LineBuffer

	// A frame split across three reads must only surface once the
	// newline arrives.
	lines, err := lb.Feed([]byte(`{"type":"typing_ind`))
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(lines) != 0 {
		t.Fatalf("expected no complete lines, got %d", len(lines))
	}

	lines, err = lb.Feed([]byte(`icator","device_id":"a",`))
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(lines) != 0 {
		t.Fatalf("expected no complete lines, got %d", len(lines))
	}

	lines, err = lb.Feed([]byte(`"device_name":"alice"}` + "\n"))
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}

	frame, err := Decode(lines[0])
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	ti, ok := frame.(TypingIndicatorFrame)
	if !ok {
		t.Fatalf("expected TypingIndicatorFrame, got %T", frame)
	}
	if ti.DeviceID != "a" || ti.DeviceName != "alice" {
		t.Errorf("unexpected frame contents: %+v", ti)
	}
}

func TestLineBufferMultipleLinesOneRead(t *testing.T) {
	var lb LineBuffer

	chunk := []byte("{\"type\":\"name_change\",\"device_id\":\"a\",\"new_name\":\"x\"}\n" +
		"{\"type\":\"name_change\",\"device_id\":\"b\",\"new_name\":\"y\"}\n" +
		"{\"type\":\"name_ch") // residue

	lines, err := lb.Feed(chunk)
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lb.Pending() == 0 {
		t.Error("expected residue to be retained")
	}

	lines, err = lb.Feed([]byte("ange\",\"device_id\":\"c\",\"new_name\":\"z\"}\n"))
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected 1 line from residue completion, got %d", len(lines))
	}
	if lb.Pending() != 0 {
		t.Errorf("expected empty residue, got %d bytes", lb.Pending())
	}
}

func TestLineBufferSkipsEmptyLines(t *testing.T) {
	var lb LineBuffer
	lines, err := lb.Feed([]byte("\n\r\n{\"type\":\"name_change\",\"device_id\":\"a\",\"new_name\":\"x\"}\r\n"))
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
}

func TestLineBufferOverlongResidue(t *testing.T) {
	var lb LineBuffer
	garbage := bytes.Repeat([]byte{'x'}, MaxFrameSize+1)

	_, err := lb.Feed(garbage)
	if !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong, got %v", err)
	}
	if lb.Pending() != 0 {
		t.Error("buffer should reset after overflow")
	}

	// The buffer must keep working afterwards.
	lines, err := lb.Feed([]byte("{\"type\":\"name_change\",\"device_id\":\"a\",\"new_name\":\"x\"}\n"))
	if err != nil {
		t.Fatalf("Feed after overflow failed: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected 1 line after recovery, got %d", len(lines))
	}
}

func TestWriteFrameAppendsNewline(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, NameChangeFrame{DeviceID: "a", NewName: "x"}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	data := buf.Bytes()
	if len(data) == 0 || data[len(data)-1] != '\n' {
		t.Error("frame must be newline terminated")
	}
	if bytes.Count(data, []byte{'\n'}) != 1 {
		t.Error("frame body must not contain embedded newlines")
	}
}
