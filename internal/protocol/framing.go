package protocol

import (
	"bytes"
	"fmt"
	"io"
)

// The channel is newline-delimited JSON: one object per line, UTF-8.
// A sender connects, writes one line, and closes. The receiving side
// sees an arbitrary byte stream and must split it strictly on '\n',
// keeping any residue without a trailing newline for the next read.

// LineBuffer accumulates stream chunks and yields complete lines.
// It is not safe for concurrent use; each connection owns one.
type LineBuffer struct {
	buf bytes.Buffer
}

// ErrLineTooLong is returned when the residue grows past MaxFrameSize
// without a newline appearing. The buffer resets itself so the
// connection can keep being read.
var ErrLineTooLong = fmt.Errorf("line exceeds %d bytes", MaxFrameSize)

// Feed appends a chunk and returns every complete line it closes off,
// without the newline terminator. Empty lines are skipped.
func (lb *LineBuffer) Feed(chunk []byte) ([][]byte, error) {
	lb.buf.Write(chunk)

	var lines [][]byte
	for {
		data := lb.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, data[:idx])
		lb.buf.Next(idx + 1)

		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 {
			continue
		}
		lines = append(lines, line)
	}

	if lb.buf.Len() > MaxFrameSize {
		lb.buf.Reset()
		return lines, ErrLineTooLong
	}
	return lines, nil
}

// Pending returns the number of buffered residue bytes.
func (lb *LineBuffer) Pending() int {
	return lb.buf.Len()
}

// WriteFrame encodes a frame and writes it as one newline-terminated
// line. The size cap is enforced by Encode before anything is written.
func WriteFrame(w io.Writer, f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
