package protocol

import (
	"bufio"
	"io"
)

// DefaultMaxLineSize bounds a single line when no limit is configured.
const DefaultMaxLineSize = 4096

// LineReader splits a byte stream into protocol lines. Lines may end in "\n"
// or "\r\n" and may arrive fragmented across any number of reads, or batched
// several to a read.
type LineReader struct {
	scanner *bufio.Scanner
}

// NewLineReader returns a LineReader over r that rejects lines longer than
// maxLineSize bytes.
func NewLineReader(r io.Reader, maxLineSize int) *LineReader {
	if maxLineSize <= 0 {
		maxLineSize = DefaultMaxLineSize
	}
	scanner := bufio.NewScanner(r)
	initial := 512
	if maxLineSize < initial {
		initial = maxLineSize
	}
	scanner.Buffer(make([]byte, 0, initial), maxLineSize)
	scanner.Split(bufio.ScanLines)
	return &LineReader{scanner: scanner}
}

// ReadLine blocks until a full line is available and returns it without its
// terminator. The slice is only valid until the next call. At the end of the
// stream it returns io.EOF; an overlong line yields bufio.ErrTooLong.
func (r *LineReader) ReadLine() ([]byte, error) {
	if r.scanner.Scan() {
		return r.scanner.Bytes(), nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
