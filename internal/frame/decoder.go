// Package frame splits a byte stream into newline-terminated text records.
//
// A Decoder is not safe for concurrent use; it is meant to be owned by the
// single goroutine that reads the transport.
package frame

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Delimiter terminates one record on the wire.
const Delimiter byte = '\n'

// ErrInvalidState is returned when the decoder is used after Close.
var ErrInvalidState = errors.New("frame: invalid state")

// Decoder accumulates bytes until a Delimiter is seen.
type Decoder struct {
	buf    []byte
	closed bool
}

// New returns an empty decoder.
func New() *Decoder {
	return &Decoder{}
}

// Feed appends p to the pending bytes and returns every record completed by
// it, in order. Bytes after the last delimiter stay buffered for the next
// call, so splitting input across calls does not change the result.
func (d *Decoder) Feed(p []byte) ([]string, error) {
	if d.closed {
		return nil, ErrInvalidState
	}
	var out []string
	for _, b := range p {
		if b == Delimiter {
			out = append(out, decodeASCII(d.buf))
			d.buf = d.buf[:0]
			continue
		}
		d.buf = append(d.buf, b)
	}
	return out, nil
}

// Buffered returns the number of unterminated bytes held.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Close makes the decoder terminal. Unterminated bytes are discarded, never
// emitted as a partial record.
func (d *Decoder) Close() {
	d.closed = true
	d.buf = nil
}

// decodeASCII maps each byte to a rune; bytes outside 7-bit ASCII become
// U+FFFD.
func decodeASCII(p []byte) string {
	var sb strings.Builder
	sb.Grow(len(p))
	for _, b := range p {
		if b >= utf8.RuneSelf {
			sb.WriteRune(utf8.RuneError)
			continue
		}
		sb.WriteByte(b)
	}
	return sb.String()
}
