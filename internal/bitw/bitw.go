/*
NAME
  bitw.go

DESCRIPTION
  Package bitw wraps icza/bitio with the handful of helpers the SBC encoder
  and the AVDTP capability codec need: writing an arbitrary bit-width unsigned
  value MSB-first into a byte buffer, and reading it back. This plays the
  role that codec/h264/h264dec/bits.BitReader plays for the teacher's own
  hand-rolled bitstream reader, but built on the ecosystem bitio library
  instead of reimplementing bit-shifting by hand.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package bitw provides MSB-first bit packing on top of icza/bitio, used by
// the SBC frame encoder and the AVDTP SBC capability codec.
package bitw

import (
	"bytes"

	"github.com/icza/bitio"
)

// Writer accumulates bits MSB-first into an internal buffer.
type Writer struct {
	buf *bytes.Buffer
	w   *bitio.Writer
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	buf := &bytes.Buffer{}
	return &Writer{buf: buf, w: bitio.NewWriter(buf)}
}

// WriteBits writes the low nbits of v, most-significant bit first.
func (w *Writer) WriteBits(v uint64, nbits uint8) error {
	if nbits == 0 {
		return nil
	}
	return w.w.WriteBits(v, nbits)
}

// WriteByte writes a full byte.
func (w *Writer) WriteByte(b byte) error {
	return w.w.WriteByte(b)
}

// Align pads the current byte with zero bits up to the next byte boundary.
func (w *Writer) Align() error {
	_, err := w.w.Align()
	return err
}

// Len returns the number of whole bytes flushed so far (call Align/Bytes
// first to ensure the tail byte is included).
func (w *Writer) Len() int { return w.buf.Len() }

// Bytes flushes any partial byte (zero-padded) and returns the accumulated
// bytes. The Writer must not be used after calling Bytes.
func (w *Writer) Bytes() ([]byte, error) {
	if err := w.w.Close(); err != nil {
		return nil, err
	}
	return w.buf.Bytes(), nil
}

// Reader consumes bits MSB-first from a byte slice.
type Reader struct {
	r *bitio.Reader
}

// NewReader returns a Reader over b.
func NewReader(b []byte) *Reader {
	return &Reader{r: bitio.NewReader(bytes.NewReader(b))}
}

// ReadBits reads nbits MSB-first and returns them right-aligned in a uint64.
func (r *Reader) ReadBits(nbits uint8) (uint64, error) {
	if nbits == 0 {
		return 0, nil
	}
	return r.r.ReadBits(nbits)
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	return r.r.ReadByte()
}

// Align discards any remaining bits in the current byte.
func (r *Reader) Align() {
	r.r.Align()
}
