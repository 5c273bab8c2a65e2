/*
NAME
  element.go

DESCRIPTION
  element.go implements the SDP data element codec: the self-describing
  TLV encoding (Bluetooth Core Spec v5.3 Vol 3 Part B §3.2) used for every
  attribute value in a service record and every PDU parameter list.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package sdp implements the Service Discovery Protocol: the data element
// codec, the service record database, and the client/server request
// dispatch with continuation-state accumulation.
package sdp

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ElementType is the SDP data element type descriptor (top 5 bits of the
// header byte).
type ElementType uint8

const (
	TypeNil ElementType = iota
	TypeUint
	TypeInt
	TypeUUID
	TypeText
	TypeBool
	TypeSequence
	TypeAlternative
	TypeURL
)

// Element is a decoded SDP data element. Only the fields relevant to Type
// are meaningful.
type Element struct {
	Type ElementType
	Size int // byte width for Uint/Int/UUID (1,2,4,8,16)

	Uint uint64
	Int  int64
	UUID []byte // 2, 4 or 16 raw bytes, big-endian
	Text string
	Bool bool
	Seq  []Element // Sequence or Alternative
	URL  string
}

// sizeIndexFixed maps a fixed byte width to its 3-bit size index.
func sizeIndexFixed(n int) (byte, error) {
	switch n {
	case 1:
		return 0, nil
	case 2:
		return 1, nil
	case 4:
		return 2, nil
	case 8:
		return 3, nil
	case 16:
		return 4, nil
	}
	return 0, errors.Errorf("sdp: invalid fixed element width %d", n)
}

// NewUint returns a Uint element of the given byte width (1,2,4,8,16).
func NewUint(v uint64, width int) Element { return Element{Type: TypeUint, Size: width, Uint: v} }

// NewInt returns a signed Int element of the given byte width.
func NewInt(v int64, width int) Element { return Element{Type: TypeInt, Size: width, Int: v} }

// NewUUID returns a UUID element; b must be 2, 4 or 16 bytes.
func NewUUID(b []byte) Element { return Element{Type: TypeUUID, Size: len(b), UUID: append([]byte{}, b...)} }

// NewText returns a variable-length text element.
func NewText(s string) Element { return Element{Type: TypeText, Text: s} }

// NewBool returns a boolean element.
func NewBool(b bool) Element { return Element{Type: TypeBool, Bool: b} }

// NewSequence returns a Data Element Sequence (DES) wrapping elems.
func NewSequence(elems ...Element) Element { return Element{Type: TypeSequence, Seq: elems} }

// NewURL returns a URL element.
func NewURL(s string) Element { return Element{Type: TypeURL, URL: s} }

// Encode appends e's wire encoding to buf and returns the result.
func Encode(buf []byte, e Element) ([]byte, error) {
	switch e.Type {
	case TypeNil:
		return append(buf, 0<<3|0), nil

	case TypeUint, TypeInt:
		idx, err := sizeIndexFixed(e.Size)
		if err != nil {
			return nil, err
		}
		td := byte(TypeUint)
		if e.Type == TypeInt {
			td = byte(TypeInt)
		}
		buf = append(buf, td<<3|idx)
		return appendFixedValue(buf, e), nil

	case TypeUUID:
		idx, err := sizeIndexFixed(len(e.UUID))
		if err != nil {
			return nil, errors.Wrap(err, "sdp: encoding UUID")
		}
		buf = append(buf, byte(TypeUUID)<<3|idx)
		return append(buf, e.UUID...), nil

	case TypeBool:
		buf = append(buf, byte(TypeBool)<<3|0)
		if e.Bool {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil

	case TypeText, TypeURL:
		s := e.Text
		if e.Type == TypeURL {
			s = e.URL
		}
		return appendVariable(buf, e.Type, []byte(s))

	case TypeSequence, TypeAlternative:
		var body []byte
		var err error
		for _, child := range e.Seq {
			body, err = Encode(body, child)
			if err != nil {
				return nil, err
			}
		}
		return appendVariable(buf, e.Type, body)

	default:
		return nil, errors.Errorf("sdp: encode: unknown element type %d", e.Type)
	}
}

func appendFixedValue(buf []byte, e Element) []byte {
	tmp := make([]byte, e.Size)
	var u uint64
	if e.Type == TypeInt {
		u = uint64(e.Int)
	} else {
		u = e.Uint
	}
	switch e.Size {
	case 1:
		tmp[0] = byte(u)
	case 2:
		binary.BigEndian.PutUint16(tmp, uint16(u))
	case 4:
		binary.BigEndian.PutUint32(tmp, uint32(u))
	case 8:
		binary.BigEndian.PutUint64(tmp, u)
	case 16:
		binary.BigEndian.PutUint64(tmp[8:], u) // low 64 bits; high 64 bits left zero for 128-bit ints we don't otherwise construct.
	}
	return append(buf, tmp...)
}

// appendVariable writes the header for a variable-length element (text,
// URL, sequence, alternative), choosing the smallest size-index (5,6,7)
// that fits body's length, then appends body.
func appendVariable(buf []byte, t ElementType, body []byte) ([]byte, error) {
	n := len(body)
	switch {
	case n <= 0xFF:
		buf = append(buf, byte(t)<<3|5, byte(n))
	case n <= 0xFFFF:
		tmp := make([]byte, 2)
		binary.BigEndian.PutUint16(tmp, uint16(n))
		buf = append(buf, byte(t)<<3|6)
		buf = append(buf, tmp...)
	default:
		tmp := make([]byte, 4)
		binary.BigEndian.PutUint32(tmp, uint32(n))
		buf = append(buf, byte(t)<<3|7)
		buf = append(buf, tmp...)
	}
	return append(buf, body...), nil
}

// Decode parses one data element from the front of buf and returns it
// along with the number of bytes consumed.
func Decode(buf []byte) (Element, int, error) {
	if len(buf) == 0 {
		return Element{}, 0, errors.New("sdp: decode: empty buffer")
	}
	head := buf[0]
	t := ElementType(head >> 3)
	sizeIdx := head & 0x07

	switch t {
	case TypeNil:
		return Element{Type: TypeNil}, 1, nil

	case TypeUint, TypeInt:
		width, ok := fixedWidth(sizeIdx)
		if !ok {
			return Element{}, 0, errors.Errorf("sdp: invalid size index %d for fixed type", sizeIdx)
		}
		if len(buf) < 1+width {
			return Element{}, 0, errors.New("sdp: truncated fixed-width element")
		}
		val := buf[1 : 1+width]
		e := Element{Type: t, Size: width}
		u := readBigEndian(val)
		if t == TypeInt {
			e.Int = int64(u)
			if width < 8 {
				// Sign-extend from the element's own width.
				shift := uint(64 - 8*width)
				e.Int = int64(u<<shift) >> shift
			}
		} else {
			e.Uint = u
		}
		return e, 1 + width, nil

	case TypeUUID:
		width, ok := fixedWidth(sizeIdx)
		if !ok {
			return Element{}, 0, errors.Errorf("sdp: invalid size index %d for UUID", sizeIdx)
		}
		if len(buf) < 1+width {
			return Element{}, 0, errors.New("sdp: truncated UUID element")
		}
		return Element{Type: TypeUUID, Size: width, UUID: append([]byte{}, buf[1:1+width]...)}, 1 + width, nil

	case TypeBool:
		if len(buf) < 2 {
			return Element{}, 0, errors.New("sdp: truncated boolean element")
		}
		return Element{Type: TypeBool, Bool: buf[1] != 0}, 2, nil

	case TypeText, TypeURL:
		body, hdrLen, err := readVariableBody(buf, sizeIdx)
		if err != nil {
			return Element{}, 0, err
		}
		e := Element{Type: t}
		if t == TypeText {
			e.Text = string(body)
		} else {
			e.URL = string(body)
		}
		return e, hdrLen + len(body), nil

	case TypeSequence, TypeAlternative:
		body, hdrLen, err := readVariableBody(buf, sizeIdx)
		if err != nil {
			return Element{}, 0, err
		}
		var children []Element
		off := 0
		for off < len(body) {
			child, n, err := Decode(body[off:])
			if err != nil {
				return Element{}, 0, errors.Wrap(err, "sdp: decoding sequence child")
			}
			children = append(children, child)
			off += n
		}
		return Element{Type: t, Seq: children}, hdrLen + len(body), nil

	default:
		return Element{}, 0, errors.Errorf("sdp: decode: unknown element type %d", t)
	}
}

func fixedWidth(sizeIdx byte) (int, bool) {
	switch sizeIdx {
	case 0:
		return 1, true
	case 1:
		return 2, true
	case 2:
		return 4, true
	case 3:
		return 8, true
	case 4:
		return 16, true
	}
	return 0, false
}

func readBigEndian(b []byte) uint64 {
	var u uint64
	for _, v := range b {
		u = u<<8 | uint64(v)
	}
	return u
}

// readVariableBody reads the length field that follows a variable-length
// element's header byte (size index 5, 6 or 7 meaning 1, 2 or 4 following
// length bytes) and returns the body slice plus the total header length
// (1 descriptor byte + length-field bytes).
func readVariableBody(buf []byte, sizeIdx byte) (body []byte, hdrLen int, err error) {
	var lenFieldWidth int
	switch sizeIdx {
	case 5:
		lenFieldWidth = 1
	case 6:
		lenFieldWidth = 2
	case 7:
		lenFieldWidth = 4
	default:
		return nil, 0, errors.Errorf("sdp: invalid size index %d for variable-length element", sizeIdx)
	}
	if len(buf) < 1+lenFieldWidth {
		return nil, 0, errors.New("sdp: truncated variable-length header")
	}
	n := int(readBigEndian(buf[1 : 1+lenFieldWidth]))
	hdrLen = 1 + lenFieldWidth
	if len(buf) < hdrLen+n {
		return nil, 0, errors.New("sdp: truncated variable-length body")
	}
	return buf[hdrLen : hdrLen+n], hdrLen, nil
}
