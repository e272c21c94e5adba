package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrProtocol is the root of every malformed-message error
	ErrProtocol = errors.New("protocol error")

	ErrInvalidHeaderLength    = fmt.Errorf("%w: message length below header size", ErrProtocol)
	ErrInvalidAttributeLength = fmt.Errorf("%w: invalid attribute length", ErrProtocol)
	ErrTruncatedMessage       = fmt.Errorf("%w: stream closed mid-message", ErrProtocol)
	ErrMessageTooLarge        = fmt.Errorf("%w: message exceeds 65535 bytes", ErrProtocol)
	ErrVersionOutOfRange      = fmt.Errorf("%w: version does not fit 9 bits", ErrProtocol)
	ErrTypeOutOfRange         = fmt.Errorf("%w: type does not fit 7 bits", ErrProtocol)
)

// Header is the fixed 4-byte SBCP message header.
// Format: [Version (9 bits) | Type (7 bits)][Length (2 bytes)], big-endian
type Header struct {
	Version uint16 // 9 bits on the wire
	Type    uint8  // 7 bits on the wire
	Length  uint16 // Total message size including this header
}

// PackHeaderWord packs version and type into the first header word
func PackHeaderWord(version uint16, msgType uint8) uint16 {
	return (version&MaxVersion)<<7 | uint16(msgType&MaxType)
}

// UnpackHeaderWord splits the first header word into version and type
func UnpackHeaderWord(word uint16) (version uint16, msgType uint8) {
	return word >> 7, uint8(word & MaxType)
}

// Attribute is a single TLV entry. Its wire length is always len(Payload)+4.
type Attribute struct {
	Type    uint16
	Payload []byte
}

// Length returns the attribute's wire length including its own header
func (a Attribute) Length() int {
	return HeaderSize + len(a.Payload)
}

// Message is a header followed by an ordered attribute list
type Message struct {
	Header     Header
	Attributes []Attribute
}

// NewMessage builds a message with the current protocol version and a
// header length that matches its attributes
func NewMessage(msgType uint8, attrs ...Attribute) *Message {
	m := &Message{
		Header:     Header{Version: ProtocolVersion, Type: msgType},
		Attributes: attrs,
	}
	m.Header.Length = uint16(min(m.Size(), MaxMessageSize))
	return m
}

// Size returns the encoded size of the message in bytes
func (m *Message) Size() int {
	size := HeaderSize
	for _, a := range m.Attributes {
		size += a.Length()
	}
	return size
}

// Type returns the header message type
func (m *Message) Type() uint8 {
	return m.Header.Type
}

// First returns the first attribute, which carries the primary payload
func (m *Message) First() (Attribute, bool) {
	if len(m.Attributes) == 0 {
		return Attribute{}, false
	}
	return m.Attributes[0], true
}

// Attr returns the first attribute of the given type
func (m *Message) Attr(attrType uint16) (Attribute, bool) {
	for _, a := range m.Attributes {
		if a.Type == attrType {
			return a, true
		}
	}
	return Attribute{}, false
}

// AttrsOf returns every attribute of the given type, in order
func (m *Message) AttrsOf(attrType uint16) []Attribute {
	var out []Attribute
	for _, a := range m.Attributes {
		if a.Type == attrType {
			out = append(out, a)
		}
	}
	return out
}

// Encode serializes the message to bytes
func (m *Message) Encode() ([]byte, error) {
	if m.Header.Version > MaxVersion {
		return nil, ErrVersionOutOfRange
	}
	if m.Header.Type > MaxType {
		return nil, ErrTypeOutOfRange
	}

	size := m.Size()
	if size > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint16(buf, PackHeaderWord(m.Header.Version, m.Header.Type))
	buf = binary.BigEndian.AppendUint16(buf, uint16(size))
	for _, a := range m.Attributes {
		buf = binary.BigEndian.AppendUint16(buf, a.Type)
		buf = binary.BigEndian.AppendUint16(buf, uint16(a.Length()))
		buf = append(buf, a.Payload...)
	}
	return buf, nil
}

// EncodeTo serializes the message and writes it with WriteExact
func (m *Message) EncodeTo(w io.Writer) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	return WriteExact(w, data)
}

// Decode reads one complete message from r.
//
// A peer that closes before the first header byte yields ErrConnectionClosed.
// A close anywhere after that, or any inconsistent length field, yields an
// error wrapping ErrProtocol. Other read failures wrap ErrIO.
func Decode(r io.Reader) (*Message, error) {
	hdr := make([]byte, HeaderSize)
	got, err := readFull(r, hdr)
	if err != nil {
		if got > 0 && errors.Is(err, ErrConnectionClosed) {
			return nil, fmt.Errorf("%w (header, %d of %d bytes)", ErrTruncatedMessage, got, HeaderSize)
		}
		return nil, err
	}

	version, msgType := UnpackHeaderWord(binary.BigEndian.Uint16(hdr[0:2]))
	length := binary.BigEndian.Uint16(hdr[2:4])
	if length < HeaderSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHeaderLength, length)
	}

	m := &Message{
		Header: Header{Version: version, Type: msgType, Length: length},
	}

	remaining := int(length) - HeaderSize
	for remaining > 0 {
		if remaining < HeaderSize {
			return nil, fmt.Errorf("%w: %d trailing bytes cannot hold an attribute header", ErrInvalidAttributeLength, remaining)
		}
		if _, err := readFull(r, hdr); err != nil {
			return nil, truncated(err)
		}
		attrType := binary.BigEndian.Uint16(hdr[0:2])
		attrLen := int(binary.BigEndian.Uint16(hdr[2:4]))
		if attrLen < HeaderSize || attrLen > remaining {
			return nil, fmt.Errorf("%w: %d (remaining %d)", ErrInvalidAttributeLength, attrLen, remaining)
		}

		payload := make([]byte, attrLen-HeaderSize)
		if _, err := readFull(r, payload); err != nil {
			return nil, truncated(err)
		}

		m.Attributes = append(m.Attributes, Attribute{Type: attrType, Payload: payload})
		remaining -= attrLen
	}

	return m, nil
}

// truncated maps a peer close inside a message body onto ErrTruncatedMessage
func truncated(err error) error {
	if errors.Is(err, ErrConnectionClosed) {
		return ErrTruncatedMessage
	}
	return err
}

// DecodeBytes is a helper that decodes a message from a byte slice
func DecodeBytes(data []byte) (*Message, error) {
	return Decode(bytes.NewReader(data))
}
