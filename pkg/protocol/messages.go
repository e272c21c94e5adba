package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrMissingAttribute = errors.New("required attribute missing")
	ErrInvalidReason    = errors.New("reason attribute shorter than 2 bytes")
	ErrInvalidCount     = errors.New("client count attribute must be 2 bytes")
)

// ===== Constructors =====

// UsernameAttr builds a USERNAME attribute. The payload is the raw name
// bytes with no terminator.
func UsernameAttr(name string) Attribute {
	return Attribute{Type: AttrUsername, Payload: []byte(name)}
}

// TextAttr builds a TEXT attribute
func TextAttr(text []byte) Attribute {
	return Attribute{Type: AttrText, Payload: text}
}

// ReasonAttr builds a REASON attribute: [Code (2 bytes)][UTF-8 text]
func ReasonAttr(code uint16, text string) Attribute {
	payload := make([]byte, 2, 2+len(text))
	binary.BigEndian.PutUint16(payload, code)
	payload = append(payload, text...)
	return Attribute{Type: AttrReason, Payload: payload}
}

// ClientCountAttr builds a CLIENT_COUNT attribute
func ClientCountAttr(count uint16) Attribute {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, count)
	return Attribute{Type: AttrClientCount, Payload: payload}
}

// NewJoin builds a JOIN request
func NewJoin(username string) *Message {
	return NewMessage(TypeJoin, UsernameAttr(username))
}

// NewSend builds a SEND request
func NewSend(text []byte) *Message {
	return NewMessage(TypeSend, TextAttr(text))
}

// NewRelay builds the FWD message delivered to every other session.
// It carries exactly one TEXT attribute.
func NewRelay(text []byte) *Message {
	return NewMessage(TypeRelay, TextAttr(text))
}

// NewAck builds the join acknowledgement: CLIENT_COUNT followed by one
// USERNAME per other member
func NewAck(count uint16, members []string) *Message {
	attrs := make([]Attribute, 0, 1+len(members))
	attrs = append(attrs, ClientCountAttr(count))
	for _, name := range members {
		attrs = append(attrs, UsernameAttr(name))
	}
	return NewMessage(TypeAck, attrs...)
}

// NewNak builds a rejection carrying a reason code and text
func NewNak(code uint16, text string) *Message {
	return NewMessage(TypeNak, ReasonAttr(code, text))
}

// NewOnline builds the arrival notice for a newly admitted member
func NewOnline(username string) *Message {
	return NewMessage(TypeOnline, UsernameAttr(username))
}

// NewOffline builds the departure notice for a member that left
func NewOffline(username string) *Message {
	return NewMessage(TypeOffline, UsernameAttr(username))
}

// NewIdle builds an IDLE message. Clients send it without attributes;
// the server forwards it with the sender's USERNAME.
func NewIdle(username string) *Message {
	if username == "" {
		return NewMessage(TypeIdle)
	}
	return NewMessage(TypeIdle, UsernameAttr(username))
}

// ===== Accessors =====

// Username returns the first USERNAME attribute as text
func (m *Message) Username() (string, error) {
	a, ok := m.Attr(AttrUsername)
	if !ok {
		return "", fmt.Errorf("%w: USERNAME", ErrMissingAttribute)
	}
	return string(a.Payload), nil
}

// Text returns the first TEXT attribute's payload
func (m *Message) Text() ([]byte, error) {
	a, ok := m.Attr(AttrText)
	if !ok {
		return nil, fmt.Errorf("%w: TEXT", ErrMissingAttribute)
	}
	return a.Payload, nil
}

// Reason returns the reason code and text of a NAK
func (m *Message) Reason() (uint16, string, error) {
	a, ok := m.Attr(AttrReason)
	if !ok {
		return 0, "", fmt.Errorf("%w: REASON", ErrMissingAttribute)
	}
	if len(a.Payload) < 2 {
		return 0, "", ErrInvalidReason
	}
	return binary.BigEndian.Uint16(a.Payload[:2]), string(a.Payload[2:]), nil
}

// ClientCount returns the CLIENT_COUNT of an ACK
func (m *Message) ClientCount() (uint16, error) {
	a, ok := m.Attr(AttrClientCount)
	if !ok {
		return 0, fmt.Errorf("%w: CLIENT_COUNT", ErrMissingAttribute)
	}
	if len(a.Payload) != 2 {
		return 0, ErrInvalidCount
	}
	return binary.BigEndian.Uint16(a.Payload), nil
}

// Usernames returns every USERNAME attribute, in order
func (m *Message) Usernames() []string {
	attrs := m.AttrsOf(AttrUsername)
	names := make([]string, 0, len(attrs))
	for _, a := range attrs {
		names = append(names, string(a.Payload))
	}
	return names
}

// ValidText reports whether payload is usable as displayable text
func ValidText(payload []byte) bool {
	return utf8.Valid(payload)
}
