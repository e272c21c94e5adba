package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderWordPacking(t *testing.T) {
	tests := []struct {
		name    string
		version uint16
		msgType uint8
		word    uint16
	}{
		{"version 1 join", 1, TypeJoin, 0x0082},
		{"version 3 send", 3, TypeSend, 0x0184},
		{"max version", MaxVersion, 0, 0xFF80},
		{"max type", 0, MaxType, 0x007F},
		{"both max", MaxVersion, MaxType, 0xFFFF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			word := PackHeaderWord(tt.version, tt.msgType)
			assert.Equal(t, tt.word, word)

			version, msgType := UnpackHeaderWord(word)
			assert.Equal(t, tt.version, version)
			assert.Equal(t, tt.msgType, msgType)
		})
	}
}

func TestEncodeJoinWireBytes(t *testing.T) {
	// header(version=1, type=2, length=11) + attribute(type=2, length=7, "bob")
	msg := &Message{
		Header:     Header{Version: 1, Type: TypeJoin, Length: 11},
		Attributes: []Attribute{UsernameAttr("bob")},
	}

	data, err := msg.Encode()
	require.NoError(t, err)

	want := []byte{
		0x00, 0x82, 0x00, 0x0B,
		0x00, 0x02, 0x00, 0x07, 'b', 'o', 'b',
	}
	assert.Equal(t, want, data)
}

func TestEncodeDecodeMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{"no attributes", NewMessage(TypeIdle)},
		{"join", NewJoin("alice")},
		{"send with binary payload", NewSend([]byte{0x00, 0xFF, 0x10})},
		{"empty text", NewSend([]byte{})},
		{"ack with members", NewAck(3, []string{"bob", "carol"})},
		{"nak", NewNak(ReasonUsernameTaken, "username already in use")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.msg.Encode()
			require.NoError(t, err)
			assert.Len(t, data, tt.msg.Size())

			decoded, err := DecodeBytes(data)
			require.NoError(t, err)

			assert.Equal(t, tt.msg.Header, decoded.Header)
			require.Len(t, decoded.Attributes, len(tt.msg.Attributes))
			for i := range tt.msg.Attributes {
				assert.Equal(t, tt.msg.Attributes[i].Type, decoded.Attributes[i].Type)
				assert.True(t, bytes.Equal(tt.msg.Attributes[i].Payload, decoded.Attributes[i].Payload))
			}
		})
	}
}

func TestEncodeErrors(t *testing.T) {
	t.Run("version out of range", func(t *testing.T) {
		msg := NewMessage(TypeJoin)
		msg.Header.Version = MaxVersion + 1
		_, err := msg.Encode()
		assert.ErrorIs(t, err, ErrVersionOutOfRange)
	})

	t.Run("type out of range", func(t *testing.T) {
		msg := NewMessage(MaxType + 1)
		_, err := msg.Encode()
		assert.ErrorIs(t, err, ErrTypeOutOfRange)
	})

	t.Run("too large", func(t *testing.T) {
		msg := NewSend(make([]byte, MaxMessageSize))
		_, err := msg.Encode()
		assert.ErrorIs(t, err, ErrMessageTooLarge)
	})

	t.Run("largest payload fits", func(t *testing.T) {
		msg := NewSend(make([]byte, MaxMessageSize-2*HeaderSize))
		data, err := msg.Encode()
		require.NoError(t, err)
		assert.Len(t, data, MaxMessageSize)
	})
}

// rawMessage builds wire bytes with arbitrary (possibly inconsistent) length fields
func rawMessage(msgType uint8, length uint16, attrs ...[]byte) []byte {
	buf := binary.BigEndian.AppendUint16(nil, PackHeaderWord(1, msgType))
	buf = binary.BigEndian.AppendUint16(buf, length)
	for _, a := range attrs {
		buf = append(buf, a...)
	}
	return buf
}

func rawAttr(attrType, length uint16, payload []byte) []byte {
	buf := binary.BigEndian.AppendUint16(nil, attrType)
	buf = binary.BigEndian.AppendUint16(buf, length)
	return append(buf, payload...)
}

func TestDecodeErrors(t *testing.T) {
	t.Run("empty stream is a clean close", func(t *testing.T) {
		_, err := DecodeBytes(nil)
		assert.ErrorIs(t, err, ErrConnectionClosed)
		assert.NotErrorIs(t, err, ErrProtocol)
	})

	t.Run("partial header", func(t *testing.T) {
		_, err := DecodeBytes([]byte{0x00, 0x82})
		assert.ErrorIs(t, err, ErrTruncatedMessage)
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("header length below 4", func(t *testing.T) {
		_, err := DecodeBytes(rawMessage(TypeJoin, 3))
		assert.ErrorIs(t, err, ErrInvalidHeaderLength)
	})

	t.Run("attribute length below 4", func(t *testing.T) {
		data := rawMessage(TypeJoin, 12, rawAttr(AttrUsername, 3, []byte("bobx")))
		_, err := DecodeBytes(data)
		assert.ErrorIs(t, err, ErrInvalidAttributeLength)
	})

	t.Run("attribute longer than remaining", func(t *testing.T) {
		data := rawMessage(TypeJoin, 11, rawAttr(AttrUsername, 8, []byte("bobby")))
		_, err := DecodeBytes(data)
		assert.ErrorIs(t, err, ErrInvalidAttributeLength)
	})

	t.Run("remaining too small for attribute header", func(t *testing.T) {
		data := rawMessage(TypeJoin, 6, []byte{0x00, 0x02})
		_, err := DecodeBytes(data)
		assert.ErrorIs(t, err, ErrInvalidAttributeLength)
	})

	t.Run("stream closes inside payload", func(t *testing.T) {
		data := rawMessage(TypeJoin, 11, rawAttr(AttrUsername, 7, []byte("bo")))
		_, err := DecodeBytes(data)
		assert.ErrorIs(t, err, ErrTruncatedMessage)
	})

	t.Run("stream closes before attribute", func(t *testing.T) {
		_, err := DecodeBytes(rawMessage(TypeJoin, 11))
		assert.ErrorIs(t, err, ErrTruncatedMessage)
	})
}

func TestDecodeUsernameIsLengthBounded(t *testing.T) {
	// Payload bytes past the declared length belong to the next message
	first := rawMessage(TypeJoin, 11, rawAttr(AttrUsername, 7, []byte("bob")))
	second := NewSend([]byte("hi"))
	secondBytes, err := second.Encode()
	require.NoError(t, err)

	r := bytes.NewReader(append(first, secondBytes...))

	msg, err := Decode(r)
	require.NoError(t, err)
	name, err := msg.Username()
	require.NoError(t, err)
	assert.Equal(t, "bob", name)

	next, err := Decode(r)
	require.NoError(t, err)
	assert.Equal(t, uint8(TypeSend), next.Type())

	_, err = Decode(r)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestDecodePreservesEmbeddedNul(t *testing.T) {
	data := rawMessage(TypeJoin, 11, rawAttr(AttrUsername, 7, []byte{'b', 0, 'b'}))
	msg, err := DecodeBytes(data)
	require.NoError(t, err)

	name, err := msg.Username()
	require.NoError(t, err)
	assert.Equal(t, "b\x00b", name)
	assert.Len(t, name, 3)
}

func TestDecodeIOErrorIsNotProtocolError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Decode(&failingReader{err: boom})
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrProtocol)
}

func TestAttributeLookup(t *testing.T) {
	msg := NewMessage(TypeAck,
		ClientCountAttr(2),
		UsernameAttr("bob"),
		UsernameAttr("carol"),
	)

	first, ok := msg.First()
	require.True(t, ok)
	assert.Equal(t, uint16(AttrClientCount), first.Type)

	_, ok = msg.Attr(AttrText)
	assert.False(t, ok)

	assert.Len(t, msg.AttrsOf(AttrUsername), 2)

	_, ok = NewMessage(TypeIdle).First()
	assert.False(t, ok)
}
