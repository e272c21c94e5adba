package protocol

const (
	// ProtocolVersion is the version written in the header of every message
	// the server emits. Received versions are not enforced.
	ProtocolVersion = 3

	// HeaderSize is the size of the message header and of every attribute header
	HeaderSize = 4

	// MaxMessageSize is the largest total size the 16-bit length field can express
	MaxMessageSize = 0xFFFF

	// MaxVersion is the largest value that fits the 9-bit version field
	MaxVersion = 0x1FF

	// MaxType is the largest value that fits the 7-bit type field
	MaxType = 0x7F
)

// Message type constants
const (
	TypeJoin    = 2 // Client → Server: join with USERNAME
	TypeFwd     = 3 // Server → Client: relayed chat text
	TypeSend    = 4 // Client → Server: chat text
	TypeNak     = 5 // Server → Client: rejection with REASON
	TypeOffline = 6 // Server → Client: member left
	TypeAck     = 7 // Server → Client: join accepted, member list
	TypeOnline  = 8 // Server → Client: member joined
	TypeIdle    = 9 // Both directions: idle notification

	// TypeRelay is the name the broadcast path uses for FWD
	TypeRelay = TypeFwd
)

// Attribute type constants
const (
	AttrReason      = 1
	AttrUsername    = 2
	AttrClientCount = 3
	AttrText        = 4
)

// Reason codes carried in the first two bytes of a REASON attribute
const (
	ReasonMalformedJoin   = 1
	ReasonUsernameTaken   = 2
	ReasonServerFull      = 3
	ReasonInvalidUsername = 4
	ReasonMalformedSend   = 5
	ReasonMessageTooLong  = 6
	ReasonAlreadyJoined   = 7
)

// TypeName returns a short label for a message type, used in logs and metrics
func TypeName(t uint8) string {
	switch t {
	case TypeJoin:
		return "JOIN"
	case TypeFwd:
		return "FWD"
	case TypeSend:
		return "SEND"
	case TypeNak:
		return "NAK"
	case TypeOffline:
		return "OFFLINE"
	case TypeAck:
		return "ACK"
	case TypeOnline:
		return "ONLINE"
	case TypeIdle:
		return "IDLE"
	default:
		return "UNKNOWN"
	}
}
