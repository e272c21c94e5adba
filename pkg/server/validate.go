package server

import (
	"errors"
	"fmt"

	"github.com/aeolun/sbcp/pkg/protocol"
)

var (
	// ErrValidation is the root of every error caused by a well-formed
	// message that the server refuses
	ErrValidation = errors.New("validation error")

	ErrMalformedJoin    = fmt.Errorf("%w: malformed join", ErrValidation)
	ErrMalformedSend    = fmt.Errorf("%w: malformed send", ErrValidation)
	ErrMissingUsername  = fmt.Errorf("%w: first attribute is not USERNAME", ErrMalformedJoin)
	ErrMissingText      = fmt.Errorf("%w: first attribute is not TEXT", ErrMalformedSend)
	ErrInvalidUsername  = fmt.Errorf("%w: invalid username", ErrValidation)
	ErrMessageTooLong   = fmt.Errorf("%w: message too long", ErrValidation)
	ErrUsernameTaken    = fmt.Errorf("%w: username already in use", ErrValidation)
	ErrRegistryFull     = fmt.Errorf("%w: server full", ErrValidation)
	ErrAlreadyJoined    = fmt.Errorf("%w: session already joined", ErrValidation)

	// ErrMemberListTooLarge means the ACK naming every member would exceed
	// the largest message the length field can express
	ErrMemberListTooLarge = fmt.Errorf("%w: member list too large", ErrRegistryFull)

	// ErrHandleInUse means a handle was admitted twice, which is a server bug
	ErrHandleInUse = errors.New("connection handle already registered")
)

// ValidateJoin checks that msg is a JOIN whose first attribute is USERNAME
// and returns the username. The name is exactly the attribute payload; it is
// never scanned for a terminator.
func ValidateJoin(msg *protocol.Message, maxLen int) (string, error) {
	if msg.Type() != protocol.TypeJoin {
		return "", fmt.Errorf("%w: got %s, want JOIN", ErrMalformedJoin, protocol.TypeName(msg.Type()))
	}

	first, ok := msg.First()
	if !ok || first.Type != protocol.AttrUsername {
		return "", ErrMissingUsername
	}

	name := first.Payload
	if len(name) == 0 {
		return "", fmt.Errorf("%w: empty", ErrInvalidUsername)
	}
	if maxLen > 0 && len(name) > maxLen {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidUsername, len(name), maxLen)
	}
	if !protocol.ValidText(name) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidUsername)
	}

	return string(name), nil
}

// ValidateSend checks that msg is a SEND whose first attribute is TEXT and
// returns the text payload
func ValidateSend(msg *protocol.Message, maxLen int) ([]byte, error) {
	if msg.Type() != protocol.TypeSend {
		return nil, fmt.Errorf("%w: got %s, want SEND", ErrMalformedSend, protocol.TypeName(msg.Type()))
	}

	first, ok := msg.First()
	if !ok || first.Type != protocol.AttrText {
		return nil, ErrMissingText
	}
	if maxLen > 0 && len(first.Payload) > maxLen {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrMessageTooLong, len(first.Payload), maxLen)
	}

	return first.Payload, nil
}

// rejection maps a validation error onto a NAK reason code and text
func rejection(err error) (uint16, string) {
	switch {
	case errors.Is(err, ErrUsernameTaken):
		return protocol.ReasonUsernameTaken, "username already in use"
	case errors.Is(err, ErrRegistryFull):
		return protocol.ReasonServerFull, "server full"
	case errors.Is(err, ErrInvalidUsername):
		return protocol.ReasonInvalidUsername, "invalid username"
	case errors.Is(err, ErrMessageTooLong):
		return protocol.ReasonMessageTooLong, "message too long"
	case errors.Is(err, ErrAlreadyJoined):
		return protocol.ReasonAlreadyJoined, "already joined"
	case errors.Is(err, ErrMalformedSend):
		return protocol.ReasonMalformedSend, "expected SEND with TEXT"
	case errors.Is(err, ErrMalformedJoin):
		return protocol.ReasonMalformedJoin, "expected JOIN with USERNAME"
	default:
		return protocol.ReasonMalformedJoin, "malformed message"
	}
}

// reasonLabel returns a metrics label for a rejection
func reasonLabel(code uint16) string {
	switch code {
	case protocol.ReasonMalformedJoin:
		return "malformed_join"
	case protocol.ReasonUsernameTaken:
		return "username_taken"
	case protocol.ReasonServerFull:
		return "server_full"
	case protocol.ReasonInvalidUsername:
		return "invalid_username"
	case protocol.ReasonMalformedSend:
		return "malformed_send"
	case protocol.ReasonMessageTooLong:
		return "message_too_long"
	case protocol.ReasonAlreadyJoined:
		return "already_joined"
	default:
		return "other"
	}
}
