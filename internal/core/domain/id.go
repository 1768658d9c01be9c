package domain

import (
	"errors"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxIDLength bounds call and user identifiers taken from the URL.
const MaxIDLength = 128

var ErrInvalidID = errors.New("invalid identifier")

type CallID string
type UserID string

// SystemSender is the "from" value of messages the relay originates.
const SystemSender = "system"

func ParseCallID(s string) (CallID, error) {
	if err := validateID(s); err != nil {
		return "", err
	}
	return CallID(s), nil
}

func ParseUserID(s string) (UserID, error) {
	if err := validateID(s); err != nil {
		return "", err
	}
	return UserID(s), nil
}

func validateID(s string) error {
	if s == "" || len(s) > MaxIDLength || !utf8.ValidString(s) {
		return ErrInvalidID
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return ErrInvalidID
		}
	}
	return nil
}

func (id CallID) String() string {
	return string(id)
}

func (id UserID) String() string {
	return string(id)
}

// SessionID identifies one connection attempt, independent of the
// (call, user) identity it claims.
type SessionID uuid.UUID

func NewSessionID() SessionID {
	return SessionID(uuid.New())
}

func (s SessionID) String() string {
	return uuid.UUID(s).String()
}
