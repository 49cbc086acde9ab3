package domain

import (
	"github.com/google/uuid"

	dErrors "veriflow/pkg/domain-errors"
)

// Typed UUID wrappers keep identifier kinds distinct at compile time. A
// SessionID can never be passed where an IdentityID is expected.
//
// Invariant: IDs must be valid, non-nil UUIDs. Construct via the Parse*
// helpers at trust boundaries; direct casting bypasses validation and is
// reserved for code that already holds a validated uuid.UUID.
type (
	// SessionID identifies one verification session.
	SessionID uuid.UUID

	// IdentityID is the opaque reference to the claimed identity under
	// verification. The engine never interprets it beyond equality.
	IdentityID uuid.UUID

	// OperatorID identifies the booth operator who initiated a session.
	OperatorID uuid.UUID

	// BoothID identifies the physical verification booth.
	BoothID uuid.UUID
)

func parseUUID(raw, kind string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" must not be empty")
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid "+kind)
	}
	if parsed == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" must not be the nil UUID")
	}
	return parsed, nil
}

// ParseSessionID validates and converts a raw string into a SessionID.
func ParseSessionID(raw string) (SessionID, error) {
	parsed, err := parseUUID(raw, "session id")
	return SessionID(parsed), err
}

// ParseIdentityID validates and converts a raw string into an IdentityID.
func ParseIdentityID(raw string) (IdentityID, error) {
	parsed, err := parseUUID(raw, "identity id")
	return IdentityID(parsed), err
}

// ParseOperatorID validates and converts a raw string into an OperatorID.
func ParseOperatorID(raw string) (OperatorID, error) {
	parsed, err := parseUUID(raw, "operator id")
	return OperatorID(parsed), err
}

// ParseBoothID validates and converts a raw string into a BoothID.
func ParseBoothID(raw string) (BoothID, error) {
	parsed, err := parseUUID(raw, "booth id")
	return BoothID(parsed), err
}

// NewSessionID mints a random SessionID.
func NewSessionID() SessionID { return SessionID(uuid.New()) }

func (id SessionID) String() string  { return uuid.UUID(id).String() }
func (id IdentityID) String() string { return uuid.UUID(id).String() }
func (id OperatorID) String() string { return uuid.UUID(id).String() }
func (id BoothID) String() string    { return uuid.UUID(id).String() }

func (id SessionID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }
func (id IdentityID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id OperatorID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id BoothID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
