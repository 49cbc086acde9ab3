package verifier

import (
	"context"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"veriflow/internal/platform/clock"
	id "veriflow/pkg/domain"
)

// OTPVerifier compares one-time codes. Delivery (SMS or otherwise) is an
// external collaborator; it calls Issue with the code it sent, and the booth
// operator's attempt supplies the code typed back. Codes are stored
// bcrypt-hashed so a dump of engine memory never yields usable codes, and
// matching is exact: the outcome confidence is 1 on match, 0 otherwise.
type OTPVerifier struct {
	mu    sync.Mutex
	codes map[id.IdentityID]issuedCode
	clock clock.Clock
	ttl   time.Duration
}

type issuedCode struct {
	hash      []byte
	expiresAt time.Time
}

func NewOTPVerifier(clk clock.Clock, ttl time.Duration) *OTPVerifier {
	return &OTPVerifier{
		codes: make(map[id.IdentityID]issuedCode),
		clock: clk,
		ttl:   ttl,
	}
}

// Issue records the hash of a delivered code. A second Issue for the same
// identity replaces the first; only the latest delivered code is valid.
func (v *OTPVerifier) Issue(identityRef id.IdentityID, code string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return NewError(CategoryInternal, id.MethodOTP, "hash code", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.codes[identityRef] = issuedCode{
		hash:      hash,
		expiresAt: v.clock.Now().Add(v.ttl),
	}
	return nil
}

func (v *OTPVerifier) Attempt(_ context.Context, identityRef id.IdentityID, payload Payload) (Outcome, error) {
	code, ok := payload["code"]
	if !ok || code == "" {
		return Outcome{}, NewError(CategoryBadInput, id.MethodOTP, "payload missing code", nil)
	}

	v.mu.Lock()
	issued, ok := v.codes[identityRef]
	v.mu.Unlock()

	if !ok || v.clock.Now().After(issued.expiresAt) {
		// No live code for this identity; the attempt simply does not match.
		return Outcome{Match: false, Confidence: 0}, nil
	}

	if err := bcrypt.CompareHashAndPassword(issued.hash, []byte(code)); err != nil {
		return Outcome{Match: false, Confidence: 0}, nil
	}

	// A matched code is consumed; replays of the same code fail.
	v.mu.Lock()
	delete(v.codes, identityRef)
	v.mu.Unlock()

	return Outcome{Match: true, Confidence: 1}, nil
}
