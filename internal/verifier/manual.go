package verifier

import (
	"context"

	id "veriflow/pkg/domain"
)

// ManualVerifier backs the operator-override method: a supervisor attests to
// the identity in person. The attempt must carry a justification, which is
// echoed in the outcome details for the audit trail; the outcome is always a
// full-confidence match because the human already decided.
type ManualVerifier struct{}

func NewManualVerifier() ManualVerifier { return ManualVerifier{} }

func (ManualVerifier) Attempt(_ context.Context, _ id.IdentityID, payload Payload) (Outcome, error) {
	justification, ok := payload["justification"]
	if !ok || justification == "" {
		return Outcome{}, NewError(CategoryBadInput, id.MethodManual, "manual override requires a justification", nil)
	}
	return Outcome{
		Match:      true,
		Confidence: 1,
		Details:    map[string]string{"justification": justification},
	}, nil
}
