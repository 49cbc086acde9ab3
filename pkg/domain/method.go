package domain

import dErrors "veriflow/pkg/domain-errors"

// Method is a domain value naming how a claimed identity is verified.
// Invariant: the value must be one of the supported verification methods.
//
// Usage: construct via ParseMethod at trust boundaries to enforce the
// allowlist; direct casting bypasses validation.
type Method string

// Supported verification methods. A session locks onto exactly one method
// when verification starts; switching methods requires a new session.
const (
	MethodOTP       Method = "otp"
	MethodFace      Method = "face"
	MethodBiometric Method = "biometric"
	MethodDocument  Method = "document"
	MethodManual    Method = "manual"
)

var supportedMethods = map[Method]struct{}{
	MethodOTP:       {},
	MethodFace:      {},
	MethodBiometric: {},
	MethodDocument:  {},
	MethodManual:    {},
}

// ParseMethod validates a raw method string against the allowlist.
func ParseMethod(raw string) (Method, error) {
	m := Method(raw)
	if _, ok := supportedMethods[m]; !ok {
		return "", dErrors.New(dErrors.CodeInvalidInput, "unsupported verification method: "+raw)
	}
	return m, nil
}

// Methods returns all supported methods. The slice is a copy; callers may
// mutate it freely.
func Methods() []Method {
	out := make([]Method, 0, len(supportedMethods))
	for m := range supportedMethods {
		out = append(out, m)
	}
	return out
}

func (m Method) String() string { return string(m) }
