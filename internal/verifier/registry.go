package verifier

import (
	"fmt"

	id "veriflow/pkg/domain"
)

// Registry resolves the provider and confidence threshold for a method. It
// is built once at startup from a static table and never mutated afterwards,
// so lookups need no locking.
type Registry struct {
	providers  map[id.Method]Provider
	thresholds map[id.Method]float64
}

// Thresholds are the minimum confidences a MATCH outcome must carry to
// complete a session. Exact-match methods sit at 1.
var defaultThresholds = map[id.Method]float64{
	id.MethodOTP:       1.0,
	id.MethodFace:      0.8,
	id.MethodBiometric: 0.7,
	id.MethodDocument:  0.75,
	id.MethodManual:    1.0,
}

// NewRegistry builds the dispatch table. Every registered method must name a
// supported Method value; thresholds default per method and may be
// overridden via WithThreshold.
func NewRegistry(providers map[id.Method]Provider, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		providers:  make(map[id.Method]Provider, len(providers)),
		thresholds: make(map[id.Method]float64, len(defaultThresholds)),
	}
	for m, t := range defaultThresholds {
		r.thresholds[m] = t
	}
	for method, provider := range providers {
		if _, err := id.ParseMethod(method.String()); err != nil {
			return nil, fmt.Errorf("register provider: %w", err)
		}
		if provider == nil {
			return nil, fmt.Errorf("register provider: nil provider for %s", method)
		}
		r.providers[method] = provider
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RegistryOption configures the registry at construction time.
type RegistryOption func(*Registry)

// WithThreshold overrides the confidence threshold for a method.
func WithThreshold(method id.Method, threshold float64) RegistryOption {
	return func(r *Registry) {
		r.thresholds[method] = threshold
	}
}

// Provider returns the provider registered for a method.
func (r *Registry) Provider(method id.Method) (Provider, bool) {
	p, ok := r.providers[method]
	return p, ok
}

// Threshold returns the confidence threshold for a method.
func (r *Registry) Threshold(method id.Method) float64 {
	return r.thresholds[method]
}
