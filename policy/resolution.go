package policy

import "fmt"

// ResolutionMeta is implemented by PublicMeta, LinearMeta, and DynamicMeta.
type ResolutionMeta interface {
	resolutionMeta()
}

// PublicMeta: any member may create a message under this policy.
type PublicMeta struct{}

func (PublicMeta) resolutionMeta() {}

// LinearMeta: creating a message requires an explicit "authorize" grant in
// the timeline.
type LinearMeta struct{}

func (LinearMeta) resolutionMeta() {}

// DynamicMeta wraps a fixed, ordered list of concrete resolution variants.
// The variant that applies to a given message is the one the timeline
// history says was active at that message's global_time; DynamicMeta
// itself is only the closed set of candidates.
type DynamicMeta struct {
	Variants []ResolutionMeta
}

func (DynamicMeta) resolutionMeta() {}

// ResolutionImpl is the resolution variant bound to one message. For
// non-dynamic metas VariantIndex is always 0 and ignored; for DynamicMeta it
// selects which of Variants is nominally in force (the wire encoding), but
// the *authoritative* answer for permission checks still comes from the
// timeline at the message's global_time.
type ResolutionImpl struct {
	Meta         ResolutionMeta
	VariantIndex uint8
}

// NewResolutionImplementation validates that VariantIndex is meaningful for
// meta and constructs the implementation.
func NewResolutionImplementation(meta ResolutionMeta, variantIndex uint8) (ResolutionImpl, error) {
	switch m := meta.(type) {
	case DynamicMeta:
		if int(variantIndex) >= len(m.Variants) {
			return ResolutionImpl{}, fmt.Errorf("policy: %w: variant index %d not in DynamicMeta.Variants (len %d)", ErrPolicyMismatch, variantIndex, len(m.Variants))
		}
	case PublicMeta, LinearMeta:
		if variantIndex != 0 {
			return ResolutionImpl{}, fmt.Errorf("policy: %w: variant index must be 0 for non-dynamic resolution", ErrPolicyMismatch)
		}
	default:
		return ResolutionImpl{}, fmt.Errorf("policy: unknown resolution meta type %T", meta)
	}
	return ResolutionImpl{Meta: meta, VariantIndex: variantIndex}, nil
}

// Concrete returns the concrete (non-Dynamic) resolution variant declared by
// the wire encoding. Callers that must honor the timeline's historical
// answer should prefer timeline.ResolutionAt instead of trusting this value
// for permission checks.
func (r ResolutionImpl) Concrete() (ResolutionMeta, error) {
	dyn, ok := r.Meta.(DynamicMeta)
	if !ok {
		return r.Meta, nil
	}
	if int(r.VariantIndex) >= len(dyn.Variants) {
		return nil, fmt.Errorf("policy: variant index %d out of range", r.VariantIndex)
	}
	return dyn.Variants[r.VariantIndex], nil
}

// IsDynamic reports whether meta is a DynamicMeta.
func IsDynamic(meta ResolutionMeta) bool {
	_, ok := meta.(DynamicMeta)
	return ok
}
