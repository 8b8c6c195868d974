package policy

import (
	"errors"
	"testing"
)

func TestDynamicResolutionVariantMustBeListed(t *testing.T) {
	dyn := DynamicMeta{Variants: []ResolutionMeta{PublicMeta{}, LinearMeta{}}}
	if _, err := NewResolutionImplementation(dyn, 1); err != nil {
		t.Fatalf("unexpected error for valid index: %v", err)
	}
	if _, err := NewResolutionImplementation(dyn, 2); !errors.Is(err, ErrPolicyMismatch) {
		t.Fatalf("expected PolicyMismatch for out-of-range variant, got %v", err)
	}
}

func TestNonDynamicResolutionRejectsNonZeroIndex(t *testing.T) {
	if _, err := NewResolutionImplementation(PublicMeta{}, 1); !errors.Is(err, ErrPolicyMismatch) {
		t.Fatalf("expected PolicyMismatch, got %v", err)
	}
}

func TestResolutionConcreteResolvesDynamic(t *testing.T) {
	dyn := DynamicMeta{Variants: []ResolutionMeta{PublicMeta{}, LinearMeta{}}}
	impl, err := NewResolutionImplementation(dyn, 1)
	if err != nil {
		t.Fatal(err)
	}
	concrete, err := impl.Concrete()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := concrete.(LinearMeta); !ok {
		t.Fatalf("expected LinearMeta, got %T", concrete)
	}
}
