package policy

import (
	"testing"

	"github.com/dispersyd/overlay/member"
)

func TestCommunityDestinationRejectsExplicitTargets(t *testing.T) {
	var mid member.MID
	mid[0] = 1
	if _, err := NewDestinationImplementation(CommunityMeta{NodeCount: 5}, []member.MID{mid}); err == nil {
		t.Fatalf("expected error: CommunityDestination resolves targets at forward time")
	}
}

func TestMemberDestinationRequiresTargets(t *testing.T) {
	if _, err := NewDestinationImplementation(MemberMeta{}, nil); err == nil {
		t.Fatalf("expected error for empty target list")
	}
	var mid member.MID
	mid[0] = 2
	impl, err := NewDestinationImplementation(MemberMeta{Members: []member.MID{mid}}, []member.MID{mid})
	if err != nil {
		t.Fatal(err)
	}
	if len(impl.Targets) != 1 || impl.Targets[0] != mid {
		t.Fatalf("unexpected targets: %v", impl.Targets)
	}
}
