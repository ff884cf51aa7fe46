package wallet

import (
	"testing"

	"github.com/iov-one/weave"
	"github.com/iov-one/weave/errors"
	"github.com/iov-one/weave/weavetest"
	"github.com/iov-one/weave/weavetest/assert"
)

func TestMemberRegistryAddRemove(t *testing.T) {
	var addrs []weave.Address
	for i := 0; i < 5; i++ {
		addrs = append(addrs, weavetest.NewCondition().Address())
	}

	reg := newMemberRegistry(nil)
	for _, a := range addrs {
		assert.Nil(t, reg.Add(a))
	}
	if got, want := reg.Len(), len(addrs); got != want {
		t.Fatalf("want %d members, got %d", want, got)
	}
	if err := reg.Add(addrs[2]); !errors.ErrDuplicate.Is(err) {
		t.Fatalf("adding an existing member: %+v", err)
	}

	// Removing a middle member moves the last member into the freed
	// slot. All other positions are preserved.
	assert.Nil(t, reg.Remove(addrs[1]))
	if reg.Has(addrs[1]) {
		t.Fatal("removed member still present")
	}
	if got, want := reg.Len(), 4; got != want {
		t.Fatalf("want %d members, got %d", want, got)
	}
	want := []weave.Address{addrs[0], addrs[4], addrs[2], addrs[3]}
	assertMembers(t, want, reg.Members())

	if err := reg.Remove(addrs[1]); !errors.ErrNotFound.Is(err) {
		t.Fatalf("removing an absent member: %+v", err)
	}

	// Removing the last member must not relocate anyone.
	assert.Nil(t, reg.Remove(addrs[3]))
	assertMembers(t, []weave.Address{addrs[0], addrs[4], addrs[2]}, reg.Members())
}

func TestMemberRegistryReverseIndexConsistency(t *testing.T) {
	var addrs []weave.Address
	for i := 0; i < 8; i++ {
		addrs = append(addrs, weavetest.NewCondition().Address())
	}
	reg := newMemberRegistry(addrs[:6])

	ops := []func() error{
		func() error { return reg.Remove(addrs[0]) },
		func() error { return reg.Add(addrs[6]) },
		func() error { return reg.Remove(addrs[3]) },
		func() error { return reg.Remove(addrs[5]) },
		func() error { return reg.Add(addrs[7]) },
		func() error { return reg.Add(addrs[0]) },
	}
	for i, op := range ops {
		assert.Nil(t, op())
		// Round trip: every member's reverse index points back at
		// its slot in the sequence.
		for _, m := range reg.Members() {
			idx := reg.pos[string(m)]
			if idx == 0 {
				t.Fatalf("op #%d: member %q has no reverse index", i, m)
			}
			if !reg.members[idx-1].Equals(m) {
				t.Fatalf("op #%d: reverse index of %q points at %q", i, m, reg.members[idx-1])
			}
		}
		if len(reg.pos) != len(reg.members) {
			t.Fatalf("op #%d: index size %d, sequence size %d", i, len(reg.pos), len(reg.members))
		}
	}
}

func TestMemberRegistryReplace(t *testing.T) {
	a := weavetest.NewCondition().Address()
	b := weavetest.NewCondition().Address()
	c := weavetest.NewCondition().Address()
	d := weavetest.NewCondition().Address()

	reg := newMemberRegistry([]weave.Address{a, b, c})
	assert.Nil(t, reg.Replace(b, d))
	// The replacement keeps the position and the list length.
	assertMembers(t, []weave.Address{a, d, c}, reg.Members())
	if reg.Has(b) {
		t.Fatal("replaced member still present")
	}

	if err := reg.Replace(b, a); !errors.ErrNotFound.Is(err) {
		t.Fatalf("replacing an absent member: %+v", err)
	}
	if err := reg.Replace(a, d); !errors.ErrDuplicate.Is(err) {
		t.Fatalf("replacing with an existing member: %+v", err)
	}
}

func TestCountApprovals(t *testing.T) {
	var members []weave.Address
	for i := 0; i < 4; i++ {
		members = append(members, weavetest.NewCondition().Address())
	}
	stranger := weavetest.NewCondition().Address()

	cases := map[string]struct {
		Approvals []weave.Address
		Required  uint32
		Want      uint32
	}{
		"no approvals": {
			Approvals: nil,
			Required:  2,
			Want:      0,
		},
		"all approved": {
			Approvals: members,
			Required:  4,
			Want:      4,
		},
		"short circuit at required": {
			Approvals: members,
			Required:  2,
			Want:      2,
		},
		"non member approvals do not count": {
			Approvals: []weave.Address{stranger, members[1]},
			Required:  2,
			Want:      1,
		},
	}
	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			if got := countApprovals(members, tc.Approvals, tc.Required); got != tc.Want {
				t.Fatalf("want %d approvals, got %d", tc.Want, got)
			}
		})
	}
}

func assertMembers(t testing.TB, want, got []weave.Address) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("want %d members, got %d", len(want), len(got))
	}
	for i := range want {
		if !want[i].Equals(got[i]) {
			t.Fatalf("member #%d: want %q, got %q", i, want[i], got[i])
		}
	}
}
