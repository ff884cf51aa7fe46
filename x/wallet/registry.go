package wallet

import (
	"github.com/iov-one/weave"
	"github.com/iov-one/weave/errors"
)

// memberRegistry is a helper to maintain an ordered list of unique member
// addresses. It keeps a reverse index from the address to its 1 based
// position so that membership tests are constant time. It operates on a
// copy of the data and any modification must be written back to the wallet
// by the caller.
type memberRegistry struct {
	members []weave.Address
	// pos holds the 1 based position of each member. Zero means the
	// address is not a member.
	pos map[string]int
}

func newMemberRegistry(members []weave.Address) *memberRegistry {
	r := &memberRegistry{
		members: append([]weave.Address{}, members...),
		pos:     make(map[string]int, len(members)),
	}
	for i, m := range members {
		r.pos[string(m)] = i + 1
	}
	return r
}

func (r *memberRegistry) Has(a weave.Address) bool {
	return r.pos[string(a)] != 0
}

func (r *memberRegistry) Len() int {
	return len(r.members)
}

// Members returns the current member list. Order is insertion order except
// for at most one element relocated by a removal.
func (r *memberRegistry) Members() []weave.Address {
	return r.members
}

func (r *memberRegistry) Add(a weave.Address) error {
	if r.Has(a) {
		return errors.Wrapf(errors.ErrDuplicate, "member %q", a)
	}
	r.members = append(r.members, a)
	r.pos[string(a)] = len(r.members)
	return nil
}

// Remove deletes a member from the registry. Instead of compacting the
// whole list, the last member is moved into the freed slot so that only a
// single element changes its position.
func (r *memberRegistry) Remove(a weave.Address) error {
	idx := r.pos[string(a)]
	if idx == 0 {
		return errors.Wrapf(errors.ErrNotFound, "member %q", a)
	}
	last := len(r.members)
	if idx != last {
		moved := r.members[last-1]
		r.members[idx-1] = moved
		r.pos[string(moved)] = idx
	}
	r.members = r.members[:last-1]
	delete(r.pos, string(a))
	return nil
}

// Replace swaps a member identity in place, preserving its position.
func (r *memberRegistry) Replace(from, to weave.Address) error {
	idx := r.pos[string(from)]
	if idx == 0 {
		return errors.Wrapf(errors.ErrNotFound, "member %q", from)
	}
	if r.Has(to) {
		return errors.Wrapf(errors.ErrDuplicate, "member %q", to)
	}
	r.members[idx-1] = to
	r.pos[string(to)] = idx
	delete(r.pos, string(from))
	return nil
}

// countApprovals returns how many of the current wallet members are part
// of the given approvals set. Counting short circuits once required is
// reached, so only the interesting prefix of the member list is scanned.
// It is evaluated fresh on every execution attempt because both the member
// list and the approvals can change between proposal creation and
// execution. Approvals given by addresses that are no longer members do
// not count.
func countApprovals(members []weave.Address, approvals []weave.Address, required uint32) uint32 {
	set := make(map[string]struct{}, len(approvals))
	for _, a := range approvals {
		set[string(a)] = struct{}{}
	}
	var cnt uint32
	for _, m := range members {
		if _, ok := set[string(m)]; ok {
			cnt++
			if cnt >= required {
				break
			}
		}
	}
	return cnt
}

// hasApproval returns true if the address is in the approvals set.
func hasApproval(approvals []weave.Address, a weave.Address) bool {
	for _, ap := range approvals {
		if ap.Equals(a) {
			return true
		}
	}
	return false
}
