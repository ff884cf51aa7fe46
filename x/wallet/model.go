package wallet

import (
	"github.com/iov-one/weave"
	"github.com/iov-one/weave/coin"
	"github.com/iov-one/weave/errors"
	"github.com/iov-one/weave/migration"
	"github.com/iov-one/weave/orm"
)

func init() {
	migration.MustRegister(1, &Wallet{}, migration.NoModification)
	migration.MustRegister(1, &Proposal{}, migration.NoModification)
}

var _ orm.CloneableData = (*Wallet)(nil)

// Validate ensures the wallet is valid.
func (w *Wallet) Validate() error {
	if err := w.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "metadata")
	}
	if err := w.Address.Validate(); err != nil {
		return errors.Wrap(err, "address")
	}
	if err := validateMembers(w.Members); err != nil {
		return err
	}
	for _, m := range w.Members {
		if m.Equals(w.Address) {
			return errors.Wrap(errors.ErrState, "wallet cannot be its own member")
		}
	}
	if err := validateQuorum(w.RequiredApprovals, len(w.Members)); err != nil {
		return err
	}
	return nil
}

// Copy produces a deep copy of the wallet.
func (w *Wallet) Copy() orm.CloneableData {
	members := make([]weave.Address, len(w.Members))
	for i, m := range w.Members {
		members[i] = m.Clone()
	}
	return &Wallet{
		Metadata:          w.Metadata.Copy(),
		Members:           members,
		RequiredApprovals: w.RequiredApprovals,
		Address:           w.Address.Clone(),
	}
}

func validateMembers(members []weave.Address) error {
	if len(members) == 0 {
		return errors.Wrap(errors.ErrEmpty, "members")
	}
	seen := make(map[string]struct{}, len(members))
	for i, m := range members {
		if err := m.Validate(); err != nil {
			return errors.Wrapf(err, "member #%d", i)
		}
		if _, ok := seen[string(m)]; ok {
			return errors.Wrapf(errors.ErrDuplicate, "member #%d", i)
		}
		seen[string(m)] = struct{}{}
	}
	return nil
}

// validateQuorum ensures the required approvals threshold is within the
// member count bounds. This invariant must hold at all times, not only at
// wallet creation.
func validateQuorum(required uint32, members int) error {
	if required == 0 {
		return errors.Wrap(errors.ErrMsg, "required approvals must be greater than zero")
	}
	if int(required) > members {
		return errors.Wrapf(errors.ErrMsg, "%d members cannot provide %d required approvals", members, required)
	}
	return nil
}

var _ orm.CloneableData = (*Proposal)(nil)

// Validate ensures the proposal is valid.
func (p *Proposal) Validate() error {
	if err := p.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "metadata")
	}
	if err := validateID(p.WalletID); err != nil {
		return errors.Wrap(err, "wallet id")
	}
	if err := p.Target.Validate(); err != nil {
		return errors.Wrap(err, "target")
	}
	if err := p.Author.Validate(); err != nil {
		return errors.Wrap(err, "author")
	}
	if err := validateCall(p.Kind, p.Amount); err != nil {
		return err
	}
	if err := validateCoin(p.Refund); err != nil {
		return errors.Wrap(err, "refund")
	}
	for i, a := range p.Approvals {
		if err := a.Validate(); err != nil {
			return errors.Wrapf(err, "approval #%d", i)
		}
	}
	return nil
}

// Copy produces a deep copy of the proposal.
func (p *Proposal) Copy() orm.CloneableData {
	approvals := make([]weave.Address, len(p.Approvals))
	for i, a := range p.Approvals {
		approvals[i] = a.Clone()
	}
	return &Proposal{
		Metadata:  p.Metadata.Copy(),
		WalletID:  p.WalletID,
		Target:    p.Target.Clone(),
		Kind:      p.Kind,
		Amount:    p.Amount.Clone(),
		Payload:   p.Payload,
		Refund:    p.Refund.Clone(),
		Executed:  p.Executed,
		Approvals: approvals,
		Author:    p.Author.Clone(),
	}
}

func validateCall(kind CallKind, amount *coin.Coin) error {
	switch kind {
	case CallDirect:
		if err := validateCoin(amount); err != nil {
			return errors.Wrap(err, "amount")
		}
	case CallDelegated:
		// Delegated calls run in the wallet's own context and must
		// never carry a value transfer. This is enforced at proposal
		// creation time, not at execution time.
		if !coin.IsEmpty(amount) && !amount.IsZero() {
			return errors.Wrap(errors.ErrMsg, "delegated call cannot transfer an amount")
		}
	default:
		return errors.Wrapf(errors.ErrMsg, "invalid call kind %d", kind)
	}
	return nil
}

func validateCoin(c *coin.Coin) error {
	if coin.IsEmpty(c) {
		return nil
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if !c.IsNonNegative() {
		return errors.Wrap(errors.ErrAmount, "negative")
	}
	return nil
}

func validateID(id []byte) error {
	if len(id) == 0 {
		return errors.Wrap(errors.ErrEmpty, "id missing")
	}
	if len(id) != 8 {
		return errors.Wrap(errors.ErrInput, "id must be 8 bytes")
	}
	return nil
}

// Condition calculates the condition of a wallet given its key. The
// wallet account address is derived from it.
func Condition(key []byte) weave.Condition {
	return weave.NewCondition("wallet", "seq", key)
}

// NewWalletBucket returns a bucket for storing wallets.
func NewWalletBucket() orm.ModelBucket {
	b := orm.NewModelBucket("wlt", &Wallet{},
		orm.WithIDSequence(walletSeq),
	)
	return migration.NewModelBucket("wallet", b)
}

var walletSeq = orm.NewSequence("wallet", "id")

// NewProposalBucket returns a bucket for storing proposals. Proposals are
// indexed by the wallet they belong to.
func NewProposalBucket() orm.ModelBucket {
	b := orm.NewModelBucket("prop", &Proposal{},
		orm.WithIDSequence(proposalSeq),
		orm.WithIndex("wallet", idxWallet, false),
	)
	return migration.NewModelBucket("wallet", b)
}

var proposalSeq = orm.NewSequence("proposal", "id")

func idxWallet(obj orm.Object) ([]byte, error) {
	if obj == nil {
		return nil, errors.Wrap(errors.ErrHuman, "cannot take index of nil")
	}
	p, ok := obj.Value().(*Proposal)
	if !ok {
		return nil, errors.Wrap(errors.ErrHuman, "can only take index of Proposal")
	}
	return p.WalletID, nil
}
