package wallet

import (
	"github.com/iov-one/weave"
	"github.com/iov-one/weave/coin"
	"github.com/iov-one/weave/errors"
	"github.com/iov-one/weave/migration"
)

func init() {
	migration.MustRegister(1, &CreateWalletMsg{}, migration.NoModification)
	migration.MustRegister(1, &AddMemberMsg{}, migration.NoModification)
	migration.MustRegister(1, &RemoveMemberMsg{}, migration.NoModification)
	migration.MustRegister(1, &ReplaceMemberMsg{}, migration.NoModification)
	migration.MustRegister(1, &SetRequiredApprovalsMsg{}, migration.NoModification)
	migration.MustRegister(1, &CreateProposalMsg{}, migration.NoModification)
	migration.MustRegister(1, &CreateAndApproveProposalMsg{}, migration.NoModification)
	migration.MustRegister(1, &ApproveProposalMsg{}, migration.NoModification)
	migration.MustRegister(1, &RevokeApprovalMsg{}, migration.NoModification)
	migration.MustRegister(1, &ExecuteProposalMsg{}, migration.NoModification)
}

var _ weave.Msg = (*CreateWalletMsg)(nil)

// Path fulfills weave.Msg interface to allow routing
func (CreateWalletMsg) Path() string {
	return "wallet/create_wallet"
}

// Validate enforces members and threshold constraints
func (m *CreateWalletMsg) Validate() error {
	if err := m.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "metadata")
	}
	if err := validateMembers(m.Members); err != nil {
		return err
	}
	return validateQuorum(m.RequiredApprovals, len(m.Members))
}

var _ weave.Msg = (*AddMemberMsg)(nil)

// Path fulfills weave.Msg interface to allow routing
func (AddMemberMsg) Path() string {
	return "wallet/add_member"
}

// Validate enforces sane inputs
func (m *AddMemberMsg) Validate() error {
	if err := m.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "metadata")
	}
	if err := validateID(m.WalletID); err != nil {
		return errors.Wrap(err, "wallet id")
	}
	return errors.Wrap(m.Member.Validate(), "member")
}

var _ weave.Msg = (*RemoveMemberMsg)(nil)

// Path fulfills weave.Msg interface to allow routing
func (RemoveMemberMsg) Path() string {
	return "wallet/remove_member"
}

// Validate enforces sane inputs
func (m *RemoveMemberMsg) Validate() error {
	if err := m.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "metadata")
	}
	if err := validateID(m.WalletID); err != nil {
		return errors.Wrap(err, "wallet id")
	}
	return errors.Wrap(m.Member.Validate(), "member")
}

var _ weave.Msg = (*ReplaceMemberMsg)(nil)

// Path fulfills weave.Msg interface to allow routing
func (ReplaceMemberMsg) Path() string {
	return "wallet/replace_member"
}

// Validate enforces sane inputs
func (m *ReplaceMemberMsg) Validate() error {
	if err := m.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "metadata")
	}
	if err := validateID(m.WalletID); err != nil {
		return errors.Wrap(err, "wallet id")
	}
	if err := m.From.Validate(); err != nil {
		return errors.Wrap(err, "from")
	}
	if err := m.To.Validate(); err != nil {
		return errors.Wrap(err, "to")
	}
	if m.From.Equals(m.To) {
		return errors.Wrap(errors.ErrMsg, "member replaced with itself")
	}
	return nil
}

var _ weave.Msg = (*SetRequiredApprovalsMsg)(nil)

// Path fulfills weave.Msg interface to allow routing
func (SetRequiredApprovalsMsg) Path() string {
	return "wallet/set_required_approvals"
}

// Validate enforces sane inputs. The upper threshold bound depends on the
// wallet state and is checked by the handler.
func (m *SetRequiredApprovalsMsg) Validate() error {
	if err := m.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "metadata")
	}
	if err := validateID(m.WalletID); err != nil {
		return errors.Wrap(err, "wallet id")
	}
	if m.RequiredApprovals == 0 {
		return errors.Wrap(errors.ErrMsg, "required approvals must be greater than zero")
	}
	return nil
}

var _ weave.Msg = (*CreateProposalMsg)(nil)

// Path fulfills weave.Msg interface to allow routing
func (CreateProposalMsg) Path() string {
	return "wallet/create_proposal"
}

// Validate enforces sane inputs
func (m *CreateProposalMsg) Validate() error {
	if err := m.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "metadata")
	}
	return validateProposalSpec(m.WalletID, m.Target, m.Kind, m.Amount, m.Refund)
}

var _ weave.Msg = (*CreateAndApproveProposalMsg)(nil)

// Path fulfills weave.Msg interface to allow routing
func (CreateAndApproveProposalMsg) Path() string {
	return "wallet/create_and_approve_proposal"
}

// Validate enforces sane inputs
func (m *CreateAndApproveProposalMsg) Validate() error {
	if err := m.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "metadata")
	}
	return validateProposalSpec(m.WalletID, m.Target, m.Kind, m.Amount, m.Refund)
}

var _ weave.Msg = (*ApproveProposalMsg)(nil)

// Path fulfills weave.Msg interface to allow routing
func (ApproveProposalMsg) Path() string {
	return "wallet/approve_proposal"
}

// Validate enforces sane inputs
func (m *ApproveProposalMsg) Validate() error {
	if err := m.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "metadata")
	}
	return errors.Wrap(validateID(m.ProposalID), "proposal id")
}

var _ weave.Msg = (*RevokeApprovalMsg)(nil)

// Path fulfills weave.Msg interface to allow routing
func (RevokeApprovalMsg) Path() string {
	return "wallet/revoke_approval"
}

// Validate enforces sane inputs
func (m *RevokeApprovalMsg) Validate() error {
	if err := m.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "metadata")
	}
	return errors.Wrap(validateID(m.ProposalID), "proposal id")
}

var _ weave.Msg = (*ExecuteProposalMsg)(nil)

// Path fulfills weave.Msg interface to allow routing
func (ExecuteProposalMsg) Path() string {
	return "wallet/execute_proposal"
}

// Validate enforces sane inputs
func (m *ExecuteProposalMsg) Validate() error {
	if err := m.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "metadata")
	}
	return errors.Wrap(validateID(m.ProposalID), "proposal id")
}

func validateProposalSpec(walletID []byte, target weave.Address, kind CallKind, amount, refund *coin.Coin) error {
	if err := validateID(walletID); err != nil {
		return errors.Wrap(err, "wallet id")
	}
	if err := target.Validate(); err != nil {
		return errors.Wrap(err, "target")
	}
	if err := validateCall(kind, amount); err != nil {
		return err
	}
	return errors.Wrap(validateCoin(refund), "refund")
}
