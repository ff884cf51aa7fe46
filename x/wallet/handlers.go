package wallet

import (
	"github.com/iov-one/weave"
	"github.com/iov-one/weave/coin"
	"github.com/iov-one/weave/errors"
	"github.com/iov-one/weave/migration"
	"github.com/iov-one/weave/orm"
	"github.com/iov-one/weave/x"
	"github.com/iov-one/weave/x/cash"
	"github.com/tendermint/tendermint/libs/common"
)

const (
	// pay wallet creation cost up-front
	createWalletCost   int64 = 300
	updateWalletCost   int64 = 50
	createProposalCost int64 = 200
	voteCost           int64 = 50
	// execution dispatches an inner message, start with a bigger allocation
	executeProposalCost int64 = 500
)

const (
	tagWalletID   = "wallet-id"
	tagProposalID = "proposal-id"
	tagMember     = "member"
	tagAction     = "action"
)

// RegisterRoutes will instantiate and register
// all handlers in this package
func RegisterRoutes(r weave.Registry, auth x.Authenticator, ctrl cash.Controller, decoder PayloadDecoder, executor Executor) {
	r = migration.SchemaMigratingRegistry("wallet", r)
	wallets := NewWalletBucket()
	proposals := NewProposalBucket()

	r.Handle(&CreateWalletMsg{}, CreateWalletHandler{auth, wallets})
	r.Handle(&AddMemberMsg{}, AddMemberHandler{auth, wallets})
	r.Handle(&RemoveMemberMsg{}, RemoveMemberHandler{auth, wallets})
	r.Handle(&ReplaceMemberMsg{}, ReplaceMemberHandler{auth, wallets})
	r.Handle(&SetRequiredApprovalsMsg{}, SetRequiredApprovalsHandler{auth, wallets})
	r.Handle(&CreateProposalMsg{}, CreateProposalHandler{auth, wallets, proposals, decoder, false})
	r.Handle(&CreateAndApproveProposalMsg{}, CreateProposalHandler{auth, wallets, proposals, decoder, true})
	r.Handle(&ApproveProposalMsg{}, ApproveProposalHandler{auth, wallets, proposals})
	r.Handle(&RevokeApprovalMsg{}, RevokeApprovalHandler{auth, wallets, proposals})
	r.Handle(&ExecuteProposalMsg{}, ExecuteProposalHandler{auth, wallets, proposals, ctrl, decoder, executor})
}

// RegisterQuery will register wallets as "/multisigs" and proposals as
// "/proposals"
func RegisterQuery(qr weave.QueryRouter) {
	NewWalletBucket().Register("multisigs", qr)
	NewProposalBucket().Register("proposals", qr)
}

// CreateWalletHandler creates a new multi signature wallet.
type CreateWalletHandler struct {
	auth   x.Authenticator
	bucket orm.ModelBucket
}

var _ weave.Handler = CreateWalletHandler{}

// Check just verifies it is properly formed and returns
// the cost of executing it.
func (h CreateWalletHandler) Check(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.CheckResult, error) {
	if _, err := h.validate(ctx, db, tx); err != nil {
		return nil, err
	}
	return &weave.CheckResult{GasAllocated: createWalletCost}, nil
}

// Deliver persists the wallet under a freshly acquired sequence id. The
// wallet account address is derived from that id.
func (h CreateWalletHandler) Deliver(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.DeliverResult, error) {
	msg, err := h.validate(ctx, db, tx)
	if err != nil {
		return nil, err
	}

	key, err := walletSeq.NextVal(db)
	if err != nil {
		return nil, errors.Wrap(err, "cannot acquire key")
	}

	wallet := &Wallet{
		Metadata:          &weave.Metadata{Schema: 1},
		Members:           msg.Members,
		RequiredApprovals: msg.RequiredApprovals,
		Address:           Condition(key).Address(),
	}
	if _, err := h.bucket.Put(db, key, wallet); err != nil {
		return nil, errors.Wrap(err, "cannot store wallet")
	}

	res := &weave.DeliverResult{Data: key}
	res.Tags = append(res.Tags, []common.KVPair{
		{Key: []byte(tagWalletID), Value: key},
		{Key: []byte(tagAction), Value: []byte("create-wallet")},
	}...)
	return res, nil
}

// validate does all common pre-processing between Check and Deliver.
func (h CreateWalletHandler) validate(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*CreateWalletMsg, error) {
	var msg CreateWalletMsg
	if err := weave.LoadMsg(tx, &msg); err != nil {
		return nil, errors.Wrap(err, "load msg")
	}
	// Anyone can create a wallet but the transaction must be signed.
	if x.MainSigner(ctx, h.auth) == nil {
		return nil, errors.Wrap(errors.ErrUnauthorized, "no signer")
	}
	return &msg, nil
}

// loadWallet returns the wallet or a not found error.
func loadWallet(bucket orm.ModelBucket, db weave.KVStore, id []byte) (*Wallet, error) {
	var wallet Wallet
	if err := bucket.One(db, id, &wallet); err != nil {
		return nil, errors.Wrapf(err, "wallet %x", id)
	}
	return &wallet, nil
}

// authWalletSelf ensures that the wallet's own authority approved this
// operation. That authority exists only while a quorum approved proposal
// targeting the wallet is being executed, which makes membership changes
// subject to the same voting discipline as any other governed action.
func authWalletSelf(ctx weave.Context, auth x.Authenticator, wallet *Wallet) error {
	if !auth.HasAddress(ctx, wallet.Address) {
		return errors.Wrap(errors.ErrUnauthorized, "only the wallet itself can change its configuration")
	}
	return nil
}

// AddMemberHandler appends a member to the wallet. Only the wallet itself
// is authorized to do this.
type AddMemberHandler struct {
	auth   x.Authenticator
	bucket orm.ModelBucket
}

var _ weave.Handler = AddMemberHandler{}

func (h AddMemberHandler) Check(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.CheckResult, error) {
	if _, _, err := h.validate(ctx, db, tx); err != nil {
		return nil, err
	}
	return &weave.CheckResult{GasAllocated: updateWalletCost}, nil
}

func (h AddMemberHandler) Deliver(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.DeliverResult, error) {
	wallet, msg, err := h.validate(ctx, db, tx)
	if err != nil {
		return nil, err
	}
	if msg.Member.Equals(wallet.Address) {
		return nil, errors.Wrap(errors.ErrInput, "wallet cannot be its own member")
	}
	reg := newMemberRegistry(wallet.Members)
	if err := reg.Add(msg.Member); err != nil {
		return nil, err
	}
	wallet.Members = reg.Members()
	if _, err := h.bucket.Put(db, msg.WalletID, wallet); err != nil {
		return nil, errors.Wrap(err, "cannot store wallet")
	}
	res := &weave.DeliverResult{}
	res.Tags = append(res.Tags, []common.KVPair{
		{Key: []byte(tagWalletID), Value: msg.WalletID},
		{Key: []byte(tagMember), Value: []byte(msg.Member.String())},
		{Key: []byte(tagAction), Value: []byte("add-member")},
	}...)
	return res, nil
}

func (h AddMemberHandler) validate(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*Wallet, *AddMemberMsg, error) {
	var msg AddMemberMsg
	if err := weave.LoadMsg(tx, &msg); err != nil {
		return nil, nil, errors.Wrap(err, "load msg")
	}
	wallet, err := loadWallet(h.bucket, db, msg.WalletID)
	if err != nil {
		return nil, nil, err
	}
	if err := authWalletSelf(ctx, h.auth, wallet); err != nil {
		return nil, nil, err
	}
	return wallet, &msg, nil
}

// RemoveMemberHandler removes a member from the wallet. The operation is
// rejected if afterwards the member count would drop below the required
// approvals threshold.
type RemoveMemberHandler struct {
	auth   x.Authenticator
	bucket orm.ModelBucket
}

var _ weave.Handler = RemoveMemberHandler{}

func (h RemoveMemberHandler) Check(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.CheckResult, error) {
	if _, _, err := h.validate(ctx, db, tx); err != nil {
		return nil, err
	}
	return &weave.CheckResult{GasAllocated: updateWalletCost}, nil
}

func (h RemoveMemberHandler) Deliver(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.DeliverResult, error) {
	wallet, msg, err := h.validate(ctx, db, tx)
	if err != nil {
		return nil, err
	}
	reg := newMemberRegistry(wallet.Members)
	if err := reg.Remove(msg.Member); err != nil {
		return nil, err
	}
	if int(wallet.RequiredApprovals) > reg.Len() {
		return nil, errors.Wrapf(errors.ErrState, "%d members cannot provide %d required approvals", reg.Len(), wallet.RequiredApprovals)
	}
	wallet.Members = reg.Members()
	if _, err := h.bucket.Put(db, msg.WalletID, wallet); err != nil {
		return nil, errors.Wrap(err, "cannot store wallet")
	}
	res := &weave.DeliverResult{}
	res.Tags = append(res.Tags, []common.KVPair{
		{Key: []byte(tagWalletID), Value: msg.WalletID},
		{Key: []byte(tagMember), Value: []byte(msg.Member.String())},
		{Key: []byte(tagAction), Value: []byte("remove-member")},
	}...)
	return res, nil
}

func (h RemoveMemberHandler) validate(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*Wallet, *RemoveMemberMsg, error) {
	var msg RemoveMemberMsg
	if err := weave.LoadMsg(tx, &msg); err != nil {
		return nil, nil, errors.Wrap(err, "load msg")
	}
	wallet, err := loadWallet(h.bucket, db, msg.WalletID)
	if err != nil {
		return nil, nil, err
	}
	if err := authWalletSelf(ctx, h.auth, wallet); err != nil {
		return nil, nil, err
	}
	return wallet, &msg, nil
}

// ReplaceMemberHandler swaps a member identity in place, preserving the
// member position.
type ReplaceMemberHandler struct {
	auth   x.Authenticator
	bucket orm.ModelBucket
}

var _ weave.Handler = ReplaceMemberHandler{}

func (h ReplaceMemberHandler) Check(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.CheckResult, error) {
	if _, _, err := h.validate(ctx, db, tx); err != nil {
		return nil, err
	}
	return &weave.CheckResult{GasAllocated: updateWalletCost}, nil
}

func (h ReplaceMemberHandler) Deliver(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.DeliverResult, error) {
	wallet, msg, err := h.validate(ctx, db, tx)
	if err != nil {
		return nil, err
	}
	if msg.To.Equals(wallet.Address) {
		return nil, errors.Wrap(errors.ErrInput, "wallet cannot be its own member")
	}
	reg := newMemberRegistry(wallet.Members)
	if err := reg.Replace(msg.From, msg.To); err != nil {
		return nil, err
	}
	wallet.Members = reg.Members()
	if _, err := h.bucket.Put(db, msg.WalletID, wallet); err != nil {
		return nil, errors.Wrap(err, "cannot store wallet")
	}
	res := &weave.DeliverResult{}
	res.Tags = append(res.Tags, []common.KVPair{
		{Key: []byte(tagWalletID), Value: msg.WalletID},
		{Key: []byte(tagMember), Value: []byte(msg.To.String())},
		{Key: []byte(tagAction), Value: []byte("replace-member")},
	}...)
	return res, nil
}

func (h ReplaceMemberHandler) validate(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*Wallet, *ReplaceMemberMsg, error) {
	var msg ReplaceMemberMsg
	if err := weave.LoadMsg(tx, &msg); err != nil {
		return nil, nil, errors.Wrap(err, "load msg")
	}
	wallet, err := loadWallet(h.bucket, db, msg.WalletID)
	if err != nil {
		return nil, nil, err
	}
	if err := authWalletSelf(ctx, h.auth, wallet); err != nil {
		return nil, nil, err
	}
	return wallet, &msg, nil
}

// SetRequiredApprovalsHandler updates the approval threshold of the
// wallet.
type SetRequiredApprovalsHandler struct {
	auth   x.Authenticator
	bucket orm.ModelBucket
}

var _ weave.Handler = SetRequiredApprovalsHandler{}

func (h SetRequiredApprovalsHandler) Check(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.CheckResult, error) {
	if _, _, err := h.validate(ctx, db, tx); err != nil {
		return nil, err
	}
	return &weave.CheckResult{GasAllocated: updateWalletCost}, nil
}

func (h SetRequiredApprovalsHandler) Deliver(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.DeliverResult, error) {
	wallet, msg, err := h.validate(ctx, db, tx)
	if err != nil {
		return nil, err
	}
	if int(msg.RequiredApprovals) > len(wallet.Members) {
		return nil, errors.Wrapf(errors.ErrState, "%d members cannot provide %d required approvals", len(wallet.Members), msg.RequiredApprovals)
	}
	wallet.RequiredApprovals = msg.RequiredApprovals
	if _, err := h.bucket.Put(db, msg.WalletID, wallet); err != nil {
		return nil, errors.Wrap(err, "cannot store wallet")
	}
	res := &weave.DeliverResult{}
	res.Tags = append(res.Tags, []common.KVPair{
		{Key: []byte(tagWalletID), Value: msg.WalletID},
		{Key: []byte(tagAction), Value: []byte("set-required-approvals")},
	}...)
	return res, nil
}

func (h SetRequiredApprovalsHandler) validate(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*Wallet, *SetRequiredApprovalsMsg, error) {
	var msg SetRequiredApprovalsMsg
	if err := weave.LoadMsg(tx, &msg); err != nil {
		return nil, nil, errors.Wrap(err, "load msg")
	}
	wallet, err := loadWallet(h.bucket, db, msg.WalletID)
	if err != nil {
		return nil, nil, err
	}
	if err := authWalletSelf(ctx, h.auth, wallet); err != nil {
		return nil, nil, err
	}
	return wallet, &msg, nil
}

// CreateProposalHandler creates a new open proposal. With selfApprove set
// the author's approval is registered within the same transition.
type CreateProposalHandler struct {
	auth        x.Authenticator
	wallets     orm.ModelBucket
	proposals   orm.ModelBucket
	decoder     PayloadDecoder
	selfApprove bool
}

var _ weave.Handler = CreateProposalHandler{}

func (h CreateProposalHandler) Check(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.CheckResult, error) {
	if _, _, err := h.validate(ctx, db, tx); err != nil {
		return nil, err
	}
	cost := createProposalCost
	if h.selfApprove {
		cost += voteCost
	}
	return &weave.CheckResult{GasAllocated: cost}, nil
}

func (h CreateProposalHandler) Deliver(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.DeliverResult, error) {
	author, msg, err := h.validate(ctx, db, tx)
	if err != nil {
		return nil, err
	}

	key, err := proposalSeq.NextVal(db)
	if err != nil {
		return nil, errors.Wrap(err, "cannot acquire key")
	}

	proposal := &Proposal{
		Metadata: &weave.Metadata{Schema: 1},
		WalletID: msg.WalletID,
		Target:   msg.Target,
		Kind:     msg.Kind,
		Amount:   msg.Amount,
		Payload:  msg.Payload,
		Refund:   msg.Refund,
		Author:   author,
	}
	if h.selfApprove {
		proposal.Approvals = []weave.Address{author}
	}
	if _, err := h.proposals.Put(db, key, proposal); err != nil {
		return nil, errors.Wrap(err, "cannot store proposal")
	}

	res := &weave.DeliverResult{Data: key}
	res.Tags = append(res.Tags, []common.KVPair{
		{Key: []byte(tagProposalID), Value: key},
		{Key: []byte(tagMember), Value: []byte(author.String())},
		{Key: []byte(tagAction), Value: []byte("create-proposal")},
	}...)
	if h.selfApprove {
		res.Tags = append(res.Tags, common.KVPair{
			Key: []byte(tagAction), Value: []byte("approve"),
		})
	}
	return res, nil
}

func (h CreateProposalHandler) validate(ctx weave.Context, db weave.KVStore, tx weave.Tx) (weave.Address, *CreateProposalMsg, error) {
	var spec CreateProposalMsg
	if h.selfApprove {
		var msg CreateAndApproveProposalMsg
		if err := weave.LoadMsg(tx, &msg); err != nil {
			return nil, nil, errors.Wrap(err, "load msg")
		}
		spec = CreateProposalMsg{
			Metadata: msg.Metadata,
			WalletID: msg.WalletID,
			Target:   msg.Target,
			Kind:     msg.Kind,
			Amount:   msg.Amount,
			Payload:  msg.Payload,
			Refund:   msg.Refund,
		}
	} else {
		if err := weave.LoadMsg(tx, &spec); err != nil {
			return nil, nil, errors.Wrap(err, "load msg")
		}
	}

	wallet, err := loadWallet(h.wallets, db, spec.WalletID)
	if err != nil {
		return nil, nil, err
	}
	author, err := memberSigner(ctx, h.auth, wallet)
	if err != nil {
		return nil, nil, err
	}
	// Reject payloads that cannot be executed. Doing this at proposal
	// time keeps garbage out of the proposal log.
	if _, err := h.decoder.Decode(spec.Payload); err != nil {
		return nil, nil, err
	}
	return author, &spec, nil
}

// memberSigner returns the main transaction signer, ensuring it is a
// current member of the wallet.
func memberSigner(ctx weave.Context, auth x.Authenticator, wallet *Wallet) (weave.Address, error) {
	signer := x.MainSigner(ctx, auth)
	if signer == nil {
		return nil, errors.Wrap(errors.ErrUnauthorized, "no signer")
	}
	addr := signer.Address()
	if !newMemberRegistry(wallet.Members).Has(addr) {
		return nil, errors.Wrap(errors.ErrUnauthorized, "not a wallet member")
	}
	return addr, nil
}

// ApproveProposalHandler registers a member approval on an open proposal.
type ApproveProposalHandler struct {
	auth      x.Authenticator
	wallets   orm.ModelBucket
	proposals orm.ModelBucket
}

var _ weave.Handler = ApproveProposalHandler{}

func (h ApproveProposalHandler) Check(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.CheckResult, error) {
	if _, _, _, err := h.validate(ctx, db, tx); err != nil {
		return nil, err
	}
	return &weave.CheckResult{GasAllocated: voteCost}, nil
}

func (h ApproveProposalHandler) Deliver(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.DeliverResult, error) {
	voter, proposal, msg, err := h.validate(ctx, db, tx)
	if err != nil {
		return nil, err
	}
	proposal.Approvals = append(proposal.Approvals, voter)
	if _, err := h.proposals.Put(db, msg.ProposalID, proposal); err != nil {
		return nil, errors.Wrap(err, "cannot store proposal")
	}
	res := &weave.DeliverResult{}
	res.Tags = append(res.Tags, []common.KVPair{
		{Key: []byte(tagProposalID), Value: msg.ProposalID},
		{Key: []byte(tagMember), Value: []byte(voter.String())},
		{Key: []byte(tagAction), Value: []byte("approve")},
	}...)
	return res, nil
}

func (h ApproveProposalHandler) validate(ctx weave.Context, db weave.KVStore, tx weave.Tx) (weave.Address, *Proposal, *ApproveProposalMsg, error) {
	var msg ApproveProposalMsg
	if err := weave.LoadMsg(tx, &msg); err != nil {
		return nil, nil, nil, errors.Wrap(err, "load msg")
	}
	voter, proposal, err := openProposalVoter(ctx, db, h.auth, h.wallets, h.proposals, msg.ProposalID)
	if err != nil {
		return nil, nil, nil, err
	}
	if hasApproval(proposal.Approvals, voter) {
		return nil, nil, nil, errors.Wrap(errors.ErrState, "already approved")
	}
	return voter, proposal, &msg, nil
}

// openProposalVoter loads an open proposal together with the main signer,
// ensuring the signer is a current member of the owning wallet.
func openProposalVoter(ctx weave.Context, db weave.KVStore, auth x.Authenticator, wallets, proposals orm.ModelBucket, proposalID []byte) (weave.Address, *Proposal, error) {
	var proposal Proposal
	if err := proposals.One(db, proposalID, &proposal); err != nil {
		return nil, nil, errors.Wrapf(err, "proposal %x", proposalID)
	}
	if proposal.Executed {
		return nil, nil, errors.Wrap(errors.ErrState, "proposal already executed")
	}
	wallet, err := loadWallet(wallets, db, proposal.WalletID)
	if err != nil {
		return nil, nil, err
	}
	voter, err := memberSigner(ctx, auth, wallet)
	if err != nil {
		return nil, nil, err
	}
	return voter, &proposal, nil
}

// RevokeApprovalHandler removes a member approval from an open proposal.
type RevokeApprovalHandler struct {
	auth      x.Authenticator
	wallets   orm.ModelBucket
	proposals orm.ModelBucket
}

var _ weave.Handler = RevokeApprovalHandler{}

func (h RevokeApprovalHandler) Check(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.CheckResult, error) {
	if _, _, _, err := h.validate(ctx, db, tx); err != nil {
		return nil, err
	}
	return &weave.CheckResult{GasAllocated: voteCost}, nil
}

func (h RevokeApprovalHandler) Deliver(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.DeliverResult, error) {
	voter, proposal, msg, err := h.validate(ctx, db, tx)
	if err != nil {
		return nil, err
	}
	approvals := proposal.Approvals[:0]
	for _, a := range proposal.Approvals {
		if !a.Equals(voter) {
			approvals = append(approvals, a)
		}
	}
	proposal.Approvals = approvals
	if _, err := h.proposals.Put(db, msg.ProposalID, proposal); err != nil {
		return nil, errors.Wrap(err, "cannot store proposal")
	}
	res := &weave.DeliverResult{}
	res.Tags = append(res.Tags, []common.KVPair{
		{Key: []byte(tagProposalID), Value: msg.ProposalID},
		{Key: []byte(tagMember), Value: []byte(voter.String())},
		{Key: []byte(tagAction), Value: []byte("revoke-approval")},
	}...)
	return res, nil
}

func (h RevokeApprovalHandler) validate(ctx weave.Context, db weave.KVStore, tx weave.Tx) (weave.Address, *Proposal, *RevokeApprovalMsg, error) {
	var msg RevokeApprovalMsg
	if err := weave.LoadMsg(tx, &msg); err != nil {
		return nil, nil, nil, errors.Wrap(err, "load msg")
	}
	voter, proposal, err := openProposalVoter(ctx, db, h.auth, h.wallets, h.proposals, msg.ProposalID)
	if err != nil {
		return nil, nil, nil, err
	}
	if !hasApproval(proposal.Approvals, voter) {
		return nil, nil, nil, errors.Wrap(errors.ErrState, "not approved")
	}
	return voter, proposal, &msg, nil
}

// ExecuteProposalHandler executes an open proposal once the approval
// quorum is reached. The whole handler runs inside a savepoint, any error
// returned discards every change made during the execution, including the
// executed flag.
type ExecuteProposalHandler struct {
	auth      x.Authenticator
	wallets   orm.ModelBucket
	proposals orm.ModelBucket
	ctrl      cash.Controller
	decoder   PayloadDecoder
	executor  Executor
}

var _ weave.Handler = ExecuteProposalHandler{}

func (h ExecuteProposalHandler) Check(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.CheckResult, error) {
	if _, _, _, _, err := h.validate(ctx, db, tx); err != nil {
		return nil, err
	}
	return &weave.CheckResult{GasAllocated: executeProposalCost}, nil
}

func (h ExecuteProposalHandler) Deliver(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.DeliverResult, error) {
	caller, wallet, proposal, msg, err := h.validate(ctx, db, tx)
	if err != nil {
		return nil, err
	}

	// The flag is flipped and persisted before the payload dispatch. A
	// reentrant execution of the same proposal observes the proposal as
	// no longer open and is rejected.
	proposal.Executed = true
	if _, err := h.proposals.Put(db, msg.ProposalID, proposal); err != nil {
		return nil, errors.Wrap(err, "cannot store proposal")
	}

	res := &weave.DeliverResult{Data: msg.ProposalID}
	// The execution tags are queued before the dispatch as well so the
	// event order is deterministic regardless of what the dispatched
	// message emits.
	res.Tags = append(res.Tags, []common.KVPair{
		{Key: []byte(tagProposalID), Value: msg.ProposalID},
		{Key: []byte(tagMember), Value: []byte(caller.String())},
		{Key: []byte(tagAction), Value: []byte("execute")},
	}...)

	if proposal.Kind == CallDirect && !coin.IsEmpty(proposal.Amount) && !proposal.Amount.IsZero() {
		if err := h.ctrl.MoveCoins(db, wallet.Address, proposal.Target, *proposal.Amount); err != nil {
			return nil, errors.Wrap(err, "amount transfer")
		}
	}

	payloadMsg, err := h.decoder.Decode(proposal.Payload)
	if err != nil {
		return nil, err
	}
	if payloadMsg != nil {
		// The dispatched message runs with the wallet authority
		// attached. Both call kinds expose the wallet identity, a
		// delegated call differs only in that it must not carry an
		// amount.
		execCtx := withWallet(ctx, proposal.WalletID)
		cres, err := h.executor(execCtx, db, payloadMsg)
		if err != nil {
			return nil, errors.Wrap(ErrExecutionFailed, err.Error())
		}
		res.Tags = append(res.Tags, cres.Tags...)
		res.Log = cres.Log
	}

	if !coin.IsEmpty(proposal.Refund) && !proposal.Refund.IsZero() {
		if err := h.ctrl.MoveCoins(db, wallet.Address, caller, *proposal.Refund); err != nil {
			return nil, errors.Wrap(err, "refund")
		}
	}

	return res, nil
}

func (h ExecuteProposalHandler) validate(ctx weave.Context, db weave.KVStore, tx weave.Tx) (weave.Address, *Wallet, *Proposal, *ExecuteProposalMsg, error) {
	var msg ExecuteProposalMsg
	if err := weave.LoadMsg(tx, &msg); err != nil {
		return nil, nil, nil, nil, errors.Wrap(err, "load msg")
	}
	var proposal Proposal
	if err := h.proposals.One(db, msg.ProposalID, &proposal); err != nil {
		return nil, nil, nil, nil, errors.Wrapf(err, "proposal %x", msg.ProposalID)
	}
	if proposal.Executed {
		return nil, nil, nil, nil, errors.Wrap(errors.ErrState, "proposal already executed")
	}
	wallet, err := loadWallet(h.wallets, db, proposal.WalletID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	caller, err := memberSigner(ctx, h.auth, wallet)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if got := countApprovals(wallet.Members, proposal.Approvals, wallet.RequiredApprovals); got < wallet.RequiredApprovals {
		return nil, nil, nil, nil, errors.Wrapf(errors.ErrState, "%d of %d required approvals", got, wallet.RequiredApprovals)
	}
	return caller, wallet, &proposal, &msg, nil
}
