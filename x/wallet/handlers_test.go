package wallet

import (
	"context"
	"testing"

	"github.com/iov-one/weave"
	"github.com/iov-one/weave/coin"
	"github.com/iov-one/weave/errors"
	"github.com/iov-one/weave/migration"
	"github.com/iov-one/weave/orm"
	"github.com/iov-one/weave/store"
	"github.com/iov-one/weave/weavetest"
	"github.com/iov-one/weave/weavetest/assert"
	"github.com/iov-one/weave/x"
	"github.com/iov-one/weave/x/cash"
)

// testDecoder parses a proposal payload as a member addition. Enough to
// exercise the execution machinery without a full application router.
func testDecoder(raw []byte) (weave.Msg, error) {
	var msg AddMemberMsg
	if err := msg.Unmarshal(raw); err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func newTestDB(t testing.TB) weave.CacheableKVStore {
	t.Helper()
	db := store.MemStore()
	migration.MustInitPkg(db, "wallet", "cash")
	return db
}

// makeWallet stores a wallet with the given members under a fresh id.
func makeWallet(t testing.TB, db weave.KVStore, bucket orm.ModelBucket, members []weave.Address, required uint32) []byte {
	t.Helper()
	key, err := walletSeq.NextVal(db)
	assert.Nil(t, err)
	_, err = bucket.Put(db, key, &Wallet{
		Metadata:          &weave.Metadata{Schema: 1},
		Members:           members,
		RequiredApprovals: required,
		Address:           Condition(key).Address(),
	})
	assert.Nil(t, err)
	return key
}

func TestCreateWalletHandler(t *testing.T) {
	var (
		aliceCond = weavetest.NewCondition()
		bobby     = weavetest.NewCondition().Address()
	)

	cases := map[string]struct {
		Tx             weave.Tx
		Auth           x.Authenticator
		WantCheckErr   *errors.Error
		WantDeliverErr *errors.Error
	}{
		"success": {
			Tx: &weavetest.Tx{
				Msg: &CreateWalletMsg{
					Metadata:          &weave.Metadata{Schema: 1},
					Members:           []weave.Address{aliceCond.Address(), bobby},
					RequiredApprovals: 2,
				},
			},
			Auth: &weavetest.Auth{Signer: aliceCond},
		},
		"unsigned transaction": {
			Tx: &weavetest.Tx{
				Msg: &CreateWalletMsg{
					Metadata:          &weave.Metadata{Schema: 1},
					Members:           []weave.Address{aliceCond.Address()},
					RequiredApprovals: 1,
				},
			},
			Auth:           &weavetest.Auth{},
			WantCheckErr:   errors.ErrUnauthorized,
			WantDeliverErr: errors.ErrUnauthorized,
		},
		"threshold out of bounds": {
			Tx: &weavetest.Tx{
				Msg: &CreateWalletMsg{
					Metadata:          &weave.Metadata{Schema: 1},
					Members:           []weave.Address{aliceCond.Address()},
					RequiredApprovals: 2,
				},
			},
			Auth:           &weavetest.Auth{Signer: aliceCond},
			WantCheckErr:   errors.ErrMsg,
			WantDeliverErr: errors.ErrMsg,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			db := newTestDB(t)
			bucket := NewWalletBucket()
			h := CreateWalletHandler{tc.Auth, bucket}

			cache := db.CacheWrap()
			if _, err := h.Check(context.TODO(), cache, tc.Tx); !tc.WantCheckErr.Is(err) {
				t.Fatalf("unexpected check error: %+v", err)
			}
			cache.Discard()

			res, err := h.Deliver(context.TODO(), db, tc.Tx)
			if !tc.WantDeliverErr.Is(err) {
				t.Fatalf("unexpected deliver error: %+v", err)
			}
			if tc.WantDeliverErr != nil {
				return
			}
			var wallet Wallet
			assert.Nil(t, bucket.One(db, res.Data, &wallet))
			if !wallet.Address.Equals(Condition(res.Data).Address()) {
				t.Fatalf("wallet address not derived from its id: %q", wallet.Address)
			}
			assert.Equal(t, uint32(2), wallet.RequiredApprovals)
		})
	}
}

func TestAddMemberHandler(t *testing.T) {
	var (
		alice    = weavetest.NewCondition().Address()
		bobby    = weavetest.NewCondition().Address()
		newbie   = weavetest.NewCondition().Address()
		stranger = weavetest.NewCondition()
	)

	db := newTestDB(t)
	bucket := NewWalletBucket()
	walletID := makeWallet(t, db, bucket, []weave.Address{alice, bobby}, 2)
	walletCtx := withWallet(context.Background(), walletID)

	h := AddMemberHandler{Authenticate{}, bucket}

	// A signature, even of a current member, is not the wallet's own
	// authority. Only an executed proposal carries that.
	directAuth := AddMemberHandler{&weavetest.Auth{Signer: stranger}, bucket}
	if _, err := directAuth.Deliver(context.Background(), db, &weavetest.Tx{
		Msg: &AddMemberMsg{
			Metadata: &weave.Metadata{Schema: 1},
			WalletID: walletID,
			Member:   newbie,
		},
	}); !errors.ErrUnauthorized.Is(err) {
		t.Fatalf("direct membership change: %+v", err)
	}

	_, err := h.Deliver(walletCtx, db, &weavetest.Tx{
		Msg: &AddMemberMsg{
			Metadata: &weave.Metadata{Schema: 1},
			WalletID: walletID,
			Member:   newbie,
		},
	})
	assert.Nil(t, err)

	var wallet Wallet
	assert.Nil(t, bucket.One(db, walletID, &wallet))
	assertMembers(t, []weave.Address{alice, bobby, newbie}, wallet.Members)

	if _, err := h.Deliver(walletCtx, db, &weavetest.Tx{
		Msg: &AddMemberMsg{
			Metadata: &weave.Metadata{Schema: 1},
			WalletID: walletID,
			Member:   newbie,
		},
	}); !errors.ErrDuplicate.Is(err) {
		t.Fatalf("adding an existing member: %+v", err)
	}

	if _, err := h.Deliver(walletCtx, db, &weavetest.Tx{
		Msg: &AddMemberMsg{
			Metadata: &weave.Metadata{Schema: 1},
			WalletID: walletID,
			Member:   wallet.Address,
		},
	}); !errors.ErrInput.Is(err) {
		t.Fatalf("adding the wallet to itself: %+v", err)
	}
}

func TestRemoveMemberHandler(t *testing.T) {
	var members []weave.Address
	for i := 0; i < 4; i++ {
		members = append(members, weavetest.NewCondition().Address())
	}

	db := newTestDB(t)
	bucket := NewWalletBucket()
	walletID := makeWallet(t, db, bucket, members, 3)
	walletCtx := withWallet(context.Background(), walletID)

	h := RemoveMemberHandler{Authenticate{}, bucket}

	_, err := h.Deliver(walletCtx, db, &weavetest.Tx{
		Msg: &RemoveMemberMsg{
			Metadata: &weave.Metadata{Schema: 1},
			WalletID: walletID,
			Member:   members[1],
		},
	})
	assert.Nil(t, err)

	var wallet Wallet
	assert.Nil(t, bucket.One(db, walletID, &wallet))
	// The last member was moved into the freed slot.
	assertMembers(t, []weave.Address{members[0], members[3], members[2]}, wallet.Members)

	// Another removal would leave 2 members with 3 required approvals.
	// The whole operation is rejected and nothing changes.
	if _, err := h.Deliver(walletCtx, db, &weavetest.Tx{
		Msg: &RemoveMemberMsg{
			Metadata: &weave.Metadata{Schema: 1},
			WalletID: walletID,
			Member:   members[0],
		},
	}); !errors.ErrState.Is(err) {
		t.Fatalf("removal below the threshold: %+v", err)
	}
	assert.Nil(t, bucket.One(db, walletID, &wallet))
	assertMembers(t, []weave.Address{members[0], members[3], members[2]}, wallet.Members)
	assert.Equal(t, uint32(3), wallet.RequiredApprovals)
}

func TestReplaceMemberHandler(t *testing.T) {
	var (
		alice = weavetest.NewCondition().Address()
		bobby = weavetest.NewCondition().Address()
		carl  = weavetest.NewCondition().Address()
		dagny = weavetest.NewCondition().Address()
	)

	db := newTestDB(t)
	bucket := NewWalletBucket()
	walletID := makeWallet(t, db, bucket, []weave.Address{alice, bobby, carl}, 2)
	walletCtx := withWallet(context.Background(), walletID)

	h := ReplaceMemberHandler{Authenticate{}, bucket}

	_, err := h.Deliver(walletCtx, db, &weavetest.Tx{
		Msg: &ReplaceMemberMsg{
			Metadata: &weave.Metadata{Schema: 1},
			WalletID: walletID,
			From:     bobby,
			To:       dagny,
		},
	})
	assert.Nil(t, err)

	var wallet Wallet
	assert.Nil(t, bucket.One(db, walletID, &wallet))
	// The new member takes over the old position.
	assertMembers(t, []weave.Address{alice, dagny, carl}, wallet.Members)

	if _, err := h.Deliver(walletCtx, db, &weavetest.Tx{
		Msg: &ReplaceMemberMsg{
			Metadata: &weave.Metadata{Schema: 1},
			WalletID: walletID,
			From:     bobby,
			To:       alice,
		},
	}); !errors.ErrNotFound.Is(err) {
		t.Fatalf("replacing an absent member: %+v", err)
	}
	if _, err := h.Deliver(walletCtx, db, &weavetest.Tx{
		Msg: &ReplaceMemberMsg{
			Metadata: &weave.Metadata{Schema: 1},
			WalletID: walletID,
			From:     alice,
			To:       dagny,
		},
	}); !errors.ErrDuplicate.Is(err) {
		t.Fatalf("replacing with an existing member: %+v", err)
	}
}

func TestSetRequiredApprovalsHandler(t *testing.T) {
	var (
		alice = weavetest.NewCondition().Address()
		bobby = weavetest.NewCondition().Address()
	)

	db := newTestDB(t)
	bucket := NewWalletBucket()
	walletID := makeWallet(t, db, bucket, []weave.Address{alice, bobby}, 1)
	walletCtx := withWallet(context.Background(), walletID)

	h := SetRequiredApprovalsHandler{Authenticate{}, bucket}

	_, err := h.Deliver(walletCtx, db, &weavetest.Tx{
		Msg: &SetRequiredApprovalsMsg{
			Metadata:          &weave.Metadata{Schema: 1},
			WalletID:          walletID,
			RequiredApprovals: 2,
		},
	})
	assert.Nil(t, err)

	var wallet Wallet
	assert.Nil(t, bucket.One(db, walletID, &wallet))
	assert.Equal(t, uint32(2), wallet.RequiredApprovals)

	if _, err := h.Deliver(walletCtx, db, &weavetest.Tx{
		Msg: &SetRequiredApprovalsMsg{
			Metadata:          &weave.Metadata{Schema: 1},
			WalletID:          walletID,
			RequiredApprovals: 3,
		},
	}); !errors.ErrState.Is(err) {
		t.Fatalf("threshold above member count: %+v", err)
	}
}

func TestCreateProposalHandler(t *testing.T) {
	var (
		aliceCond    = weavetest.NewCondition()
		bobby        = weavetest.NewCondition().Address()
		strangerCond = weavetest.NewCondition()
		target       = weavetest.NewCondition().Address()
	)

	db := newTestDB(t)
	wallets := NewWalletBucket()
	proposals := NewProposalBucket()
	walletID := makeWallet(t, db, wallets, []weave.Address{aliceCond.Address(), bobby}, 2)

	payload, err := (&AddMemberMsg{
		Metadata: &weave.Metadata{Schema: 1},
		WalletID: walletID,
		Member:   target,
	}).Marshal()
	assert.Nil(t, err)

	cases := map[string]struct {
		Msg         weave.Msg
		Auth        x.Authenticator
		SelfApprove bool
		WantErr     *errors.Error
		WantApprove bool
	}{
		"member can propose": {
			Msg: &CreateProposalMsg{
				Metadata: &weave.Metadata{Schema: 1},
				WalletID: walletID,
				Target:   target,
				Kind:     CallDirect,
				Amount:   coin.NewCoinp(4, 0, "IOV"),
			},
			Auth: &weavetest.Auth{Signer: aliceCond},
		},
		"propose and approve registers the author approval": {
			Msg: &CreateAndApproveProposalMsg{
				Metadata: &weave.Metadata{Schema: 1},
				WalletID: walletID,
				Target:   target,
				Kind:     CallDirect,
				Amount:   coin.NewCoinp(4, 0, "IOV"),
			},
			Auth:        &weavetest.Auth{Signer: aliceCond},
			SelfApprove: true,
			WantApprove: true,
		},
		"payload must be decodable": {
			Msg: &CreateProposalMsg{
				Metadata: &weave.Metadata{Schema: 1},
				WalletID: walletID,
				Target:   target,
				Kind:     CallDelegated,
				Payload:  []byte{0xff, 0xff, 0xff},
			},
			Auth:    &weavetest.Auth{Signer: aliceCond},
			WantErr: ErrInvalidPayload,
		},
		"valid payload accepted": {
			Msg: &CreateProposalMsg{
				Metadata: &weave.Metadata{Schema: 1},
				WalletID: walletID,
				Target:   target,
				Kind:     CallDelegated,
				Payload:  payload,
			},
			Auth: &weavetest.Auth{Signer: aliceCond},
		},
		"only members can propose": {
			Msg: &CreateProposalMsg{
				Metadata: &weave.Metadata{Schema: 1},
				WalletID: walletID,
				Target:   target,
				Kind:     CallDirect,
			},
			Auth:    &weavetest.Auth{Signer: strangerCond},
			WantErr: errors.ErrUnauthorized,
		},
		"unknown wallet": {
			Msg: &CreateProposalMsg{
				Metadata: &weave.Metadata{Schema: 1},
				WalletID: weavetest.SequenceID(666),
				Target:   target,
				Kind:     CallDirect,
			},
			Auth:    &weavetest.Auth{Signer: aliceCond},
			WantErr: errors.ErrNotFound,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			h := CreateProposalHandler{tc.Auth, wallets, proposals, testDecoder, tc.SelfApprove}
			res, err := h.Deliver(context.Background(), db, &weavetest.Tx{Msg: tc.Msg})
			if !tc.WantErr.Is(err) {
				t.Fatalf("unexpected deliver error: %+v", err)
			}
			if tc.WantErr != nil {
				return
			}
			var proposal Proposal
			assert.Nil(t, proposals.One(db, res.Data, &proposal))
			if !proposal.Author.Equals(aliceCond.Address()) {
				t.Fatalf("unexpected author: %q", proposal.Author)
			}
			if proposal.Executed {
				t.Fatal("new proposal must be open")
			}
			if tc.WantApprove {
				if !hasApproval(proposal.Approvals, aliceCond.Address()) {
					t.Fatal("author approval not registered")
				}
			} else if len(proposal.Approvals) != 0 {
				t.Fatalf("unexpected approvals: %v", proposal.Approvals)
			}
		})
	}
}

func TestApproveAndRevokeHandlers(t *testing.T) {
	var (
		aliceCond    = weavetest.NewCondition()
		bobbyCond    = weavetest.NewCondition()
		strangerCond = weavetest.NewCondition()
		target       = weavetest.NewCondition().Address()
	)

	db := newTestDB(t)
	wallets := NewWalletBucket()
	proposals := NewProposalBucket()
	walletID := makeWallet(t, db, wallets, []weave.Address{aliceCond.Address(), bobbyCond.Address()}, 2)

	create := CreateProposalHandler{&weavetest.Auth{Signer: aliceCond}, wallets, proposals, testDecoder, false}
	res, err := create.Deliver(context.Background(), db, &weavetest.Tx{
		Msg: &CreateProposalMsg{
			Metadata: &weave.Metadata{Schema: 1},
			WalletID: walletID,
			Target:   target,
			Kind:     CallDirect,
			Amount:   coin.NewCoinp(1, 0, "IOV"),
		},
	})
	assert.Nil(t, err)
	proposalID := res.Data

	approveTx := &weavetest.Tx{
		Msg: &ApproveProposalMsg{
			Metadata:   &weave.Metadata{Schema: 1},
			ProposalID: proposalID,
		},
	}
	revokeTx := &weavetest.Tx{
		Msg: &RevokeApprovalMsg{
			Metadata:   &weave.Metadata{Schema: 1},
			ProposalID: proposalID,
		},
	}

	ctx := context.Background()

	approve := func(c weave.Condition) error {
		h := ApproveProposalHandler{&weavetest.Auth{Signer: c}, wallets, proposals}
		_, err := h.Deliver(ctx, db, approveTx)
		return err
	}
	revoke := func(c weave.Condition) error {
		h := RevokeApprovalHandler{&weavetest.Auth{Signer: c}, wallets, proposals}
		_, err := h.Deliver(ctx, db, revokeTx)
		return err
	}

	if err := approve(strangerCond); !errors.ErrUnauthorized.Is(err) {
		t.Fatalf("non member approval: %+v", err)
	}
	assert.Nil(t, approve(bobbyCond))
	if err := approve(bobbyCond); !errors.ErrState.Is(err) {
		t.Fatalf("double approval: %+v", err)
	}

	var proposal Proposal
	assert.Nil(t, proposals.One(db, proposalID, &proposal))
	if !hasApproval(proposal.Approvals, bobbyCond.Address()) {
		t.Fatal("approval not recorded")
	}

	if err := revoke(aliceCond); !errors.ErrState.Is(err) {
		t.Fatalf("revoking a missing approval: %+v", err)
	}
	assert.Nil(t, revoke(bobbyCond))
	assert.Nil(t, proposals.One(db, proposalID, &proposal))
	if len(proposal.Approvals) != 0 {
		t.Fatalf("approval not removed: %v", proposal.Approvals)
	}
}

func TestExecuteProposalQuorumScenario(t *testing.T) {
	// Ten members, seven required approvals. A direct call proposal
	// moves 25 IOV to the target and refunds 2 IOV to the executor.
	var conds []weave.Condition
	var members []weave.Address
	for i := 0; i < 10; i++ {
		c := weavetest.NewCondition()
		conds = append(conds, c)
		members = append(members, c.Address())
	}
	target := weavetest.NewCondition().Address()

	db := newTestDB(t)
	wallets := NewWalletBucket()
	proposals := NewProposalBucket()
	ctrl := cash.NewController(cash.NewBucket())
	walletID := makeWallet(t, db, wallets, members, 7)

	var wallet Wallet
	assert.Nil(t, wallets.One(db, walletID, &wallet))
	assert.Nil(t, ctrl.CoinMint(db, wallet.Address, coin.NewCoin(100, 0, "IOV")))

	create := CreateProposalHandler{&weavetest.Auth{Signer: conds[0]}, wallets, proposals, testDecoder, true}
	res, err := create.Deliver(context.Background(), db, &weavetest.Tx{
		Msg: &CreateAndApproveProposalMsg{
			Metadata: &weave.Metadata{Schema: 1},
			WalletID: walletID,
			Target:   target,
			Kind:     CallDirect,
			Amount:   coin.NewCoinp(25, 0, "IOV"),
			Refund:   coin.NewCoinp(2, 0, "IOV"),
		},
	})
	assert.Nil(t, err)
	proposalID := res.Data

	executeTx := &weavetest.Tx{
		Msg: &ExecuteProposalMsg{
			Metadata:   &weave.Metadata{Schema: 1},
			ProposalID: proposalID,
		},
	}
	execute := func(c weave.Condition) error {
		h := ExecuteProposalHandler{&weavetest.Auth{Signer: c}, wallets, proposals, ctrl, testDecoder, nil}
		_, err := h.Deliver(context.Background(), db, executeTx)
		return err
	}
	approve := func(c weave.Condition) {
		t.Helper()
		h := ApproveProposalHandler{&weavetest.Auth{Signer: c}, wallets, proposals}
		_, err := h.Deliver(context.Background(), db, &weavetest.Tx{
			Msg: &ApproveProposalMsg{
				Metadata:   &weave.Metadata{Schema: 1},
				ProposalID: proposalID,
			},
		})
		assert.Nil(t, err)
	}

	// Author approved at creation, five more make six. Not enough.
	for _, c := range conds[1:6] {
		approve(c)
	}
	if err := execute(conds[0]); !errors.ErrState.Is(err) {
		t.Fatalf("execution below quorum: %+v", err)
	}

	// The seventh approval completes the quorum.
	approve(conds[6])
	assert.Nil(t, execute(conds[9]))

	targetCoins, err := ctrl.Balance(db, target)
	assert.Nil(t, err)
	assert.Equal(t, coin.Coins{coin.NewCoinp(25, 0, "IOV")}, targetCoins)
	executorCoins, err := ctrl.Balance(db, conds[9].Address())
	assert.Nil(t, err)
	assert.Equal(t, coin.Coins{coin.NewCoinp(2, 0, "IOV")}, executorCoins)
	walletCoins, err := ctrl.Balance(db, wallet.Address)
	assert.Nil(t, err)
	assert.Equal(t, coin.Coins{coin.NewCoinp(73, 0, "IOV")}, walletCoins)

	var proposal Proposal
	assert.Nil(t, proposals.One(db, proposalID, &proposal))
	if !proposal.Executed {
		t.Fatal("proposal not marked as executed")
	}

	// The approval set is frozen and the proposal cannot be executed
	// again.
	ah := ApproveProposalHandler{&weavetest.Auth{Signer: conds[8]}, wallets, proposals}
	if _, err := ah.Deliver(context.Background(), db, &weavetest.Tx{
		Msg: &ApproveProposalMsg{
			Metadata:   &weave.Metadata{Schema: 1},
			ProposalID: proposalID,
		},
	}); !errors.ErrState.Is(err) {
		t.Fatalf("approval after execution: %+v", err)
	}
	if err := execute(conds[0]); !errors.ErrState.Is(err) {
		t.Fatalf("second execution: %+v", err)
	}
}

func TestExecuteRemovedMemberApprovalDoesNotCount(t *testing.T) {
	var conds []weave.Condition
	var members []weave.Address
	for i := 0; i < 3; i++ {
		c := weavetest.NewCondition()
		conds = append(conds, c)
		members = append(members, c.Address())
	}
	target := weavetest.NewCondition().Address()

	db := newTestDB(t)
	wallets := NewWalletBucket()
	proposals := NewProposalBucket()
	ctrl := cash.NewController(cash.NewBucket())
	walletID := makeWallet(t, db, wallets, members, 2)

	create := CreateProposalHandler{&weavetest.Auth{Signer: conds[0]}, wallets, proposals, testDecoder, true}
	res, err := create.Deliver(context.Background(), db, &weavetest.Tx{
		Msg: &CreateAndApproveProposalMsg{
			Metadata: &weave.Metadata{Schema: 1},
			WalletID: walletID,
			Target:   target,
			Kind:     CallDirect,
		},
	})
	assert.Nil(t, err)
	proposalID := res.Data

	ah := ApproveProposalHandler{&weavetest.Auth{Signer: conds[1]}, wallets, proposals}
	_, err = ah.Deliver(context.Background(), db, &weavetest.Tx{
		Msg: &ApproveProposalMsg{
			Metadata:   &weave.Metadata{Schema: 1},
			ProposalID: proposalID,
		},
	})
	assert.Nil(t, err)

	// Approvals of the author and the second member form a quorum but
	// removing the second member invalidates their approval.
	rh := RemoveMemberHandler{Authenticate{}, wallets}
	_, err = rh.Deliver(withWallet(context.Background(), walletID), db, &weavetest.Tx{
		Msg: &RemoveMemberMsg{
			Metadata: &weave.Metadata{Schema: 1},
			WalletID: walletID,
			Member:   conds[1].Address(),
		},
	})
	assert.Nil(t, err)

	eh := ExecuteProposalHandler{&weavetest.Auth{Signer: conds[0]}, wallets, proposals, ctrl, testDecoder, nil}
	if _, err := eh.Deliver(context.Background(), db, &weavetest.Tx{
		Msg: &ExecuteProposalMsg{
			Metadata:   &weave.Metadata{Schema: 1},
			ProposalID: proposalID,
		},
	}); !errors.ErrState.Is(err) {
		t.Fatalf("execution with a removed approver: %+v", err)
	}
}

func TestExecuteSelfGovernance(t *testing.T) {
	// Membership can be changed only through an executed proposal that
	// targets the wallet itself.
	var (
		aliceCond = weavetest.NewCondition()
		newbie    = weavetest.NewCondition().Address()
	)

	db := newTestDB(t)
	wallets := NewWalletBucket()
	proposals := NewProposalBucket()
	ctrl := cash.NewController(cash.NewBucket())
	walletID := makeWallet(t, db, wallets, []weave.Address{aliceCond.Address()}, 1)

	var wallet Wallet
	assert.Nil(t, wallets.One(db, walletID, &wallet))

	payload, err := (&AddMemberMsg{
		Metadata: &weave.Metadata{Schema: 1},
		WalletID: walletID,
		Member:   newbie,
	}).Marshal()
	assert.Nil(t, err)

	create := CreateProposalHandler{&weavetest.Auth{Signer: aliceCond}, wallets, proposals, testDecoder, true}
	res, err := create.Deliver(context.Background(), db, &weavetest.Tx{
		Msg: &CreateAndApproveProposalMsg{
			Metadata: &weave.Metadata{Schema: 1},
			WalletID: walletID,
			Target:   wallet.Address,
			Kind:     CallDirect,
			Payload:  payload,
		},
	})
	assert.Nil(t, err)

	executor := HandlerAsExecutor(AddMemberHandler{Authenticate{}, wallets})
	eh := ExecuteProposalHandler{&weavetest.Auth{Signer: aliceCond}, wallets, proposals, ctrl, testDecoder, executor}
	_, err = eh.Deliver(context.Background(), db, &weavetest.Tx{
		Msg: &ExecuteProposalMsg{
			Metadata:   &weave.Metadata{Schema: 1},
			ProposalID: res.Data,
		},
	})
	assert.Nil(t, err)

	assert.Nil(t, wallets.One(db, walletID, &wallet))
	assertMembers(t, []weave.Address{aliceCond.Address(), newbie}, wallet.Members)
}

func TestExecuteReentrancyRejected(t *testing.T) {
	aliceCond := weavetest.NewCondition()

	db := newTestDB(t)
	wallets := NewWalletBucket()
	proposals := NewProposalBucket()
	ctrl := cash.NewController(cash.NewBucket())
	walletID := makeWallet(t, db, wallets, []weave.Address{aliceCond.Address()}, 1)

	var wallet Wallet
	assert.Nil(t, wallets.One(db, walletID, &wallet))

	payload, err := (&AddMemberMsg{
		Metadata: &weave.Metadata{Schema: 1},
		WalletID: walletID,
		Member:   weavetest.NewCondition().Address(),
	}).Marshal()
	assert.Nil(t, err)

	create := CreateProposalHandler{&weavetest.Auth{Signer: aliceCond}, wallets, proposals, testDecoder, true}
	res, err := create.Deliver(context.Background(), db, &weavetest.Tx{
		Msg: &CreateAndApproveProposalMsg{
			Metadata: &weave.Metadata{Schema: 1},
			WalletID: walletID,
			Target:   wallet.Address,
			Kind:     CallDirect,
			Payload:  payload,
		},
	})
	assert.Nil(t, err)
	proposalID := res.Data

	executeTx := &weavetest.Tx{
		Msg: &ExecuteProposalMsg{
			Metadata:   &weave.Metadata{Schema: 1},
			ProposalID: proposalID,
		},
	}

	// The dispatched payload calls right back into the execute handler.
	// Because the executed flag is flipped before the dispatch, the
	// nested execution must observe the proposal as closed.
	var reentered bool
	executor := func(ctx weave.Context, store weave.KVStore, msg weave.Msg) (*weave.DeliverResult, error) {
		reentered = true
		inner := ExecuteProposalHandler{&weavetest.Auth{Signer: aliceCond}, wallets, proposals, ctrl, testDecoder, nil}
		if _, err := inner.Deliver(ctx, store, executeTx); !errors.ErrState.Is(err) {
			t.Fatalf("reentrant execution: %+v", err)
		}
		return &weave.DeliverResult{}, nil
	}

	eh := ExecuteProposalHandler{&weavetest.Auth{Signer: aliceCond}, wallets, proposals, ctrl, testDecoder, executor}
	_, err = eh.Deliver(context.Background(), db, executeTx)
	assert.Nil(t, err)
	if !reentered {
		t.Fatal("executor was not called")
	}
}

func TestExecuteFailureLeavesNoResidue(t *testing.T) {
	// The application runs Deliver inside a savepoint. A failed dispatch
	// aborts the whole transition, including the executed flag flip, so
	// a later execution attempt starts from a clean state.
	aliceCond := weavetest.NewCondition()

	db := newTestDB(t)
	wallets := NewWalletBucket()
	proposals := NewProposalBucket()
	ctrl := cash.NewController(cash.NewBucket())
	walletID := makeWallet(t, db, wallets, []weave.Address{aliceCond.Address()}, 1)

	var wallet Wallet
	assert.Nil(t, wallets.One(db, walletID, &wallet))

	payload, err := (&AddMemberMsg{
		Metadata: &weave.Metadata{Schema: 1},
		WalletID: walletID,
		Member:   weavetest.NewCondition().Address(),
	}).Marshal()
	assert.Nil(t, err)

	create := CreateProposalHandler{&weavetest.Auth{Signer: aliceCond}, wallets, proposals, testDecoder, true}
	res, err := create.Deliver(context.Background(), db, &weavetest.Tx{
		Msg: &CreateAndApproveProposalMsg{
			Metadata: &weave.Metadata{Schema: 1},
			WalletID: walletID,
			Target:   wallet.Address,
			Kind:     CallDirect,
			Payload:  payload,
		},
	})
	assert.Nil(t, err)
	proposalID := res.Data

	executeTx := &weavetest.Tx{
		Msg: &ExecuteProposalMsg{
			Metadata:   &weave.Metadata{Schema: 1},
			ProposalID: proposalID,
		},
	}

	failing := func(weave.Context, weave.KVStore, weave.Msg) (*weave.DeliverResult, error) {
		return nil, errors.Wrap(errors.ErrHuman, "dispatch exploded")
	}
	eh := ExecuteProposalHandler{&weavetest.Auth{Signer: aliceCond}, wallets, proposals, ctrl, testDecoder, failing}

	cache := db.CacheWrap()
	if _, err := eh.Deliver(context.Background(), cache, executeTx); !ErrExecutionFailed.Is(err) {
		t.Fatalf("failing dispatch: %+v", err)
	}
	cache.Discard()

	var proposal Proposal
	assert.Nil(t, proposals.One(db, proposalID, &proposal))
	if proposal.Executed {
		t.Fatal("failed execution left the proposal closed")
	}

	// With a working executor the same proposal executes fine.
	good := ExecuteProposalHandler{&weavetest.Auth{Signer: aliceCond}, wallets, proposals, ctrl, testDecoder, HandlerAsExecutor(AddMemberHandler{Authenticate{}, wallets})}
	_, err = good.Deliver(context.Background(), db, executeTx)
	assert.Nil(t, err)
}

func TestExecuteRefundFailureAborts(t *testing.T) {
	aliceCond := weavetest.NewCondition()
	target := weavetest.NewCondition().Address()

	db := newTestDB(t)
	wallets := NewWalletBucket()
	proposals := NewProposalBucket()
	ctrl := cash.NewController(cash.NewBucket())
	walletID := makeWallet(t, db, wallets, []weave.Address{aliceCond.Address()}, 1)

	// The wallet has no funds so the refund transfer must fail and
	// with it the whole execution.
	create := CreateProposalHandler{&weavetest.Auth{Signer: aliceCond}, wallets, proposals, testDecoder, true}
	res, err := create.Deliver(context.Background(), db, &weavetest.Tx{
		Msg: &CreateAndApproveProposalMsg{
			Metadata: &weave.Metadata{Schema: 1},
			WalletID: walletID,
			Target:   target,
			Kind:     CallDirect,
			Refund:   coin.NewCoinp(1, 0, "IOV"),
		},
	})
	assert.Nil(t, err)

	eh := ExecuteProposalHandler{&weavetest.Auth{Signer: aliceCond}, wallets, proposals, ctrl, testDecoder, nil}
	cache := db.CacheWrap()
	if _, err := eh.Deliver(context.Background(), cache, &weavetest.Tx{
		Msg: &ExecuteProposalMsg{
			Metadata:   &weave.Metadata{Schema: 1},
			ProposalID: res.Data,
		},
	}); err == nil {
		t.Fatal("refund from an empty wallet must fail")
	}
	cache.Discard()
}
