package msigd

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	abci "github.com/tendermint/tendermint/abci/types"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/Hyodar/multisig-wallet/x/wallet"
	"github.com/iov-one/weave"
	weaveApp "github.com/iov-one/weave/app"
	"github.com/iov-one/weave/coin"
	"github.com/iov-one/weave/commands/server"
	"github.com/iov-one/weave/crypto"
	"github.com/iov-one/weave/weavetest"
	"github.com/iov-one/weave/x/cash"
	"github.com/iov-one/weave/x/sigs"
)

func newTestApp(t *testing.T, chainID string, genesis string) weaveApp.BaseApp {
	t.Helper()
	abciApp, err := GenerateApp(&server.Options{
		Home:   "",
		Logger: log.NewNopLogger(),
		Debug:  true,
	})
	require.NoError(t, err)
	myApp := abciApp.(weaveApp.BaseApp)

	require.Equal(t, "", myApp.GetChainID())
	myApp.InitChain(abci.RequestInitChain{
		AppStateBytes: []byte(genesis),
		ChainId:       chainID,
	})

	header := abci.Header{Height: 1, ChainID: chainID, Time: time.Now()}
	myApp.BeginBlock(abci.RequestBeginBlock{Header: header})
	myApp.EndBlock(abci.RequestEndBlock{})
	cres := myApp.Commit()
	assert.NotEmpty(t, cres.Data)
	return myApp
}

// signAndDeliver submits the transaction in its own block and requires
// both the check and the delivery to pass.
func signAndDeliver(t *testing.T, myApp weaveApp.BaseApp, height int64, tx *Tx, signer *crypto.PrivateKey, nonce int64) abci.ResponseDeliverTx {
	t.Helper()
	sig, err := sigs.SignTx(signer, tx, myApp.GetChainID(), nonce)
	require.NoError(t, err)
	tx.Signatures = []*sigs.StdSignature{sig}
	bz, err := tx.Marshal()
	require.NoError(t, err)

	header := abci.Header{Height: height, ChainID: myApp.GetChainID(), Time: time.Now()}
	myApp.BeginBlock(abci.RequestBeginBlock{Header: header})
	chres := myApp.CheckTx(bz)
	require.Equal(t, uint32(0), chres.Code, chres.Log)
	dres := myApp.DeliverTx(bz)
	require.Equal(t, uint32(0), dres.Code, dres.Log)
	myApp.EndBlock(abci.RequestEndBlock{})
	cres := myApp.Commit()
	assert.NotEmpty(t, cres.Data)
	return dres
}

func queryOne(t *testing.T, myApp weaveApp.BaseApp, path string, data []byte, obj weave.Persistent) {
	t.Helper()
	qres := myApp.Query(abci.RequestQuery{Path: path, Data: data})
	require.Equal(t, uint32(0), qres.Code, "%#v", qres)
	require.NotEmpty(t, qres.Value)
	require.NoError(t, weaveApp.UnmarshalOneResult(qres.Value, obj))
}

func checkBalance(t *testing.T, myApp weaveApp.BaseApp, addr weave.Address, whole int64) {
	t.Helper()
	var set cash.Set
	queryOne(t, myApp, "/wallets", addr, &set)
	require.Len(t, set.Coins, 1)
	assert.Equal(t, whole, set.Coins[0].Whole)
	assert.Equal(t, "IOV", set.Coins[0].Ticker)
}

func TestApp(t *testing.T) {
	chainID := "test-net-22"
	var (
		alice = crypto.GenPrivKeyEd25519()
		bobby = crypto.GenPrivKeyEd25519()
		carl  = crypto.GenPrivKeyEd25519()
	)
	aliceAddr := alice.PublicKey().Address()
	bobbyAddr := bobby.PublicKey().Address()
	carlAddr := carl.PublicKey().Address()

	// The first wallet created from genesis takes the first sequence
	// value, which determines its account address.
	walletID := weavetest.SequenceID(1)
	walletAddr := wallet.Condition(walletID).Address()

	genesis := fmt.Sprintf(`{
		"cash": [
			{"address": "%s", "coins": [{"whole": 100000, "ticker": "IOV"}]},
			{"address": "%s", "coins": [{"whole": 50000, "ticker": "IOV"}]}
		],
		"wallet": [
			{"members": ["%s", "%s", "%s"], "required_approvals": 2}
		],
		"conf": {
			"cash": {
				"collector_address": "3b11c732b8fc1f09beb34031302fe2ab347c5c14",
				"minimal_fee": {"whole": 0}
			},
			"migration": {"admin": "%s"}
		},
		"initialize_schema": [
			{"pkg": "cash", "ver": 1},
			{"pkg": "sigs", "ver": 1},
			{"pkg": "utils", "ver": 1},
			{"pkg": "wallet", "ver": 1}
		]
	}`, aliceAddr, walletAddr, aliceAddr, bobbyAddr, carlAddr, aliceAddr)

	myApp := newTestApp(t, chainID, genesis)

	// The genesis wallet must be stored under the expected address.
	var w wallet.Wallet
	queryOne(t, myApp, "/multisigs", walletID, &w)
	require.Len(t, w.Members, 3)
	assert.Equal(t, uint32(2), w.RequiredApprovals)
	assert.Equal(t, walletAddr, w.Address)

	// Propose a direct transfer of wallet funds with a refund for the
	// executing member. The author approves within the same transaction.
	target := crypto.GenPrivKeyEd25519().PublicKey().Address()
	propose := &Tx{
		Sum: &Tx_CreateAndApproveProposalMsg{&wallet.CreateAndApproveProposalMsg{
			Metadata: &weave.Metadata{Schema: 1},
			WalletID: walletID,
			Target:   target,
			Kind:     wallet.CallDirect,
			Amount:   coin.NewCoinp(3000, 0, "IOV"),
			Refund:   coin.NewCoinp(5, 0, "IOV"),
		}},
	}
	dres := signAndDeliver(t, myApp, 2, propose, alice, 0)
	proposalID := dres.Data
	assert.Equal(t, weavetest.SequenceID(1), proposalID)

	// One approval is not a quorum of two yet, the second member's vote
	// makes the proposal executable.
	approve := &Tx{
		Sum: &Tx_ApproveProposalMsg{&wallet.ApproveProposalMsg{
			Metadata:   &weave.Metadata{Schema: 1},
			ProposalID: proposalID,
		}},
	}
	signAndDeliver(t, myApp, 3, approve, bobby, 0)

	execute := &Tx{
		Sum: &Tx_ExecuteProposalMsg{&wallet.ExecuteProposalMsg{
			Metadata:   &weave.Metadata{Schema: 1},
			ProposalID: proposalID,
		}},
	}
	signAndDeliver(t, myApp, 4, execute, carl, 0)

	// The target received the amount, the executing member the refund
	// and the wallet paid for both.
	checkBalance(t, myApp, target, 3000)
	checkBalance(t, myApp, carlAddr, 5)
	checkBalance(t, myApp, walletAddr, 50000-3000-5)

	var p wallet.Proposal
	queryOne(t, myApp, "/proposals", proposalID, &p)
	assert.True(t, p.Executed)

	// Membership cannot be changed by a plain signature, not even of a
	// member. Only the wallet itself may do that.
	daveAddr := crypto.GenPrivKeyEd25519().PublicKey().Address()
	direct := &Tx{
		Sum: &Tx_AddMemberMsg{&wallet.AddMemberMsg{
			Metadata: &weave.Metadata{Schema: 1},
			WalletID: walletID,
			Member:   daveAddr,
		}},
	}
	sig, err := sigs.SignTx(alice, direct, chainID, 1)
	require.NoError(t, err)
	direct.Signatures = []*sigs.StdSignature{sig}
	bz, err := direct.Marshal()
	require.NoError(t, err)
	chres := myApp.CheckTx(bz)
	require.NotEqual(t, uint32(0), chres.Code)

	// The same change passes when routed through an approved proposal.
	// The payload is dispatched with the wallet's own authority.
	payload, err := (&Tx{
		Sum: &Tx_AddMemberMsg{&wallet.AddMemberMsg{
			Metadata: &weave.Metadata{Schema: 1},
			WalletID: walletID,
			Member:   daveAddr,
		}},
	}).Marshal()
	require.NoError(t, err)

	govern := &Tx{
		Sum: &Tx_CreateAndApproveProposalMsg{&wallet.CreateAndApproveProposalMsg{
			Metadata: &weave.Metadata{Schema: 1},
			WalletID: walletID,
			Target:   walletAddr,
			Kind:     wallet.CallDirect,
			Payload:  payload,
		}},
	}
	dres = signAndDeliver(t, myApp, 5, govern, alice, 1)
	governID := dres.Data

	approve2 := &Tx{
		Sum: &Tx_ApproveProposalMsg{&wallet.ApproveProposalMsg{
			Metadata:   &weave.Metadata{Schema: 1},
			ProposalID: governID,
		}},
	}
	signAndDeliver(t, myApp, 6, approve2, bobby, 1)

	execute2 := &Tx{
		Sum: &Tx_ExecuteProposalMsg{&wallet.ExecuteProposalMsg{
			Metadata:   &weave.Metadata{Schema: 1},
			ProposalID: governID,
		}},
	}
	signAndDeliver(t, myApp, 7, execute2, alice, 2)

	var after wallet.Wallet
	queryOne(t, myApp, "/multisigs", walletID, &after)
	require.Len(t, after.Members, 4)
	assert.Equal(t, daveAddr, after.Members[3])
}

func TestGenInitOptions(t *testing.T) {
	raw, err := GenInitOptions(nil)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"cash"`)
	assert.Contains(t, string(raw), `"wallet"`)
	assert.Contains(t, string(raw), `"initialize_schema"`)

	raw, err = GenInitOptions([]string{"ETH"})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"ETH"`)
}

func TestPayloadRoundTrip(t *testing.T) {
	tx := &Tx{
		Sum: &Tx_SendMsg{&cash.SendMsg{
			Metadata:    &weave.Metadata{Schema: 1},
			Source:      weavetest.NewCondition().Address(),
			Destination: weavetest.NewCondition().Address(),
			Amount:      coin.NewCoinp(1, 0, "IOV"),
		}},
	}
	raw, err := tx.Marshal()
	require.NoError(t, err)

	msg, err := DecodePayload(raw)
	require.NoError(t, err)
	send, ok := msg.(*cash.SendMsg)
	require.True(t, ok)
	assert.Equal(t, int64(1), send.Amount.Whole)

	_, err = DecodePayload([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)

	_, err = DecodePayload(nil)
	assert.Error(t, err)
}
