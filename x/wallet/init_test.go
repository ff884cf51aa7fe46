package wallet

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/iov-one/weave"
	"github.com/iov-one/weave/migration"
	"github.com/iov-one/weave/store"
	"github.com/iov-one/weave/weavetest"
	"github.com/iov-one/weave/weavetest/assert"
)

func TestGenesisInitializer(t *testing.T) {
	var (
		alice = weavetest.NewCondition().Address()
		bobby = weavetest.NewCondition().Address()
		carl  = weavetest.NewCondition().Address()
	)

	const genesisTmpl = `
	{
		"wallet": [
			{
				"members": [%q, %q],
				"required_approvals": 2
			},
			{
				"members": [%q],
				"required_approvals": 1
			}
		]
	}
	`
	genesis := fmt.Sprintf(genesisTmpl, alice, bobby, carl)

	var opts weave.Options
	if err := json.Unmarshal([]byte(genesis), &opts); err != nil {
		t.Fatalf("cannot unmarshal genesis: %s", err)
	}

	db := store.MemStore()
	migration.MustInitPkg(db, "wallet")
	var ini Initializer
	if err := ini.FromGenesis(opts, weave.GenesisParams{}, db); err != nil {
		t.Fatalf("cannot load genesis: %s", err)
	}

	bucket := NewWalletBucket()

	var first Wallet
	assert.Nil(t, bucket.One(db, weavetest.SequenceID(1), &first))
	assertMembers(t, []weave.Address{alice, bobby}, first.Members)
	assert.Equal(t, uint32(2), first.RequiredApprovals)
	if !first.Address.Equals(Condition(weavetest.SequenceID(1)).Address()) {
		t.Fatalf("unexpected wallet address: %q", first.Address)
	}

	var second Wallet
	assert.Nil(t, bucket.One(db, weavetest.SequenceID(2), &second))
	assertMembers(t, []weave.Address{carl}, second.Members)
	assert.Equal(t, uint32(1), second.RequiredApprovals)
}

func TestGenesisInitializerInvalidWallet(t *testing.T) {
	genesis := `
	{
		"wallet": [
			{
				"members": [],
				"required_approvals": 1
			}
		]
	}
	`
	var opts weave.Options
	if err := json.Unmarshal([]byte(genesis), &opts); err != nil {
		t.Fatalf("cannot unmarshal genesis: %s", err)
	}

	db := store.MemStore()
	migration.MustInitPkg(db, "wallet")
	var ini Initializer
	if err := ini.FromGenesis(opts, weave.GenesisParams{}, db); err == nil {
		t.Fatal("a wallet without members must be rejected")
	}
}
