package wallet

import (
	"github.com/iov-one/weave"
	"github.com/iov-one/weave/errors"
)

// Initializer fulfils the Initializer interface to load data from the genesis
// file
type Initializer struct{}

var _ weave.Initializer = (*Initializer)(nil)

// FromGenesis will parse initial wallet info from genesis and save it in
// the database.
func (*Initializer) FromGenesis(opts weave.Options, params weave.GenesisParams, kv weave.KVStore) error {
	var wallets []struct {
		Members           []weave.Address `json:"members"`
		RequiredApprovals uint32          `json:"required_approvals"`
	}
	if err := opts.ReadOptions("wallet", &wallets); err != nil {
		return err
	}

	bucket := NewWalletBucket()
	for i, w := range wallets {
		key, err := walletSeq.NextVal(kv)
		if err != nil {
			return errors.Wrap(err, "cannot acquire ID")
		}
		wallet := Wallet{
			Metadata:          &weave.Metadata{Schema: 1},
			Members:           w.Members,
			RequiredApprovals: w.RequiredApprovals,
			Address:           Condition(key).Address(),
		}
		if err := wallet.Validate(); err != nil {
			return errors.Wrapf(err, "wallet #%d is invalid", i)
		}
		if _, err := bucket.Put(kv, key, &wallet); err != nil {
			return errors.Wrapf(err, "cannot save #%d wallet", i)
		}
	}
	return nil
}
