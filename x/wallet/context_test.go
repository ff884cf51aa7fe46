package wallet

import (
	"context"
	"testing"

	"github.com/iov-one/weave/weavetest"
)

func TestWalletAuthenticate(t *testing.T) {
	id := weavetest.SequenceID(1)
	walletAddr := Condition(id).Address()

	var auth Authenticate

	bg := context.Background()
	if auth.HasAddress(bg, walletAddr) {
		t.Fatal("wallet authority without a wallet context")
	}
	if conds := auth.GetConditions(bg); conds != nil {
		t.Fatalf("conditions on an empty context: %v", conds)
	}

	ctx := withWallet(bg, id)
	if !auth.HasAddress(ctx, walletAddr) {
		t.Fatal("missing wallet authority")
	}
	other := Condition(weavetest.SequenceID(2)).Address()
	if auth.HasAddress(ctx, other) {
		t.Fatal("authority granted for another wallet")
	}
	if conds := auth.GetConditions(ctx); len(conds) != 1 {
		t.Fatalf("want one condition, got %v", conds)
	}
}
