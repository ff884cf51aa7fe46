package wallet

import (
	"context"

	"github.com/iov-one/weave"
	"github.com/iov-one/weave/x"
)

type contextKey int // local to the wallet module

const (
	contextKeyWallet contextKey = iota
)

// withWallet is a private method, as only this module can attach the
// wallet authority. It is set for the duration of a proposal payload
// dispatch so the dispatched message runs with the wallet's own identity.
func withWallet(ctx weave.Context, id []byte) weave.Context {
	return context.WithValue(ctx, contextKeyWallet, Condition(id))
}

// Authenticate gets/sets permissions on the given context key
type Authenticate struct {
}

var _ x.Authenticator = Authenticate{}

// GetConditions returns permissions previously set on this context
func (a Authenticate) GetConditions(ctx weave.Context) []weave.Condition {
	// (val, ok) form to return nil instead of panic if unset
	val, _ := ctx.Value(contextKeyWallet).(weave.Condition)
	if val == nil {
		return nil
	}
	return []weave.Condition{val}
}

// HasAddress returns true iff this address is in GetConditions
func (a Authenticate) HasAddress(ctx weave.Context, addr weave.Address) bool {
	for _, s := range a.GetConditions(ctx) {
		if addr.Equals(s.Address()) {
			return true
		}
	}
	return false
}
