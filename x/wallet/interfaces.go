package wallet

import (
	weave "github.com/iov-one/weave"
	"github.com/iov-one/weave/errors"
)

// PayloadDecoder turns an opaque proposal payload into the message that is
// dispatched when the proposal executes. The application supplies a decoder
// that understands its own transaction envelope, so a wallet can govern any
// message the application routes.
type PayloadDecoder func(raw []byte) (weave.Msg, error)

// Decode parses a payload, mapping decoder failures to ErrInvalidPayload.
// An empty payload is valid and decodes to no message, a proposal may move
// funds without dispatching anything.
func (d PayloadDecoder) Decode(raw []byte) (weave.Msg, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	msg, err := d(raw)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidPayload, err.Error())
	}
	return msg, nil
}

// Executor dispatches a decoded payload on behalf of an approved proposal.
type Executor func(ctx weave.Context, store weave.KVStore, msg weave.Msg) (*weave.DeliverResult, error)

// HandlerAsExecutor turns any Handler into an Executor by delivering the
// message wrapped in a minimal Tx. Wrapping the application router makes
// every routed message proposable, including this package's own admin
// messages.
func HandlerAsExecutor(h weave.Handler) Executor {
	return func(ctx weave.Context, store weave.KVStore, msg weave.Msg) (*weave.DeliverResult, error) {
		return h.Deliver(ctx, store, &payloadTx{msg: msg})
	}
}

// payloadTx carries a dispatched proposal payload through a Handler. It
// holds only the message. Fee and signature information never apply to an
// internal dispatch.
type payloadTx struct {
	msg weave.Msg
}

var _ weave.Tx = (*payloadTx)(nil)

func (tx *payloadTx) GetMsg() (weave.Msg, error) {
	return tx.msg, nil
}

func (tx *payloadTx) Marshal() ([]byte, error) {
	return tx.msg.Marshal()
}

func (tx *payloadTx) Unmarshal(data []byte) error {
	return tx.msg.Unmarshal(data)
}
