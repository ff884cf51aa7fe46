package wallet

import (
	"testing"

	"github.com/iov-one/weave"
	"github.com/iov-one/weave/weavetest"
	"github.com/iov-one/weave/weavetest/assert"
)

func TestPayloadDecoderDecode(t *testing.T) {
	var d PayloadDecoder = testDecoder

	msg, err := d.Decode(nil)
	assert.Nil(t, err)
	if msg != nil {
		t.Fatalf("empty payload must decode to no message, got %T", msg)
	}

	if _, err := d.Decode([]byte{0xff, 0xff}); !ErrInvalidPayload.Is(err) {
		t.Fatalf("want invalid payload error, got %+v", err)
	}

	member := weavetest.NewCondition().Address()
	raw, err := (&AddMemberMsg{
		Metadata: &weave.Metadata{Schema: 1},
		WalletID: weavetest.SequenceID(1),
		Member:   member,
	}).Marshal()
	assert.Nil(t, err)

	msg, err = d.Decode(raw)
	assert.Nil(t, err)
	add, ok := msg.(*AddMemberMsg)
	if !ok {
		t.Fatalf("unexpected message type %T", msg)
	}
	assert.Equal(t, member, add.Member)
}
