package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardkv/internal/protocol"
)

func req(items ...protocol.Frame) protocol.Frame {
	return protocol.Array(items...)
}

func TestParseGet(t *testing.T) {
	cmd, err := Parse(req(protocol.BulkString("GET"), protocol.BulkString("foo")))
	require.NoError(t, err)
	assert.Equal(t, VerbGet, cmd.Verb)
	assert.Equal(t, Oneshot, cmd.Category)
	assert.Equal(t, []byte("foo"), cmd.Key)
}

func TestParseSetWithOptions(t *testing.T) {
	cmd, err := Parse(req(
		protocol.BulkString("set"),
		protocol.BulkString("foo"),
		protocol.BulkString("bar"),
		protocol.BulkString("NX"),
		protocol.BulkString("EX"),
		protocol.BulkString("30"),
	))
	require.NoError(t, err)
	assert.Equal(t, VerbSet, cmd.Verb)
	assert.True(t, cmd.SetOpts.NX)
	assert.Equal(t, ExpireEX, cmd.SetOpts.ExpireMode)
	assert.EqualValues(t, 30, cmd.SetOpts.ExpireUnit)
}

func TestParseSetMutuallyExclusiveOptionsRejected(t *testing.T) {
	_, err := Parse(req(
		protocol.BulkString("SET"), protocol.BulkString("k"), protocol.BulkString("v"),
		protocol.BulkString("NX"), protocol.BulkString("XX"),
	))
	require.Error(t, err)

	_, err = Parse(req(
		protocol.BulkString("SET"), protocol.BulkString("k"), protocol.BulkString("v"),
		protocol.BulkString("EX"), protocol.BulkString("1"), protocol.BulkString("KEEPTTL"),
	))
	require.Error(t, err)

	_, err = Parse(req(
		protocol.BulkString("SET"), protocol.BulkString("k"), protocol.BulkString("v"),
		protocol.BulkString("NX"), protocol.BulkString("GET"),
	))
	require.Error(t, err)
}

func TestParseSetRejectsRepeatedOption(t *testing.T) {
	_, err := Parse(req(
		protocol.BulkString("SET"), protocol.BulkString("k"), protocol.BulkString("v"),
		protocol.BulkString("XX"), protocol.BulkString("XX"),
	))
	require.Error(t, err)
}

func TestParseSetRejectsNonPositiveDuration(t *testing.T) {
	_, err := Parse(req(
		protocol.BulkString("SET"), protocol.BulkString("k"), protocol.BulkString("v"),
		protocol.BulkString("EX"), protocol.BulkString("0"),
	))
	require.Error(t, err)

	_, err = Parse(req(
		protocol.BulkString("SET"), protocol.BulkString("k"), protocol.BulkString("v"),
		protocol.BulkString("PX"), protocol.BulkString("-5"),
	))
	require.Error(t, err)
}

func TestParseSetRejectsPastExpireAt(t *testing.T) {
	_, err := Parse(req(
		protocol.BulkString("SET"), protocol.BulkString("k"), protocol.BulkString("v"),
		protocol.BulkString("EXAT"), protocol.BulkString("1"),
	))
	require.Error(t, err)
}

func TestParseSetexTranslatesToSet(t *testing.T) {
	cmd, err := Parse(req(protocol.BulkString("SETEX"), protocol.BulkString("k"), protocol.BulkString("10"), protocol.BulkString("v")))
	require.NoError(t, err)
	assert.Equal(t, VerbSet, cmd.Verb)
	assert.Equal(t, ExpireEX, cmd.SetOpts.ExpireMode)
	assert.EqualValues(t, 10, cmd.SetOpts.ExpireUnit)
	assert.Equal(t, []byte("v"), cmd.Value)
}

func TestParseSetnxTranslatesToSet(t *testing.T) {
	cmd, err := Parse(req(protocol.BulkString("SETNX"), protocol.BulkString("k"), protocol.BulkString("v")))
	require.NoError(t, err)
	assert.Equal(t, VerbSet, cmd.Verb)
	assert.True(t, cmd.SetOpts.NX)
}

func TestParseGetsetTranslatesToSet(t *testing.T) {
	cmd, err := Parse(req(protocol.BulkString("GETSET"), protocol.BulkString("k"), protocol.BulkString("v")))
	require.NoError(t, err)
	assert.Equal(t, VerbSet, cmd.Verb)
	assert.True(t, cmd.SetOpts.GetFlag)
}

func TestParseMget(t *testing.T) {
	cmd, err := Parse(req(protocol.BulkString("MGET"), protocol.BulkString("a"), protocol.BulkString("b")))
	require.NoError(t, err)
	assert.Equal(t, Traverse, cmd.Category)
	assert.Len(t, cmd.Keys, 2)
}

func TestParseMsetRequiresEvenOperands(t *testing.T) {
	_, err := Parse(req(protocol.BulkString("MSET"), protocol.BulkString("a")))
	require.Error(t, err)

	cmd, err := Parse(req(protocol.BulkString("MSET"), protocol.BulkString("a"), protocol.BulkString("1"), protocol.BulkString("b"), protocol.BulkString("2")))
	require.NoError(t, err)
	require.Len(t, cmd.Pairs, 2)
	assert.Equal(t, []byte("a"), cmd.Pairs[0].Key)
	assert.Equal(t, []byte("2"), cmd.Pairs[1].Value)
}

func TestParseIncrDecrBy(t *testing.T) {
	cmd, err := Parse(req(protocol.BulkString("INCRBY"), protocol.BulkString("k"), protocol.BulkString("5")))
	require.NoError(t, err)
	assert.EqualValues(t, 5, cmd.Delta)

	cmd, err = Parse(req(protocol.BulkString("INCR"), protocol.BulkString("k")))
	require.NoError(t, err)
	assert.EqualValues(t, 1, cmd.Delta)
}

func TestParseSubscribeRequiresChannel(t *testing.T) {
	_, err := Parse(req(protocol.BulkString("SUBSCRIBE")))
	require.Error(t, err)

	cmd, err := Parse(req(protocol.BulkString("SUBSCRIBE"), protocol.BulkString("news")))
	require.NoError(t, err)
	assert.Equal(t, HoldOn, cmd.Category)
	assert.Equal(t, []string{"news"}, cmd.Channels)
}

func TestParseUnsubscribeAllowsZeroChannels(t *testing.T) {
	cmd, err := Parse(req(protocol.BulkString("UNSUBSCRIBE")))
	require.NoError(t, err)
	assert.Empty(t, cmd.Channels)
}

func TestParsePublish(t *testing.T) {
	cmd, err := Parse(req(protocol.BulkString("PUBLISH"), protocol.BulkString("news"), protocol.BulkString("hi")))
	require.NoError(t, err)
	assert.Equal(t, "news", cmd.Channel)
	assert.Equal(t, []byte("hi"), cmd.Payload)
}

func TestParseDXSubcommands(t *testing.T) {
	for _, sub := range []string{"key_num", "total_key_len", "total_val_len", "random_keys", "shutdown"} {
		cmd, err := Parse(req(protocol.BulkString("DX"), protocol.BulkString(sub)))
		require.NoError(t, err)
		assert.Equal(t, sub, cmd.AdminSub)
	}

	_, err := Parse(req(protocol.BulkString("DX"), protocol.BulkString("bogus")))
	require.Error(t, err)
}

func TestParseUnknownVerb(t *testing.T) {
	_, err := Parse(req(protocol.BulkString("NOPE")))
	require.Error(t, err)
}

func TestParseRejectsNonArrayTopLevel(t *testing.T) {
	_, err := Parse(protocol.BulkString("GET"))
	require.Error(t, err)
}

func TestParseRejectsNonBulkVerb(t *testing.T) {
	_, err := Parse(req(protocol.Int(1)))
	require.Error(t, err)
}

func TestParseRejectsNonBulkOperand(t *testing.T) {
	_, err := Parse(req(protocol.BulkString("GET"), protocol.Int(1)))
	require.Error(t, err)
}

func TestVerbLookupCaseInsensitive(t *testing.T) {
	cmd, err := Parse(req(protocol.BulkString("gEt"), protocol.BulkString("k")))
	require.NoError(t, err)
	assert.Equal(t, VerbGet, cmd.Verb)
}
