// Package protocol implements the server's wire format: a length-prefixed,
// line-oriented binary protocol with RESP-style type sigils.
package protocol

// Kind tags the variant held by a Frame.
type Kind byte

const (
	KindSimpleString Kind = iota
	KindError
	KindInteger
	KindBulkString
	KindNullString
	KindNullArray
	KindArray
	KindOK
	KindPong
	KindMessage // simple-string "message" marker, first element of a pub/sub delivery
	// KindDetach is an internal-only control frame ("detach-subscribe-mode(shard_id)").
	// No shard or handler sends it: the connection handler leaves hold-on
	// mode from its own record of subscribed channels. The encoder rejects it.
	KindDetach
)

// Frame is the wire type: a tagged union over the protocol's frame
// grammar.
type Frame struct {
	Kind    Kind
	Str     string  // SimpleString / Error text
	Int     int64   // Integer value
	Bulk    []byte  // BulkString payload; nil only via KindNullString
	Items   []Frame // Array elements
	ShardID int     // KindDetach payload
}

func SimpleString(s string) Frame { return Frame{Kind: KindSimpleString, Str: s} }
func Err(s string) Frame          { return Frame{Kind: KindError, Str: s} }
func Int(n int64) Frame           { return Frame{Kind: KindInteger, Int: n} }
func Bulk(b []byte) Frame         { return Frame{Kind: KindBulkString, Bulk: b} }
func BulkString(s string) Frame   { return Frame{Kind: KindBulkString, Bulk: []byte(s)} }
func NullString() Frame           { return Frame{Kind: KindNullString} }
func NullArray() Frame            { return Frame{Kind: KindNullArray} }
func Array(items ...Frame) Frame  { return Frame{Kind: KindArray, Items: items} }
func OK() Frame                   { return Frame{Kind: KindOK} }
func Pong() Frame                 { return Frame{Kind: KindPong} }
func Detach(shardID int) Frame    { return Frame{Kind: KindDetach, ShardID: shardID} }

// Message builds the pub/sub delivery envelope: [message-marker, channel, payload].
func Message(channel string, payload []byte) Frame {
	return Array(
		Frame{Kind: KindMessage, Str: "message"},
		BulkString(channel),
		Bulk(payload),
	)
}

// SubscribeAck builds the three-element subscribe/unsubscribe confirmation:
// [simple-string verb, channel-name, total-channel-count].
func SubscribeAck(verb, channel string, total int64) Frame {
	return Array(SimpleString(verb), BulkString(channel), Int(total))
}

// IsNil reports whether f is one of the null sentinels.
func (f Frame) IsNil() bool {
	return f.Kind == KindNullString || f.Kind == KindNullArray
}
