package store

import (
	"context"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"shardkv/internal/command"
	"shardkv/internal/metrics"
	"shardkv/internal/protocol"
)

// reaperMaxSleep bounds how long the reaper timer ever sleeps even when no
// key is due to expire, so a shard notices keys scheduled by a future SET
// without waiting indefinitely.
const reaperMaxSleep = 30 * time.Second

// Request is one unit of work handed to a shard's mailbox. Sub is only
// populated for the pub/sub verbs and for connection teardown, since those
// are the only operations that need to know which connection is asking.
type Request struct {
	Cmd      command.Command
	Sub      *Subscriber
	Teardown bool
	SubID    uint64
}

// Reply is a shard's answer to a Request. Frame carries ordinary command
// replies; Numeric and Keys carry the raw per-shard contributions that the
// dispatcher merges: PUBLISH sums Numeric (SumFirst), and the DX
// statistics render Numeric or Keys as one line per shard.
type Reply struct {
	Frame   protocol.Frame
	Numeric int64
	Keys    [][]byte
}

type mailboxMsg struct {
	req   Request
	reply chan Reply
}

// Shard is a single partition of the keyspace, owned end to end by one
// goroutine. All state below is touched only from that goroutine's Run
// loop; callers never read or write it directly, so none of it needs a
// lock.
type Shard struct {
	ID int

	mailbox chan mailboxMsg
	data    map[string]entry
	exp     *expiryIndex
	subs    *subState

	keyCount int64 // atomic; read cross-goroutine by metrics/DX

	shutdown func()
	logger   zerolog.Logger
}

func New(id, mailboxSize int, shutdown func(), logger zerolog.Logger) *Shard {
	return &Shard{
		ID:       id,
		mailbox:  make(chan mailboxMsg, mailboxSize),
		data:     make(map[string]entry),
		exp:      newExpiryIndex(),
		subs:     newSubState(),
		shutdown: shutdown,
		logger:   logger.With().Int("shard", id).Logger(),
	}
}

// KeyCount returns the shard's live key count. Safe to call from any
// goroutine.
func (s *Shard) KeyCount() int64 { return atomic.LoadInt64(&s.keyCount) }

// MailboxDepth returns the number of requests currently queued in the
// shard's mailbox. Safe to call from any goroutine; the value is a
// snapshot and may be stale by the time the caller reads it.
func (s *Shard) MailboxDepth() int { return len(s.mailbox) }

// Execute submits req to the shard's mailbox and waits for its reply,
// respecting ctx cancellation on both the send and the receive.
func (s *Shard) Execute(ctx context.Context, req Request) (Reply, error) {
	replyCh := make(chan Reply, 1)
	select {
	case s.mailbox <- mailboxMsg{req: req, reply: replyCh}:
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
	select {
	case r := <-replyCh:
		return r, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Run is the shard's event loop. It never returns until ctx is canceled.
func (s *Shard) Run(ctx context.Context) {
	timer := time.NewTimer(s.nextReaperDelay())
	defer timer.Stop()
	s.logger.Info().Msg("shard started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("shard stopped")
			return
		case msg := <-s.mailbox:
			msg.reply <- s.handle(msg.req)
			drainTimer(timer)
			timer.Reset(s.nextReaperDelay())
		case <-timer.C:
			s.reap()
			timer.Reset(s.nextReaperDelay())
		}
	}
}

func drainTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func (s *Shard) handle(req Request) Reply {
	if req.Teardown {
		s.subs.removeAll(req.SubID)
		return Reply{}
	}
	switch req.Cmd.Verb {
	case command.VerbGet:
		return s.handleGet(req.Cmd)
	case command.VerbSet:
		return s.handleSet(req.Cmd)
	case command.VerbIncr, command.VerbDecr, command.VerbIncrby, command.VerbDecrby:
		return s.handleIncrDecr(req.Cmd)
	case command.VerbTTL, command.VerbPTTL:
		return s.handleTTL(req.Cmd)
	case command.VerbMget:
		return s.handleMget(req.Cmd)
	case command.VerbMset:
		return s.handleMset(req.Cmd)
	case command.VerbDX:
		return s.handleDX(req.Cmd)
	case command.VerbSubscribe:
		return s.handleSubscribe(req.Cmd, req.Sub)
	case command.VerbUnsubscribe:
		return s.handleUnsubscribe(req.Cmd, req.Sub)
	case command.VerbPublish:
		return s.handlePublish(req.Cmd)
	default:
		return Reply{Frame: protocol.Err("ERR command not routable to a shard")}
	}
}

// getLive looks up key, lazily evicting it in place if its expiry has
// already passed even though the reaper hasn't gotten to it yet.
func (s *Shard) getLive(key string) (entry, bool) {
	ent, ok := s.data[key]
	if !ok {
		return entry{}, false
	}
	if ent.hasExpiry() && ent.expireAt <= time.Now().UnixNano() {
		delete(s.data, key)
		atomic.AddInt64(&s.keyCount, -1)
		metrics.KeysExpiredTotal.Inc()
		return entry{}, false
	}
	return ent, true
}

func (s *Shard) handleGet(cmd command.Command) Reply {
	ent, ok := s.getLive(string(cmd.Key))
	if !ok {
		return Reply{Frame: protocol.NullString()}
	}
	return Reply{Frame: protocol.Bulk(ent.value)}
}

func (s *Shard) handleSet(cmd command.Command) Reply {
	key := string(cmd.Key)
	existing, exists := s.getLive(key)
	blocked := (cmd.SetOpts.NX && exists) || (cmd.SetOpts.XX && !exists)

	var prior protocol.Frame
	if exists {
		prior = protocol.Bulk(existing.value)
	} else {
		prior = protocol.NullString()
	}

	if blocked {
		if cmd.SetOpts.GetFlag {
			return Reply{Frame: prior}
		}
		return Reply{Frame: protocol.NullString()}
	}

	newExpireAt := s.resolveExpireAt(cmd.SetOpts, existing, exists)
	var seq uint64
	if newExpireAt != 0 {
		seq = s.exp.nextSeq()
		s.exp.schedule(newExpireAt, seq, key)
	}
	if !exists {
		atomic.AddInt64(&s.keyCount, 1)
	}
	s.data[key] = entry{value: cmd.Value, expireAt: newExpireAt, seq: seq}

	if cmd.SetOpts.GetFlag {
		return Reply{Frame: prior}
	}
	return Reply{Frame: protocol.OK()}
}

func (s *Shard) resolveExpireAt(opts command.SetOptions, existing entry, existed bool) int64 {
	switch opts.ExpireMode {
	case command.ExpireKeepTTL:
		if existed {
			return existing.expireAt
		}
		return 0
	case command.ExpireEX:
		return time.Now().Add(time.Duration(opts.ExpireUnit) * time.Second).UnixNano()
	case command.ExpirePX:
		return time.Now().Add(time.Duration(opts.ExpireUnit) * time.Millisecond).UnixNano()
	case command.ExpireEXAT:
		return opts.ExpireUnit * int64(time.Second)
	case command.ExpirePXAT:
		return opts.ExpireUnit * int64(time.Millisecond)
	default:
		return 0
	}
}

func (s *Shard) handleIncrDecr(cmd command.Command) Reply {
	key := string(cmd.Key)
	ent, exists := s.getLive(key)
	var cur int64
	if exists {
		n, err := strconv.ParseInt(string(ent.value), 10, 64)
		if err != nil {
			// a non-integer current value is not an error, just not
			// incrementable; the key is left untouched
			return Reply{Frame: protocol.NullString()}
		}
		cur = n
	}
	delta := cmd.Delta
	if cmd.Verb == command.VerbDecr || cmd.Verb == command.VerbDecrby {
		delta = -delta
	}
	next := cur + delta
	if !exists {
		atomic.AddInt64(&s.keyCount, 1)
	}
	s.data[key] = entry{value: []byte(strconv.FormatInt(next, 10)), expireAt: ent.expireAt, seq: ent.seq}
	return Reply{Frame: protocol.Int(next)}
}

func (s *Shard) handleTTL(cmd command.Command) Reply {
	ent, exists := s.getLive(string(cmd.Key))
	if !exists {
		return Reply{Frame: protocol.Int(-2)}
	}
	if !ent.hasExpiry() {
		return Reply{Frame: protocol.Int(-1)}
	}
	remaining := ent.expireAt - time.Now().UnixNano()
	if remaining < 0 {
		remaining = 0
	}
	if cmd.Verb == command.VerbTTL {
		return Reply{Frame: protocol.Int(remaining / int64(time.Second))}
	}
	return Reply{Frame: protocol.Int(remaining / int64(time.Millisecond))}
}

// handleMget answers an MGET fragment: cmd.Keys already holds only the
// keys this shard owns, in the order the dispatcher sent them, so the
// caller can zip the reply back into the original request order.
func (s *Shard) handleMget(cmd command.Command) Reply {
	items := make([]protocol.Frame, len(cmd.Keys))
	for i, k := range cmd.Keys {
		ent, ok := s.getLive(string(k))
		if !ok {
			items[i] = protocol.NullString()
			continue
		}
		items[i] = protocol.Bulk(ent.value)
	}
	return Reply{Frame: protocol.Array(items...)}
}

// handleMset applies its fragment's pairs as a single mailbox turn: all of
// it happens before this shard processes anything else, so from any
// observer's perspective this shard's share of the write is atomic.
func (s *Shard) handleMset(cmd command.Command) Reply {
	for _, kv := range cmd.Pairs {
		key := string(kv.Key)
		if _, exists := s.data[key]; !exists {
			atomic.AddInt64(&s.keyCount, 1)
		}
		s.data[key] = entry{value: kv.Value}
	}
	return Reply{Frame: protocol.OK()}
}

func (s *Shard) handleDX(cmd command.Command) Reply {
	switch cmd.AdminSub {
	case "key_num":
		return Reply{Numeric: atomic.LoadInt64(&s.keyCount)}
	case "total_key_len":
		var total int64
		for k := range s.data {
			total += int64(len(k))
		}
		return Reply{Numeric: total}
	case "total_val_len":
		var total int64
		for _, e := range s.data {
			total += int64(len(e.value))
		}
		return Reply{Numeric: total}
	case "random_keys":
		// Reservoir sampling: every key is kept with probability
		// sampleSize/n regardless of map iteration quirks.
		const sampleSize = 5
		keys := make([][]byte, 0, sampleSize)
		seen := 0
		for k := range s.data {
			seen++
			if len(keys) < sampleSize {
				keys = append(keys, []byte(k))
				continue
			}
			if j := rand.Intn(seen); j < sampleSize {
				keys[j] = []byte(k)
			}
		}
		return Reply{Keys: keys}
	case "shutdown":
		if s.shutdown != nil {
			s.shutdown()
		}
		return Reply{Frame: protocol.OK()}
	default:
		return Reply{Frame: protocol.Err("ERR unknown DX subcommand")}
	}
}

func (s *Shard) handleSubscribe(cmd command.Command, sub *Subscriber) Reply {
	items := make([]protocol.Frame, len(cmd.Channels))
	for i, ch := range cmd.Channels {
		total := s.subs.add(ch, sub)
		items[i] = protocol.SubscribeAck("Subscribe", ch, total)
	}
	return Reply{Frame: protocol.Array(items...)}
}

func (s *Shard) handleUnsubscribe(cmd command.Command, sub *Subscriber) Reply {
	if len(cmd.Channels) == 0 {
		// unsubscribe-all: one ack per channel actually dropped. A shard
		// holding nothing for this subscriber replies with an empty
		// array; the dispatcher decides whether the client gets a
		// placeholder.
		removed := s.subs.removeAll(sub.ID)
		items := make([]protocol.Frame, len(removed))
		for i, rc := range removed {
			items[i] = protocol.SubscribeAck("Unsubscribe", rc.name, rc.total)
		}
		return Reply{Frame: protocol.Array(items...)}
	}
	items := make([]protocol.Frame, len(cmd.Channels))
	for i, ch := range cmd.Channels {
		var remaining int64
		if _, held := s.subs.bySub[sub.ID]; held {
			remaining = s.subs.remove(ch, sub.ID)
		} else {
			// nothing held here, so the shared counter is unchanged
			remaining = sub.TotalChannels()
		}
		items[i] = protocol.SubscribeAck("Unsubscribe", ch, remaining)
	}
	return Reply{Frame: protocol.Array(items...)}
}

func (s *Shard) handlePublish(cmd command.Command) Reply {
	n := int64(s.subs.publish(cmd.Channel, cmd.Payload))
	return Reply{Frame: protocol.Int(n), Numeric: n}
}

func (s *Shard) nextReaperDelay() time.Duration {
	item, ok := s.exp.peek()
	if !ok {
		return reaperMaxSleep
	}
	d := time.Duration(item.deadline - time.Now().UnixNano())
	if d < 0 {
		d = 0
	}
	if d > reaperMaxSleep {
		d = reaperMaxSleep
	}
	return d
}

func (s *Shard) reap() {
	now := time.Now().UnixNano()
	for {
		item, ok := s.exp.peek()
		if !ok || item.deadline > now {
			return
		}
		s.exp.pop()
		ent, exists := s.data[item.key]
		if !exists || ent.seq != item.seq {
			continue
		}
		delete(s.data, item.key)
		atomic.AddInt64(&s.keyCount, -1)
		metrics.KeysExpiredTotal.Inc()
	}
}
