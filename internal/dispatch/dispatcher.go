package dispatch

import (
	"context"
	"fmt"
	"strings"

	"shardkv/internal/command"
	"shardkv/internal/protocol"
	"shardkv/internal/store"
)

// Dispatcher routes parsed commands to shards and merges their replies.
// It holds no state of its own beyond the shard table and router; all
// mutable state lives inside each Shard's own goroutine.
type Dispatcher struct {
	shards []*store.Shard
	router *Router
}

func New(shards []*store.Shard) *Dispatcher {
	return &Dispatcher{shards: shards, router: NewRouter(len(shards))}
}

func (d *Dispatcher) ShardCount() int { return d.router.ShardCount() }

// Shards exposes the underlying shard table for components (metrics, DX)
// that need to address a specific shard directly.
func (d *Dispatcher) Shards() []*store.Shard { return d.shards }

// Oneshot routes a single-key command to the one shard that owns cmd.Key.
func (d *Dispatcher) Oneshot(ctx context.Context, cmd command.Command) (protocol.Frame, error) {
	idx := d.router.ShardFor(cmd.Key)
	reply, err := d.shards[idx].Execute(ctx, store.Request{Cmd: cmd})
	if err != nil {
		return protocol.Frame{}, err
	}
	return reply.Frame, nil
}

type keyFragment struct {
	indices []int
	keys    [][]byte
}

func (d *Dispatcher) groupKeys(keys [][]byte) map[int]*keyFragment {
	fragments := make(map[int]*keyFragment)
	for i, k := range keys {
		idx := d.router.ShardFor(k)
		fr := fragments[idx]
		if fr == nil {
			fr = &keyFragment{}
			fragments[idx] = fr
		}
		fr.indices = append(fr.indices, i)
		fr.keys = append(fr.keys, k)
	}
	return fragments
}

type mgetOutcome struct {
	frag FragmentResult
	err  error
}

// Mget fans MGET out to every shard that owns at least one requested key,
// then reassembles the replies in the caller's original key order.
func (d *Dispatcher) Mget(ctx context.Context, cmd command.Command) (protocol.Frame, error) {
	fragments := d.groupKeys(cmd.Keys)
	resultsCh := make(chan mgetOutcome, len(fragments))

	for idx, fr := range fragments {
		idx, fr := idx, fr
		go func() {
			reply, err := d.shards[idx].Execute(ctx, store.Request{
				Cmd: command.Command{Verb: command.VerbMget, Keys: fr.keys},
			})
			if err != nil {
				resultsCh <- mgetOutcome{err: err}
				return
			}
			resultsCh <- mgetOutcome{frag: FragmentResult{Indices: fr.indices, Items: reply.Frame.Items}}
		}()
	}

	results := make([]FragmentResult, 0, len(fragments))
	for range fragments {
		out := <-resultsCh
		if out.err != nil {
			return protocol.Frame{}, out.err
		}
		results = append(results, out.frag)
	}
	return Reorder(len(cmd.Keys), results), nil
}

type errOutcome struct{ err error }

// Mset fans MSET out to every shard that owns at least one pair. Each
// shard applies its share of the pairs in one mailbox turn; the overall
// command is not cross-shard atomic, only per-shard atomic.
func (d *Dispatcher) Mset(ctx context.Context, cmd command.Command) (protocol.Frame, error) {
	fragments := make(map[int][]command.KV)
	for _, kv := range cmd.Pairs {
		idx := d.router.ShardFor(kv.Key)
		fragments[idx] = append(fragments[idx], kv)
	}

	resultsCh := make(chan errOutcome, len(fragments))
	for idx, pairs := range fragments {
		idx, pairs := idx, pairs
		go func() {
			_, err := d.shards[idx].Execute(ctx, store.Request{
				Cmd: command.Command{Verb: command.VerbMset, Pairs: pairs},
			})
			resultsCh <- errOutcome{err: err}
		}()
	}
	for range fragments {
		if out := <-resultsCh; out.err != nil {
			return protocol.Frame{}, out.err
		}
	}
	return protocol.OK(), nil
}

type dxOutcome struct {
	shard int
	reply store.Reply
	err   error
}

// DX broadcasts an admin subcommand to every shard. The statistics
// subcommands report one line per shard prefixed with the shard id, so an
// operator can spot a skewed partition at a glance; shutdown is the one
// subcommand where every shard performs the same side effect, so a single
// representative OK (KeepFirst) is the whole answer.
func (d *Dispatcher) DX(ctx context.Context, cmd command.Command) (protocol.Frame, error) {
	resultsCh := make(chan dxOutcome, len(d.shards))
	for i, sh := range d.shards {
		i, sh := i, sh
		go func() {
			r, err := sh.Execute(ctx, store.Request{Cmd: cmd})
			resultsCh <- dxOutcome{shard: i, reply: r, err: err}
		}()
	}

	results := make([]store.Reply, len(d.shards))
	for range d.shards {
		out := <-resultsCh
		if out.err != nil {
			return protocol.Frame{}, out.err
		}
		results[out.shard] = out.reply
	}

	switch cmd.AdminSub {
	case "key_num", "total_key_len", "total_val_len":
		lines := make([]protocol.Frame, len(results))
		for i, r := range results {
			lines[i] = protocol.BulkString(fmt.Sprintf("[%d] %d", i, r.Numeric))
		}
		return protocol.Array(lines...), nil
	case "random_keys":
		lines := make([]protocol.Frame, len(results))
		for i, r := range results {
			sample := make([]string, len(r.Keys))
			for j, k := range r.Keys {
				sample[j] = string(k)
			}
			lines[i] = protocol.BulkString(fmt.Sprintf("[%d] %s", i, strings.Join(sample, " ")))
		}
		return protocol.Array(lines...), nil
	case "shutdown":
		frames := make([]protocol.Frame, len(results))
		for i, r := range results {
			frames[i] = r.Frame
		}
		return KeepFirst(frames), nil
	default:
		return protocol.Err("ERR unknown DX subcommand"), nil
	}
}

type channelFragment struct {
	indices  []int
	channels []string
}

func (d *Dispatcher) groupChannels(channels []string) map[int]*channelFragment {
	fragments := make(map[int]*channelFragment)
	for i, ch := range channels {
		idx := d.router.ShardFor([]byte(ch))
		fr := fragments[idx]
		if fr == nil {
			fr = &channelFragment{}
			fragments[idx] = fr
		}
		fr.indices = append(fr.indices, i)
		fr.channels = append(fr.channels, ch)
	}
	return fragments
}

type subOutcome struct {
	frag FragmentResult
	err  error
}

// Subscribe fans a (possibly multi-channel) SUBSCRIBE out to the shard
// owning each channel, reassembling the per-channel acks in request order.
func (d *Dispatcher) Subscribe(ctx context.Context, cmd command.Command, sub *store.Subscriber) (protocol.Frame, error) {
	fragments := d.groupChannels(cmd.Channels)
	resultsCh := make(chan subOutcome, len(fragments))
	for idx, fr := range fragments {
		idx, fr := idx, fr
		go func() {
			reply, err := d.shards[idx].Execute(ctx, store.Request{
				Cmd: command.Command{Verb: command.VerbSubscribe, Channels: fr.channels},
				Sub: sub,
			})
			if err != nil {
				resultsCh <- subOutcome{err: err}
				return
			}
			resultsCh <- subOutcome{frag: FragmentResult{Indices: fr.indices, Items: reply.Frame.Items}}
		}()
	}
	results := make([]FragmentResult, 0, len(fragments))
	for range fragments {
		out := <-resultsCh
		if out.err != nil {
			return protocol.Frame{}, out.err
		}
		results = append(results, out.frag)
	}
	return Reorder(len(cmd.Channels), results), nil
}

// Unsubscribe fans UNSUBSCRIBE out. With explicit channels it behaves like
// Subscribe's reorder; with none (unsubscribe-all) it must ask every shard,
// since the subscriber's channels may be spread across the whole table.
func (d *Dispatcher) Unsubscribe(ctx context.Context, cmd command.Command, sub *store.Subscriber) (protocol.Frame, error) {
	if len(cmd.Channels) == 0 {
		return d.unsubscribeAll(ctx, sub)
	}

	fragments := d.groupChannels(cmd.Channels)
	resultsCh := make(chan subOutcome, len(fragments))
	for idx, fr := range fragments {
		idx, fr := idx, fr
		go func() {
			reply, err := d.shards[idx].Execute(ctx, store.Request{
				Cmd: command.Command{Verb: command.VerbUnsubscribe, Channels: fr.channels},
				Sub: sub,
			})
			if err != nil {
				resultsCh <- subOutcome{err: err}
				return
			}
			resultsCh <- subOutcome{frag: FragmentResult{Indices: fr.indices, Items: reply.Frame.Items}}
		}()
	}
	results := make([]FragmentResult, 0, len(fragments))
	for range fragments {
		out := <-resultsCh
		if out.err != nil {
			return protocol.Frame{}, out.err
		}
		results = append(results, out.frag)
	}
	return Reorder(len(cmd.Channels), results), nil
}

func (d *Dispatcher) unsubscribeAll(ctx context.Context, sub *store.Subscriber) (protocol.Frame, error) {
	type res struct {
		items []protocol.Frame
		err   error
	}
	resultsCh := make(chan res, len(d.shards))
	for _, sh := range d.shards {
		sh := sh
		go func() {
			reply, err := sh.Execute(ctx, store.Request{
				Cmd: command.Command{Verb: command.VerbUnsubscribe},
				Sub: sub,
			})
			if err != nil {
				resultsCh <- res{err: err}
				return
			}
			resultsCh <- res{items: reply.Frame.Items}
		}()
	}

	// A shard with nothing to drop contributes zero acks; every item
	// that does arrive is a genuine per-channel ack, so the channel name
	// never has to be inspected. Only when no shard held anything does
	// the client get the single placeholder ack.
	var all []protocol.Frame
	for range d.shards {
		r := <-resultsCh
		if r.err != nil {
			return protocol.Frame{}, r.err
		}
		all = append(all, r.items...)
	}
	if len(all) == 0 {
		return protocol.Array(protocol.SubscribeAck("Unsubscribe", "", 0)), nil
	}
	return protocol.Array(all...), nil
}

// Publish broadcasts PUBLISH to every shard and sums the per-shard
// delivery counts (SumFirst) into the single integer the client sees.
// Subscribe places a channel's subscribers on the shard its name hashes
// to, so all but one shard contribute zero — but broadcasting needs no
// routing decision and keeps publish correct even if channel placement
// ever changes.
func (d *Dispatcher) Publish(ctx context.Context, cmd command.Command) (protocol.Frame, error) {
	pub := command.Command{Verb: command.VerbPublish, Channel: cmd.Channel, Payload: cmd.Payload}
	resultsCh := make(chan dxOutcome, len(d.shards))
	for i, sh := range d.shards {
		i, sh := i, sh
		go func() {
			r, err := sh.Execute(ctx, store.Request{Cmd: pub})
			resultsCh <- dxOutcome{shard: i, reply: r, err: err}
		}()
	}
	counts := make([]int64, 0, len(d.shards))
	for range d.shards {
		out := <-resultsCh
		if out.err != nil {
			return protocol.Frame{}, out.err
		}
		counts = append(counts, out.reply.Numeric)
	}
	return SumFirst(counts), nil
}

// Teardown notifies every shard to drop subscriptions held by subID,
// called once when a connection closes. Best-effort: errors are ignored
// since the connection is already gone.
func (d *Dispatcher) Teardown(ctx context.Context, subID uint64) {
	for _, sh := range d.shards {
		_, _ = sh.Execute(ctx, store.Request{Teardown: true, SubID: subID})
	}
}
