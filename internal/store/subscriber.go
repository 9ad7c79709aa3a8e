package store

import (
	"sync/atomic"

	"shardkv/internal/metrics"
	"shardkv/internal/protocol"
)

// Subscriber is a connection's sink for messages published to channels it
// has subscribed to. One Subscriber is shared by every shard holding any of
// its subscriptions; total is the cross-shard channel count the subscribe
// ack reports, so it is only ever touched atomically. Closed is closed by
// the connection handler on teardown; a shard treats a closed subscriber as
// inactive and drops its record on the next delivery attempt.
type Subscriber struct {
	ID       uint64
	Outbound chan<- protocol.Frame
	Closed   <-chan struct{}

	total int64
}

// TotalChannels returns the subscriber's channel count summed across all
// shards.
func (s *Subscriber) TotalChannels() int64 { return atomic.LoadInt64(&s.total) }

func (s *Subscriber) addChannels(n int64) int64 { return atomic.AddInt64(&s.total, n) }

func (s *Subscriber) inactive() bool {
	select {
	case <-s.Closed:
		return true
	default:
		return false
	}
}

// subRecord is one subscriber's footprint on this shard: the shared
// Subscriber plus the channels it holds here.
type subRecord struct {
	sub      *Subscriber
	channels map[string]bool
}

// subState tracks the channel <-> subscriber bijection for the subset of
// channels this shard owns. Both directions are maintained so a connection
// teardown can unsubscribe from every channel it joined without a scan.
type subState struct {
	channels map[string]map[uint64]*Subscriber
	bySub    map[uint64]*subRecord
}

func newSubState() *subState {
	return &subState{
		channels: make(map[string]map[uint64]*Subscriber),
		bySub:    make(map[uint64]*subRecord),
	}
}

// add subscribes sub to channel and returns the subscriber's total channel
// count across all shards after the add. A duplicate add is a no-op and
// reports the unchanged total.
func (s *subState) add(channel string, sub *Subscriber) int64 {
	rec, ok := s.bySub[sub.ID]
	if !ok {
		rec = &subRecord{sub: sub, channels: make(map[string]bool)}
		s.bySub[sub.ID] = rec
	}
	if rec.channels[channel] {
		return sub.TotalChannels()
	}
	rec.channels[channel] = true

	subs, ok := s.channels[channel]
	if !ok {
		subs = make(map[uint64]*Subscriber)
		s.channels[channel] = subs
	}
	subs[sub.ID] = sub
	return sub.addChannels(1)
}

// remove unsubscribes subID from channel and returns its remaining channel
// count across all shards. It returns 0 when subID holds nothing on this
// shard, since no Subscriber is on record to read the counter from.
func (s *subState) remove(channel string, subID uint64) int64 {
	rec, ok := s.bySub[subID]
	if !ok {
		return 0
	}
	if !rec.channels[channel] {
		return rec.sub.TotalChannels()
	}
	delete(rec.channels, channel)
	if subs, ok := s.channels[channel]; ok {
		delete(subs, subID)
		if len(subs) == 0 {
			delete(s.channels, channel)
		}
	}
	total := rec.sub.addChannels(-1)
	if len(rec.channels) == 0 {
		delete(s.bySub, subID)
	}
	return total
}

// removedChannel records one channel dropped by removeAll together with the
// subscriber's cross-shard total right after that drop, which is what the
// per-channel unsubscribe ack reports.
type removedChannel struct {
	name  string
	total int64
}

// removeAll unsubscribes subID from every channel it joined on this shard.
func (s *subState) removeAll(subID uint64) []removedChannel {
	rec, ok := s.bySub[subID]
	if !ok {
		return nil
	}
	removed := make([]removedChannel, 0, len(rec.channels))
	for ch := range rec.channels {
		if subs, ok := s.channels[ch]; ok {
			delete(subs, subID)
			if len(subs) == 0 {
				delete(s.channels, ch)
			}
		}
		removed = append(removed, removedChannel{name: ch, total: rec.sub.addChannels(-1)})
	}
	delete(s.bySub, subID)
	return removed
}

// publish enqueues the delivery frame onto every live subscriber of channel
// and returns the number of successful enqueues. A subscriber whose
// connection has already closed is dropped from the shard's records; one
// that is merely slow (full buffer) keeps its subscriptions but misses this
// message, since a shard never blocks on a reader.
func (s *subState) publish(channel string, payload []byte) int {
	subs, ok := s.channels[channel]
	if !ok {
		return 0
	}
	frame := protocol.Message(channel, payload)
	delivered := 0
	var dead []uint64
	for id, sub := range subs {
		if sub.inactive() {
			dead = append(dead, id)
			continue
		}
		select {
		case sub.Outbound <- frame:
			delivered++
		default:
		}
	}
	for _, id := range dead {
		s.removeAll(id)
	}
	if delivered > 0 {
		metrics.PublishDeliveriesTotal.Add(float64(delivered))
	}
	return delivered
}
