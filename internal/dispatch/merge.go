package dispatch

import "shardkv/internal/protocol"

// FragmentResult pairs one shard's reply items with the original request
// indices they belong to, so a traverse command's fan-out can be merged
// back into request order regardless of which shard answered first.
type FragmentResult struct {
	Indices []int
	Items   []protocol.Frame
}

// Reorder scatters each fragment's items back into their original request
// positions. Used by MGET and multi-channel SUBSCRIBE/UNSUBSCRIBE, where
// every original element gets exactly one reply element back.
func Reorder(total int, fragments []FragmentResult) protocol.Frame {
	out := make([]protocol.Frame, total)
	for _, fr := range fragments {
		for j, idx := range fr.Indices {
			out[idx] = fr.Items[j]
		}
	}
	return protocol.Array(out...)
}

// KeepFirst picks a single representative frame out of a set of equivalent
// per-shard replies. Used for broadcast-style commands (DX shutdown) where
// every shard performs the same side effect and any one OK confirms it.
func KeepFirst(frames []protocol.Frame) protocol.Frame {
	if len(frames) == 0 {
		return protocol.OK()
	}
	return frames[0]
}

// SumFirst adds one integer contributed by each shard into a single total.
// Used by the PUBLISH fan-out, where each shard reports how many
// subscribers it notified and the client sees the overall count.
func SumFirst(values []int64) protocol.Frame {
	var total int64
	for _, v := range values {
		total += v
	}
	return protocol.Int(total)
}
