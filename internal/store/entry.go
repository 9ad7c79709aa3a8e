package store

// entry is one stored value. Seq identifies which scheduled expiration (if
// any) currently applies to this key; it lets the reaper recognize a heap
// item as a ghost once the key has been overwritten or deleted without
// having to remove that item from the heap up front.
type entry struct {
	value    []byte
	expireAt int64 // unix nanoseconds; zero means no expiration
	seq      uint64
}

func (e entry) hasExpiry() bool { return e.expireAt != 0 }
