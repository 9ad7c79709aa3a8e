package server

import "github.com/rs/zerolog"

// ConnSlots is a non-blocking counting semaphore bounding the number of
// concurrently open connections, so a connection storm degrades into
// rejected accepts rather than unbounded goroutine and memory growth.
type ConnSlots struct {
	slots  chan struct{}
	logger zerolog.Logger
}

func NewConnSlots(max int, logger zerolog.Logger) *ConnSlots {
	s := &ConnSlots{slots: make(chan struct{}, max), logger: logger}
	for i := 0; i < max; i++ {
		s.slots <- struct{}{}
	}
	return s
}

// TryAcquire reserves one slot without blocking. False means the server is
// at its configured connection capacity.
func (s *ConnSlots) TryAcquire() bool {
	select {
	case <-s.slots:
		return true
	default:
		return false
	}
}

// Release returns a slot to the pool. Called exactly once per successful
// TryAcquire, when that connection closes.
func (s *ConnSlots) Release() {
	select {
	case s.slots <- struct{}{}:
	default:
		s.logger.Error().Msg("released a connection slot but the slot pool is already full")
	}
}

// Available reports how many connection slots are currently free.
func (s *ConnSlots) Available() int { return len(s.slots) }
