package server

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"shardkv/internal/command"
	"shardkv/internal/dispatch"
	"shardkv/internal/metrics"
	"shardkv/internal/protocol"
	"shardkv/internal/store"
)

// connHandler owns one connection's protocol state machine: a reader that
// decodes frames and dispatches commands, and a writer goroutine that
// serializes both command replies and pub/sub pushes onto the same socket.
type connHandler struct {
	conn       net.Conn
	dispatcher *dispatch.Dispatcher
	logger     zerolog.Logger
	subID      uint64
	sub        *store.Subscriber
	limiter    *rate.Limiter
	cfg        Config
	trigger    func()
	markClosed func()

	subscribedChannels map[string]bool
}

func (h *connHandler) run(ctx context.Context) {
	h.subscribedChannels = make(map[string]bool)

	outbound := make(chan protocol.Frame, h.cfg.OutboundCapacity)
	closed := make(chan struct{})
	h.markClosed = func() { close(closed) }
	h.sub = &store.Subscriber{ID: h.subID, Outbound: outbound, Closed: closed}

	writerDone := make(chan struct{})
	go h.writeLoop(outbound, writerDone)

	// A handler parked in a socket read can't select on ctx, so shutdown
	// pokes the read deadline instead: the blocked read fails immediately
	// and the loop exits through its normal error path.
	stopAfter := context.AfterFunc(ctx, func() {
		h.conn.SetReadDeadline(time.Now())
	})
	defer stopAfter()

	// Teardown order matters: the shards must drop this subscriber before
	// outbound is closed, or a concurrent publish could send on a closed
	// channel from inside a shard's event loop.
	defer func() {
		h.teardown()
		close(outbound)
		<-writerDone
		h.conn.Close()
	}()

	buf := protocol.NewBuffer(h.cfg.ReadBufferBytes)
	dec := protocol.NewDecoder()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, outcome, err := dec.Decode(buf)
		if err != nil {
			h.logger.Warn().Err(err).Msg("closing connection: malformed frame")
			return
		}

		switch outcome {
		case protocol.Incomplete:
			if h.cfg.IdleTimeout > 0 {
				h.conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
			}
			n, rerr := buf.ReadFrom(h.conn)
			if n == 0 && rerr != nil {
				if buf.Len() > 0 {
					h.logger.Warn().Err(rerr).Msg("connection closed mid-frame")
				} else {
					h.logger.Debug().Msg("connection closed")
				}
				return
			}
		case protocol.Complete:
			if !h.limiter.Allow() {
				metrics.RateLimitedTotal.Inc()
				h.reply(ctx, outbound, protocol.Err(rateLimitExceeded))
				continue
			}
			h.handleFrame(ctx, frame, outbound)
		}
	}
}

func (h *connHandler) handleFrame(ctx context.Context, frame protocol.Frame, outbound chan<- protocol.Frame) {
	cmd, err := command.Parse(frame)
	if err != nil {
		h.reply(ctx, outbound, protocol.Err(err.Error()))
		return
	}

	if len(h.subscribedChannels) > 0 && cmd.Category != command.HoldOn {
		h.reply(ctx, outbound, protocol.Err(notAllowedWhileSubscribed))
		return
	}

	start := time.Now()
	verb := command.Name(cmd.Verb)
	defer func() {
		metrics.CommandsTotal.WithLabelValues(verb).Inc()
		metrics.CommandLatencySeconds.WithLabelValues(verb).Observe(time.Since(start).Seconds())
	}()

	switch cmd.Category {
	case command.Zeroshot:
		h.handleZeroshot(ctx, cmd, outbound)
	case command.Oneshot:
		reply, err := h.dispatcher.Oneshot(ctx, *cmd)
		h.replyOrErr(ctx, outbound, reply, err)
	case command.Traverse:
		h.handleTraverse(ctx, cmd, outbound)
	case command.HoldOn:
		h.handleHoldOn(ctx, cmd, outbound)
	}
}

func (h *connHandler) handleZeroshot(ctx context.Context, cmd *command.Command, outbound chan<- protocol.Frame) {
	switch cmd.Verb {
	case command.VerbPing:
		h.reply(ctx, outbound, protocol.Pong())
	case command.VerbShutdown:
		if h.trigger != nil {
			h.trigger()
		}
		h.reply(ctx, outbound, protocol.OK())
	}
}

func (h *connHandler) handleTraverse(ctx context.Context, cmd *command.Command, outbound chan<- protocol.Frame) {
	var reply protocol.Frame
	var err error
	switch cmd.Verb {
	case command.VerbMget:
		reply, err = h.dispatcher.Mget(ctx, *cmd)
	case command.VerbMset:
		reply, err = h.dispatcher.Mset(ctx, *cmd)
	case command.VerbDX:
		reply, err = h.dispatcher.DX(ctx, *cmd)
	}
	h.replyOrErr(ctx, outbound, reply, err)
}

func (h *connHandler) handleHoldOn(ctx context.Context, cmd *command.Command, outbound chan<- protocol.Frame) {
	wasSubscribed := len(h.subscribedChannels) > 0
	switch cmd.Verb {
	case command.VerbSubscribe:
		reply, err := h.dispatcher.Subscribe(ctx, *cmd, h.sub)
		if err == nil {
			for _, ch := range cmd.Channels {
				h.subscribedChannels[ch] = true
			}
		}
		h.replyAcks(ctx, outbound, reply, err)
	case command.VerbUnsubscribe:
		reply, err := h.dispatcher.Unsubscribe(ctx, *cmd, h.sub)
		if err == nil {
			if len(cmd.Channels) == 0 {
				h.subscribedChannels = make(map[string]bool)
			} else {
				for _, ch := range cmd.Channels {
					delete(h.subscribedChannels, ch)
				}
			}
		}
		h.replyAcks(ctx, outbound, reply, err)
	case command.VerbPublish:
		reply, err := h.dispatcher.Publish(ctx, *cmd)
		h.replyOrErr(ctx, outbound, reply, err)
		return
	}
	isSubscribed := len(h.subscribedChannels) > 0
	if !wasSubscribed && isSubscribed {
		metrics.SubscribersActive.Inc()
	} else if wasSubscribed && !isSubscribed {
		metrics.SubscribersActive.Dec()
	}
}

func (h *connHandler) reply(ctx context.Context, outbound chan<- protocol.Frame, f protocol.Frame) {
	select {
	case outbound <- f:
	case <-ctx.Done():
	}
}

// replyAcks flattens a merged subscribe/unsubscribe reply into consecutive
// top-level frames, one three-element ack per channel, which is how the
// wire protocol presents multi-channel acknowledgements.
func (h *connHandler) replyAcks(ctx context.Context, outbound chan<- protocol.Frame, merged protocol.Frame, err error) {
	if err != nil {
		h.reply(ctx, outbound, protocol.Err("ERR "+err.Error()))
		return
	}
	for _, ack := range merged.Items {
		h.reply(ctx, outbound, ack)
	}
}

func (h *connHandler) replyOrErr(ctx context.Context, outbound chan<- protocol.Frame, f protocol.Frame, err error) {
	if err != nil {
		h.reply(ctx, outbound, protocol.Err("ERR "+err.Error()))
		return
	}
	h.reply(ctx, outbound, f)
}

func (h *connHandler) writeLoop(outbound <-chan protocol.Frame, done chan<- struct{}) {
	defer close(done)
	for f := range outbound {
		chunks, err := protocol.Encode(f)
		if err != nil {
			h.logger.Error().Err(err).Msg("encode failed")
			continue
		}
		buf := net.Buffers(chunks)
		if _, err := buf.WriteTo(h.conn); err != nil {
			h.logger.Debug().Err(err).Msg("write failed, closing connection")
			h.conn.Close()
			return
		}
	}
}

func (h *connHandler) teardown() {
	tctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if len(h.subscribedChannels) > 0 {
		metrics.SubscribersActive.Dec()
	}
	if h.markClosed != nil {
		h.markClosed()
	}
	h.dispatcher.Teardown(tctx, h.subID)
}

func writeCapacityRejection(conn net.Conn) {
	chunks, err := protocol.Encode(protocol.Err(atCapacity))
	if err != nil {
		return
	}
	buf := net.Buffers(chunks)
	_, _ = buf.WriteTo(conn)
}
