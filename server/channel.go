package server

import (
	"context"
	"sync"

	"rap/rpcerr"
	"rap/wire"
)

// ChannelHandlerFunc implements a registered channel-kind target on the
// server side. It runs in its own goroutine for the lifetime of the stream
// (spec §4.4 "server-side mirror": "invokes the registered channel function
// in a background task").
type ChannelHandlerFunc func(ctx context.Context, ch *ServerChannel) error

// ServerChannel is the server-side mirror of channel.Channel (spec §4.4):
// it shares the correlation id of the originating DECLARE request, reads
// client MSG frames off a bounded queue the dispatcher feeds, and writes
// CHANNEL_RESPONSE MSG frames back through the owning connection.
type ServerChannel struct {
	correlationID uint16
	target        string
	incoming      chan *wire.Frame
	writeFrame    func(f *wire.Frame) error

	mu     sync.Mutex
	closed bool
}

func newServerChannel(corrID uint16, target string, writeFrame func(f *wire.Frame) error) *ServerChannel {
	return &ServerChannel{
		correlationID: corrID,
		target:        target,
		incoming:      make(chan *wire.Frame, channelQueueDepth),
		writeFrame:    writeFrame,
	}
}

// CorrelationID returns the shared correlation id.
func (sc *ServerChannel) CorrelationID() uint16 { return sc.correlationID }

// enqueue feeds an incoming CHANNEL_REQUEST frame (MSG or DROP) to the
// handler goroutine; called only from the connection dispatcher. A channel
// already closed locally (by a prior DROP, overflow, or handler Close) drops
// the frame instead of sending on the closed incoming channel.
func (sc *ServerChannel) enqueue(f *wire.Frame) {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	select {
	case sc.incoming <- f:
		sc.mu.Unlock()
	default:
		// Backpressure: the handler isn't draining fast enough. Drop the
		// frame, close locally, and tell the client so it stops writing
		// instead of hanging on its own drain timeout (spec §4.3 "the
		// channel is closed with backpressure error").
		sc.mu.Unlock()
		sc.closeLocal(true)
	}
}

// Read pops the next client MSG body, or returns ChannelError("recv drop
// event") once the client sends DROP (spec §4.4).
func (sc *ServerChannel) Read(ctx context.Context) (any, error) {
	select {
	case f, ok := <-sc.incoming:
		if !ok {
			return nil, rpcerr.NewChannelError("channel closed")
		}
		lc, _ := f.Header[wire.HeaderChannelLifeCycle].(string)
		switch lc {
		case lifeCycleMsg:
			return f.Body, nil
		case lifeCycleDrop:
			// Acknowledge the client's DROP with one of our own so its
			// Close() drain loop sees the bounce-back immediately rather
			// than idling out its 3s timeout.
			sc.closeLocal(true)
			return nil, rpcerr.NewChannelError("recv drop event")
		default:
			return nil, rpcerr.NewChannelError("unexpected channel_life_cycle " + lc)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write emits a CHANNEL_RESPONSE with life_cycle=MSG carrying body.
func (sc *ServerChannel) Write(body any) error {
	sc.mu.Lock()
	closed := sc.closed
	sc.mu.Unlock()
	if closed {
		return rpcerr.NewChannelError("channel is closed")
	}
	return sc.writeFrame(&wire.Frame{
		MsgType:       wire.ChannelResponse,
		CorrelationID: sc.correlationID,
		Header:        map[string]any{wire.HeaderChannelLifeCycle: lifeCycleMsg},
		Body:          body,
	})
}

// closeLocal marks the channel closed and drains future enqueues. When ack
// is true it also writes a CHANNEL_RESPONSE DROP back to the client — used
// both when the server notices backpressure and when it's reacting to the
// client's own DROP, so the client's Close() drain loop sees the bounce-back
// promptly instead of idling out its own timeout. Idempotent: a channel
// already closed (by either path) is a no-op.
func (sc *ServerChannel) closeLocal(ack bool) {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	sc.closed = true
	close(sc.incoming)
	sc.mu.Unlock()
	if ack {
		sc.writeFrame(&wire.Frame{
			MsgType:       wire.ChannelResponse,
			CorrelationID: sc.correlationID,
			Header:        map[string]any{wire.HeaderChannelLifeCycle: lifeCycleDrop},
		})
	}
}

// Close emits a DROP back to the client and marks the channel closed. A
// handler that finishes on its own terms (rather than in response to a
// client DROP) calls this to signal clean termination; it is idempotent, so
// the dispatcher's unconditional cleanup call after a handler returns never
// double-sends when closeLocal already handled it.
func (sc *ServerChannel) Close() error {
	sc.closeLocal(true)
	return nil
}

const (
	lifeCycleDeclare = "declare"
	lifeCycleMsg     = "msg"
	lifeCycleDrop    = "drop"
)
