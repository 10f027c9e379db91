// Package channel implements the client-side bidirectional streaming
// Channel from spec §4.4, porting rap/client/transoprt/channel.py's
// create/read/write/close lifecycle. The teacher has no streaming concept
// at all (every call is request/response); this is new.
package channel

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"rap/rpcerr"
	"rap/wire"
)

// lifeCycle values for the channel_life_cycle header, spec §4.4.
const (
	lifeCycleDeclare = "declare"
	lifeCycleMsg     = "msg"
	lifeCycleDrop    = "drop"
)

// state is the channel's local view of its 3-state lifecycle:
// none -> declare -> msg* -> drop -> closed.
type state int

const (
	stateNone state = iota
	stateOpen
	stateClosed
)

// Sender is the write side the Channel uses to emit frames back through
// its owning transport, keeping Channel itself transport-agnostic.
type Sender interface {
	SendChannelFrame(correlationID uint16, header map[string]any, body any) error
}

// Channel is a bidirectional stream sharing one correlation id with its
// originating DECLARE lifecycle request (spec §4.4, §3).
type Channel struct {
	correlationID uint16
	target        string
	sender        Sender
	queue         chan *wire.Frame
	state         state
	onClose       func(uint16)
	closeOnce     sync.Once
}

// New constructs a channel bound to correlationID and target, with queue as
// the bounded FIFO the owning transport installed for this correlation id
// (spec §4.3's "installs a bounded FIFO queue on it"). onClose, if non-nil,
// is invoked once when the channel finishes closing so the owning transport
// can release the correlation id from its pending table.
func New(correlationID uint16, target string, sender Sender, queue chan *wire.Frame, onClose func(uint16)) *Channel {
	return &Channel{correlationID: correlationID, target: target, sender: sender, queue: queue, state: stateNone, onClose: onClose}
}

// CorrelationID returns the channel's shared correlation id.
func (c *Channel) CorrelationID() uint16 { return c.correlationID }

// Create writes CHANNEL_REQUEST/DECLARE and awaits the DECLARE
// CHANNEL_RESPONSE, per spec §4.4 "Create (client side)".
func (c *Channel) Create(ctx context.Context) error {
	if c.state != stateNone {
		return rpcerr.NewChannelError("channel already created")
	}
	if err := c.sender.SendChannelFrame(c.correlationID, map[string]any{
		wire.HeaderTarget:           c.target,
		wire.HeaderChannelLifeCycle: lifeCycleDeclare,
	}, nil); err != nil {
		return err
	}

	select {
	case frame, ok := <-c.queue:
		if !ok {
			return rpcerr.ErrCloseConn
		}
		if lc, _ := frame.Header[wire.HeaderChannelLifeCycle].(string); lc != lifeCycleDeclare {
			return rpcerr.NewChannelError("expected declare response")
		}
		c.state = stateOpen
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read pops the next entry from the channel queue. A DROP entry closes the
// channel locally and fails with ChannelError("recv drop event"); any other
// non-MSG lifecycle value in the middle of the stream is a protocol
// violation (spec §4.4 "Read").
func (c *Channel) Read(ctx context.Context) (any, error) {
	if c.state != stateOpen {
		return nil, rpcerr.NewChannelError("channel is closed")
	}
	select {
	case frame, ok := <-c.queue:
		if !ok {
			c.state = stateClosed
			c.markClosed()
			return nil, rpcerr.ErrCloseConn
		}
		lc, _ := frame.Header[wire.HeaderChannelLifeCycle].(string)
		switch lc {
		case lifeCycleMsg:
			return frame.Body, nil
		case lifeCycleDrop:
			c.state = stateClosed
			c.markClosed()
			return nil, rpcerr.NewChannelError("recv drop event")
		default:
			return nil, rpcerr.NewChannelError(fmt.Sprintf("unexpected channel_life_cycle %q", lc))
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write emits a CHANNEL_REQUEST with life_cycle=MSG. Fails with
// ChannelError if the channel is closed (spec §4.4 "Write").
func (c *Channel) Write(body any) error {
	if c.state != stateOpen {
		return rpcerr.NewChannelError("channel is closed")
	}
	return c.sender.SendChannelFrame(c.correlationID, map[string]any{
		wire.HeaderTarget:           c.target,
		wire.HeaderChannelLifeCycle: lifeCycleMsg,
	}, body)
}

// Close emits life_cycle=DROP, then drains incoming frames until the peer's
// DROP arrives or the queue closes, for up to 3 seconds, logging a warning on
// timeout. Close is idempotent (spec §4.4 "Close").
func (c *Channel) Close() error {
	if c.state == stateClosed {
		return nil
	}
	closing := c.state == stateOpen
	c.state = stateClosed
	defer c.markClosed()
	if !closing {
		return nil
	}
	if err := c.sender.SendChannelFrame(c.correlationID, map[string]any{
		wire.HeaderTarget:           c.target,
		wire.HeaderChannelLifeCycle: lifeCycleDrop,
	}, nil); err != nil {
		return err
	}

	deadline := time.NewTimer(3 * time.Second)
	defer deadline.Stop()
	for {
		select {
		case frame, ok := <-c.queue:
			if !ok {
				return nil
			}
			if lc, _ := frame.Header[wire.HeaderChannelLifeCycle].(string); lc == lifeCycleDrop {
				return nil
			}
		case <-deadline.C:
			log.Printf("channel: close of correlation id %d timed out draining after 3s", c.correlationID)
			return nil
		}
	}
}

// IsClosed reports whether the channel has terminated.
func (c *Channel) IsClosed() bool { return c.state == stateClosed }

// markClosed releases the correlation id with the owning transport exactly
// once, regardless of which path (Read's DROP, queue closure, or an explicit
// Close) first drove the channel into stateClosed.
func (c *Channel) markClosed() {
	c.closeOnce.Do(func() {
		if c.onClose != nil {
			c.onClose(c.correlationID)
		}
	})
}

// Next implements the "restartable finite lazy sequence of bodies" from
// spec §4.4: iteration yields bodies until DROP or a remote error, at which
// point ok is false.
func (c *Channel) Next(ctx context.Context) (body any, ok bool, err error) {
	body, err = c.Read(ctx)
	if err != nil {
		if rerr, is := rpcerr.As(err); is && rerr.Code == rpcerr.CodeChannelError {
			return nil, false, nil
		}
		return nil, false, err
	}
	return body, true, nil
}
