package channel

import (
	"context"
	"testing"
	"time"

	"rap/rpcerr"
	"rap/wire"
)

type fakeSender struct {
	sent []*wire.Frame
}

func (f *fakeSender) SendChannelFrame(correlationID uint16, header map[string]any, body any) error {
	f.sent = append(f.sent, &wire.Frame{
		MsgType:       wire.ChannelRequest,
		CorrelationID: correlationID,
		Header:        header,
		Body:          body,
	})
	return nil
}

func declareResponse() *wire.Frame {
	return &wire.Frame{
		MsgType: wire.ChannelResponse,
		Header:  map[string]any{wire.HeaderChannelLifeCycle: lifeCycleDeclare},
	}
}

func msgResponse(body any) *wire.Frame {
	return &wire.Frame{
		MsgType: wire.ChannelResponse,
		Header:  map[string]any{wire.HeaderChannelLifeCycle: lifeCycleMsg},
		Body:    body,
	}
}

func dropResponse() *wire.Frame {
	return &wire.Frame{
		MsgType: wire.ChannelResponse,
		Header:  map[string]any{wire.HeaderChannelLifeCycle: lifeCycleDrop},
	}
}

func TestChannelCreateThenReadWrite(t *testing.T) {
	queue := make(chan *wire.Frame, 4)
	sender := &fakeSender{}
	ch := New(1, "Echo/default/stream", sender, queue, nil)

	queue <- declareResponse()
	ctx := context.Background()
	if err := ch.Create(ctx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 declare frame sent, got %d", len(sender.sent))
	}
	if lc := sender.sent[0].Header[wire.HeaderChannelLifeCycle]; lc != lifeCycleDeclare {
		t.Fatalf("expected declare lifecycle, got %v", lc)
	}

	if err := ch.Write("hello"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(sender.sent) != 2 || sender.sent[1].Header[wire.HeaderChannelLifeCycle] != lifeCycleMsg {
		t.Fatalf("expected msg frame sent")
	}

	queue <- msgResponse("world")
	got, err := ch.Read(ctx)
	if err != nil || got != "world" {
		t.Fatalf("expected (world, nil), got (%v, %v)", got, err)
	}
}

func TestChannelReadAfterDropReturnsChannelError(t *testing.T) {
	queue := make(chan *wire.Frame, 4)
	sender := &fakeSender{}
	ch := New(1, "Echo/default/stream", sender, queue, nil)
	queue <- declareResponse()
	if err := ch.Create(context.Background()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	queue <- dropResponse()
	_, err := ch.Read(context.Background())
	rerr, ok := rpcerr.As(err)
	if !ok || rerr.Code != rpcerr.CodeChannelError {
		t.Fatalf("expected ChannelError, got %v", err)
	}
	if !ch.IsClosed() {
		t.Fatal("expected channel closed after drop")
	}
}

func TestChannelNextStopsOnDrop(t *testing.T) {
	queue := make(chan *wire.Frame, 4)
	sender := &fakeSender{}
	ch := New(1, "Echo/default/stream", sender, queue, nil)
	queue <- declareResponse()
	if err := ch.Create(context.Background()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	queue <- msgResponse(1)
	queue <- dropResponse()

	body, ok, err := ch.Next(context.Background())
	if err != nil || !ok || body != 1 {
		t.Fatalf("expected (1, true, nil), got (%v, %v, %v)", body, ok, err)
	}
	body, ok, err = ch.Next(context.Background())
	if err != nil || ok {
		t.Fatalf("expected (_, false, nil) on drop, got (%v, %v, %v)", body, ok, err)
	}
}

func TestChannelWriteAfterCloseFails(t *testing.T) {
	queue := make(chan *wire.Frame, 4)
	sender := &fakeSender{}
	ch := New(1, "Echo/default/stream", sender, queue, nil)
	queue <- declareResponse()
	if err := ch.Create(context.Background()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	close(queue)
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Write("x"); err == nil {
		t.Fatal("expected write after close to fail")
	}
	// Close is idempotent.
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
}

func TestChannelCloseReleasesCorrelationIDExactlyOnce(t *testing.T) {
	queue := make(chan *wire.Frame, 4)
	sender := &fakeSender{}
	var released []uint16
	ch := New(7, "Echo/default/stream", sender, queue, func(id uint16) { released = append(released, id) })
	queue <- declareResponse()
	if err := ch.Create(context.Background()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	close(queue)
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if len(released) != 1 || released[0] != 7 {
		t.Fatalf("expected onClose(7) exactly once, got %v", released)
	}
}

func TestChannelReadDropReleasesCorrelationID(t *testing.T) {
	queue := make(chan *wire.Frame, 4)
	sender := &fakeSender{}
	var released []uint16
	ch := New(9, "Echo/default/stream", sender, queue, func(id uint16) { released = append(released, id) })
	queue <- declareResponse()
	if err := ch.Create(context.Background()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	queue <- dropResponse()
	if _, err := ch.Read(context.Background()); err == nil {
		t.Fatal("expected read after drop to fail")
	}
	if len(released) != 1 || released[0] != 9 {
		t.Fatalf("expected onClose(9) from the drop path, got %v", released)
	}
	// Close afterward must not fire onClose a second time.
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(released) != 1 {
		t.Fatalf("expected onClose still called exactly once, got %v", released)
	}
}

func TestChannelCloseDrainsQueue(t *testing.T) {
	queue := make(chan *wire.Frame, 4)
	sender := &fakeSender{}
	ch := New(1, "Echo/default/stream", sender, queue, nil)
	queue <- declareResponse()
	if err := ch.Create(context.Background()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	queue <- msgResponse("leftover")
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(queue)
	}()
	start := time.Now()
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("Close should not block the full 3s when queue closes promptly")
	}
}
