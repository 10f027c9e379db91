package conn

import (
	"net"
	"testing"
	"time"

	"rap/wire"
)

func TestConnectionWriteReadRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan *wire.Frame, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		sc := WrapServer(nc)
		select {
		case f := <-sc.Frames():
			serverDone <- f
		case <-time.After(2 * time.Second):
		}
	}()

	cc, err := Dial("tcp", ln.Addr().String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cc.Close()

	frame := &wire.Frame{
		MsgType:       wire.MsgRequest,
		CorrelationID: 1,
		Header:        map[string]any{wire.HeaderTarget: "Arith/default/Add"},
		Body:          map[string]any{"a": int64(1)},
	}
	if err := cc.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-serverDone:
		if got.Target() != "Arith/default/Add" {
			t.Errorf("target mismatch: got %s", got.Target())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive frame")
	}
}

func TestConnectionCloseWakesReader(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		nc, err := ln.Accept()
		if err == nil {
			nc.Close()
		}
	}()

	cc, err := Dial("tcp", ln.Addr().String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	select {
	case <-cc.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("Closed() never fired after peer close")
	}

	cc.Close()
	if cc.Err() == nil {
		t.Fatal("expected a non-nil Err() after close")
	}
}
