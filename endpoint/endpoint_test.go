package endpoint

import (
	"context"
	"net"
	"testing"
	"time"

	"rap/conn"
	"rap/wire"
)

// startFakeServer accepts connections and answers every CLIENT_EVENT
// (declare/ping) with a canned body, enough to satisfy Transport.Connect
// and Transport.Ping without a real server package.
func startFakeServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go func(nc net.Conn) {
				sc := conn.WrapServer(nc)
				for frame := range sc.Frames() {
					if frame.MsgType == wire.ClientEvent {
						sc.Write(&wire.Frame{
							MsgType:       wire.ClientEvent,
							CorrelationID: frame.CorrelationID,
							Body:          map[string]any{"conn_id": "x", "mos": float64(5)},
						})
					}
				}
			}(nc)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func TestEndpointAddServerAndPick(t *testing.T) {
	addr, stop := startFakeServer(t)
	defer stop()

	ep := New(Config{MinPoolSize: 1, MaxPoolSize: 2})
	defer ep.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ep.AddServer(ctx, addr); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	if ep.ConnectedCount() != 1 {
		t.Fatalf("expected 1 connected transport, got %d", ep.ConnectedCount())
	}

	tr, err := ep.Pick(1)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if tr == nil || !tr.Available() {
		t.Fatal("expected an available transport")
	}
}

func TestEndpointPickWithNoServersFails(t *testing.T) {
	ep := New(Config{})
	defer ep.Close()
	if _, err := ep.Pick(1); err == nil {
		t.Fatal("expected an error with no servers registered")
	}
}

func TestEndpointPickPrivateCreatesDedicatedTransport(t *testing.T) {
	addr, stop := startFakeServer(t)
	defer stop()

	ep := New(Config{MinPoolSize: 1, MaxPoolSize: 2})
	defer ep.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ep.AddServer(ctx, addr); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	lease, err := ep.PickPrivate(ctx, "session-42")
	if err != nil {
		t.Fatalf("PickPrivate: %v", err)
	}
	if lease.Transport == nil {
		t.Fatal("expected a dedicated transport")
	}
	// The private transport must not be part of the shared group.
	if ep.ConnectedCount() != 1 {
		t.Fatalf("expected private lease to not join the shared pool, connected=%d", ep.ConnectedCount())
	}
	if err := lease.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestHashRingStableForSameKey(t *testing.T) {
	ring := newHashRing()
	ring.add("127.0.0.1:1")
	ring.add("127.0.0.1:2")
	ring.add("127.0.0.1:3")

	first, ok := ring.pick("user-123")
	if !ok {
		t.Fatal("expected a pick")
	}
	second, _ := ring.pick("user-123")
	if first != second {
		t.Fatalf("expected stable mapping for same key: %s vs %s", first, second)
	}
}

func TestHashRingRemove(t *testing.T) {
	ring := newHashRing()
	ring.add("a")
	ring.add("b")
	ring.remove("a")
	for i := 0; i < 20; i++ {
		host, ok := ring.pick("k")
		if !ok || host != "b" {
			t.Fatalf("expected only host b to remain, got %s", host)
		}
	}
}
