// Package server implements the rap server dispatcher from spec §4.7:
// accept loop, per-connection frame dispatch, a target registry keyed by
// "<server>/<group>/<func>", channel handshake, and the processor chain
// applied to MSG_REQUEST handling and its response (channel frames and
// CLIENT_EVENT replies are written without passing through the chain). It
// generalizes the teacher's Server
// (reflection-based Service/Method registry, Use/Register/Serve/Shutdown
// shape, per-connection write mutex) from a fixed RPCMessage request/reply
// model to the spec's 4-tuple wire.Frame with correlation-id multiplexing
// and streaming channels.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"rap/conn"
	"rap/corrid"
	"rap/processor"
	"rap/rpcerr"
	"rap/wire"
)

const (
	channelQueueDepth = 64
	defaultKeepAlive  = 1200 * time.Second
)

// Kind distinguishes a unary target from a streaming one (spec §3 "Function
// registry").
type Kind int

const (
	KindNormal Kind = iota
	KindChannel
)

// FuncHandler implements a normal-kind target registered directly (not via
// a reflected struct method), matching spec §9's "explicit register(target,
// kind, handler) call" replacing decorator-style registration.
type FuncHandler func(ctx context.Context, args any) (any, error)

type funcEntry struct {
	kind    Kind
	fn      FuncHandler
	channel ChannelHandlerFunc
}

// Server is the rap server: a target registry, an optional processor chain,
// and an accept loop dispatching frames to registered handlers.
type Server struct {
	mu    sync.RWMutex
	funcs map[string]*funcEntry
	chain *processor.Chain

	KeepAlive time.Duration
	TLSConfig *conn.TLSConfig

	listener net.Listener
	shutdown atomic.Bool
	wg       sync.WaitGroup
	connSeq  uint64
}

// NewServer constructs a server with an empty target registry and the given
// processor chain (pass nil for none).
func NewServer(chain *processor.Chain) *Server {
	if chain == nil {
		chain = processor.NewChain()
	}
	return &Server{funcs: make(map[string]*funcEntry), chain: chain, KeepAlive: defaultKeepAlive}
}

// Register installs a normal-kind handler at "<serverName>/<group>/<name>".
// Registration fails if the target already exists (spec §3 "Registration
// fails if the target exists").
func (s *Server) Register(serverName, group, name string, fn FuncHandler) error {
	return s.insert(target(serverName, group, name), &funcEntry{kind: KindNormal, fn: fn})
}

// RegisterChannel installs a channel-kind handler.
func (s *Server) RegisterChannel(serverName, group, name string, fn ChannelHandlerFunc) error {
	return s.insert(target(serverName, group, name), &funcEntry{kind: KindChannel, channel: fn})
}

// RegisterService scans rcvr's exported methods for the
// func(*Args, *Reply) error convention (teacher's reflection-based
// registry, kept verbatim in service.go) and registers each one as a
// normal-kind target "<StructName>/<group>/<MethodName>".
func (s *Server) RegisterService(group string, rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	if len(svc.method) == 0 {
		return fmt.Errorf("rap: %T exposes no RPC-compatible methods", rcvr)
	}
	for name, m := range svc.method {
		m := m
		handler := func(_ context.Context, args any) (any, error) {
			return m.call(svc, args)
		}
		if err := s.insert(target(svc.name, group, name), &funcEntry{kind: KindNormal, fn: handler}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) insert(tgt string, entry *funcEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.funcs[tgt]; exists {
		return rpcerr.NewRegisteredError(tgt)
	}
	s.funcs[tgt] = entry
	return nil
}

func (s *Server) lookup(tgt string) (*funcEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.funcs[tgt]
	return e, ok
}

func target(serverName, group, name string) string {
	if group == "" {
		group = wire.DefaultGroup
	}
	return serverName + "/" + group + "/" + name
}

// Serve listens on addr and runs the accept loop, spawning one goroutine
// per accepted connection (spec §4.7 "one accept loop; one reader task per
// connection").
func (s *Server) Serve(network, addr string) error {
	ln, err := conn.Listen(network, addr, s.TLSConfig)
	if err != nil {
		return err
	}
	s.listener = ln
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		go s.handleConn(nc)
	}
}

// Shutdown stops accepting new connections and waits up to timeout for
// in-flight request goroutines to finish.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("rap: timeout waiting for in-flight requests to finish")
	}
}

// connState tracks the per-connection registry of active server channels
// and serializes outbound writes, since conn.Connection itself does not
// (spec §4.2: "serialization ownership lives in the transport", mirrored
// here as "lives in the dispatcher").
type connState struct {
	id       string
	c        *conn.Connection
	writeMu  sync.Mutex
	chansMu  sync.Mutex
	channels map[uint16]*ServerChannel
}

func (cs *connState) writeFrame(f *wire.Frame) error {
	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()
	return cs.c.Write(f)
}

// handleConn reads frames under a keep_alive deadline and dispatches each to
// its own goroutine, so a slow handler never blocks other in-flight requests
// on the same connection (spec §4.7 steps 2-4). CHANNEL_REQUEST frames are
// the exception: they're routed synchronously, in read order, because
// spec §5's per-correlation-id channel ordering ("server channel writes from
// a single handler are ordered") depends on MSG/DROP frames reaching
// ServerChannel.enqueue in the order the client sent them — a goroutine per
// frame gives no such guarantee. Routing is cheap (a non-blocking channel
// send or, for DECLARE, one frame write before the handler goroutine
// spawns), so it doesn't block the read loop meaningfully.
func (s *Server) handleConn(nc net.Conn) {
	c := conn.WrapServer(nc)
	defer c.Close()

	cs := &connState{
		id:       fmt.Sprintf("conn-%d", atomic.AddUint64(&s.connSeq, 1)),
		c:        c,
		channels: make(map[uint16]*ServerChannel),
	}

	keepAlive := s.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	timer := time.NewTimer(keepAlive)
	defer timer.Stop()

	for {
		select {
		case frame, ok := <-c.Frames():
			if !ok {
				return
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(keepAlive)

			if frame.MsgType == wire.ChannelRequest {
				s.dispatch(cs, frame)
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.dispatch(cs, frame)
			}()
		case <-timer.C:
			return
		}
	}
}

// dispatch routes one inbound frame per spec §4.7 step 4.
func (s *Server) dispatch(cs *connState, frame *wire.Frame) {
	switch frame.MsgType {
	case wire.ClientEvent:
		s.handleClientEvent(cs, frame)
	case wire.MsgRequest:
		s.handleMsgRequest(cs, frame)
	case wire.ChannelRequest:
		s.handleChannelRequest(cs, frame)
	default:
		// Spec §4.7 step 3: an unknown msg_type gets a ProtocolError response
		// and the connection is closed — this client is speaking a protocol
		// we don't recognize, so nothing else on this socket can be trusted.
		cs.writeFrame(&wire.Frame{
			MsgType:       wire.ServerErrorResponse,
			CorrelationID: frame.CorrelationID,
			Header:        map[string]any{wire.HeaderStatusCode: int64(rpcerr.CodeProtocolError)},
			Body:          map[string]any{"exc_name": "ProtocolError", "exc_info": fmt.Sprintf("unknown msg_type %d", frame.MsgType)},
		})
		cs.c.Close()
	}
}

func (s *Server) handleClientEvent(cs *connState, frame *wire.Frame) {
	switch eventName(frame.Target()) {
	case wire.EventDeclare:
		cs.writeFrame(&wire.Frame{
			MsgType:       wire.ClientEvent,
			CorrelationID: frame.CorrelationID,
			Header:        map[string]any{wire.HeaderTarget: frame.Target()},
			Body:          map[string]any{"result": true, "conn_id": cs.id},
		})
	case wire.EventPing:
		cs.writeFrame(&wire.Frame{
			MsgType:       wire.ClientEvent,
			CorrelationID: frame.CorrelationID,
			Header:        map[string]any{wire.HeaderTarget: frame.Target()},
			Body:          map[string]any{"mos": 5.0},
		})
	default:
		log.Printf("server: unrouted client event %q", frame.Target())
	}
}

func eventName(tgt string) string {
	const prefix = "/_event/"
	if len(tgt) > len(prefix) && tgt[:len(prefix)] == prefix {
		return tgt[len(prefix):]
	}
	return tgt
}

// handleMsgRequest implements spec §4.7's MSG_REQUEST branch: lookup,
// argument binding, invocation, and conversion of handler errors into
// SERVER_ERROR_RESPONSE, with deadline propagation and the processor chain
// applied to the outbound frame.
func (s *Server) handleMsgRequest(cs *connState, frame *wire.Frame) {
	tgt := frame.Target()
	ctx, cancel := s.deadlineContext(frame)
	defer cancel()

	req := &processor.Request{Target: tgt, CorrelationID: frame.CorrelationID, Header: frame.Header, Body: frame.Body}
	req, err := s.chain.ProcessRequest(ctx, req)

	var body any
	if err == nil {
		entry, ok := s.lookup(tgt)
		switch {
		case !ok:
			err = rpcerr.NewFuncNotFoundError(tgt)
		case entry.kind != KindNormal:
			err = rpcerr.NewLifeCycleError(tgt + " is a channel target")
		default:
			body, err = s.invoke(ctx, entry.fn, req.Body)
		}
	}

	var resp *processor.Response
	if err == nil {
		resp = &processor.Response{Target: tgt, CorrelationID: frame.CorrelationID, Header: map[string]any{}, Body: map[string]any{"result": body}}
		resp, err = s.chain.ProcessResponse(ctx, resp)
	}
	if err != nil {
		resp, err = s.chain.ProcessException(ctx, &processor.Response{Target: tgt, CorrelationID: frame.CorrelationID}, err)
	}

	cs.writeFrame(s.responseFrame(frame.CorrelationID, tgt, resp, err))
}

// invoke calls fn, recovering a panic so one bad handler can't take the
// whole accept loop down with it. The recovered value's own type (e.g. a
// panic(err) with a typed err, or a runtime error like "integer divide by
// zero") becomes the reported exc_name via asRapError, rather than a fixed
// RpcRunTimeError label, so the client observes the handler's real failure.
func (s *Server) invoke(ctx context.Context, fn FuncHandler, args any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if rerr, ok := r.(error); ok {
				err = rerr
			} else {
				err = fmt.Errorf("panic: %v", r)
			}
		}
	}()
	return fn(ctx, args)
}

func (s *Server) responseFrame(corrID uint16, tgt string, resp *processor.Response, err error) *wire.Frame {
	if err != nil {
		rerr := asRapError(err)
		return &wire.Frame{
			MsgType:       wire.ServerErrorResponse,
			CorrelationID: corrID,
			Header:        map[string]any{wire.HeaderTarget: tgt, wire.HeaderStatusCode: int64(rerr.Code)},
			Body:          map[string]any{"exc_name": rerr.Name, "exc_info": rerr.Error()},
		}
	}
	header := resp.Header
	if header == nil {
		header = map[string]any{}
	}
	header[wire.HeaderTarget] = tgt
	return &wire.Frame{MsgType: wire.MsgResponse, CorrelationID: corrID, Header: header, Body: resp.Body}
}

// asRapError converts any error into the typed form SERVER_ERROR_RESPONSE
// carries. An error that's already *rpcerr.Error keeps its own status code
// and name; anything else still status-codes as RpcRunTimeError, but reports
// its own Go type as exc_name (e.g. "*errors.errorString", or a concrete
// handler-defined error type) instead of a fixed label, so the client
// observes what the handler actually raised.
func asRapError(err error) *rpcerr.Error {
	if rerr, ok := rpcerr.As(err); ok {
		return rerr
	}
	return &rpcerr.Error{
		Code:    rpcerr.CodeRpcRunTimeError,
		Name:    reflect.TypeOf(err).String(),
		Message: err.Error(),
	}
}

// handleChannelRequest implements spec §4.7's CHANNEL_REQUEST branch: a
// DECLARE spawns a background handler goroutine bound to a fresh
// ServerChannel; MSG/DROP enqueue into the existing one.
func (s *Server) handleChannelRequest(cs *connState, frame *wire.Frame) {
	lc, _ := frame.Header[wire.HeaderChannelLifeCycle].(string)

	cs.chansMu.Lock()
	sch, exists := cs.channels[frame.CorrelationID]
	cs.chansMu.Unlock()

	if lc != lifeCycleDeclare {
		if !exists {
			log.Printf("server: channel frame for unknown correlation id %d", frame.CorrelationID)
			return
		}
		sch.enqueue(frame)
		return
	}

	tgt := frame.Target()
	entry, ok := s.lookup(tgt)
	if !ok || entry.kind != KindChannel {
		cs.writeFrame(&wire.Frame{
			MsgType:       wire.ServerErrorResponse,
			CorrelationID: frame.CorrelationID,
			Header:        map[string]any{wire.HeaderTarget: tgt, wire.HeaderStatusCode: int64(rpcerr.CodeFuncNotFoundError)},
			Body:          map[string]any{"exc_name": "FuncNotFoundError", "exc_info": tgt},
		})
		return
	}

	sch = newServerChannel(frame.CorrelationID, tgt, cs.writeFrame)
	cs.chansMu.Lock()
	cs.channels[frame.CorrelationID] = sch
	cs.chansMu.Unlock()

	if err := cs.writeFrame(&wire.Frame{
		MsgType:       wire.ChannelResponse,
		CorrelationID: frame.CorrelationID,
		Header:        map[string]any{wire.HeaderTarget: tgt, wire.HeaderChannelLifeCycle: lifeCycleDeclare},
	}); err != nil {
		return
	}

	ctx, cancel := s.deadlineContext(frame)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer func() {
			cs.chansMu.Lock()
			delete(cs.channels, frame.CorrelationID)
			cs.chansMu.Unlock()
			sch.Close()
		}()
		if err := s.runChannel(ctx, entry.channel, sch); err != nil {
			log.Printf("server: channel handler for %s returned: %v", tgt, err)
		}
	}()
}

func (s *Server) runChannel(ctx context.Context, fn ChannelHandlerFunc, sch *ServerChannel) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = rpcerr.NewRpcRunTimeError(fmt.Sprintf("panic: %v", r))
		}
	}()
	return fn(ctx, sch)
}

// deadlineContext installs a corrid.Deadline from the inbound X-rap-deadline
// header, resolving spec §9's open question in favor of full server-side
// enforcement: the handler's context is cancelled at the propagated
// instant.
func (s *Server) deadlineContext(frame *wire.Frame) (context.Context, context.CancelFunc) {
	ctx := context.Background()
	raw, ok := frame.Header[wire.HeaderDeadline]
	if !ok {
		return context.WithCancel(ctx)
	}
	unix, ok := toInt64(raw)
	if !ok {
		return context.WithCancel(ctx)
	}
	ctx, dl := corrid.FromUnix(ctx, unix)
	return ctx, dl.Cancel
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

// ToBody is a small helper FuncHandler implementations can use to turn a
// typed Go value into the generic body shape the wire codec accepts,
// mirroring service.go's JSON bridge.
func ToBody(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}
