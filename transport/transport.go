// Package transport implements the client-side connection multiplexer from
// spec §4.3, generalizing the teacher's ClientTransport (client_transport.go)
// from a sequence-number/RPCMessage pairing into correlation-id based
// request/channel demultiplexing over wire.Frame, with RTT/MOS scoring
// replacing the teacher's bare heartbeatLoop.
package transport

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"rap/channel"
	"rap/conn"
	"rap/corrid"
	"rap/processor"
	"rap/rpcerr"
	"rap/wire"
)

// Tunables matching spec §4.3/§4.6 defaults.
const (
	DefaultMaxInflight  = 100
	pingSampleCount     = 3
	scoreDecaySeconds   = 600
	channelQueueDepth   = 64
	declareTimeout      = 9 * time.Second
	pingTimeout         = 5 * time.Second
	userAgentTag        = "rap-go/" + wire.ProtocolVersionTag
)

func eventTarget(name string) string { return "/_event/" + name }

// pendingKind distinguishes a one-shot response future from a streaming
// channel queue; the spec's invariant "a correlation id is in at most one
// of response_future / channel_queue at any moment" is enforced by pending
// only ever holding one kind per correlation id.
type pendingKind int

const (
	kindResponse pendingKind = iota
	kindChannel
)

type pendingEntry struct {
	kind   pendingKind
	respCh chan *wire.Frame
	queue  chan *wire.Frame
}

// Transport is one connection's multiplexer: correlation-id registry,
// inflight semaphore, request/response fan-out, channel queues,
// declare/ping protocol, RTT+MOS scoring (spec §4.3, "Transport state").
type Transport struct {
	conn    *conn.Connection
	host    string
	writeMu sync.Mutex
	corrGen *corrid.Generator
	chain   *processor.Chain

	mu      sync.Mutex
	pending map[uint16]*pendingEntry

	sem *corrid.Semaphore

	scoreMu        sync.Mutex
	weight         float64
	score          float64
	rtt            float64
	mos            float64
	available      bool
	availableLevel int
	lastPingTS     time.Time

	inflightMu      sync.Mutex
	inflightHistory [3]int
	inflightIdx     int

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New wraps an already-dialed conn.Connection in a Transport. Connect must
// be called before use to run the declare handshake.
func New(c *conn.Connection, host string, weight float64, maxInflight int, chain *processor.Chain) *Transport {
	if maxInflight <= 0 {
		maxInflight = DefaultMaxInflight
	}
	if chain == nil {
		chain = processor.NewChain()
	}
	t := &Transport{
		conn:    c,
		host:    host,
		corrGen: corrid.NewGenerator(),
		chain:   chain,
		pending: make(map[uint16]*pendingEntry),
		sem:     corrid.NewSemaphore(maxInflight),
		weight:  weight,
		score:   1,
		closed:  make(chan struct{}),
	}
	go t.responseHandler()
	return t
}

// Weight, Score, RTT, MOS, Available, AvailableLevel, Inflight and Capacity
// expose the transport-state fields the endpoint picker ranks on (spec
// §4.6 "eff_score").
func (t *Transport) Weight() float64 {
	t.scoreMu.Lock()
	defer t.scoreMu.Unlock()
	return t.weight
}

func (t *Transport) Score() float64 {
	t.scoreMu.Lock()
	defer t.scoreMu.Unlock()
	return t.score
}

func (t *Transport) Available() bool {
	t.scoreMu.Lock()
	defer t.scoreMu.Unlock()
	return t.available
}

func (t *Transport) AvailableLevel() int {
	t.scoreMu.Lock()
	defer t.scoreMu.Unlock()
	return t.availableLevel
}

func (t *Transport) Inflight() int           { return t.sem.Inflight() }
func (t *Transport) Capacity() int           { return t.sem.Capacity() }
func (t *Transport) Closed() <-chan struct{} { return t.closed }
func (t *Transport) ConnID() string          { return t.conn.ID() }
func (t *Transport) Peer() string            { return t.conn.RemoteAddr().String() }

// LastPingAge reports time elapsed since the last successful ping, used by
// the endpoint's elasticity loop to detect an unresponsive transport (spec
// §4.6's "now - last_ping_ts > max_ping_interval * ping_fail_cnt").
func (t *Transport) LastPingAge() time.Duration {
	t.scoreMu.Lock()
	defer t.scoreMu.Unlock()
	if t.lastPingTS.IsZero() {
		return 0
	}
	return time.Since(t.lastPingTS)
}

// MarkUnavailable flips availability without tearing down the connection,
// used when the endpoint's elasticity loop gives up on a transport (spec
// §4.6 decision table, "Mark unavailable, exit loop").
func (t *Transport) MarkUnavailable() {
	t.scoreMu.Lock()
	t.available = false
	t.scoreMu.Unlock()
}

// RecordInflightSample feeds the bounded-3 inflight ring the endpoint's
// elasticity loop reads (spec §4.6 "Tracks an inflight history (ring size
// 3)").
func (t *Transport) RecordInflightSample(v int) {
	t.inflightMu.Lock()
	t.inflightHistory[t.inflightIdx%3] = v
	t.inflightIdx++
	t.inflightMu.Unlock()
}

// AvgInflightHistory returns the average of the last up-to-3 samples.
func (t *Transport) AvgInflightHistory() float64 {
	t.inflightMu.Lock()
	defer t.inflightMu.Unlock()
	n := t.inflightIdx
	if n > 3 {
		n = 3
	}
	if n == 0 {
		return 0
	}
	sum := 0
	for i := 0; i < n; i++ {
		sum += t.inflightHistory[i]
	}
	return float64(sum) / float64(n)
}

// DecrementAvailableLevel and IncrementAvailableLevel drive the endpoint's
// elasticity decision table (spec §4.6); clamped to [0,5].
func (t *Transport) DecrementAvailableLevel() int {
	t.scoreMu.Lock()
	defer t.scoreMu.Unlock()
	if t.availableLevel > 0 {
		t.availableLevel--
	}
	return t.availableLevel
}

func (t *Transport) IncrementAvailableLevel() int {
	t.scoreMu.Lock()
	defer t.scoreMu.Unlock()
	if t.availableLevel < 5 {
		t.availableLevel++
	}
	return t.availableLevel
}

// Connect performs the DECLARE handshake (spec §4.3 "connect()") and marks
// the transport available at full health.
func (t *Transport) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, declareTimeout)
	defer cancel()

	corrID := t.corrGen.Next()
	respCh := make(chan *wire.Frame, 1)
	t.register(corrID, &pendingEntry{kind: kindResponse, respCh: respCh})
	defer t.unregister(corrID)

	if err := t.writeFrame(&wire.Frame{
		MsgType:       wire.ClientEvent,
		CorrelationID: corrID,
		Header:        t.annotate(ctx, map[string]any{wire.HeaderTarget: eventTarget(wire.EventDeclare)}),
	}); err != nil {
		return err
	}

	frame, err := corrid.FirstCompleted(ctx, respCh, t.closed, rpcerr.ErrCloseConn)
	if err != nil {
		return err
	}
	if connID, ok := bodyMap(frame.Body)["conn_id"].(string); ok {
		t.conn.SetID(connID)
	}
	t.scoreMu.Lock()
	t.available = true
	t.availableLevel = 5
	t.lastPingTS = time.Now()
	t.scoreMu.Unlock()
	return nil
}

// Request allocates a correlation id, writes a MSG_REQUEST, and awaits
// either the response future or connection termination (spec §4.3
// "request()"), passing the body through the processor chain both ways.
func (t *Transport) Request(ctx context.Context, target string, args any, header map[string]any) (*processor.Response, error) {
	t.sem.Acquire()
	defer t.sem.Release()
	t.RecordInflightSample(t.sem.Inflight())

	req := &processor.Request{Target: target, Header: header, Body: args}
	req, err := t.chain.ProcessRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	corrID := t.corrGen.Next()
	req.CorrelationID = corrID
	respCh := make(chan *wire.Frame, 1)
	t.register(corrID, &pendingEntry{kind: kindResponse, respCh: respCh})
	defer t.unregister(corrID)

	outHeader := t.annotate(ctx, mergeHeader(req.Header, map[string]any{wire.HeaderTarget: target}))
	if err := t.writeFrame(&wire.Frame{
		MsgType:       wire.MsgRequest,
		CorrelationID: corrID,
		Header:        outHeader,
		Body:          req.Body,
	}); err != nil {
		return nil, err
	}

	frame, err := corrid.FirstCompleted(ctx, respCh, t.closed, t.terminationError())
	if err != nil {
		return nil, err
	}
	return t.toResponse(ctx, frame)
}

func (t *Transport) toResponse(ctx context.Context, frame *wire.Frame) (*processor.Response, error) {
	statusCode, _ := bodyMap(frame.Header)[wire.HeaderStatusCode].(int64)
	resp := &processor.Response{
		Target:        frame.Target(),
		CorrelationID: frame.CorrelationID,
		Header:        frame.Header,
		Body:          frame.Body,
		StatusCode:    int(statusCode),
	}
	if frame.MsgType == wire.ServerErrorResponse {
		name, _ := bodyMap(frame.Body)["exc_name"].(string)
		info, _ := bodyMap(frame.Body)["exc_info"].(string)
		rerr := rpcerr.FromStatusCode(statusCode, name, info)
		return t.chain.ProcessException(ctx, resp, rerr)
	}
	return t.chain.ProcessResponse(ctx, resp)
}

// Channel allocates a correlation id and installs a bounded FIFO queue on
// it, returning a Channel handle wired to that queue (spec §4.3
// "channel()"). The caller still must invoke Channel.Create to run the
// DECLARE handshake.
func (t *Transport) Channel(target string) *channel.Channel {
	corrID := t.corrGen.Next()
	queue := make(chan *wire.Frame, channelQueueDepth)
	t.register(corrID, &pendingEntry{kind: kindChannel, queue: queue})
	return channel.New(corrID, target, t, queue, t.CloseChannel)
}

// CloseChannel releases the correlation id a Channel was using. Transports
// own the pending map, so channels can't remove their own entry.
func (t *Transport) CloseChannel(corrID uint16) {
	t.unregister(corrID)
}

// SendChannelFrame implements channel.Sender, writing a CHANNEL_REQUEST
// frame annotated the same way as a normal request.
func (t *Transport) SendChannelFrame(correlationID uint16, header map[string]any, body any) error {
	return t.writeFrame(&wire.Frame{
		MsgType:       wire.ChannelRequest,
		CorrelationID: correlationID,
		Header:        t.annotate(context.Background(), header),
		Body:          body,
	})
}

// Ping performs pingSampleCount parallel ping requests, averages RTT and
// MOS, and updates score with the EWMA from spec §4.3.
func (t *Transport) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	var wg sync.WaitGroup
	rtts := make([]float64, pingSampleCount)
	moses := make([]float64, pingSampleCount)
	errs := make([]error, pingSampleCount)

	for i := 0; i < pingSampleCount; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := time.Now()
			resp, err := t.sendPing(ctx)
			if err != nil {
				errs[i] = err
				return
			}
			rtts[i] = time.Since(start).Seconds()
			if m, ok := bodyMap(resp.Body)["mos"].(float64); ok {
				moses[i] = m
			} else {
				moses[i] = 5
			}
		}(i)
	}
	wg.Wait()

	var rttSum, mosSum float64
	var n int
	var lastErr error
	for i := 0; i < pingSampleCount; i++ {
		if errs[i] != nil {
			lastErr = errs[i]
			continue
		}
		rttSum += rtts[i]
		mosSum += moses[i]
		n++
	}
	if n == 0 {
		return lastErr
	}
	t.updateScore(rttSum/float64(n), mosSum/float64(n))
	return nil
}

func (t *Transport) sendPing(ctx context.Context) (*processor.Response, error) {
	corrID := t.corrGen.Next()
	respCh := make(chan *wire.Frame, 1)
	t.register(corrID, &pendingEntry{kind: kindResponse, respCh: respCh})
	defer t.unregister(corrID)

	if err := t.writeFrame(&wire.Frame{
		MsgType:       wire.ClientEvent,
		CorrelationID: corrID,
		Header:        t.annotate(ctx, map[string]any{wire.HeaderTarget: eventTarget(wire.EventPing)}),
	}); err != nil {
		return nil, err
	}
	frame, err := corrid.FirstCompleted(ctx, respCh, t.closed, t.terminationError())
	if err != nil {
		return nil, err
	}
	return &processor.Response{Target: frame.Target(), CorrelationID: frame.CorrelationID, Header: frame.Header, Body: frame.Body}, nil
}

// updateScore applies the EWMA formula from spec §4.3 verbatim.
func (t *Transport) updateScore(rttSample, mosSample float64) {
	t.scoreMu.Lock()
	defer t.scoreMu.Unlock()

	now := time.Now()
	td := now.Sub(t.lastPingTS).Seconds()
	t.lastPingTS = now

	w := 0.0
	if t.rtt != 0 {
		w = math.Exp(-td / scoreDecaySeconds)
	}
	t.rtt = t.rtt*w + rttSample*(1-w)
	t.mos = math.Floor(t.mos*w + mosSample*(1-w))
	if t.rtt > 0 {
		t.score = (t.weight * t.mos) / t.rtt
	} else {
		t.score = t.weight * t.mos
	}
}

// handleServerPingEvent replies to an unsolicited SERVER_EVENT PING_EVENT
// with the transport's current MOS, without touching the pending map (spec
// §4.3 "do not count as a normal request").
func (t *Transport) handleServerPingEvent(frame *wire.Frame) {
	t.scoreMu.Lock()
	mos := t.mos
	t.scoreMu.Unlock()
	_ = t.writeFrame(&wire.Frame{
		MsgType:       wire.ServerEvent,
		CorrelationID: frame.CorrelationID,
		Header:        t.annotate(context.Background(), map[string]any{wire.HeaderTarget: eventTarget(wire.EventPing)}),
		Body:          map[string]any{"mos": mos},
	})
}

// responseHandler is the reader loop from spec §4.3 ("Reader loop
// (response_handler)"), ported from the teacher's recvLoop but dispatching
// on wire.MsgType instead of a single RPCMessage shape.
func (t *Transport) responseHandler() {
	defer t.teardown(rpcerr.ErrCloseConn)

	for {
		select {
		case frame, ok := <-t.conn.Frames():
			if !ok {
				if err := t.conn.Err(); err != nil {
					t.teardown(err)
				}
				return
			}
			t.dispatch(frame)
		case <-t.closed:
			return
		}
	}
}

func (t *Transport) dispatch(frame *wire.Frame) {
	if frame.MsgType == wire.ServerEvent && frame.Target() == eventTarget(wire.EventCloseConn) {
		t.teardown(rpcerr.NewServerError("server requested close"))
		return
	}
	if frame.MsgType == wire.ServerEvent && frame.Target() == eventTarget(wire.EventPing) {
		t.handleServerPingEvent(frame)
		return
	}

	t.mu.Lock()
	entry, ok := t.pending[frame.CorrelationID]
	t.mu.Unlock()
	if !ok {
		log.Printf("transport: unrouted response for correlation id %d", frame.CorrelationID)
		return
	}

	switch entry.kind {
	case kindChannel:
		select {
		case entry.queue <- frame:
		default:
			log.Printf("transport: channel queue full for correlation id %d, dropping", frame.CorrelationID)
			close(entry.queue)
			t.unregister(frame.CorrelationID)
		}
	default:
		select {
		case entry.respCh <- frame:
		default:
		}
	}
}

// teardown cancels the reader, closes the connection, and resolves every
// outstanding future/queue with err (spec §4.3 "close()/await_close()").
func (t *Transport) teardown(err error) {
	t.closeOnce.Do(func() {
		t.scoreMu.Lock()
		t.closeErr = err
		t.available = false
		t.scoreMu.Unlock()
		close(t.closed)
		t.conn.Close()

		t.mu.Lock()
		pending := t.pending
		t.pending = make(map[uint16]*pendingEntry)
		t.mu.Unlock()

		// Response waiters race their future against t.closed (closed
		// above) and then report terminationError(), so only channel
		// queues need closing here.
		for _, entry := range pending {
			if entry.kind == kindChannel {
				close(entry.queue)
			}
		}
	})
}

func (t *Transport) terminationError() error {
	t.scoreMu.Lock()
	defer t.scoreMu.Unlock()
	if t.closeErr != nil {
		return t.closeErr
	}
	return rpcerr.ErrCloseConn
}

// Close tears the transport and its connection down immediately.
func (t *Transport) Close() error {
	t.teardown(rpcerr.ErrCloseConn)
	return nil
}

// AwaitClose blocks until the transport has fully torn down.
func (t *Transport) AwaitClose(ctx context.Context) error {
	select {
	case <-t.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) register(corrID uint16, entry *pendingEntry) {
	t.mu.Lock()
	t.pending[corrID] = entry
	t.mu.Unlock()
}

func (t *Transport) unregister(corrID uint16) {
	t.mu.Lock()
	delete(t.pending, corrID)
	t.mu.Unlock()
}

// annotate fills host/version/user_agent/request_id if missing and writes
// X-rap-deadline from any corrid.Deadline carried on ctx, mirroring
// rap.client.transport.transport.Transport._base_request's header
// annotation step (spec §4.3 "Write path").
func (t *Transport) annotate(ctx context.Context, header map[string]any) map[string]any {
	if header == nil {
		header = map[string]any{}
	}
	if _, ok := header[wire.HeaderHost]; !ok {
		header[wire.HeaderHost] = t.host
	}
	if _, ok := header[wire.HeaderVersion]; !ok {
		header[wire.HeaderVersion] = wire.ProtocolVersionTag
	}
	if _, ok := header[wire.HeaderUserAgent]; !ok {
		header[wire.HeaderUserAgent] = userAgentTag
	}
	if _, ok := header[wire.HeaderRequestID]; !ok {
		header[wire.HeaderRequestID] = uuid.NewString()
	}
	if dl, ok := corrid.FromContext(ctx); ok {
		header[wire.HeaderDeadline] = dl.ToUnix()
	}
	return header
}

func (t *Transport) writeFrame(f *wire.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.Write(f)
}

func mergeHeader(base map[string]any, extra map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func bodyMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
