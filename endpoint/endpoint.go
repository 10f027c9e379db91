// Package endpoint implements the client-side connection pool from spec
// §4.6: one TransportGroup per (host,port), load-balanced picking,
// ping-driven elastic resizing, and private (exclusive) leases. It
// generalizes the teacher's loadbalance package — RoundRobinBalancer's
// atomic-counter-over-instances becomes rotation-over-transports,
// WeightedRandomBalancer's weighted pick is absorbed into the score-rank
// step, and ConsistentHashBalancer is repurposed for private-lease target
// selection — grounded in rap/client/endpoint/base.py's Endpoint/Picker.
package endpoint

import (
	"context"
	"fmt"
	"hash/crc32"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"rap/conn"
	"rap/processor"
	"rap/rpcerr"
	"rap/transport"
)

// BalanceStrategy selects which host-port groups are candidates for a pick
// (spec §4.6 "pick(cnt, private?)" step 1).
type BalanceStrategy int

const (
	// BalanceRandom chooses cnt groups with replacement, mirroring the
	// teacher's random.choices-over-instances idea.
	BalanceRandom BalanceStrategy = iota
	// BalanceRoundRobin walks a contiguous slice of the key list starting at
	// a monotone index, mirroring RoundRobinBalancer's atomic counter.
	BalanceRoundRobin
	// BalanceNaive is the legacy first-available fallback named in the
	// open-question decision: skip scoring, return the first available
	// transport encountered. Kept for parity with the source's second,
	// simpler Picker implementation; not used unless explicitly configured.
	BalanceNaive
)

// Config holds the endpoint's pool-size bounds and per-transport defaults.
type Config struct {
	MinPoolSize     int
	MaxPoolSize     int
	Weight          float64
	MaxInflight     int
	Strategy        BalanceStrategy
	MinPingInterval time.Duration
	MaxPingInterval time.Duration
	PingFailCnt     int
	TLSConfig       *conn.TLSConfig
	Chain           *processor.Chain
}

func (c Config) withDefaults() Config {
	if c.MinPoolSize <= 0 {
		c.MinPoolSize = 1
	}
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = 4
	}
	if c.Weight <= 0 {
		c.Weight = 5
	}
	if c.MinPingInterval <= 0 {
		c.MinPingInterval = 30 * time.Second
	}
	if c.MaxPingInterval <= 0 {
		c.MaxPingInterval = 60 * time.Second
	}
	if c.PingFailCnt <= 0 {
		c.PingFailCnt = 3
	}
	return c
}

// TransportGroup is an ordered rotation of transports to one (host,port),
// translating the teacher's deque-based RoundRobinBalancer rotation from
// "rotate over instances" to "rotate over transports within one instance"
// (spec §4.6).
type TransportGroup struct {
	mu    sync.Mutex
	items []*transport.Transport
}

func (g *TransportGroup) add(t *transport.Transport) {
	g.mu.Lock()
	g.items = append(g.items, t)
	g.mu.Unlock()
}

func (g *TransportGroup) remove(t *transport.Transport) {
	g.mu.Lock()
	for i, item := range g.items {
		if item == t {
			g.items = append(g.items[:i], g.items[i+1:]...)
			break
		}
	}
	g.mu.Unlock()
}

func (g *TransportGroup) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.items)
}

// rotate pops the head, pushes it to the tail, and returns it — the
// slice-as-ring equivalent of the teacher's deque rotation.
func (g *TransportGroup) rotate() *transport.Transport {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.items) == 0 {
		return nil
	}
	head := g.items[0]
	g.items = append(g.items[1:], head)
	return head
}

func (g *TransportGroup) snapshot() []*transport.Transport {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*transport.Transport, len(g.items))
	copy(out, g.items)
	return out
}

// Endpoint owns map[hostPort]*TransportGroup plus an insertion-ordered key
// list, matching spec §3's "Endpoint state".
type Endpoint struct {
	cfg Config

	mu      sync.RWMutex
	groups  map[string]*TransportGroup
	keys    []string
	ring    *hashRing
	rrIndex uint64

	connectedCount int64

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New constructs an empty Endpoint; servers are added via AddServer or Sync.
func New(cfg Config) *Endpoint {
	return &Endpoint{
		cfg:    cfg.withDefaults(),
		groups: make(map[string]*TransportGroup),
		ring:   newHashRing(),
		closed: make(chan struct{}),
	}
}

// ConnectedCount returns the number of live transports across all groups.
func (e *Endpoint) ConnectedCount() int { return int(atomic.LoadInt64(&e.connectedCount)) }

// AddServer dials MinPoolSize transports to hostPort and starts their
// elasticity loops, per spec §4.6 "connection creation".
func (e *Endpoint) AddServer(ctx context.Context, hostPort string) error {
	e.mu.Lock()
	if _, ok := e.groups[hostPort]; ok {
		e.mu.Unlock()
		return nil
	}
	group := &TransportGroup{}
	e.groups[hostPort] = group
	e.keys = append(e.keys, hostPort)
	e.ring.add(hostPort)
	e.mu.Unlock()

	for i := 0; i < e.cfg.MinPoolSize; i++ {
		if _, err := e.createOne(ctx, hostPort, group); err != nil {
			return fmt.Errorf("endpoint: create transport to %s: %w", hostPort, err)
		}
	}
	return nil
}

// RemoveServer closes every transport to hostPort and forgets it.
func (e *Endpoint) RemoveServer(hostPort string) {
	e.mu.Lock()
	group, ok := e.groups[hostPort]
	if ok {
		delete(e.groups, hostPort)
		for i, k := range e.keys {
			if k == hostPort {
				e.keys = append(e.keys[:i], e.keys[i+1:]...)
				break
			}
		}
		e.ring.remove(hostPort)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	for _, tr := range group.snapshot() {
		tr.Close()
	}
}

// Sync reconciles the endpoint's groups against the discovery driver's
// latest snapshot (spec §6's "initial list + change stream", delivered here
// as full snapshots the way registry.Registry.Watch does).
func (e *Endpoint) Sync(ctx context.Context, hostPorts []string) {
	want := make(map[string]bool, len(hostPorts))
	for _, hp := range hostPorts {
		want[hp] = true
	}

	e.mu.RLock()
	var toRemove []string
	for _, hp := range e.keys {
		if !want[hp] {
			toRemove = append(toRemove, hp)
		}
	}
	e.mu.RUnlock()
	for _, hp := range toRemove {
		e.RemoveServer(hp)
	}

	for hp := range want {
		e.mu.RLock()
		_, exists := e.groups[hp]
		e.mu.RUnlock()
		if !exists {
			e.AddServer(ctx, hp)
		}
	}
}

// createOne runs create_one under the spec's declare deadline and installs
// the removal done-callback on close (spec §4.6 "Connection creation").
func (e *Endpoint) createOne(ctx context.Context, hostPort string, group *TransportGroup) (*transport.Transport, error) {
	c, err := conn.Dial("tcp", hostPort, e.cfg.TLSConfig)
	if err != nil {
		return nil, err
	}
	tr := transport.New(c, hostPort, e.cfg.Weight, e.cfg.MaxInflight, e.cfg.Chain)
	if err := tr.Connect(ctx); err != nil {
		tr.Close()
		return nil, err
	}
	group.add(tr)
	atomic.AddInt64(&e.connectedCount, 1)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		<-tr.Closed()
		group.remove(tr)
		atomic.AddInt64(&e.connectedCount, -1)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pingLoop(hostPort, group, tr)
	}()

	return tr, nil
}

// pingLoop ports rap.client.endpoint.base._ping_event's decision table
// (spec §4.6) driving score updates and elastic resizing.
func (e *Endpoint) pingLoop(hostPort string, group *TransportGroup, tr *transport.Transport) {
	maxAge := e.cfg.MaxPingInterval * time.Duration(e.cfg.PingFailCnt)
	for {
		select {
		case <-e.closed:
			return
		case <-tr.Closed():
			return
		case <-time.After(jitter(e.cfg.MinPingInterval, e.cfg.MaxPingInterval)):
		}

		if err := tr.Ping(context.Background()); err != nil && tr.LastPingAge() > maxAge {
			tr.MarkUnavailable()
			return
		}
		tr.RecordInflightSample(tr.Inflight())

		avg := tr.AvgInflightHistory()
		switch {
		case avg > 80 && group.len() < e.cfg.MaxPoolSize:
			go e.createOne(context.Background(), hostPort, group)
		case avg < 20 && group.len() > e.cfg.MinPoolSize:
			tr.DecrementAvailableLevel()
		}
		if tr.Available() && tr.AvailableLevel() < 5 {
			tr.IncrementAvailableLevel()
		}
		if tr.AvailableLevel() <= 0 {
			go e.closeSoon(tr)
		}
	}
}

func (e *Endpoint) closeSoon(tr *transport.Transport) {
	select {
	case <-time.After(60 * time.Second):
		tr.Close()
	case <-tr.Closed():
	case <-e.closed:
	}
}

// Close tears down every group and stops all elasticity loops.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() { close(e.closed) })
	e.mu.Lock()
	groups := e.groups
	e.groups = make(map[string]*TransportGroup)
	e.keys = nil
	e.mu.Unlock()
	for _, g := range groups {
		for _, tr := range g.snapshot() {
			tr.Close()
		}
	}
	e.wg.Wait()
}

// Pick implements the score-rank picker from spec §4.6 step 1-4.
func (e *Endpoint) Pick(cnt int) (*transport.Transport, error) {
	candidates := e.candidateGroups(cnt)
	if len(candidates) == 0 {
		return nil, rpcerr.NewRPCError("endpoint: no connected servers")
	}

	var best *transport.Transport
	var bestScore float64
	for _, group := range candidates {
		tr := group.rotate()
		if tr == nil || !tr.Available() {
			continue
		}
		if e.cfg.Strategy == BalanceNaive {
			return tr, nil
		}
		score := effScore(tr)
		if best == nil || score > bestScore {
			best, bestScore = tr, score
		}
	}
	if best == nil {
		return nil, rpcerr.NewRPCError("endpoint: no available transport")
	}
	return best, nil
}

// effScore implements spec §4.6's "eff_score = score * (1 - inflight/capacity)".
func effScore(tr *transport.Transport) float64 {
	inflight := tr.Inflight()
	if inflight <= 0 {
		return tr.Score()
	}
	capacity := tr.Capacity()
	if capacity <= 0 {
		return tr.Score()
	}
	return tr.Score() * (1 - float64(inflight)/float64(capacity))
}

// candidateGroups selects min(cnt, connected_count) groups per the
// configured strategy (spec §4.6 step 1).
func (e *Endpoint) candidateGroups(cnt int) []*TransportGroup {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := len(e.keys)
	if n == 0 {
		return nil
	}
	if cnt <= 0 || cnt > n {
		cnt = n
	}

	out := make([]*TransportGroup, 0, cnt)
	switch e.cfg.Strategy {
	case BalanceRoundRobin:
		start := int(atomic.AddUint64(&e.rrIndex, 1)) % n
		for i := 0; i < cnt; i++ {
			out = append(out, e.groups[e.keys[(start+i)%n]])
		}
	default: // BalanceRandom and BalanceNaive both sample uniformly at this step
		for i := 0; i < cnt; i++ {
			out = append(out, e.groups[e.keys[rand.Intn(n)]])
		}
	}
	return out
}

// PrivateLease wraps a dedicated, single-tenant transport created outside
// any group (spec §4.6 "Private lease").
type PrivateLease struct {
	Transport *transport.Transport
}

// Release destroys the dedicated transport; it was never shared, so
// closing it is the entire release protocol.
func (l *PrivateLease) Release() error {
	return l.Transport.Close()
}

// PickPrivate creates a new dedicated transport on the (host,port) the
// consistent-hash ring assigns to key, guaranteeing single-tenant use for
// the lease's lifetime (spec §4.6, adapted from
// loadbalance.ConsistentHashBalancer for session-affine selection).
func (e *Endpoint) PickPrivate(ctx context.Context, key string) (*PrivateLease, error) {
	hostPort, ok := e.ring.pick(key)
	if !ok {
		return nil, rpcerr.NewRPCError("endpoint: no servers to pick a private lease from")
	}
	c, err := conn.Dial("tcp", hostPort, e.cfg.TLSConfig)
	if err != nil {
		return nil, err
	}
	tr := transport.New(c, hostPort, e.cfg.Weight, e.cfg.MaxInflight, e.cfg.Chain)
	if err := tr.Connect(ctx); err != nil {
		tr.Close()
		return nil, err
	}
	return &PrivateLease{Transport: tr}, nil
}

// jitter returns a random duration in [min, max), used by the ping loop to
// spread ping timing across transports (spec §4.6 "Sleeps a random
// interval").
func jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// hashRing is a crc32 consistent-hash ring over host:port keys, adapted
// from loadbalance.ConsistentHashBalancer (which rings registry.ServiceInstance
// values) to ring plain hostPort strings for private-lease target
// selection.
type hashRing struct {
	mu       sync.Mutex
	replicas int
	ring     []uint32
	nodes    map[uint32]string
}

func newHashRing() *hashRing {
	return &hashRing{replicas: 100, nodes: make(map[uint32]string)}
}

func (h *hashRing) add(hostPort string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 0; i < h.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", hostPort, i)))
		h.ring = append(h.ring, hash)
		h.nodes[hash] = hostPort
	}
	sort.Slice(h.ring, func(i, j int) bool { return h.ring[i] < h.ring[j] })
}

func (h *hashRing) remove(hostPort string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.ring[:0]
	for _, hash := range h.ring {
		if h.nodes[hash] == hostPort {
			delete(h.nodes, hash)
			continue
		}
		kept = append(kept, hash)
	}
	h.ring = kept
}

func (h *hashRing) pick(key string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ring) == 0 {
		return "", false
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(h.ring), func(i int) bool { return h.ring[i] >= hash })
	if idx == len(h.ring) {
		idx = 0
	}
	return h.nodes[h.ring[idx]], true
}
