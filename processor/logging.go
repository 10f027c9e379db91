package processor

import (
	"context"
	"log"
	"sync"
	"time"
)

// Logging records target, duration, and any exception for each call,
// ported from the teacher's LoggingMiddleware — its "before/call/after"
// closure becomes a pair of hooks correlated by CorrelationID, since the
// processor chain no longer wraps a single handler invocation.
type Logging struct {
	BaseProcessor

	mu     sync.Mutex
	starts map[uint16]time.Time
}

// NewLogging constructs a ready-to-use Logging processor.
func NewLogging() *Logging {
	return &Logging{starts: make(map[uint16]time.Time)}
}

func (p *Logging) ProcessRequest(_ context.Context, req *Request) (*Request, error) {
	p.mu.Lock()
	p.starts[req.CorrelationID] = time.Now()
	p.mu.Unlock()
	return req, nil
}

func (p *Logging) ProcessResponse(_ context.Context, resp *Response) (*Response, error) {
	p.logDuration(resp.Target, resp.CorrelationID, nil)
	return resp, nil
}

func (p *Logging) ProcessException(_ context.Context, resp *Response, err error) (*Response, error) {
	p.logDuration(resp.Target, resp.CorrelationID, err)
	return resp, err
}

func (p *Logging) logDuration(target string, corrID uint16, err error) {
	p.mu.Lock()
	start, ok := p.starts[corrID]
	delete(p.starts, corrID)
	p.mu.Unlock()
	if !ok {
		start = time.Now()
	}
	log.Printf("target: %s, duration: %s", target, time.Since(start))
	if err != nil {
		log.Printf("error: %s", err)
	}
}
