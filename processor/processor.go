// Package processor implements the request/response/exception interceptor
// chain from spec §4.5, replacing the teacher's closure-based onion
// middleware (middleware.Chain/Middleware/HandlerFunc) with an interface of
// three optional hooks, ported from rap.server.processor.base.BaseProcessor
// (see rap/server/processor/crypto.go's process_request override for the
// shape this generalizes).
package processor

import (
	"context"

	"rap/rpcerr"
)

// Request is the interceptable view of an outbound/inbound call, carrying
// the same fields a wire.Frame would but decoupled from the wire package so
// processors never need to import it.
type Request struct {
	Target        string
	CorrelationID uint16
	Header        map[string]any
	Body          any
}

// Response mirrors Request for the reply path; StatusCode is non-zero only
// for SERVER_ERROR_RESPONSE frames (spec §6).
type Response struct {
	Target        string
	CorrelationID uint16
	Header        map[string]any
	Body          any
	StatusCode    int
}

// Processor is the interceptor contract from spec §4.5. All three hooks are
// optional: BaseProcessor below supplies pass-through defaults so concrete
// processors only override what they need, the way BaseProcessor does in
// the original.
type Processor interface {
	ProcessRequest(ctx context.Context, req *Request) (*Request, error)
	ProcessResponse(ctx context.Context, resp *Response) (*Response, error)
	ProcessException(ctx context.Context, resp *Response, err error) (*Response, error)
}

// BaseProcessor supplies pass-through implementations of all three hooks so
// embedding types need only override the ones they care about, mirroring
// rap.server.processor.base.BaseProcessor.
type BaseProcessor struct{}

func (BaseProcessor) ProcessRequest(_ context.Context, req *Request) (*Request, error) {
	return req, nil
}

func (BaseProcessor) ProcessResponse(_ context.Context, resp *Response) (*Response, error) {
	return resp, nil
}

func (BaseProcessor) ProcessException(_ context.Context, resp *Response, err error) (*Response, error) {
	return resp, err
}

// Chain runs requests forward through a fixed processor list and responses
// (and exceptions) in reverse, per spec §4.5's ordering contract.
type Chain struct {
	processors []Processor
}

// NewChain builds a chain in registration order.
func NewChain(processors ...Processor) *Chain {
	return &Chain{processors: processors}
}

// ProcessRequest runs every processor's ProcessRequest hook in registration
// order. rpcerr.ErrIgnoreNextProcessor short-circuits the remaining chain at
// this stage only and is not itself propagated as an error.
func (c *Chain) ProcessRequest(ctx context.Context, req *Request) (*Request, error) {
	for _, p := range c.processors {
		next, err := p.ProcessRequest(ctx, req)
		if err != nil {
			if err == rpcerr.ErrIgnoreNextProcessor {
				return req, nil
			}
			return req, err
		}
		req = next
	}
	return req, nil
}

// ProcessResponse runs every processor's ProcessResponse hook in reverse
// registration order. Any error encountered is funneled into
// ProcessException from that point backward, per spec §4.5 ("any other
// exception thrown during response processing is funneled into
// process_exc").
func (c *Chain) ProcessResponse(ctx context.Context, resp *Response) (*Response, error) {
	var err error
	for i := len(c.processors) - 1; i >= 0; i-- {
		p := c.processors[i]
		if err != nil {
			resp, err = p.ProcessException(ctx, resp, err)
			if err == rpcerr.ErrIgnoreNextProcessor {
				err = nil
			}
			continue
		}
		resp, err = p.ProcessResponse(ctx, resp)
		if err == rpcerr.ErrIgnoreNextProcessor {
			err = nil
		}
	}
	return resp, err
}

// ProcessException feeds an already-known exception through every
// processor's ProcessException hook in reverse order, for use when the
// reader loop observed a SERVER_ERROR_RESPONSE rather than a processing
// failure.
func (c *Chain) ProcessException(ctx context.Context, resp *Response, cause error) (*Response, error) {
	err := cause
	for i := len(c.processors) - 1; i >= 0; i-- {
		resp, err = c.processors[i].ProcessException(ctx, resp, err)
		if err == rpcerr.ErrIgnoreNextProcessor {
			err = nil
		}
	}
	return resp, err
}
