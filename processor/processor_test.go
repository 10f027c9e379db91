package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"rap/rpcerr"
	"rap/wire"
)

type recordingProcessor struct {
	BaseProcessor
	name  string
	trace *[]string
}

func (p *recordingProcessor) ProcessRequest(_ context.Context, req *Request) (*Request, error) {
	*p.trace = append(*p.trace, "req:"+p.name)
	return req, nil
}

func (p *recordingProcessor) ProcessResponse(_ context.Context, resp *Response) (*Response, error) {
	*p.trace = append(*p.trace, "resp:"+p.name)
	return resp, nil
}

func TestChainOrdersRequestForwardResponseReverse(t *testing.T) {
	var trace []string
	chain := NewChain(
		&recordingProcessor{name: "A", trace: &trace},
		&recordingProcessor{name: "B", trace: &trace},
	)

	req, err := chain.ProcessRequest(context.Background(), &Request{Target: "x"})
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if _, err := chain.ProcessResponse(context.Background(), &Response{Target: req.Target}); err != nil {
		t.Fatalf("ProcessResponse: %v", err)
	}

	want := []string{"req:A", "req:B", "resp:B", "resp:A"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
}

type ignoringProcessor struct{ BaseProcessor }

func (ignoringProcessor) ProcessRequest(_ context.Context, req *Request) (*Request, error) {
	return req, rpcerr.ErrIgnoreNextProcessor
}

func TestIgnoreNextProcessorShortCircuitsRequestStage(t *testing.T) {
	var trace []string
	chain := NewChain(
		ignoringProcessor{},
		&recordingProcessor{name: "never", trace: &trace},
	)
	if _, err := chain.ProcessRequest(context.Background(), &Request{}); err != nil {
		t.Fatalf("expected ErrIgnoreNextProcessor to be absorbed, got %v", err)
	}
	if len(trace) != 0 {
		t.Fatalf("expected downstream processor skipped, got %v", trace)
	}
}

type failingProcessor struct{ BaseProcessor }

func (failingProcessor) ProcessResponse(_ context.Context, resp *Response) (*Response, error) {
	return resp, errors.New("boom")
}

type exceptionCatcher struct {
	BaseProcessor
	caught error
}

func (c *exceptionCatcher) ProcessException(_ context.Context, resp *Response, err error) (*Response, error) {
	c.caught = err
	return resp, nil
}

func TestResponseErrorFunnelsIntoProcessException(t *testing.T) {
	catcher := &exceptionCatcher{}
	chain := NewChain(catcher, failingProcessor{})

	if _, err := chain.ProcessResponse(context.Background(), &Response{}); err != nil {
		t.Fatalf("expected exception to be absorbed by catcher, got %v", err)
	}
	if catcher.caught == nil || catcher.caught.Error() != "boom" {
		t.Fatalf("expected catcher to observe the error, got %v", catcher.caught)
	}
}

func TestRateLimitRejectsOverBurst(t *testing.T) {
	rl := NewRateLimit(1, 1)
	if _, err := rl.ProcessRequest(context.Background(), &Request{}); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	_, err := rl.ProcessRequest(context.Background(), &Request{})
	rerr, ok := rpcerr.As(err)
	if !ok || rerr.Code != rpcerr.CodeTooManyRequest {
		t.Fatalf("expected TooManyRequest error, got %v", err)
	}
}

func TestTimeoutStampsDeadlineWhenAbsent(t *testing.T) {
	tp := NewTimeout(5 * time.Second)
	req, err := tp.ProcessRequest(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	deadline, ok := req.Header[wire.HeaderDeadline].(int64)
	if !ok || deadline <= time.Now().Unix() {
		t.Fatalf("expected a future deadline stamped, got %v", req.Header[wire.HeaderDeadline])
	}
}

func TestLoggingProcessorTracksCorrelationID(t *testing.T) {
	lg := NewLogging()
	req := &Request{CorrelationID: 7}
	if _, err := lg.ProcessRequest(context.Background(), req); err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	resp := &Response{CorrelationID: 7}
	if _, err := lg.ProcessResponse(context.Background(), resp); err != nil {
		t.Fatalf("ProcessResponse: %v", err)
	}
	lg.mu.Lock()
	_, stillTracked := lg.starts[7]
	lg.mu.Unlock()
	if stillTracked {
		t.Fatal("expected start time to be cleared after response")
	}
}
