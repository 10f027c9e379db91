package processor

import (
	"context"
	"time"

	"rap/corrid"
	"rap/wire"
)

// Timeout stamps a default X-rap-deadline when the caller's context carries
// none, replacing the teacher's TimeOutMiddleware (which raced a goroutine
// against context.WithTimeout locally and discarded the result on expiry).
// Because deadlines now have to be inspectable by the server handler
// (spec §4.7), enforcement moved from a local race to the wire-visible
// deadline header — this processor only ever fills in the default.
type Timeout struct {
	BaseProcessor
	Default time.Duration
}

// NewTimeout builds a Timeout processor applying def when no deadline is
// already present.
func NewTimeout(def time.Duration) *Timeout {
	return &Timeout{Default: def}
}

func (p *Timeout) ProcessRequest(ctx context.Context, req *Request) (*Request, error) {
	if _, ok := req.Header[wire.HeaderDeadline]; ok {
		return req, nil
	}
	if _, ok := corrid.FromContext(ctx); ok {
		return req, nil // already carries a deadline; Transport.annotate will stamp it
	}
	if req.Header == nil {
		req.Header = map[string]any{}
	}
	req.Header[wire.HeaderDeadline] = time.Now().Add(p.Default).Unix()
	return req, nil
}
