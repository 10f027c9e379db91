package processor

import (
	"context"

	"golang.org/x/time/rate"

	"rap/rpcerr"
)

// RateLimit is a token-bucket request gate, keeping golang.org/x/time/rate
// exactly as the teacher's RateLimitMiddleware uses it — the limiter is
// built once at construction (shared across every call), not per-request.
type RateLimit struct {
	BaseProcessor
	limiter *rate.Limiter
}

// NewRateLimit builds a limiter refilling at r tokens/sec up to burst.
func NewRateLimit(r float64, burst int) *RateLimit {
	return &RateLimit{limiter: rate.NewLimiter(rate.Limit(r), burst)}
}

func (p *RateLimit) ProcessRequest(_ context.Context, req *Request) (*Request, error) {
	if !p.limiter.Allow() {
		return req, rpcerr.NewTooManyRequestError("")
	}
	return req, nil
}
