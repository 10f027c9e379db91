package client

import (
	"context"
	"log"
	"strings"
	"time"
)

// isRetryable reports whether err looks like a transient transport failure
// worth retrying, the same substring check the teacher's
// RetryMiddleware used against message.RPCMessage.Error.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "EOF")
}

// CallWithRetry retries Call up to maxRetries times with exponential
// backoff when the failure looks transient (timeout, connection refused),
// generalizing the teacher's RetryMiddleware: that middleware wrapped a
// single handler invocation and could re-run it in place, but a Processor
// here only ever sees one frame, not the call loop, so retrying the whole
// request belongs on the client that owns the loop, not in the processor
// chain. A non-retryable error returns immediately, matching the teacher.
func (c *Client) CallWithRetry(ctx context.Context, funcName string, args, reply any, maxRetries int, baseDelay time.Duration) error {
	err := c.Call(ctx, funcName, args, reply)
	for i := 0; i < maxRetries; i++ {
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		log.Printf("client: retry attempt %d for %s due to error: %v", i+1, funcName, err)
		select {
		case <-time.After(baseDelay * time.Duration(1<<i)):
		case <-ctx.Done():
			return ctx.Err()
		}
		err = c.Call(ctx, funcName, args, reply)
	}
	return err
}
