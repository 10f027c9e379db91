package corrid

import "context"

// FirstCompleted races a response future against connection termination and
// the caller's context, returning whichever completes first. This is the Go
// shape of rap.common.asyncio_helper.as_first_completed, used by the
// transport's request path (spec §4.3: "awaits either the future or
// connection termination (first-completed)").
func FirstCompleted[T any](ctx context.Context, result <-chan T, terminated <-chan struct{}, termErr error) (T, error) {
	var zero T
	select {
	case v := <-result:
		return v, nil
	case <-terminated:
		return zero, termErr
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
