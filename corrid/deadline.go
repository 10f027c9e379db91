package corrid

import (
	"context"
	"time"
)

// deadlineKey is the context key a Deadline is stored under so it can
// travel with a request's context.Context and be read back by a server
// handler, mirroring rap's contextvar-based deadline_context.
type deadlineKey struct{}

// Deadline wraps a context deadline and exposes the remaining time and an
// absolute UNIX-seconds encoding for the X-rap-deadline header (spec §3,
// §4.3's write path, §4.7's server-side enforcement).
type Deadline struct {
	ctx    context.Context
	cancel context.CancelFunc
	end    time.Time
}

// NewDeadline installs a deadline of d from now onto ctx and returns both
// the derived context and the Deadline handle. Callers must call Cancel
// when done to release the timer, same contract as context.WithTimeout.
func NewDeadline(ctx context.Context, d time.Duration) (context.Context, *Deadline) {
	derived, cancel := context.WithTimeout(ctx, d)
	dl := &Deadline{ctx: derived, cancel: cancel, end: time.Now().Add(d)}
	derived = context.WithValue(derived, deadlineKey{}, dl)
	dl.ctx = derived
	return derived, dl
}

// FromUnix installs a deadline at an absolute UNIX-seconds instant, as
// carried in the X-rap-deadline header (spec §4.7).
func FromUnix(ctx context.Context, unixSeconds int64) (context.Context, *Deadline) {
	end := time.Unix(unixSeconds, 0)
	return NewDeadline(ctx, time.Until(end))
}

// FromContext retrieves a Deadline previously installed by NewDeadline or
// FromUnix, if any.
func FromContext(ctx context.Context) (*Deadline, bool) {
	dl, ok := ctx.Value(deadlineKey{}).(*Deadline)
	return dl, ok
}

// Surplus returns the remaining time until the deadline expires.
func (d *Deadline) Surplus() time.Duration {
	return time.Until(d.end)
}

// ToUnix returns the deadline as absolute UNIX seconds, for the
// X-rap-deadline header.
func (d *Deadline) ToUnix() int64 {
	return d.end.Unix()
}

// Done returns the derived context's Done channel.
func (d *Deadline) Done() <-chan struct{} {
	return d.ctx.Done()
}

// Cancel releases the deadline's internal timer.
func (d *Deadline) Cancel() {
	d.cancel()
}
