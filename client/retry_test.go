package client

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("read tcp: i/o timeout"), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("rap: func not found"), false},
	}
	for _, tc := range cases {
		if got := isRetryable(tc.err); got != tc.want {
			t.Errorf("isRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestCallWithRetryGivesUpOnNonRetryable(t *testing.T) {
	c := New(Config{ServerName: "Arith", Group: "default"}, nil)
	defer c.Close()

	// No transports were ever added, so Pick fails immediately with
	// "no connected servers" — not a retryable-looking error — and
	// CallWithRetry must return on the first attempt rather than sleeping
	// through maxRetries.
	start := time.Now()
	err := c.CallWithRetry(context.Background(), "Add", nil, nil, 5, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected an error")
	}
	if elapsed := time.Since(start); elapsed > 40*time.Millisecond {
		t.Fatalf("expected immediate failure without retry backoff, took %v", elapsed)
	}
}
