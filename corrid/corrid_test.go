package corrid

import (
	"context"
	"testing"
	"time"
)

func TestSemaphoreInflightAccounting(t *testing.T) {
	sem := NewSemaphore(4)
	if sem.Capacity() != 4 {
		t.Fatalf("expected capacity 4, got %d", sem.Capacity())
	}
	sem.Acquire()
	sem.Acquire()
	if got := sem.Inflight(); got != 2 {
		t.Fatalf("expected inflight 2, got %d", got)
	}
	sem.Release()
	if got := sem.Inflight(); got != 1 {
		t.Fatalf("expected inflight 1 after release, got %d", got)
	}
}

func TestSemaphoreBlocksAtCapacity(t *testing.T) {
	sem := NewSemaphore(1)
	sem.Acquire()
	if sem.TryAcquire() {
		t.Fatal("expected TryAcquire to fail at capacity")
	}
	sem.Release()
	if !sem.TryAcquire() {
		t.Fatal("expected TryAcquire to succeed after release")
	}
}

func TestGeneratorStartsAtOne(t *testing.T) {
	g := NewGenerator()
	if id := g.Next(); id != 1 {
		t.Fatalf("expected first id 1, got %d", id)
	}
	if id := g.Next(); id != 3 {
		t.Fatalf("expected second id 3, got %d", id)
	}
}

func TestGeneratorStepsByTwoAndWraps(t *testing.T) {
	g := NewGenerator()
	first := g.Next()
	second := g.Next()
	if second-first != 2 {
		t.Fatalf("expected step of 2, got %d -> %d", first, second)
	}

	g2 := &Generator{next: 65534}
	id := g2.Next()
	if id != 0 {
		t.Fatalf("expected wrap to 0, got %d", id)
	}
}

func TestDeadlineSurplusAndUnix(t *testing.T) {
	ctx, dl := NewDeadline(context.Background(), 50*time.Millisecond)
	defer dl.Cancel()

	if dl.Surplus() <= 0 {
		t.Fatal("expected positive surplus right after creation")
	}
	if got, ok := FromContext(ctx); !ok || got != dl {
		t.Fatal("expected deadline to be retrievable from context")
	}

	select {
	case <-dl.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("deadline did not fire")
	}
}

func TestFirstCompletedPrefersResult(t *testing.T) {
	result := make(chan int, 1)
	result <- 42
	v, err := FirstCompleted(context.Background(), result, make(chan struct{}), nil)
	if err != nil || v != 42 {
		t.Fatalf("expected (42, nil), got (%d, %v)", v, err)
	}
}

func TestFirstCompletedReturnsTermErrorOnClose(t *testing.T) {
	terminated := make(chan struct{})
	close(terminated)
	_, err := FirstCompleted[int](context.Background(), make(chan int), terminated, errTerm)
	if err != errTerm {
		t.Fatalf("expected errTerm, got %v", err)
	}
}

var errTerm = &testErr{"connection closed"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }
