package future

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFuture_ResolveFirstWins(t *testing.T) {
	f := New[string]()

	if !f.Resolve("first", nil) {
		t.Fatal("expected first Resolve to win")
	}
	if f.Resolve("second", errors.New("late")) {
		t.Error("expected second Resolve to be ignored")
	}

	v, err := f.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "first" {
		t.Errorf("expected 'first', got %q", v)
	}
}

func TestFuture_WaitHonoursContext(t *testing.T) {
	f := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestFuture_ResultBeforeAndAfter(t *testing.T) {
	f := New[int]()
	if _, ok, _ := f.Result(); ok {
		t.Error("expected unresolved future")
	}

	f.Resolve(7, nil)
	v, ok, err := f.Result()
	if !ok || err != nil || v != 7 {
		t.Errorf("expected (7, nil, true), got (%d, %v, %v)", v, err, ok)
	}
}

func TestFuture_Then(t *testing.T) {
	f := New[string]()
	got := make(chan error, 1)
	f.Then(func(_ string, err error) { got <- err })

	want := errors.New("boom")
	f.Resolve("", want)

	select {
	case err := <-got:
		if !errors.Is(err, want) {
			t.Errorf("expected %v, got %v", want, err)
		}
	case <-time.After(time.Second):
		t.Fatal("callback was not invoked")
	}
}

func TestGo(t *testing.T) {
	f := Go(func() (int, error) { return 42, nil })
	v, err := f.Wait(context.Background())
	if err != nil || v != 42 {
		t.Errorf("expected (42, nil), got (%d, %v)", v, err)
	}
}

func TestResolved(t *testing.T) {
	f := Resolved("x", nil)
	select {
	case <-f.Done():
	default:
		t.Fatal("expected Done to be closed")
	}
}
