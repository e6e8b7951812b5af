package backoff

import (
	"testing"
	"time"
)

func TestNext_DoublesAndCaps(t *testing.T) {
	t.Parallel()

	b := New(5*time.Second, 60*time.Second)
	want := []time.Duration{5, 10, 20, 40, 60, 60}
	for i, w := range want {
		if got := b.Next(); got != w*time.Second {
			t.Fatalf("call %d: got %v, want %v", i, got, w*time.Second)
		}
	}
}

func TestReset_RestartsAtMin(t *testing.T) {
	t.Parallel()

	b := New(time.Second, 10*time.Second)
	b.Next()
	b.Next()
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Fatalf("got %v, want %v after Reset", got, time.Second)
	}
}
