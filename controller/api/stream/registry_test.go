package stream

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-test/deep"
)

func TestRegistryAttachDetach(t *testing.T) {
	reg := NewRegistry(MatchExact, "registry-attach-detach")

	q1 := NewQueue(1)
	q2 := NewQueue(1)
	reg.Attach("WTVB01-001", q1)
	reg.Attach("WTVB01-001", q2)

	if reg.Len() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", reg.Len())
	}
	if diff := deep.Equal(reg.Keys(), []string{"WTVB01-001"}); diff != nil {
		t.Fatalf("unexpected keys: %v", diff)
	}

	reg.Detach("WTVB01-001", q1)
	if reg.Len() != 1 {
		t.Fatalf("expected 1 subscriber after detach, got %d", reg.Len())
	}

	// A queue can only be detached once; a second detach is a no-op.
	reg.Detach("WTVB01-001", q1)
	if reg.Len() != 1 {
		t.Fatalf("expected repeated detach to be a no-op, got %d subscribers", reg.Len())
	}

	reg.Detach("WTVB01-001", q2)
	if reg.Len() != 0 {
		t.Fatalf("expected 0 subscribers after final detach, got %d", reg.Len())
	}
	if len(reg.Keys()) != 0 {
		t.Fatalf("expected empty key set, got %v", reg.Keys())
	}
}

func TestRegistryDetachRemovesOnlyTarget(t *testing.T) {
	reg := NewRegistry(MatchExact, "registry-detach-target")

	q1 := NewQueue(1)
	q2 := NewQueue(1)
	q3 := NewQueue(1)
	reg.Attach("A", q1)
	reg.Attach("A", q2)
	reg.Attach("A", q3)

	reg.Detach("A", q2)

	queues := reg.Fanout("A")
	if len(queues) != 2 {
		t.Fatalf("expected 2 queues, got %d", len(queues))
	}
	if queues[0] != q1 || queues[1] != q3 {
		t.Fatal("expected detach to remove only the target queue, preserving order")
	}
}

func TestRegistryFanoutExact(t *testing.T) {
	reg := NewRegistry(MatchExact, "registry-fanout-exact")

	q1 := NewQueue(1)
	q2 := NewQueue(1)
	q3 := NewQueue(1)
	reg.Attach("WTVB01-001", q1)
	reg.Attach("WTVB01-001", q2)
	reg.Attach("WTVB01-002", q3)

	queues := reg.Fanout("WTVB01-001")
	if len(queues) != 2 {
		t.Fatalf("expected 2 queues, got %d", len(queues))
	}
	if queues[0] != q1 || queues[1] != q2 {
		t.Fatal("expected fan-out to preserve attach order")
	}

	if queues := reg.Fanout("WTVB01-003"); len(queues) != 0 {
		t.Fatalf("expected no queues for unmatched key, got %d", len(queues))
	}
}

func TestRegistryFanoutPrefix(t *testing.T) {
	reg := NewRegistry(MatchPrefix, "registry-fanout-prefix")

	all := NewQueue(1)
	temp := NewQueue(1)
	other := NewQueue(1)
	reg.Attach("WTVB01-001|", all)
	reg.Attach("WTVB01-001|temp", temp)
	reg.Attach("WTVB01-002|", other)

	// A temp reading reaches both the unfiltered and the temp subscription.
	queues := reg.Fanout("WTVB01-001|temp")
	if len(queues) != 2 {
		t.Fatalf("expected 2 queues, got %d", len(queues))
	}
	if queues[0] != all || queues[1] != temp {
		t.Fatal("expected prefix fan-out to walk subscription keys in sorted order")
	}

	// An avail reading only reaches the unfiltered subscription.
	queues = reg.Fanout("WTVB01-001|avail")
	if len(queues) != 1 || queues[0] != all {
		t.Fatal("expected avail reading to reach only the unfiltered subscription")
	}

	if queues := reg.Fanout("WTVB01-003|temp"); len(queues) != 0 {
		t.Fatalf("expected no queues for unmatched asset, got %d", len(queues))
	}
}

func TestRegistryFanoutSnapshot(t *testing.T) {
	reg := NewRegistry(MatchExact, "registry-fanout-snapshot")

	q := NewQueue(1)
	reg.Attach("A", q)

	queues := reg.Fanout("A")
	reg.Detach("A", q)

	// The snapshot taken before the detach is not invalidated by it.
	if len(queues) != 1 || queues[0] != q {
		t.Fatal("expected fan-out snapshot to survive a concurrent detach")
	}
}

func TestRegistryConcurrentAttachDetach(t *testing.T) {
	reg := NewRegistry(MatchExact, "registry-concurrent")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("asset-%d", n%4)
			q := NewQueue(1)
			reg.Attach(key, q)
			reg.Fanout(key)
			reg.Detach(key, q)
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for concurrent attach/detach to finish")
	}

	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %d subscribers", reg.Len())
	}
}

func TestParseMode(t *testing.T) {
	testCases := []struct {
		raw      string
		expected Mode
		err      bool
	}{
		{"exact", MatchExact, false},
		{"prefix", MatchPrefix, false},
		{"fuzzy", MatchExact, true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.raw, func(t *testing.T) {
			mode, err := ParseMode(tc.raw)
			if tc.err {
				if err == nil {
					t.Fatalf("expected error parsing %q", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if mode != tc.expected {
				t.Fatalf("expected %s, got %s", tc.expected, mode)
			}
		})
	}
}
