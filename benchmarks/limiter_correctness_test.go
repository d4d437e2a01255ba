package benchmarks

import (
	"sync"
	"sync/atomic"
	"testing"

	"fetchkit"
)

// TestBucket_NoOverAdmissionUnderContention hammers one bucket from many
// goroutines and verifies the admission count never exceeds the burst.
// The refill rate is near zero so the budget is effectively fixed for the
// duration of the test.
func TestBucket_NoOverAdmissionUnderContention(t *testing.T) {
	const burst = 1000
	bucket := fetchkit.NewBucket(fetchkit.Profile{
		InitialRPS: 0.001,
		MaxRPS:     1,
		Burst:      burst,
	})
	defer bucket.Close()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 64; i++ {
				if bucket.TryConsume() {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != burst {
		t.Fatalf("admitted = %d, want exactly %d", got, burst)
	}
}

// TestFloorLimiter_ExhaustsExactly verifies the benchmark baseline drains
// its allowance one admission at a time and then refuses.
func TestFloorLimiter_ExhaustsExactly(t *testing.T) {
	l := newFloorLimiter(3)
	for i := 0; i < 3; i++ {
		if !l.allow() {
			t.Fatalf("allow() call %d = false, want true", i+1)
		}
	}
	if l.allow() {
		t.Fatal("allow() past the allowance = true, want false")
	}
	if got := l.remaining(); got != 0 {
		t.Fatalf("remaining() = %d, want 0", got)
	}
}
