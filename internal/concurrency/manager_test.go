package concurrency

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireReleaseUserSlot(t *testing.T) {
	m := NewManager(ConcurrencyConfig{
		UserMax:      1,
		AccountMax:   1,
		MaxWaitQueue: 5,
		WaitTimeout:  time.Second,
		BackoffBase:  5 * time.Millisecond,
		BackoffMax:   20 * time.Millisecond,
	})
	defer m.Close()

	res, err := m.AcquireUserSlot(context.Background(), "u1")
	if err != nil || !res.Acquired {
		t.Fatalf("expected immediate acquire, got %+v, %v", res, err)
	}

	load := m.GetUserLoad("u1")
	if load.Current != 1 {
		t.Fatalf("expected current=1, got %d", load.Current)
	}

	m.ReleaseUserSlot("u1")
	load = m.GetUserLoad("u1")
	if load.Current != 0 {
		t.Fatalf("expected current=0 after release, got %d", load.Current)
	}
}

// TestAcquireBlocksUntilReleaseConcurrently exercises the channel
// semaphore under real concurrent acquire/release pairs, the scenario
// the former mutex+cond implementation corrupted (current/waiting
// mutated by a goroutine that did not hold the slot's lock).
func TestAcquireBlocksUntilReleaseConcurrently(t *testing.T) {
	m := NewManager(ConcurrencyConfig{
		UserMax:      2,
		AccountMax:   2,
		MaxWaitQueue: 50,
		WaitTimeout:  2 * time.Second,
		BackoffBase:  2 * time.Millisecond,
		BackoffMax:   10 * time.Millisecond,
	})
	defer m.Close()

	const goroutines = 20
	var wg sync.WaitGroup
	errs := make(chan error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			res, err := m.AcquireAccountSlot(ctx, "shared")
			if err != nil {
				errs <- err
				return
			}
			if !res.Acquired {
				errs <- nil
				return
			}
			time.Sleep(time.Millisecond)
			m.ReleaseAccountSlot("shared")
			errs <- nil
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected acquire error under contention: %v", err)
		}
	}

	load := m.GetAccountLoad([]string{"shared"})["shared"]
	if load.Current != 0 {
		t.Fatalf("expected all slots released, got current=%d", load.Current)
	}
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	m := NewManager(ConcurrencyConfig{
		UserMax:      1,
		AccountMax:   1,
		MaxWaitQueue: 5,
		WaitTimeout:  50 * time.Millisecond,
		BackoffBase:  5 * time.Millisecond,
		BackoffMax:   10 * time.Millisecond,
	})
	defer m.Close()

	if _, err := m.AcquireUserSlot(context.Background(), "u2"); err != nil {
		t.Fatalf("expected first acquire to succeed: %v", err)
	}

	_, err := m.AcquireUserSlot(context.Background(), "u2")
	if err == nil {
		t.Fatalf("expected timeout error when slot is held and never released")
	}
}

func TestAcquireAfterCloseFails(t *testing.T) {
	m := NewManager(DefaultConcurrencyConfig())
	m.Close()

	if _, err := m.AcquireUserSlot(context.Background(), "u3"); err == nil {
		t.Fatalf("expected acquire on a closed manager to fail")
	}
}
