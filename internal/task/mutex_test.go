package task

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMutex_ExcludesConcurrentHoldersOfSameKey(t *testing.T) {
	m := NewMutex()

	var holders int32
	var maxObserved int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Acquire(context.Background(), "k")
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			defer release()

			n := atomic.AddInt32(&holders, 1)
			for {
				cur := atomic.LoadInt32(&maxObserved)
				if n <= cur || atomic.CompareAndSwapInt32(&maxObserved, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&holders, -1)
		}()
	}
	wg.Wait()

	if maxObserved != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", maxObserved)
	}
}

func TestMutex_DifferentKeysDoNotBlockEachOther(t *testing.T) {
	m := NewMutex()
	releaseA, err := m.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("Acquire(a): %v", err)
	}
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB, err := m.Acquire(context.Background(), "b")
		if err != nil {
			t.Errorf("Acquire(b): %v", err)
			return
		}
		releaseB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquiring a different key should not block behind key a")
	}
}

func TestMutex_ReleaseIsIdempotent(t *testing.T) {
	m := NewMutex()
	release, err := m.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()
	release() // must not panic or deadlock a subsequent acquire

	done := make(chan struct{})
	go func() {
		release2, err := m.Acquire(context.Background(), "k")
		if err != nil {
			t.Errorf("Acquire after double release: %v", err)
			return
		}
		release2()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("key should be free after idempotent release")
	}
}

func TestMutex_AcquireRespectsContextCancellation(t *testing.T) {
	m := NewMutex()
	release, err := m.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = m.Acquire(ctx, "k")
	if err == nil {
		t.Fatal("expected context deadline error while key is held")
	}
}
