package keylock

import (
	"sync"
	"testing"
)

func TestLockSerializesSameKey(t *testing.T) {
	kl := New()
	counter := 0
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := kl.Lock("rx-1")
			defer unlock()
			v := counter
			v++
			counter = v
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
	if kl.Len() != 0 {
		t.Errorf("expected no tracked keys after release, got %d", kl.Len())
	}
}

func TestLockIndependentKeys(t *testing.T) {
	kl := New()
	unlockA := kl.Lock("a")

	done := make(chan struct{})
	go func() {
		unlockB := kl.Lock("b")
		unlockB()
		close(done)
	}()
	<-done

	if kl.Len() != 1 {
		t.Errorf("expected 1 tracked key, got %d", kl.Len())
	}
	unlockA()
}

func TestUnlockIsIdempotent(t *testing.T) {
	kl := New()
	unlock := kl.Lock("a")
	unlock()
	unlock()

	relock := kl.Lock("a")
	relock()
	if kl.Len() != 0 {
		t.Errorf("expected no tracked keys, got %d", kl.Len())
	}
}
