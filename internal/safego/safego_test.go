package safego

import (
	"sync"
	"testing"
	"time"
)

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not complete within timeout")
	}
}

func TestGo_RunsFunction(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)

	ran := false
	Go("test-run", func() {
		defer wg.Done()
		ran = true
	})

	waitOrFail(t, &wg)
	if !ran {
		t.Error("function was not executed")
	}
}

func TestGo_RecoversPanic(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)

	// must not crash the test binary
	Go("test-panic", func() {
		defer wg.Done()
		panic("intentional panic in test")
	})

	waitOrFail(t, &wg)
}

func TestRecover_NoPanicIsNoop(t *testing.T) {
	func() {
		defer Recover("noop")
	}()
}
