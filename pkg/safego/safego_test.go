package safego

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestGoRecoversPanic(t *testing.T) {
	logger := zap.NewNop()

	entered := make(chan struct{})
	Go(logger, "exploding", func() {
		close(entered)
		panic("boom")
	})

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not run")
	}

	// A panic without recovery would have crashed the test binary; a
	// follow-up launch proves the process survived.
	done := make(chan struct{})
	Go(logger, "follow-up", func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("follow-up goroutine did not run")
	}
}
