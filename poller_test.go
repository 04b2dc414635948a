package picodaq

import (
	"testing"
	"time"
)

func TestPollerStateDance(t *testing.T) {
	drv := &SimDriver{}
	blk := NewBlock(drv, 1, 0, false)
	p := blk.poller

	p.start()
	p.start() // idempotent

	// idle: no driver traffic
	time.Sleep(5 * time.Millisecond)
	if polls := drv.Stats().Polls; polls != 0 {
		t.Errorf("poller polled %d times while idle, want 0", polls)
	}

	p.toRunning()
	time.Sleep(20 * time.Millisecond)
	if polls := drv.Stats().Polls; polls == 0 {
		t.Error("poller did not poll while running")
	}

	// toIdle returns only after the loop acknowledged; no polls can happen
	// afterwards
	p.toIdle()
	quiesced := drv.Stats().Polls
	time.Sleep(10 * time.Millisecond)
	if polls := drv.Stats().Polls; polls != quiesced {
		t.Errorf("poller polled %d more times after idle ack", polls-quiesced)
	}

	p.stop()
	p.stop() // no-op after join
}

func TestPollerTransitionsWithoutGoroutine(t *testing.T) {
	blk := NewBlock(&SimDriver{}, 1, 0, false)
	p := blk.poller

	// none of these may block when the goroutine was never started
	done := make(chan struct{})
	go func() {
		p.toRunning()
		p.toIdle()
		p.stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller transitions blocked without a running goroutine")
	}
}
