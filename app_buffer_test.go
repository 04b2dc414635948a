package picodaq

import (
	"testing"
	"time"
)

// fillChunk writes a recognizable value into every sample of a one-channel
// chunk.
func fillChunk(value float32) func(*AcquisitionChunk) {
	return func(c *AcquisitionChunk) {
		for i := range c.Analog[0] {
			c.Analog[0][i] = value
			c.AnalogError[0][i] = value / 100
		}
		c.Status[0] = 0
		c.Timestamp = int64(value)
	}
}

func consumeOne(b *AppBuffer, size int) (lost int, first float32, err error) {
	vals := [][]float32{make([]float32, size)}
	errs := [][]float32{make([]float32, size)}
	status := make([]uint32, 1)
	lost, _, err = b.GetDataChunk(vals, errs, nil, status)
	return lost, vals[0][0], err
}

func TestAppBufferFIFO(t *testing.T) {
	b := NewAppBuffer()
	b.Initialize(1, 0, 16, 4)
	for i := 1; i <= 3; i++ {
		b.Push(fillChunk(float32(i)))
	}
	for i := 1; i <= 3; i++ {
		lost, first, err := consumeOne(b, 16)
		if err != nil {
			t.Fatalf("GetDataChunk returned error %v", err)
		}
		if lost != 0 {
			t.Errorf("chunk %d reported %d lost, want 0", i, lost)
		}
		if first != float32(i) {
			t.Errorf("chunk %d carries value %v, want %v", i, first, float32(i))
		}
	}
}

// TestAppBufferOverflow checks the lost accounting: with 4 buffers, pushing
// 6 chunks before the consumer runs loses exactly the 2 oldest.
func TestAppBufferOverflow(t *testing.T) {
	b := NewAppBuffer()
	b.Initialize(1, 0, 16, 4)
	for i := 1; i <= 6; i++ {
		b.Push(fillChunk(float32(i)))
	}

	lost, first, err := consumeOne(b, 16)
	if err != nil {
		t.Fatalf("GetDataChunk returned error %v", err)
	}
	if lost != 2 {
		t.Errorf("first dequeue reported %d lost, want 2", lost)
	}
	if first != 3 {
		t.Errorf("first surviving chunk carries value %v, want 3", first)
	}
	for i := 4; i <= 6; i++ {
		lost, first, err := consumeOne(b, 16)
		if err != nil {
			t.Fatalf("GetDataChunk returned error %v", err)
		}
		if lost != 0 {
			t.Errorf("subsequent dequeue reported %d lost, want 0", lost)
		}
		if first != float32(i) {
			t.Errorf("chunk carries value %v, want %v", first, float32(i))
		}
	}
}

func TestAppBufferNotifyDiscardsData(t *testing.T) {
	b := NewAppBuffer()
	b.Initialize(1, 0, 16, 4)
	b.Push(fillChunk(1))
	b.Push(fillChunk(2))

	stop := acqErrorf(ErrStopped, "stop", "")
	b.NotifyDataReady(stop)
	if err := b.WaitDataReady(); CodeOf(err) != ErrStopped {
		t.Errorf("WaitDataReady returned %v, want stopped", err)
	}

	// the buffered chunks were discarded together with the notification
	got := make(chan error, 1)
	go func() { got <- b.WaitDataReady() }()
	select {
	case err := <-got:
		t.Errorf("WaitDataReady returned %v, want it to block on an empty buffer", err)
	case <-time.After(20 * time.Millisecond):
	}
	b.NotifyDataReady(acqErrorf(ErrStopped, "stop", ""))
	if err := <-got; CodeOf(err) != ErrStopped {
		t.Errorf("WaitDataReady after second notify returned %v, want stopped", err)
	}
}

func TestAppBufferNilNotifyClearsError(t *testing.T) {
	b := NewAppBuffer()
	b.Initialize(1, 0, 16, 4)
	b.NotifyDataReady(acqErrorf(ErrWatchdog, "poll", ""))
	b.NotifyDataReady(nil) // arm clears the error condition
	b.Push(fillChunk(7))
	if err := b.WaitDataReady(); err != nil {
		t.Errorf("WaitDataReady returned %v after the error was cleared, want nil", err)
	}
}

func TestAppBufferBlockingConsumer(t *testing.T) {
	b := NewAppBuffer()
	b.Initialize(1, 0, 16, 4)

	type result struct {
		first float32
		err   error
	}
	got := make(chan result, 1)
	go func() {
		_, first, err := consumeOne(b, 16)
		got <- result{first, err}
	}()

	time.Sleep(10 * time.Millisecond)
	b.Push(fillChunk(9))
	select {
	case r := <-got:
		if r.err != nil {
			t.Fatalf("GetDataChunk returned error %v", r.err)
		}
		if r.first != 9 {
			t.Errorf("consumer read value %v, want 9", r.first)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer did not wake after Push")
	}
}
