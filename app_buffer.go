package picodaq

import "sync"

// AcquisitionChunk is the unit of transfer between the driver callback and
// the work function: one buffer-size slice of every enabled channel and
// port, with per-channel status and the capture timestamp. The AppBuffer
// owns the chunk storage; producers fill slots handed to them.
type AcquisitionChunk struct {
	Analog      [][]float32 // one slice per enabled analog channel, volts
	AnalogError [][]float32 // estimated error per enabled analog channel, volts
	Digital     [][]byte    // one packed slice per enabled digital port
	Status      []uint32    // per enabled analog channel
	Timestamp   int64       // UTC ns at capture
}

// AppBuffer is the bounded multi-channel ring between the driver callback
// (producer) and Work (consumer). It holds at most nrBuffers chunks; when
// the producer outruns the consumer the oldest chunk is overwritten and
// counted as lost, never dropped silently.
//
// A single condition carries both "data available" and an injected error
// (Stopped, Watchdog, driver failures). On an error notification any
// in-flight chunks are discarded and the error is handed to the consumer.
type AppBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	chunks []*AcquisitionChunk
	ridx   int // index of the oldest unconsumed chunk
	count  int // unconsumed chunks; invariant 0 <= count <= len(chunks)
	lost   int // chunks overwritten since the last dequeue

	pendErr error
}

// NewAppBuffer returns an uninitialized buffer; Initialize must be called
// before use.
func NewAppBuffer() *AppBuffer {
	b := &AppBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Initialize sizes the ring for the current channel configuration and
// clears it: nAnalog enabled channels, nDigital enabled ports, size samples
// per chunk, nrBuffers chunks. Safe to call again after channel changes.
func (b *AppBuffer) Initialize(nAnalog, nDigital, size, nrBuffers int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = make([]*AcquisitionChunk, nrBuffers)
	for i := range b.chunks {
		c := &AcquisitionChunk{
			Analog:      make([][]float32, nAnalog),
			AnalogError: make([][]float32, nAnalog),
			Digital:     make([][]byte, nDigital),
			Status:      make([]uint32, nAnalog),
		}
		for j := 0; j < nAnalog; j++ {
			c.Analog[j] = make([]float32, size)
			c.AnalogError[j] = make([]float32, size)
		}
		for j := 0; j < nDigital; j++ {
			c.Digital[j] = make([]byte, size)
		}
		b.chunks[i] = c
	}
	b.ridx = 0
	b.count = 0
	b.lost = 0
	b.pendErr = nil
}

// Push enqueues one chunk. fill is invoked under the buffer lock with the
// slot to write; producer writes therefore happen-before any consumer
// observation of the chunk. If the ring is full the oldest chunk is
// overwritten and the lost counter incremented.
func (b *AppBuffer) Push(fill func(*AcquisitionChunk)) {
	b.mu.Lock()
	if b.count == len(b.chunks) {
		b.ridx = (b.ridx + 1) % len(b.chunks)
		b.count--
		b.lost++
	}
	fill(b.chunks[(b.ridx+b.count)%len(b.chunks)])
	b.count++
	b.mu.Unlock()
	b.cond.Broadcast()
}

// NotifyDataReady wakes the consumer with an error, or clears a pending
// error when err is nil (done at arm time). A non-nil error discards any
// buffered chunks.
func (b *AppBuffer) NotifyDataReady(err error) {
	b.mu.Lock()
	b.pendErr = err
	if err != nil {
		b.count = 0
	}
	b.mu.Unlock()
	b.cond.Broadcast()
}

// WaitDataReady blocks until a chunk is available or an error has been
// injected. It returns nil when data is ready; an injected error is
// consumed and returned.
func (b *AppBuffer) WaitDataReady() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.count == 0 && b.pendErr == nil {
		b.cond.Wait()
	}
	if err := b.pendErr; err != nil {
		b.pendErr = nil
		return err
	}
	return nil
}

// GetDataChunk consumes one chunk, copying its samples into the supplied
// slots (one slice per enabled channel/port, each at least chunk-sized) and
// its per-channel status into status. It blocks while the ring is empty.
// The returned lost count is the number of chunks overwritten since the
// previous dequeue; the counter resets to zero.
func (b *AppBuffer) GetDataChunk(analog, analogErr [][]float32, digital [][]byte, status []uint32) (lost int, timestamp int64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.count == 0 && b.pendErr == nil {
		b.cond.Wait()
	}
	if err := b.pendErr; err != nil {
		b.pendErr = nil
		return 0, 0, err
	}

	c := b.chunks[b.ridx]
	for i := range analog {
		copy(analog[i], c.Analog[i])
	}
	for i := range analogErr {
		copy(analogErr[i], c.AnalogError[i])
	}
	for i := range digital {
		copy(digital[i], c.Digital[i])
	}
	copy(status, c.Status)

	b.ridx = (b.ridx + 1) % len(b.chunks)
	b.count--
	lost = b.lost
	b.lost = 0
	return lost, c.Timestamp, nil
}
