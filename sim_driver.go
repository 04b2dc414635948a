package picodaq

import (
	"sync"

	"gonum.org/v1/gonum/floats"
)

// SimDriver is a software backend that synthesizes data, standing in for a
// real device family in tests and when the daemon runs without hardware.
//
// In streaming mode every Poll deposits one chunk holding a ramp on each
// enabled channel and reports either the configured rate or EffectiveRate to the watchdog
// estimator. In rapid-block mode Arm synthesizes the capture sequence
// immediately and signals completion, so a Work call waiting on the block
// proceeds at once.
type SimDriver struct {
	// Silent makes Poll produce nothing, for tests that need a starved
	// consumer.
	Silent bool

	// EffectiveRate, when nonzero, is reported to the watchdog instead of
	// the configured sample rate.
	EffectiveRate float64

	// Fail* make the corresponding operation fail, for error-path tests.
	FailInitialize error
	FailConfigure  error
	FailArm        error

	mu       sync.Mutex
	cfg      DriverConfig
	open     bool
	armed    bool
	waveform []float32 // one rapid-block waveform, shared by all channels

	stats SimDriverStats
}

// SimDriverStats counts driver operations, for tests.
type SimDriverStats struct {
	Initializes int
	Configures  int
	Arms        int
	Disarms     int
	Closes      int
	Polls       int
	Prefetches  int
}

// Stats returns a snapshot of the operation counters.
func (d *SimDriver) Stats() SimDriverStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Initialize implements Driver.
func (d *SimDriver) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Initializes++
	if d.FailInitialize != nil {
		return d.FailInitialize
	}
	d.open = true
	return nil
}

// Configure implements Driver: the simulator accepts whatever was asked.
func (d *SimDriver) Configure(cfg DriverConfig) (DriverAcceptance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Configures++
	if !d.open {
		return DriverAcceptance{}, acqErrorf(ErrDriver, "configure", "device not open")
	}
	if d.FailConfigure != nil {
		return DriverAcceptance{}, d.FailConfigure
	}
	d.cfg = cfg
	acc := DriverAcceptance{
		ActualSampleRate: cfg.Acquisition.SampRate,
		ActualRanges:     make([]float64, len(cfg.Channels)),
	}
	for i, c := range cfg.Channels {
		acc.ActualRanges[i] = c.Range
	}
	return acc, nil
}

// Arm implements Driver. In rapid-block mode the capture sequence is
// synthesized here and completion signalled immediately.
func (d *SimDriver) Arm() error {
	d.mu.Lock()
	d.stats.Arms++
	if d.FailArm != nil {
		d.mu.Unlock()
		return d.FailArm
	}
	d.armed = true
	rapid := d.cfg.Acquisition.Mode == RapidBlock
	if rapid {
		// A saw ramp across the full waveform; the content only needs to
		// cross trigger thresholds somewhere.
		n := d.cfg.Acquisition.PreSamples + d.cfg.Acquisition.PostSamples
		span := floats.Span(make([]float64, n), -1, 1)
		d.waveform = make([]float32, n)
		for i, v := range span {
			d.waveform[i] = float32(v)
		}
	}
	sink := d.cfg.Sink
	d.mu.Unlock()

	if rapid && sink != nil {
		sink.NotifyDataReady(nil)
	}
	return nil
}

// Disarm implements Driver.
func (d *SimDriver) Disarm() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Disarms++
	d.armed = false
	return nil
}

// Close implements Driver.
func (d *SimDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Closes++
	d.open = false
	return nil
}

// Poll implements Driver: deposit one chunk of ramp data per call and feed
// the watchdog estimator.
func (d *SimDriver) Poll() error {
	d.mu.Lock()
	d.stats.Polls++
	cfg := d.cfg
	armed := d.armed
	silent := d.Silent
	rate := cfg.Acquisition.SampRate
	if d.EffectiveRate != 0 {
		rate = d.EffectiveRate
	}
	d.mu.Unlock()

	if !armed || silent || cfg.Sink == nil {
		return nil
	}

	size := cfg.Acquisition.BufferSize
	cfg.Sink.PushChunk(func(c *AcquisitionChunk) {
		for ch := range c.Analog {
			ramp := floats.Span(make([]float64, size), 0, 1)
			for i, v := range ramp {
				c.Analog[ch][i] = float32(v)
				c.AnalogError[ch][i] = 0.01
			}
		}
		for p := range c.Digital {
			for i := range c.Digital[p] {
				c.Digital[p][i] = byte(i)
			}
		}
		for i := range c.Status {
			c.Status[i] = 0
		}
		c.Timestamp = timestampUTCNS()
	})
	cfg.Sink.RecordSampleRate(rate)
	return nil
}

// PrefetchBlock implements Driver as a no-op, like real drivers may.
func (d *SimDriver) PrefetchBlock(nsamples, waveform int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Prefetches++
	return nil
}

// RapidBlockData implements Driver: copy a slice of the synthesized
// waveform into every enabled analog slot.
func (d *SimDriver) RapidBlockData(offset, nsamples, waveform int, outputs []OutputSlot, status []uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset+nsamples > len(d.waveform) {
		return acqErrorf(ErrDriver, "rapid block", "read past waveform end: offset %d + %d > %d",
			offset, nsamples, len(d.waveform))
	}
	for i, c := range d.cfg.Channels {
		if !c.Enabled || 2*i+1 >= len(outputs) {
			continue
		}
		copy(outputs[2*i].Samples[:nsamples], d.waveform[offset:offset+nsamples])
		for j := 0; j < nsamples; j++ {
			outputs[2*i+1].Samples[j] = 0.01
		}
	}
	for i := range status {
		status[i] = 0
	}
	return nil
}
