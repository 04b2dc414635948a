package picodaq

// Channel status bits reported by drivers alongside sample data.
const (
	StatusOverflow            uint32 = 0x01 // overvoltage occurred on the channel
	StatusRealignmentError    uint32 = 0x02 // not enough pre/post samples for realignment
	StatusNotAllDataExtracted uint32 = 0x04 // insufficient buffer size to extract all samples
	StatusTimeoutWaitingEvent uint32 = 0x08 // timed out waiting for a realignment event
)

// DriverSink is the surface a streaming backend feeds from its callback
// thread: deposit chunks, report the measured callback rate, and signal
// rapid-block completion. The block implements it; drivers never see more
// of the block than this.
type DriverSink interface {
	// PushChunk enqueues one chunk into the application buffer. The sink
	// owns the chunk storage; fill is called with the slot to write, under
	// the buffer lock.
	PushChunk(fill func(*AcquisitionChunk))

	// RecordSampleRate feeds one measured sample-rate value (Hz) to the
	// watchdog estimator.
	RecordSampleRate(rate float64)

	// NotifyDataReady signals that a rapid-block capture sequence has
	// completed. A nil error means success.
	NotifyDataReady(err error)
}

// DriverConfig is the settings snapshot handed to Driver.Configure, plus the
// sink the driver feeds while armed.
type DriverConfig struct {
	Acquisition AcquisitionSettings
	Channels    []ChannelSettings
	Ports       []PortSettings
	Trigger     TriggerSettings
	Sink        DriverSink
}

// DriverAcceptance reports what the device actually granted at configure
// time. ActualRanges has one entry per analog channel.
type DriverAcceptance struct {
	ActualSampleRate float64
	ActualRanges     []float64
}

// Driver is the capability set required of a device backend. The 3000, 4000
// and 6000 families are independent implementations of this interface,
// selected at block construction; the core knows nothing else about them.
//
// Every method returns a structured error (AcqError) on failure, never
// panics. While armed in streaming mode, Poll may synchronously invoke the
// per-buffer callback path, which deposits ready chunks through the
// configured DriverSink.
type Driver interface {
	// Initialize opens the physical device.
	Initialize() error

	// Configure pushes the settings snapshot to the device and reports what
	// was accepted. After a successful Configure the discrete range values
	// in the acceptance are binding.
	Configure(cfg DriverConfig) (DriverAcceptance, error)

	// Arm starts acquisition; Disarm halts it; Close releases the device.
	Arm() error
	Disarm() error
	Close() error

	// Poll services the device in streaming mode. Called repeatedly by the
	// poller task while running.
	Poll() error

	// PrefetchBlock asks the driver to begin materializing one captured
	// waveform (rapid block). Drivers may treat this as a no-op.
	PrefetchBlock(nsamples, waveform int) error

	// RapidBlockData fills the first nsamples of each enabled output slot
	// with data from the given waveform, starting at offset within the
	// waveform, and writes per-channel status bits into status (one entry
	// per analog channel).
	RapidBlockData(offset, nsamples, waveform int, outputs []OutputSlot, status []uint32) error
}
