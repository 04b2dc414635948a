package picodaq

import "github.com/oklog/ulid/v2"

// The configuration surface of the block. Every setter validates its
// arguments, requires the block to be disarmed, and leaves all state
// unchanged on failure. The driver sees the settings at the next Configure.

func (b *Block) failIfArmed(op string) error {
	if b.armed {
		return acqErrorf(ErrState, op, "settings are read-only while armed")
	}
	return nil
}

// SetSampRate sets the requested sample rate in Hz.
func (b *Block) SetSampRate(rate float64) error {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	if err := b.failIfArmed("set_samp_rate"); err != nil {
		return err
	}
	if rate <= 0 {
		return acqErrorf(ErrInvalidArgument, "set_samp_rate", "sample rate should be greater than zero")
	}
	b.settings.SampRate = rate
	b.settings.ActualSampRate = rate
	return nil
}

// SetSamples sets the post- and pre-trigger sample counts for rapid-block
// captures. The streaming buffer size follows as post+pre.
func (b *Block) SetSamples(postSamples, preSamples int) error {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	if err := b.failIfArmed("set_samples"); err != nil {
		return err
	}
	if postSamples < 1 {
		return acqErrorf(ErrInvalidArgument, "set_samples", "post-trigger samples can't be less than one")
	}
	if preSamples < 0 {
		return acqErrorf(ErrInvalidArgument, "set_samples", "pre-trigger samples can't be less than zero")
	}
	b.settings.PostSamples = postSamples
	b.settings.PreSamples = preSamples
	b.settings.BufferSize = postSamples + preSamples
	return nil
}

// SetBufferSize sets the streaming chunk size in samples.
func (b *Block) SetBufferSize(n int) error {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	if err := b.failIfArmed("set_buffer_size"); err != nil {
		return err
	}
	if n < 0 {
		return acqErrorf(ErrInvalidArgument, "set_buffer_size", "buffer size can't be negative")
	}
	b.settings.BufferSize = n
	return nil
}

// SetNrBuffers sets how many chunks the application buffer holds.
func (b *Block) SetNrBuffers(n int) error {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	if err := b.failIfArmed("set_nr_buffers"); err != nil {
		return err
	}
	if n < 1 {
		return acqErrorf(ErrInvalidArgument, "set_nr_buffers", "number of buffers should be at least one")
	}
	b.settings.NrBuffers = n
	return nil
}

// SetDriverBufferSize sets the driver-side buffer size in samples.
func (b *Block) SetDriverBufferSize(n int) error {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	if err := b.failIfArmed("set_driver_buffer_size"); err != nil {
		return err
	}
	if n < 1 {
		return acqErrorf(ErrInvalidArgument, "set_driver_buffer_size", "driver buffer size should be at least one")
	}
	b.settings.DriverBufferSize = n
	return nil
}

// SetStreaming selects continuous streaming with the given poll rate in
// seconds. The capture count is forced back to one.
func (b *Block) SetStreaming(pollRate float64) error {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	if err := b.failIfArmed("set_streaming"); err != nil {
		return err
	}
	if pollRate < 0 {
		return acqErrorf(ErrInvalidArgument, "set_streaming", "poll rate can't be negative")
	}
	b.settings.Mode = Streaming
	b.settings.PollRate = pollRate
	// just in case
	b.settings.NrCaptures = 1
	return nil
}

// SetRapidBlock selects triggered rapid-block acquisition of nrCaptures
// waveforms per arm.
func (b *Block) SetRapidBlock(nrCaptures int) error {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	if err := b.failIfArmed("set_rapid_block"); err != nil {
		return err
	}
	if nrCaptures < 1 {
		return acqErrorf(ErrInvalidArgument, "set_rapid_block", "nr waveforms should be at least one")
	}
	b.settings.Mode = RapidBlock
	b.settings.NrCaptures = nrCaptures
	return nil
}

// SetDownsampling selects the hardware downsampling mode. The factor must
// be at least 2, except with DownsamplingNone where it is forced to 1.
func (b *Block) SetDownsampling(mode DownsamplingMode, factor int) error {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	if err := b.failIfArmed("set_downsampling"); err != nil {
		return err
	}
	if mode == DownsamplingNone {
		factor = 1
	} else if factor < 2 {
		return acqErrorf(ErrInvalidArgument, "set_downsampling", "downsampling factor should be at least 2")
	}
	b.settings.Downsampling = mode
	b.settings.DownsamplingFactor = factor
	return nil
}

// SetAichan configures one analog channel. The range must come from the
// device's discrete range set.
func (b *Block) SetAichan(id string, enabled bool, rng float64, dcCoupling bool, rangeOffset float64) error {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	if err := b.failIfArmed("set_aichan"); err != nil {
		return err
	}
	idx, err := aichanIndex(id)
	if err != nil {
		return err
	}
	if idx >= b.aiChannels {
		return acqErrorf(ErrInvalidArgument, "set_aichan", "channel %q not present on this device", id)
	}
	if !validAichanRange(rng) {
		return acqErrorf(ErrInvalidArgument, "set_aichan", "range %v V is not offered by the device", rng)
	}
	coupling := CouplingAC1M
	if dcCoupling {
		coupling = CouplingDC1M
	}
	b.channels[idx].Enabled = enabled
	b.channels[idx].Range = rng
	b.channels[idx].Offset = rangeOffset
	b.channels[idx].Coupling = coupling
	return nil
}

// SetAichanRange re-ranges one channel without touching its enable state or
// coupling.
func (b *Block) SetAichanRange(id string, rng, rangeOffset float64) error {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	if err := b.failIfArmed("set_aichan_range"); err != nil {
		return err
	}
	idx, err := aichanIndex(id)
	if err != nil {
		return err
	}
	if idx >= b.aiChannels {
		return acqErrorf(ErrInvalidArgument, "set_aichan_range", "channel %q not present on this device", id)
	}
	if !validAichanRange(rng) {
		return acqErrorf(ErrInvalidArgument, "set_aichan_range", "range %v V is not offered by the device", rng)
	}
	b.channels[idx].Range = rng
	b.channels[idx].Offset = rangeOffset
	return nil
}

// SetDiport configures one 8-bit digital port. id has the form "port<d>".
func (b *Block) SetDiport(id string, enabled bool, threshVoltage float64) error {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	if err := b.failIfArmed("set_diport"); err != nil {
		return err
	}
	idx, err := portIndex(id)
	if err != nil {
		return err
	}
	if idx >= b.diPorts {
		return acqErrorf(ErrInvalidArgument, "set_diport", "port %q not present on this device", id)
	}
	b.ports[idx].Enabled = enabled
	b.ports[idx].LogicLevel = threshVoltage
	return nil
}

// SetAichanTrigger selects a software trigger on an analog channel.
func (b *Block) SetAichanTrigger(id string, direction TriggerDirection, threshold float64) error {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	if err := b.failIfArmed("set_aichan_trigger"); err != nil {
		return err
	}
	idx, err := aichanIndex(id)
	if err != nil {
		return err
	}
	if idx >= b.aiChannels {
		return acqErrorf(ErrInvalidArgument, "set_aichan_trigger", "channel %q not present on this device", id)
	}
	b.trigger = TriggerSettings{
		Source:    id,
		Threshold: threshold,
		Direction: direction,
	}
	return nil
}

// SetDiTrigger selects a software trigger on one digital pin.
func (b *Block) SetDiTrigger(pin int, direction TriggerDirection) error {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	if err := b.failIfArmed("set_di_trigger"); err != nil {
		return err
	}
	if pin < 0 || pin >= b.diPorts*8 {
		return acqErrorf(ErrInvalidArgument, "set_di_trigger", "pin %d out of range", pin)
	}
	b.trigger = TriggerSettings{
		Source:    TriggerSourceDigital,
		Direction: direction,
		PinNumber: pin,
	}
	return nil
}

// DisableTriggers removes any configured software trigger.
func (b *Block) DisableTriggers() error {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	if err := b.failIfArmed("disable_triggers"); err != nil {
		return err
	}
	b.trigger = TriggerSettings{Source: TriggerSourceNone}
	return nil
}

// SetAutoArm controls whether Start arms immediately (streaming) and
// whether every rapid-block wait rearms the device.
func (b *Block) SetAutoArm(autoArm bool) error {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	if err := b.failIfArmed("set_auto_arm"); err != nil {
		return err
	}
	b.settings.AutoArm = autoArm
	return nil
}

// SetTriggerOnce makes rapid-block mode produce a single capture sequence
// and then end the stream.
func (b *Block) SetTriggerOnce(once bool) error {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	if err := b.failIfArmed("set_trigger_once"); err != nil {
		return err
	}
	b.settings.TriggerOnce = once
	return nil
}

// SetWatchdogThreshold tunes the watchdog trip point as a fraction of the
// expected sample rate.
func (b *Block) SetWatchdogThreshold(fraction float64) error {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	if err := b.failIfArmed("set_watchdog_threshold"); err != nil {
		return err
	}
	if fraction <= 0 || fraction > 1 {
		return acqErrorf(ErrInvalidArgument, "set_watchdog_threshold", "threshold fraction should be in (0, 1]")
	}
	b.watchdogThreshold = fraction
	return nil
}

/**********************************************************************
 * Accessors
 **********************************************************************/

// Mode returns the configured acquisition mode.
func (b *Block) Mode() AcquisitionMode {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	return b.settings.Mode
}

// SampRate returns the actual (driver-accepted) sample rate in Hz.
func (b *Block) SampRate() float64 {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	return b.settings.ActualSampRate
}

// AutoArm reports whether auto-arm is set.
func (b *Block) AutoArm() bool {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	return b.settings.AutoArm
}

// IsArmed reports whether the device is acquiring.
func (b *Block) IsArmed() bool {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	return b.armed
}

// IsInitialized reports whether the device is open.
func (b *Block) IsInitialized() bool {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	return b.initialized
}

// Channel returns the current configuration of analog channel i.
func (b *Block) Channel(i int) ChannelSettings {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	return b.channels[i]
}

// Port returns the current configuration of digital port i.
func (b *Block) Port(i int) PortSettings {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	return b.ports[i]
}

// Errors returns a snapshot of the recent-error history, oldest first.
func (b *Block) Errors() []ErrorInfo {
	return b.errs.Snapshot()
}

// ConfigureErrorMessage returns the failure message of the last Start that
// returned false, or the empty string.
func (b *Block) ConfigureErrorMessage() string {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	return b.configureErrMsg
}

// CaptureID returns the ULID minted at the most recent arm.
func (b *Block) CaptureID() ulid.ULID {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	return b.captureID
}

// NOutputs returns the number of output slots the block produces: two per
// analog channel plus one per digital port.
func (b *Block) NOutputs() int {
	return 2*b.aiChannels + b.diPorts
}

// MakeOutputSlots allocates a slot set matching the block's output layout,
// each slot sized for n samples.
func (b *Block) MakeOutputSlots(n int) []OutputSlot {
	slots := make([]OutputSlot, b.NOutputs())
	for i := 0; i < 2*b.aiChannels; i++ {
		slots[i].Samples = make([]float32, n)
	}
	for p := 0; p < b.diPorts; p++ {
		slots[2*b.aiChannels+p].Bits = make([]byte, n)
	}
	return slots
}

/**********************************************************************
 * Derived quantities
 **********************************************************************/

func (b *Block) enabledAichanCount() int {
	count := 0
	for _, c := range b.channels {
		if c.Enabled {
			count++
		}
	}
	return count
}

func (b *Block) enabledDiportCount() int {
	count := 0
	for _, p := range b.ports {
		if p.Enabled {
			count++
		}
	}
	return count
}

func (b *Block) preTriggerSamplesDownsampled() int {
	if b.settings.Downsampling == DownsamplingNone {
		return b.settings.PreSamples
	}
	return b.settings.PreSamples / b.settings.DownsamplingFactor
}

func (b *Block) postTriggerSamplesDownsampled() int {
	if b.settings.Downsampling == DownsamplingNone {
		return b.settings.PostSamples
	}
	return b.settings.PostSamples / b.settings.DownsamplingFactor
}

// blockSize is the undecimated length of one rapid-block waveform.
func (b *Block) blockSize() int {
	return b.settings.PostSamples + b.settings.PreSamples
}

func (b *Block) blockSizeDownsampled() int {
	return b.preTriggerSamplesDownsampled() + b.postTriggerSamplesDownsampled()
}

// timebase is the output sample period in seconds:
// downsampling_factor / actual_sample_rate.
func (b *Block) timebase() float64 {
	if b.settings.Downsampling == DownsamplingNone {
		return 1.0 / b.settings.ActualSampRate
	}
	return float64(b.settings.DownsamplingFactor) / b.settings.ActualSampRate
}
