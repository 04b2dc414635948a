// Package picodaq implements the acquisition core for PicoScope-family
// digitizers used as the source node of a streaming signal-processing
// flowgraph: lifecycle control, a streaming pipeline with a sample-rate
// watchdog, a triggered rapid-block pipeline, software trigger detection,
// and sample metadata tagging. Device families plug in behind the Driver
// interface.
package picodaq

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/oklog/ulid/v2"
)

// averageHistoryLength is how many callback rate measurements the watchdog
// estimator averages over.
const averageHistoryLength = 100000

// DefaultWatchdogThreshold is the fraction of the expected sample rate the
// estimate may drop to before the watchdog rearms the device.
const DefaultWatchdogThreshold = 0.9

// Block drives one digitizer as a flowgraph source node. It owns the
// application buffer, the error history, the trigger detector, the poller
// task and the driver handle. The scheduler thread calls Work; a control
// thread calls the lifecycle methods and setters; driver callbacks feed the
// block through its DriverSink methods.
type Block struct {
	driver Driver

	aiChannels int
	diPorts    int

	configMu sync.Mutex // guards settings, channel/port/trigger configs, lifecycle flags
	settings AcquisitionSettings
	channels []ChannelSettings
	ports    []PortSettings
	trigger  TriggerSettings

	initialized bool
	armed       bool

	wasTriggeredOnce  bool
	timebasePublished bool
	nwritten          uint64 // absolute output-stream offset; never reset

	appBuffer *AppBuffer
	errs      *ErrorRing
	detector  triggerDetector
	bstate    rapidBlockState
	poller    *pollerTask

	// enabled-channel layout, fixed at arm time
	nEnabledAI  int
	nEnabledDI  int
	triggerChan int // analog trigger source channel, -1 if none

	// rapid-block completion condition
	readyMu      sync.Mutex
	readyCond    *sync.Cond
	dataReady    bool
	dataReadyErr error

	// watchdog state; the estimator is fed from driver callback threads
	watchdogMu        sync.Mutex
	estimatedRate     *MovingAverage
	watchdogThreshold float64

	// values the poll loop reads without taking configMu; written before
	// the poller is transitioned to running
	pollExpectedRate float64
	pollIntervalNS   int64

	captureID       ulid.ULID
	configureErrMsg string
	updates         chan<- ClientUpdate // set before Start, nil to disable
}

// NewBlock creates a block over the given driver with aiChannels analog
// channels and diPorts digital ports. autoArm makes Start arm the device
// immediately in streaming mode, and every rapid-block wait rearm it.
func NewBlock(driver Driver, aiChannels, diPorts int, autoArm bool) *Block {
	if aiChannels < 0 || aiChannels > MaxAIChannels {
		panic(fmt.Sprintf("NewBlock: %d analog channels, supported 0..%d", aiChannels, MaxAIChannels))
	}
	if diPorts < 0 || diPorts > MaxDIPorts {
		panic(fmt.Sprintf("NewBlock: %d digital ports, supported 0..%d", diPorts, MaxDIPorts))
	}
	b := &Block{
		driver:            driver,
		aiChannels:        aiChannels,
		diPorts:           diPorts,
		settings:          defaultAcquisitionSettings(),
		channels:          make([]ChannelSettings, aiChannels),
		ports:             make([]PortSettings, diPorts),
		trigger:           TriggerSettings{Source: TriggerSourceNone},
		appBuffer:         NewAppBuffer(),
		errs:              NewErrorRing(ErrorRingCapacity),
		estimatedRate:     NewMovingAverage(averageHistoryLength),
		watchdogThreshold: DefaultWatchdogThreshold,
		triggerChan:       -1,
	}
	b.settings.AutoArm = autoArm
	b.readyCond = sync.NewCond(&b.readyMu)
	b.poller = newPollerTask(b)
	return b
}

// PublishStatusTo directs lifecycle and diagnostic updates to ch. Sends
// never block; updates are dropped if the channel is full. Must be called
// before Start.
func (b *Block) PublishStatusTo(ch chan<- ClientUpdate) {
	b.updates = ch
}

func (b *Block) publish(tag string, state interface{}) {
	if b.updates == nil {
		return
	}
	select {
	case b.updates <- ClientUpdate{Tag: tag, State: state}:
	default:
	}
}

/**********************************************************************
 * Lifecycle
 **********************************************************************/

// Initialize opens the device. Idempotent after success.
func (b *Block) Initialize() error {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	if b.initialized {
		return nil
	}
	if err := b.driver.Initialize(); err != nil {
		b.errs.PushError(err)
		return acqErrorf(ErrDriver, "initialize", "%v", err)
	}
	b.initialized = true
	return nil
}

// Configure pushes the current settings to the device and sizes the
// application buffer for the enabled channels. Requires INITIALIZED and not
// ARMED. Configuring twice with identical settings is an observable no-op.
func (b *Block) Configure() error {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	if !b.initialized {
		return acqErrorf(ErrState, "configure", "initialize first")
	}
	if b.armed {
		return acqErrorf(ErrState, "configure", "disarm first")
	}

	cfg := DriverConfig{
		Acquisition: b.settings,
		Channels:    append([]ChannelSettings(nil), b.channels...),
		Ports:       append([]PortSettings(nil), b.ports...),
		Trigger:     b.trigger,
		Sink:        b,
	}
	acc, err := b.driver.Configure(cfg)
	if err != nil {
		b.errs.PushError(err)
		return acqErrorf(ErrDriver, "configure", "%v", err)
	}
	b.settings.ActualSampRate = acc.ActualSampleRate
	for i := range b.channels {
		if i < len(acc.ActualRanges) {
			b.channels[i].ActualRange = acc.ActualRanges[i]
		}
	}
	log.Println("digitizer configured:", spew.Sdump(acc))

	b.appBuffer.Initialize(b.enabledAichanCount(), b.enabledDiportCount(),
		b.settings.BufferSize, b.settings.NrBuffers)
	return nil
}

// Arm starts acquisition: primes the watchdog estimate to the expected
// rate, arms the driver, resets the trigger detector and the timebase tag,
// mints a fresh capture ID and (in streaming mode) sets the poller running.
// Idempotent while armed.
func (b *Block) Arm() error {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	return b.armLocked()
}

func (b *Block) armLocked() error {
	if b.armed {
		return nil
	}

	expected := b.settings.ActualSampRate
	b.watchdogMu.Lock()
	b.estimatedRate.Fill(expected)
	b.watchdogMu.Unlock()

	if err := b.driver.Arm(); err != nil {
		b.errs.PushError(err)
		return acqErrorf(ErrDriver, "arm", "%v", err)
	}

	b.armed = true
	b.timebasePublished = false
	b.captureID = ulid.Make()

	b.nEnabledAI = b.enabledAichanCount()
	b.nEnabledDI = b.enabledDiportCount()
	b.setupDetector()

	// clear any error condition left in the application buffer
	b.appBuffer.NotifyDataReady(nil)

	b.pollExpectedRate = expected
	b.pollIntervalNS = int64(b.settings.PollRate * 1e9)
	if b.settings.Mode == Streaming {
		b.poller.toRunning()
	}

	b.publish("STATE", StateUpdate{
		State:      "armed",
		CaptureID:  b.captureID.String(),
		SampleRate: expected,
		Mode:       b.settings.Mode.String(),
	})
	return nil
}

// setupDetector fixes the software trigger parameters for this arm cycle.
func (b *Block) setupDetector() {
	b.detector.reset()
	b.detector.direction = b.trigger.Direction
	b.triggerChan = -1
	switch {
	case b.trigger.Digital():
		b.detector.mask = 1 << uint(b.trigger.PinNumber%8)
	case b.trigger.Analog():
		idx, err := aichanIndex(b.trigger.Source)
		if err != nil {
			// AUX triggers are handled in hardware; nothing to detect here.
			return
		}
		b.triggerChan = idx
		b.detector.threshold = b.trigger.Threshold
		b.detector.band = b.channels[idx].ActualRange / 100
	}
}

// Disarm halts acquisition. Driver failures are recorded and logged but do
// not fail the transition. Idempotent while disarmed.
func (b *Block) Disarm() {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	b.disarmLocked()
}

func (b *Block) disarmLocked() {
	if !b.armed {
		return
	}
	if b.settings.Mode == Streaming {
		b.poller.toIdle()
	}
	if err := b.driver.Disarm(); err != nil {
		b.errs.PushError(err)
		ProblemLogger.Printf("disarm failed: %v", err)
	}
	b.armed = false
	b.publish("STATE", StateUpdate{State: "disarmed", CaptureID: b.captureID.String()})
}

// Close releases the device from any state.
func (b *Block) Close() {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	if err := b.driver.Close(); err != nil {
		b.errs.PushError(err)
		ProblemLogger.Printf("close failed: %v", err)
	}
	b.initialized = false
}

// Start brings the block into operation: initialize, configure, launch the
// poller (streaming) and arm if auto-arm is set. Any failure is caught,
// its message stored for ConfigureErrorMessage, and false returned; the
// poller is stopped and an opened device closed again, so no partial state
// persists.
func (b *Block) Start() bool {
	err := func() error {
		if err := b.Initialize(); err != nil {
			return err
		}
		if err := b.Configure(); err != nil {
			return err
		}

		// Needed in case start/stop is cycled without rebuilding the block.
		b.configMu.Lock()
		b.wasTriggeredOnce = false
		b.configMu.Unlock()
		b.clearDataReady()

		if b.Mode() == Streaming {
			b.poller.start()
			if b.AutoArm() {
				return b.Arm()
			}
		}
		return nil
	}()
	if err != nil {
		b.poller.stop()
		if b.IsInitialized() {
			b.Close()
		}
		b.configMu.Lock()
		b.configureErrMsg = err.Error()
		b.configMu.Unlock()
		log.Printf("digitizer start failed: %v", err)
		return false
	}
	return true
}

// Stop cooperatively cancels acquisition: any blocked Work call returns
// end-of-stream, the device is disarmed, and the poller is joined.
func (b *Block) Stop() bool {
	b.configMu.Lock()
	if !b.initialized {
		b.configMu.Unlock()
		return true
	}
	if b.armed {
		// Unblock the worker before disarming, so a Work call parked on
		// either wait observes the stop immediately.
		stopErr := &AcqError{Code: ErrStopped, Op: "stop"}
		b.NotifyDataReady(stopErr)
		b.appBuffer.NotifyDataReady(stopErr)
		b.disarmLocked()
	}
	streaming := b.settings.Mode == Streaming
	b.configureErrMsg = ""
	b.configMu.Unlock()

	if streaming {
		b.poller.stop()
	}
	return true
}

/**********************************************************************
 * Driver sink
 **********************************************************************/

// PushChunk implements DriverSink by forwarding to the application buffer.
func (b *Block) PushChunk(fill func(*AcquisitionChunk)) {
	b.appBuffer.Push(fill)
}

// RecordSampleRate implements DriverSink: one measured callback rate value
// for the watchdog estimator.
func (b *Block) RecordSampleRate(rate float64) {
	b.watchdogMu.Lock()
	b.estimatedRate.Add(rate)
	b.watchdogMu.Unlock()
}

// NotifyDataReady implements DriverSink: a rapid-block capture sequence
// completed (nil) or failed. Also used by Stop to abort a blocked wait.
func (b *Block) NotifyDataReady(err error) {
	if err != nil {
		b.errs.PushError(err)
	}
	b.readyMu.Lock()
	b.dataReady = true
	b.dataReadyErr = err
	b.readyMu.Unlock()
	b.readyCond.Signal()
}

func (b *Block) waitDataReady() error {
	b.readyMu.Lock()
	defer b.readyMu.Unlock()
	for !b.dataReady {
		b.readyCond.Wait()
	}
	return b.dataReadyErr
}

func (b *Block) clearDataReady() {
	b.readyMu.Lock()
	b.dataReady = false
	b.dataReadyErr = nil
	b.readyMu.Unlock()
}

/**********************************************************************
 * Poll loop body (runs on the poller goroutine)
 **********************************************************************/

func (b *Block) pollInterval() time.Duration {
	return time.Duration(b.pollIntervalNS)
}

// pollOnce services the driver once and runs the watchdog. Poll errors and
// watchdog trips are injected through the application buffer so the worker
// thread observes them and can rearm the device.
func (b *Block) pollOnce() {
	if err := b.driver.Poll(); err != nil {
		ProblemLogger.Printf("poll failed with: %v", err)
		b.appBuffer.NotifyDataReady(err)
	}

	b.watchdogMu.Lock()
	estimated := b.estimatedRate.Mean()
	b.watchdogMu.Unlock()

	if estimated < b.pollExpectedRate*b.watchdogThreshold {
		ProblemLogger.Printf("watchdog: estimated sample rate %.0f Hz, expected %.0f Hz",
			estimated, b.pollExpectedRate)
		b.appBuffer.NotifyDataReady(acqErrorf(ErrWatchdog, "poll",
			"estimated sample rate %.0f Hz below %.0f%% of expected %.0f Hz",
			estimated, b.watchdogThreshold*100, b.pollExpectedRate))
	}
}

/**********************************************************************
 * Work
 **********************************************************************/

// Work produces up to noutputItems samples into the supplied output slots
// and returns how many were produced. A negative return signals end of
// stream; zero means call again later. The slot layout is fixed: two slots
// (values, estimated error) per analog channel in channel order, disabled
// or not, then one slot per digital port. Tags are appended to the slots'
// Tags fields at absolute stream offsets.
func (b *Block) Work(noutputItems int, outputs []OutputSlot) int {
	var n int
	switch b.settings.Mode {
	case Streaming:
		n = b.workStream(noutputItems, outputs)
	case RapidBlock:
		n = b.workRapidBlock(noutputItems, outputs)
	default:
		n = -1
	}

	if n > 0 && !b.timebasePublished {
		tb := b.timebase()
		for i := range outputs {
			outputs[i].Tags = append(outputs[i].Tags,
				Tag{Kind: TagTimebase, Offset: b.nwritten, Timebase: tb})
		}
		b.timebasePublished = true
	}
	if n > 0 {
		b.nwritten += uint64(n)
	}
	return n
}

// handleStreamError maps an error observed on the streaming path to a Work
// return value. Watchdog recovers locally by rearming the device.
func (b *Block) handleStreamError(err error) int {
	b.errs.PushError(err)
	switch CodeOf(err) {
	case ErrStopped:
		log.Println("stop requested")
		return -1
	case ErrWatchdog:
		ProblemLogger.Println("watchdog triggered, rearming device...")
		b.publish("WATCHDOG", StateUpdate{CaptureID: b.captureID.String()})
		b.Disarm()
		if e := b.Arm(); e != nil {
			return -1
		}
		return 0
	default:
		ProblemLogger.Printf("error reading stream data: %v", err)
		return -1
	}
}

func (b *Block) workStream(noutputItems int, outputs []OutputSlot) int {
	bufSize := b.settings.BufferSize
	if noutputItems < bufSize {
		panic(fmt.Sprintf("Work called with noutputItems %d < buffer size %d", noutputItems, bufSize))
	}

	// wait for data on the application buffer
	if err := b.appBuffer.WaitDataReady(); err != nil {
		return b.handleStreamError(err)
	}

	// map the enabled channels and ports onto the fixed slot layout
	aiVals := make([][]float32, 0, b.nEnabledAI)
	aiErrs := make([][]float32, 0, b.nEnabledAI)
	for i := 0; i < b.aiChannels; i++ {
		if !b.channels[i].Enabled {
			continue
		}
		aiVals = append(aiVals, outputs[2*i].Samples[:bufSize])
		aiErrs = append(aiErrs, outputs[2*i+1].Samples[:bufSize])
	}
	diBufs := make([][]byte, 0, b.nEnabledDI)
	for p := 0; p < b.diPorts; p++ {
		if b.ports[p].Enabled {
			diBufs = append(diBufs, outputs[2*b.aiChannels+p].Bits[:bufSize])
		}
	}

	status := make([]uint32, b.nEnabledAI)
	lost, timestamp, err := b.appBuffer.GetDataChunk(aiVals, aiErrs, diBufs, status)
	if err != nil {
		return b.handleStreamError(err)
	}
	if lost > 0 {
		ProblemLogger.Printf("%d digitizer data buffers lost", lost)
		b.errs.Push(ErrBufferOverflow, fmt.Sprintf("%d data buffers lost", lost))
		b.publish("BUFFERLOST", lost)
	}

	// acquisition info tags, one per enabled output
	info := AcqInfo{
		TimestampNS:        timestamp,
		Timebase:           b.timebase(),
		Samples:            bufSize,
		TriggerTimestampNS: -1,
	}
	chanIdx := 0
	for i := 0; i < b.aiChannels; i++ {
		if !b.channels[i].Enabled {
			continue
		}
		ci := info
		ci.Status = status[chanIdx]
		chanIdx++
		outputs[2*i].Tags = append(outputs[2*i].Tags,
			Tag{Kind: TagAcqInfo, Offset: b.nwritten, AcqInfo: &ci})
	}
	pi := info
	pi.Status = 0
	for p := 0; p < b.diPorts; p++ {
		if !b.ports[p].Enabled {
			continue
		}
		outputs[2*b.aiChannels+p].Tags = append(outputs[2*b.aiChannels+p].Tags,
			Tag{Kind: TagAcqInfo, Offset: b.nwritten, AcqInfo: &pi})
	}

	// software trigger detection, never inside the driver callback
	var offsets []int
	switch {
	case b.trigger.Analog() && b.triggerChan >= 0:
		offsets = b.detector.findAnalogTriggers(outputs[2*b.triggerChan].Samples[:bufSize])
	case b.trigger.Digital():
		port := b.trigger.PinNumber / 8
		if port < b.diPorts {
			offsets = b.detector.findDigitalTriggers(outputs[2*b.aiChannels+port].Bits[:bufSize])
		}
	}
	for _, off := range offsets {
		tag := Tag{Kind: TagTrigger, Offset: b.nwritten + uint64(off)}
		for i := 0; i < b.aiChannels; i++ {
			if b.channels[i].Enabled {
				outputs[2*i].Tags = append(outputs[2*i].Tags, tag)
			}
		}
		for p := 0; p < b.diPorts; p++ {
			if b.ports[p].Enabled {
				outputs[2*b.aiChannels+p].Tags = append(outputs[2*b.aiChannels+p].Tags, tag)
			}
		}
	}

	// exactly one buffer per iteration
	return bufSize
}

func (b *Block) workRapidBlock(noutputItems int, outputs []OutputSlot) int {
	if b.bstate.phase == rapidWaiting {
		if b.settings.TriggerOnce && b.wasTriggeredOnce {
			return -1
		}

		if b.settings.AutoArm {
			b.Disarm()
			if err := b.Arm(); err != nil {
				return -1
			}
		}

		err := b.waitDataReady()
		b.clearDataReady()
		switch CodeOf(err) {
		case ErrNone:
		case ErrStopped:
			log.Println("stop requested")
			return -1
		default:
			ProblemLogger.Printf("error occurred while waiting for data: %v", err)
			return 0
		}

		// the driver signalled completion, so all captures are ready
		b.bstate.initialize(b.settings.NrCaptures)
	}

	switch b.bstate.phase {
	case rapidReadingPart1:
		// If trigger-once is set, the next pass through WAITING signals
		// all done.
		b.wasTriggeredOnce = true

		if err := b.driver.PrefetchBlock(b.blockSize(), b.bstate.waveformIdx); err != nil {
			b.errs.PushError(err)
			return -1
		}
		b.bstate.setWaveformParams(0, b.blockSizeDownsampled())

		n := noutputItems
		if n > b.bstate.samplesLeft {
			n = b.bstate.samplesLeft
		}
		status := make([]uint32, b.aiChannels)
		if err := b.driver.RapidBlockData(b.bstate.offset, n, b.bstate.waveformIdx, outputs, status); err != nil {
			b.errs.PushError(err)
			return -1
		}

		// One bare tag marks the trigger event position; one detailed tag
		// at the waveform start carries the capture parameters. Consumers
		// rely on both.
		pre := b.preTriggerSamplesDownsampled()
		post := b.postTriggerSamplesDownsampled()
		now := timestampUTCNS()
		eventOffset := b.nwritten + uint64(pre)
		for i := 0; i < b.aiChannels; i++ {
			if !b.channels[i].Enabled {
				continue
			}
			detail := &TriggerInfo{
				PreSamples:  pre,
				PostSamples: post,
				Status:      status[i],
				Timebase:    b.timebase(),
				TimestampNS: now,
			}
			outputs[2*i].Tags = append(outputs[2*i].Tags,
				Tag{Kind: TagTrigger, Offset: b.nwritten, Trigger: detail},
				Tag{Kind: TagTrigger, Offset: eventOffset})
		}
		portDetail := &TriggerInfo{
			PreSamples:  pre,
			PostSamples: post,
			Timebase:    b.timebase(),
			TimestampNS: now,
		}
		for p := 0; p < b.diPorts; p++ {
			if !b.ports[p].Enabled {
				continue
			}
			outputs[2*b.aiChannels+p].Tags = append(outputs[2*b.aiChannels+p].Tags,
				Tag{Kind: TagTrigger, Offset: b.nwritten, Trigger: portDetail},
				Tag{Kind: TagTrigger, Offset: eventOffset})
		}

		b.bstate.updateState(n)
		return n

	case rapidReadingRest:
		n := noutputItems
		if n > b.bstate.samplesLeft {
			n = b.bstate.samplesLeft
		}
		status := make([]uint32, b.aiChannels)
		if err := b.driver.RapidBlockData(b.bstate.offset, n, b.bstate.waveformIdx, outputs, status); err != nil {
			b.errs.PushError(err)
			return -1
		}
		b.bstate.updateState(n)
		return n
	}

	return -1
}
