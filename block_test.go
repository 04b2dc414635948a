package picodaq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// tagsOfKind filters a slot's tags by kind.
func tagsOfKind(s OutputSlot, kind TagKind) []Tag {
	var out []Tag
	for _, tag := range s.Tags {
		if tag.Kind == kind {
			out = append(out, tag)
		}
	}
	return out
}

func clearTags(slots []OutputSlot) {
	for i := range slots {
		slots[i].Tags = slots[i].Tags[:0]
	}
}

func newStreamingBlock(t *testing.T, drv *SimDriver, bufSize, nrBuffers int) *Block {
	t.Helper()
	blk := NewBlock(drv, 4, 2, false)
	if err := blk.SetSampRate(1e6); err != nil {
		t.Fatal(err)
	}
	if err := blk.SetBufferSize(bufSize); err != nil {
		t.Fatal(err)
	}
	if err := blk.SetNrBuffers(nrBuffers); err != nil {
		t.Fatal(err)
	}
	if err := blk.SetStreaming(0.001); err != nil {
		t.Fatal(err)
	}
	return blk
}

func TestLifecycleIdempotence(t *testing.T) {
	drv := &SimDriver{}
	blk := NewBlock(drv, 2, 0, false)

	if err := blk.Configure(); CodeOf(err) != ErrState {
		t.Errorf("Configure before Initialize returned %v, want state error", err)
	}

	if err := blk.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := blk.Initialize(); err != nil {
		t.Fatal(err)
	}
	if got := drv.Stats().Initializes; got != 1 {
		t.Errorf("driver initialized %d times, want 1 (idempotent)", got)
	}

	if err := blk.SetAichan("A", true, 5, true, 0); err != nil {
		t.Fatal(err)
	}
	if err := blk.Configure(); err != nil {
		t.Fatal(err)
	}
	if err := blk.Arm(); err != nil {
		t.Fatal(err)
	}
	if err := blk.Arm(); err != nil {
		t.Fatal(err)
	}
	if got := drv.Stats().Arms; got != 1 {
		t.Errorf("driver armed %d times, want 1 (idempotent)", got)
	}
	if !blk.IsArmed() {
		t.Error("block not armed after Arm")
	}

	if err := blk.Configure(); CodeOf(err) != ErrState {
		t.Errorf("Configure while armed returned %v, want state error", err)
	}

	blk.Disarm()
	blk.Disarm()
	if got := drv.Stats().Disarms; got != 1 {
		t.Errorf("driver disarmed %d times, want 1 (idempotent)", got)
	}

	blk.Close()
	blk.Close()
	if blk.IsInitialized() {
		t.Error("block still initialized after Close")
	}
}

func TestSettersFailWhileArmed(t *testing.T) {
	drv := &SimDriver{}
	blk := newStreamingBlock(t, drv, 256, 8)
	if err := blk.SetAichan("A", true, 5, true, 0); err != nil {
		t.Fatal(err)
	}
	if err := blk.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := blk.Configure(); err != nil {
		t.Fatal(err)
	}
	if err := blk.Arm(); err != nil {
		t.Fatal(err)
	}
	defer blk.Disarm()

	rateBefore := blk.SampRate()
	setters := map[string]func() error{
		"SetSampRate":       func() error { return blk.SetSampRate(2e6) },
		"SetSamples":        func() error { return blk.SetSamples(100, 10) },
		"SetBufferSize":     func() error { return blk.SetBufferSize(512) },
		"SetNrBuffers":      func() error { return blk.SetNrBuffers(2) },
		"SetStreaming":      func() error { return blk.SetStreaming(0.5) },
		"SetRapidBlock":     func() error { return blk.SetRapidBlock(2) },
		"SetDownsampling":   func() error { return blk.SetDownsampling(DownsamplingAverage, 4) },
		"SetAichan":         func() error { return blk.SetAichan("B", true, 5, true, 0) },
		"SetAichanRange":    func() error { return blk.SetAichanRange("A", 10, 0) },
		"SetDiport":         func() error { return blk.SetDiport("port0", true, 1.5) },
		"SetAichanTrigger":  func() error { return blk.SetAichanTrigger("A", TriggerRising, 0.5) },
		"SetDiTrigger":      func() error { return blk.SetDiTrigger(3, TriggerRising) },
		"DisableTriggers":   func() error { return blk.DisableTriggers() },
		"SetAutoArm":        func() error { return blk.SetAutoArm(true) },
		"SetTriggerOnce":    func() error { return blk.SetTriggerOnce(true) },
		"SetWatchdogThresh": func() error { return blk.SetWatchdogThreshold(0.8) },
	}
	for name, set := range setters {
		if err := set(); CodeOf(err) != ErrState {
			t.Errorf("%s while armed returned %v, want state error", name, err)
		}
	}
	if blk.SampRate() != rateBefore {
		t.Errorf("sample rate changed to %v by a failed setter", blk.SampRate())
	}
}

func TestSetterValidation(t *testing.T) {
	blk := NewBlock(&SimDriver{}, 4, 2, false)

	bad := map[string]func() error{
		"zero rate":       func() error { return blk.SetSampRate(0) },
		"neg rate":        func() error { return blk.SetSampRate(-1) },
		"zero post":       func() error { return blk.SetSamples(0, 10) },
		"neg pre":         func() error { return blk.SetSamples(10, -1) },
		"neg buffer":      func() error { return blk.SetBufferSize(-1) },
		"zero buffers":    func() error { return blk.SetNrBuffers(0) },
		"zero driver buf": func() error { return blk.SetDriverBufferSize(0) },
		"neg poll":        func() error { return blk.SetStreaming(-0.1) },
		"zero captures":   func() error { return blk.SetRapidBlock(0) },
		"factor 1":        func() error { return blk.SetDownsampling(DownsamplingAverage, 1) },
		"bad chan":        func() error { return blk.SetAichan("E", true, 5, true, 0) },
		"bad range":       func() error { return blk.SetAichan("A", true, 3, true, 0) },
		"bad port id":     func() error { return blk.SetDiport("portx", true, 1.5) },
		"bad pin":         func() error { return blk.SetDiTrigger(99, TriggerRising) },
		"bad threshold":   func() error { return blk.SetWatchdogThreshold(0) },
	}
	for name, set := range bad {
		if err := set(); CodeOf(err) != ErrInvalidArgument {
			t.Errorf("%s returned %v, want invalid argument", name, err)
		}
	}

	// DownsamplingNone forces the factor back to 1
	if err := blk.SetDownsampling(DownsamplingNone, 17); err != nil {
		t.Fatal(err)
	}

	// SetSamples also fixes the streaming buffer size
	if err := blk.SetSamples(900, 100); err != nil {
		t.Fatal(err)
	}
	if err := blk.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := blk.SetAichan("a", true, 5, true, 0); err != nil {
		t.Errorf("lower-case channel id rejected: %v", err)
	}
}

func TestStartFailureStoresMessage(t *testing.T) {
	drv := &SimDriver{FailInitialize: acqErrorf(ErrDriver, "open", "no such device")}
	blk := NewBlock(drv, 1, 0, false)
	if blk.Start() {
		t.Fatal("Start succeeded with a failing driver")
	}
	if msg := blk.ConfigureErrorMessage(); msg == "" {
		t.Error("no failure message stored after failed Start")
	}

	drv.FailInitialize = nil
	if err := blk.SetAichan("A", true, 5, true, 0); err != nil {
		t.Fatal(err)
	}
	if !blk.Start() {
		t.Fatalf("Start failed after the fault was cleared: %s", blk.ConfigureErrorMessage())
	}
	defer blk.Stop()
}

// TestStreamingHappyPath covers the streaming contract: 32 chunks of two
// enabled channels, no losses, a timebase tag on the first call and one
// acq-info tag per enabled output per chunk.
func TestStreamingHappyPath(t *testing.T) {
	drv := &SimDriver{}
	blk := newStreamingBlock(t, drv, 1024, 8)
	if err := blk.SetAichan("A", true, 5, true, 0); err != nil {
		t.Fatal(err)
	}
	if err := blk.SetAichan("B", true, 5, true, 0); err != nil {
		t.Fatal(err)
	}
	if err := blk.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := blk.Configure(); err != nil {
		t.Fatal(err)
	}
	if err := blk.Arm(); err != nil {
		t.Fatal(err)
	}
	defer blk.Stop()

	if got := blk.Channel(0).ActualRange; got != 5 {
		t.Fatalf("channel A actual range = %v, want 5", got)
	}

	slots := blk.MakeOutputSlots(1024)
	for chunk := 0; chunk < 32; chunk++ {
		if err := drv.Poll(); err != nil {
			t.Fatal(err)
		}
		n := blk.Work(1024, slots)
		if n != 1024 {
			t.Fatalf("chunk %d: Work returned %d, want 1024", chunk, n)
		}

		if chunk == 0 {
			for i := range slots {
				tb := tagsOfKind(slots[i], TagTimebase)
				if len(tb) != 1 {
					t.Fatalf("slot %d carries %d timebase tags on the first chunk, want 1", i, len(tb))
				}
				assert.InDelta(t, 1e-6, tb[0].Timebase, 1e-15, "timebase value")
				if tb[0].Offset != 0 {
					t.Errorf("timebase tag at offset %d, want 0", tb[0].Offset)
				}
			}
		} else {
			if len(tagsOfKind(slots[0], TagTimebase)) != 0 {
				t.Errorf("chunk %d: timebase tag reappeared", chunk)
			}
		}

		// acq-info on the enabled value slots only
		for _, i := range []int{0, 2} {
			ai := tagsOfKind(slots[i], TagAcqInfo)
			if len(ai) != 1 {
				t.Fatalf("chunk %d: slot %d carries %d acq-info tags, want 1", chunk, i, len(ai))
			}
			info := ai[0].AcqInfo
			if info.Samples != 1024 {
				t.Errorf("acq-info samples = %d, want 1024", info.Samples)
			}
			if ai[0].Offset != uint64(chunk)*1024 {
				t.Errorf("chunk %d: acq-info at offset %d, want %d", chunk, ai[0].Offset, chunk*1024)
			}
		}
		for _, i := range []int{1, 3, 4, 5, 6, 7} {
			if len(tagsOfKind(slots[i], TagAcqInfo)) != 0 {
				t.Errorf("chunk %d: slot %d carries acq-info tags, want none", chunk, i)
			}
		}
		clearTags(slots)
	}

	// no buffers lost along the way
	for _, e := range blk.Errors() {
		if e.Code == ErrBufferOverflow {
			t.Errorf("unexpected buffer overflow recorded: %s", e.Msg)
		}
	}
}

// TestWatchdogRearm drives the estimator below threshold with a slow driver
// and checks that Work recovers with exactly one disarm+arm pair.
func TestWatchdogRearm(t *testing.T) {
	drv := &SimDriver{EffectiveRate: 0.5e6}
	blk := NewBlock(drv, 4, 0, true)
	if err := blk.SetSampRate(1e6); err != nil {
		t.Fatal(err)
	}
	if err := blk.SetBufferSize(64); err != nil {
		t.Fatal(err)
	}
	if err := blk.SetNrBuffers(4); err != nil {
		t.Fatal(err)
	}
	if err := blk.SetStreaming(0); err != nil {
		t.Fatal(err)
	}
	if err := blk.SetAichan("A", true, 5, true, 0); err != nil {
		t.Fatal(err)
	}
	if !blk.Start() {
		t.Fatalf("Start failed: %s", blk.ConfigureErrorMessage())
	}

	slots := blk.MakeOutputSlots(64)
	sawWatchdog := false
	for i := 0; i < 500000 && !sawWatchdog; i++ {
		n := blk.Work(64, slots)
		switch {
		case n == 0:
			sawWatchdog = true
		case n < 0:
			t.Fatal("Work returned end-of-stream during watchdog test")
		}
		clearTags(slots)
	}
	if !sawWatchdog {
		t.Fatal("watchdog never fired")
	}

	stats := drv.Stats()
	if stats.Disarms != 1 {
		t.Errorf("driver disarmed %d times, want exactly 1", stats.Disarms)
	}
	if stats.Arms != 2 {
		t.Errorf("driver armed %d times, want exactly 2 (start + rearm)", stats.Arms)
	}

	found := false
	for _, e := range blk.Errors() {
		if e.Code == ErrWatchdog {
			found = true
		}
	}
	if !found {
		t.Error("no watchdog error recorded in the error history")
	}
	blk.Stop()
}

// TestRapidBlockCaptures checks three pre=100/post=900 waveforms, each with
// its trigger tags, and end-of-stream after the third with trigger-once.
func TestRapidBlockCaptures(t *testing.T) {
	drv := &SimDriver{}
	blk := NewBlock(drv, 4, 0, false)
	if err := blk.SetSampRate(1e6); err != nil {
		t.Fatal(err)
	}
	if err := blk.SetSamples(900, 100); err != nil {
		t.Fatal(err)
	}
	if err := blk.SetRapidBlock(3); err != nil {
		t.Fatal(err)
	}
	if err := blk.SetTriggerOnce(true); err != nil {
		t.Fatal(err)
	}
	if err := blk.SetAichan("A", true, 5, true, 0); err != nil {
		t.Fatal(err)
	}
	if err := blk.SetAichanTrigger("A", TriggerRising, 0.5); err != nil {
		t.Fatal(err)
	}
	if err := blk.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := blk.Configure(); err != nil {
		t.Fatal(err)
	}
	if err := blk.Arm(); err != nil {
		t.Fatal(err)
	}

	slots := blk.MakeOutputSlots(1000)
	for wf := 0; wf < 3; wf++ {
		n := blk.Work(1000, slots)
		if n != 1000 {
			t.Fatalf("waveform %d: Work returned %d, want 1000", wf, n)
		}
		base := uint64(wf) * 1000

		trig := tagsOfKind(slots[0], TagTrigger)
		if len(trig) != 2 {
			t.Fatalf("waveform %d: %d trigger tags, want 2", wf, len(trig))
		}
		var bare, detailed *Tag
		for i := range trig {
			if trig[i].Trigger == nil {
				bare = &trig[i]
			} else {
				detailed = &trig[i]
			}
		}
		if bare == nil || detailed == nil {
			t.Fatalf("waveform %d: want one bare and one detailed trigger tag", wf)
		}
		if bare.Offset != base+100 {
			t.Errorf("waveform %d: trigger event at offset %d, want %d", wf, bare.Offset, base+100)
		}
		if detailed.Offset != base {
			t.Errorf("waveform %d: detailed tag at offset %d, want %d", wf, detailed.Offset, base)
		}
		if detailed.Trigger.PreSamples != 100 || detailed.Trigger.PostSamples != 900 {
			t.Errorf("waveform %d: pre/post = %d/%d, want 100/900",
				wf, detailed.Trigger.PreSamples, detailed.Trigger.PostSamples)
		}
		assert.InDelta(t, 1e-6, detailed.Trigger.Timebase, 1e-15)

		// disabled channels receive no tags
		if len(slots[2].Tags) != len(tagsOfKind(slots[2], TagTimebase)) {
			t.Errorf("waveform %d: disabled channel slot was tagged", wf)
		}
		clearTags(slots)
	}

	if n := blk.Work(1000, slots); n != -1 {
		t.Errorf("Work after the final waveform returned %d, want -1 (end of stream)", n)
	}
	blk.Stop()
}

// TestStoppedDuringWait arms a silent streaming source, then stops while
// Work is parked on the application buffer.
func TestStoppedDuringWait(t *testing.T) {
	drv := &SimDriver{Silent: true}
	blk := newStreamingBlock(t, drv, 128, 8)
	if err := blk.SetAichan("A", true, 5, true, 0); err != nil {
		t.Fatal(err)
	}
	if err := blk.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := blk.Configure(); err != nil {
		t.Fatal(err)
	}
	if err := blk.Arm(); err != nil {
		t.Fatal(err)
	}

	slots := blk.MakeOutputSlots(128)
	done := make(chan int, 1)
	go func() { done <- blk.Work(128, slots) }()

	time.Sleep(20 * time.Millisecond)
	blk.Stop()

	select {
	case n := <-done:
		if n != -1 {
			t.Errorf("Work returned %d after Stop, want -1", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Work did not return after Stop")
	}
	for i := range slots {
		if len(slots[i].Tags) != 0 {
			t.Errorf("slot %d carries %d tags after a stopped wait, want none", i, len(slots[i].Tags))
		}
	}
}

// TestStreamingTriggerTags feeds hand-built chunks through the block's
// producer surface and checks trigger tag placement on all enabled outputs.
func TestStreamingTriggerTags(t *testing.T) {
	drv := &SimDriver{Silent: true}
	blk := newStreamingBlock(t, drv, 8, 4)
	if err := blk.SetAichan("A", true, 5, true, 0); err != nil {
		t.Fatal(err)
	}
	if err := blk.SetDiport("port0", true, 1.5); err != nil {
		t.Fatal(err)
	}
	if err := blk.SetAichanTrigger("A", TriggerRising, 0.5); err != nil {
		t.Fatal(err)
	}
	if err := blk.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := blk.Configure(); err != nil {
		t.Fatal(err)
	}
	if err := blk.Arm(); err != nil {
		t.Fatal(err)
	}
	defer blk.Stop()

	// one crossing at index 5; hysteresis band is 5V/100 = 0.05V
	wave := []float32{0, 0.1, 0.2, 0.3, 0.4, 0.9, 0.9, 0.2}
	blk.PushChunk(func(c *AcquisitionChunk) {
		copy(c.Analog[0], wave)
		c.Timestamp = timestampUTCNS()
	})

	slots := blk.MakeOutputSlots(8)
	if n := blk.Work(8, slots); n != 8 {
		t.Fatalf("Work returned %d, want 8", n)
	}

	for _, i := range []int{0, 8} { // channel A values and port0
		trig := tagsOfKind(slots[i], TagTrigger)
		if len(trig) != 1 {
			t.Fatalf("slot %d carries %d trigger tags, want 1", i, len(trig))
		}
		if trig[0].Offset != 5 {
			t.Errorf("slot %d: trigger at offset %d, want 5", i, trig[0].Offset)
		}
	}
	if len(tagsOfKind(slots[1], TagTrigger)) != 0 {
		t.Error("error slot was trigger-tagged")
	}
}
