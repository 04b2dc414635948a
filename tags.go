package picodaq

import "time"

// TagKind discriminates the metadata tags attached to output samples.
type TagKind int

// Names for the possible values of TagKind
const (
	TagTrigger  TagKind = iota // a trigger event
	TagAcqInfo                 // per-chunk acquisition info
	TagTimebase                // declares the output timebase after (re)start
)

// TriggerInfo is the detail payload of a trigger tag. A bare trigger tag
// (Trigger == nil on the Tag) only marks the event position.
type TriggerInfo struct {
	PreSamples  int
	PostSamples int
	Status      uint32
	Timebase    float64 // seconds per sample
	TimestampNS int64   // UTC ns
}

// AcqInfo describes one streaming chunk: where it sits in the output stream
// and how it was captured.
type AcqInfo struct {
	TimestampNS        int64   // UTC ns of the tagged sample
	Timebase           float64 // seconds per sample
	UserDelay          float64 // seconds
	ActualDelay        float64 // seconds
	Samples            int     // samples in the chunk
	Status             uint32  // per-channel status bits
	Triggered          bool
	TriggerTimestampNS int64 // -1 if not triggered
}

// Tag is one piece of sample metadata, anchored at an absolute offset in the
// output stream. Exactly one of the payload fields is meaningful, selected
// by Kind; a TagTrigger with nil Trigger is a bare event marker.
type Tag struct {
	Kind     TagKind
	Offset   uint64
	Trigger  *TriggerInfo // TagTrigger detail, may be nil
	AcqInfo  *AcqInfo     // TagAcqInfo
	Timebase float64      // TagTimebase, seconds per sample
}

// OutputSlot is one output stream of the block. Analog slots carry Samples;
// digital slots carry Bits. Work appends Tags; the consumer resets them
// between calls if it wants per-call tags only.
type OutputSlot struct {
	Samples []float32 // analog values or estimated errors, volts
	Bits    []byte    // packed 8-bit digital samples
	Tags    []Tag
}

func timestampUTCNS() int64 {
	return time.Now().UTC().UnixNano()
}
