package picodaq

import (
	"fmt"
	"strings"
)

// Hard limits of the supported device families.
const (
	MaxAIChannels = 4
	MaxDIPorts    = 4
)

// AcquisitionMode selects how the device captures samples.
type AcquisitionMode int

// Names for the possible values of AcquisitionMode
const (
	Streaming  AcquisitionMode = iota // continuous capture
	RapidBlock                        // N triggered waveforms
)

func (m AcquisitionMode) String() string {
	switch m {
	case Streaming:
		return "streaming"
	case RapidBlock:
		return "rapid block"
	}
	return fmt.Sprintf("AcquisitionMode(%d)", int(m))
}

// DownsamplingMode selects the hardware downsampling applied by the driver.
type DownsamplingMode int

// Names for the possible values of DownsamplingMode
const (
	DownsamplingNone DownsamplingMode = iota
	DownsamplingMinMax
	DownsamplingDecimate
	DownsamplingAverage
)

// TriggerDirection selects the edge or level a trigger reacts to.
type TriggerDirection int

// Names for the possible values of TriggerDirection
const (
	TriggerRising TriggerDirection = iota
	TriggerFalling
	TriggerLow
	TriggerHigh
)

// Coupling selects the analog input coupling and impedance.
type Coupling int

// Names for the possible values of Coupling
const (
	CouplingAC1M Coupling = iota // AC, 1 MOhm
	CouplingDC1M                 // DC, 1 MOhm
	CouplingDC50                 // DC, 50 Ohm
)

// Sentinel trigger sources. Any other source is a single channel letter.
const (
	TriggerSourceNone    = "None"
	TriggerSourceDigital = "DI"
	TriggerSourceAux     = "AUX"
)

// aichanRanges is the discrete set of input ranges (volts) the supported
// devices offer.
var aichanRanges = []float64{0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 20, 50}

func validAichanRange(r float64) bool {
	for _, v := range aichanRanges {
		if v == r {
			return true
		}
	}
	return false
}

// ChannelSettings holds the configuration of one analog input channel.
// ActualRange is what the driver accepted at configure time; the trigger
// hysteresis band derives from it.
type ChannelSettings struct {
	Enabled     bool
	Range       float64 // volts, requested
	Offset      float64 // volts
	Coupling    Coupling
	ActualRange float64 // volts, accepted by the driver
}

// PortSettings holds the configuration of one 8-bit digital port.
type PortSettings struct {
	Enabled    bool
	LogicLevel float64 // volts
}

// TriggerSettings describes the software trigger: one analog channel or one
// bit of one digital port.
type TriggerSettings struct {
	Source    string // "None", "A".."D", "AUX", or the digital sentinel
	Threshold float64
	Direction TriggerDirection
	PinNumber int // digital only
}

// Enabled reports whether any trigger source is selected.
func (t TriggerSettings) Enabled() bool {
	return t.Source != TriggerSourceNone && t.Source != ""
}

// Analog reports whether the trigger source is an analog channel or AUX.
func (t TriggerSettings) Analog() bool {
	return t.Enabled() && t.Source != TriggerSourceDigital
}

// Digital reports whether the trigger source is a digital pin.
func (t TriggerSettings) Digital() bool {
	return t.Source == TriggerSourceDigital
}

// AcquisitionSettings collects the device-wide acquisition parameters.
type AcquisitionSettings struct {
	SampRate           float64 // Hz, requested
	ActualSampRate     float64 // Hz, accepted by the driver
	PostSamples        int     // rapid block: samples after the trigger
	PreSamples         int     // rapid block: samples before the trigger
	NrCaptures         int     // rapid block: waveforms per arm
	BufferSize         int     // streaming: samples per chunk
	NrBuffers          int     // streaming: chunks in the application buffer
	DriverBufferSize   int     // streaming: samples in the driver's own buffer
	PollRate           float64 // streaming: seconds between driver polls
	Mode               AcquisitionMode
	Downsampling       DownsamplingMode
	DownsamplingFactor int
	AutoArm            bool
	TriggerOnce        bool
}

// defaultAcquisitionSettings mirrors the power-on state of the device family.
func defaultAcquisitionSettings() AcquisitionSettings {
	return AcquisitionSettings{
		SampRate:           10000,
		ActualSampRate:     10000,
		PostSamples:        10000,
		PreSamples:         1000,
		NrCaptures:         1,
		BufferSize:         8192,
		NrBuffers:          100,
		DriverBufferSize:   100000,
		PollRate:           0.001,
		Mode:               Streaming,
		Downsampling:       DownsamplingNone,
		DownsamplingFactor: 1,
	}
}

// aichanIndex converts a channel id ("A".."D", case-insensitive) to its
// index.
func aichanIndex(id string) (int, error) {
	if len(id) != 1 {
		return 0, acqErrorf(ErrInvalidArgument, "aichan", "channel id should be a single character: %q", id)
	}
	idx := int(strings.ToUpper(id)[0] - 'A')
	if idx < 0 || idx >= MaxAIChannels {
		return 0, acqErrorf(ErrInvalidArgument, "aichan", "invalid channel id: %q", id)
	}
	return idx, nil
}

// portIndex converts a port id of the form "port<d>" to its index.
func portIndex(id string) (int, error) {
	if len(id) != 5 || !strings.HasPrefix(id, "port") {
		return 0, acqErrorf(ErrInvalidArgument, "diport", "invalid port id: %q, want the form 'port<d>'", id)
	}
	idx := int(id[4] - '0')
	if idx < 0 || idx >= MaxDIPorts {
		return 0, acqErrorf(ErrInvalidArgument, "diport", "invalid port number: %q", id)
	}
	return idx, nil
}
