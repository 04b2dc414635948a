package picodaq

// rapidBlockPhase is the per-work-call phase of the rapid-block fetch state
// machine.
type rapidBlockPhase int

// Names for the possible values of rapidBlockPhase
const (
	rapidWaiting     rapidBlockPhase = iota // no waveform in progress
	rapidReadingPart1                       // first batch of one waveform, tags attached
	rapidReadingRest                        // remaining batches, no tagging
)

// rapidBlockState tracks which waveform is being fetched and how far the
// fetch has progressed. Transitions are explicit: initialize starts a
// capture sequence, setWaveformParams begins one waveform, updateState
// advances after every read and steps to the next waveform or back to
// waiting when the sequence is exhausted.
type rapidBlockState struct {
	phase       rapidBlockPhase
	waveformIdx int
	captures    int
	offset      int // read offset within the current waveform
	samplesLeft int
}

// initialize starts a fresh capture sequence of nrCaptures waveforms.
func (s *rapidBlockState) initialize(nrCaptures int) {
	s.phase = rapidReadingPart1
	s.waveformIdx = 0
	s.captures = nrCaptures
	s.offset = 0
	s.samplesLeft = 0
}

// setWaveformParams begins the current waveform at the given offset with
// samplesLeft samples to fetch.
func (s *rapidBlockState) setWaveformParams(offset, samplesLeft int) {
	s.offset = offset
	s.samplesLeft = samplesLeft
}

// updateState accounts for nsamples just read and steps the machine.
func (s *rapidBlockState) updateState(nsamples int) {
	s.offset += nsamples
	s.samplesLeft -= nsamples
	if s.samplesLeft > 0 {
		s.phase = rapidReadingRest
		return
	}
	s.waveformIdx++
	if s.waveformIdx >= s.captures {
		s.phase = rapidWaiting
	} else {
		s.phase = rapidReadingPart1
	}
}
