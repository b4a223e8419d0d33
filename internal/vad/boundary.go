package vad

// Default hysteresis thresholds, in frames. End detection is deliberately far
// slower than start detection so short pauses do not cut an utterance.
const (
	DefaultMinStartFrames = 20
	DefaultMinEndFrames   = 160
)

// BoundaryKind classifies the result of a detector update.
type BoundaryKind int

const (
	BoundaryNone BoundaryKind = iota
	BoundaryStart
	BoundaryEnd
)

func (k BoundaryKind) String() string {
	switch k {
	case BoundaryStart:
		return "start"
	case BoundaryEnd:
		return "end"
	default:
		return "none"
	}
}

// Boundary is the outcome of one detector update. Frame is only meaningful
// when Kind is not BoundaryNone and holds the index of the first frame of the
// run that confirmed the transition.
type Boundary struct {
	Kind  BoundaryKind
	Frame int
}

// DetectorState is the mutable hysteresis state. Only one of StartCount and
// EndCount accumulates at a time, depending on InSpeech.
type DetectorState struct {
	InSpeech   bool
	StartCount int
	EndCount   int

	StartFrame    int
	HasStartFrame bool
	EndFrame      int
	HasEndFrame   bool
}

// BoundaryDetector turns a per-frame speech flag into speech start/end events.
// It is not safe for concurrent use.
type BoundaryDetector struct {
	MinStartFrames int
	MinEndFrames   int

	st DetectorState
}

// NewBoundaryDetector returns a detector; non-positive thresholds fall back to
// the defaults.
func NewBoundaryDetector(minStart, minEnd int) *BoundaryDetector {
	if minStart <= 0 {
		minStart = DefaultMinStartFrames
	}
	if minEnd <= 0 {
		minEnd = DefaultMinEndFrames
	}
	return &BoundaryDetector{MinStartFrames: minStart, MinEndFrames: minEnd}
}

// State returns a copy of the current state.
func (d *BoundaryDetector) State() DetectorState { return d.st }

// Reset clears all hysteresis state.
func (d *BoundaryDetector) Reset() { d.st = DetectorState{} }

// Update feeds one frame flag. frameIndex is relative to the chunk the frame
// belongs to; callers that need stream positions track chunk offsets.
// At most one of start/end is reported per call.
func (d *BoundaryDetector) Update(speech bool, frameIndex int) Boundary {
	st := &d.st
	if !st.InSpeech {
		if !speech {
			// broken run: no partial credit
			st.StartCount = 0
			st.HasStartFrame = false
			return Boundary{}
		}
		if st.StartCount == 0 {
			st.StartFrame = frameIndex
			st.HasStartFrame = true
		}
		st.StartCount++
		if st.StartCount >= d.MinStartFrames {
			st.InSpeech = true
			st.EndCount = 0
			return Boundary{Kind: BoundaryStart, Frame: st.StartFrame}
		}
		return Boundary{}
	}

	if speech {
		st.EndCount = 0
		st.HasEndFrame = false
		return Boundary{}
	}
	if st.EndCount == 0 {
		st.EndFrame = frameIndex
		st.HasEndFrame = true
	}
	st.EndCount++
	if st.EndCount >= d.MinEndFrames {
		st.InSpeech = false
		st.StartCount = 0
		return Boundary{Kind: BoundaryEnd, Frame: st.EndFrame}
	}
	return Boundary{}
}
