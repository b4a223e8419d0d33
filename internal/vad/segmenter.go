package vad

import (
	"encoding/binary"
	"fmt"
	"time"
)

// BytesPerSample is fixed: frames are mono 16-bit little-endian PCM.
const BytesPerSample = 2

// Config describes the framing of the audio stream and the detector
// thresholds.
type Config struct {
	SampleRate     int
	HopSize        int // samples per frame
	MinStartFrames int
	MinEndFrames   int
}

// DefaultConfig is 16 kHz audio in 10 ms frames.
func DefaultConfig() Config {
	return Config{
		SampleRate:     16000,
		HopSize:        160,
		MinStartFrames: DefaultMinStartFrames,
		MinEndFrames:   DefaultMinEndFrames,
	}
}

// FrameBytes is the byte size of one frame.
func (c Config) FrameBytes() int { return c.HopSize * BytesPerSample }

// HopDuration is the duration of one frame.
func (c Config) HopDuration() time.Duration {
	return time.Duration(c.HopSize) * time.Second / time.Duration(c.SampleRate)
}

// EventKind tells what a segmenter event reports.
type EventKind int

const (
	EventSpeechStart EventKind = iota
	EventSpeechEnd
)

// Event is emitted by Segmenter.Process. Frame is the chunk-relative frame
// index reported by the detector; Pos is the absolute stream position of the
// same frame. Segment is set for EventSpeechEnd only.
type Event struct {
	Kind    EventKind
	Frame   int
	Pos     int64
	Segment *Segment
}

// Segment is the audio of one utterance: the lead-in run that confirmed the
// start, everything captured while in speech, up to (excluding) the frame
// that confirmed the end.
type Segment struct {
	Frames     [][]int16
	StartFrame int
	EndFrame   int
	StartPos   int64
	EndPos     int64
	Duration   time.Duration
}

// Samples concatenates the frames as float32 in [-1, 1].
func (s *Segment) Samples() []float32 {
	n := 0
	for _, f := range s.Frames {
		n += len(f)
	}
	out := make([]float32, 0, n)
	for _, f := range s.Frames {
		for _, v := range f {
			out = append(out, float32(v)/32768.0)
		}
	}
	return out
}

// Segmenter frames a byte stream, drives the boundary detector and collects
// the frames of the utterance in progress. It is not safe for concurrent use:
// frames of one stream must be processed sequentially.
type Segmenter struct {
	cfg Config
	cls Classifier
	det *BoundaryDetector

	pos         int64 // frames processed so far
	runStartPos int64
	endRunPos   int64

	frames        [][]int16
	segStartFrame int
	segStartPos   int64
}

// NewSegmenter returns a segmenter for cfg. Zero fields in cfg take the
// defaults.
func NewSegmenter(cfg Config, cls Classifier) *Segmenter {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.HopSize <= 0 {
		cfg.HopSize = def.HopSize
	}
	det := NewBoundaryDetector(cfg.MinStartFrames, cfg.MinEndFrames)
	cfg.MinStartFrames, cfg.MinEndFrames = det.MinStartFrames, det.MinEndFrames
	return &Segmenter{cfg: cfg, cls: cls, det: det}
}

// Config returns the effective configuration.
func (s *Segmenter) Config() Config { return s.cfg }

// State returns the detector state.
func (s *Segmenter) State() DetectorState { return s.det.State() }

// FramesSeen is the number of frames processed since creation or Reset.
func (s *Segmenter) FramesSeen() int64 { return s.pos }

// Pending is the number of frames currently held for the utterance in
// progress, including provisional lead-in frames.
func (s *Segmenter) Pending() int { return len(s.frames) }

// Reset drops the utterance in progress and all detector state.
func (s *Segmenter) Reset() {
	s.det.Reset()
	s.frames = nil
	s.pos = 0
}

// Process runs every frame of chunk through the classifier and detector. A
// trailing partial frame is zero-padded. On a classifier error the rest of
// the chunk is skipped and the events produced so far are returned with the
// error.
func (s *Segmenter) Process(chunk []byte) ([]Event, error) {
	fb := s.cfg.FrameBytes()
	var events []Event
	for off, idx := 0, 0; off < len(chunk); off, idx = off+fb, idx+1 {
		var raw []byte
		if end := off + fb; end <= len(chunk) {
			raw = chunk[off:end]
		} else {
			raw = make([]byte, fb)
			copy(raw, chunk[off:])
			metricPaddedFrames.Inc()
		}
		frame := decodeFrame(raw)

		_, speech, err := s.cls.Classify(frame)
		if err != nil {
			return events, fmt.Errorf("vad: classify frame %d: %w", idx, err)
		}
		metricFrames.Inc()

		pos := s.pos
		s.pos++
		prev := s.det.State()
		if speech && !prev.InSpeech && prev.StartCount == 0 {
			s.runStartPos = pos
		}
		if !speech && prev.InSpeech && prev.EndCount == 0 {
			s.endRunPos = pos
		}

		b := s.det.Update(speech, idx)
		st := s.det.State()
		switch {
		case st.InSpeech, st.StartCount > 0:
			s.frames = append(s.frames, frame)
		case b.Kind == BoundaryNone:
			s.frames = nil
		}

		switch b.Kind {
		case BoundaryStart:
			metricSpeechStarts.Inc()
			s.segStartFrame = b.Frame
			s.segStartPos = s.runStartPos
			events = append(events, Event{Kind: EventSpeechStart, Frame: b.Frame, Pos: s.runStartPos})
		case BoundaryEnd:
			metricSpeechEnds.Inc()
			seg := &Segment{
				Frames:     s.frames,
				StartFrame: s.segStartFrame,
				EndFrame:   b.Frame,
				StartPos:   s.segStartPos,
				EndPos:     s.endRunPos,
			}
			seg.Duration = time.Duration(seg.EndPos-seg.StartPos) * s.cfg.HopDuration()
			metricSegmentSeconds.Observe(seg.Duration.Seconds())
			s.frames = nil
			events = append(events, Event{Kind: EventSpeechEnd, Frame: b.Frame, Pos: s.endRunPos, Segment: seg})
		}
	}
	return events, nil
}

func decodeFrame(raw []byte) []int16 {
	out := make([]int16, len(raw)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return out
}
