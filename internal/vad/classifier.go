package vad

import "math"

// Classifier scores a single frame. Implementations wrap an acoustic VAD
// model; speech is the binary decision fed to the boundary detector.
// A Classifier instance belongs to one stream and is not shared.
type Classifier interface {
	Classify(frame []int16) (probability float32, speech bool, err error)
}

// ClassifierFunc adapts a plain function to Classifier.
type ClassifierFunc func(frame []int16) (float32, bool, error)

func (f ClassifierFunc) Classify(frame []int16) (float32, bool, error) { return f(frame) }

// DefaultEnergyThreshold is the RMS level, as a fraction of full scale, at or
// above which a frame counts as speech.
const DefaultEnergyThreshold = 0.02

// EnergyClassifier is a model-free classifier based on frame RMS energy.
type EnergyClassifier struct {
	Threshold float64
}

// NewEnergyClassifier returns a classifier with the given threshold, or the
// default when threshold is not in (0, 1).
func NewEnergyClassifier(threshold float64) *EnergyClassifier {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultEnergyThreshold
	}
	return &EnergyClassifier{Threshold: threshold}
}

// Classify maps RMS energy to a pseudo probability that reaches 0.5 exactly
// at the threshold.
func (c *EnergyClassifier) Classify(frame []int16) (float32, bool, error) {
	level := rms(frame)
	p := level / (2 * c.Threshold)
	if p > 1 {
		p = 1
	}
	return float32(p), level >= c.Threshold, nil
}

func rms(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(frame)))
}
