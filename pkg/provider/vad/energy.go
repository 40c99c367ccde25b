package vad

import (
	"errors"

	"github.com/MrWong99/kiro/pkg/audio"
)

// ErrEmptyFrame is returned by [EnergyClassifier.IsSpeech] for a frame
// without samples.
var ErrEmptyFrame = errors.New("vad: empty frame")

// energyThresholds maps aggressiveness 0..3 to the minimum frame RMS counted
// as speech.
var energyThresholds = [4]float64{0.005, 0.01, 0.02, 0.035}

// Compile-time assertion that EnergyClassifier satisfies Classifier.
var _ Classifier = (*EnergyClassifier)(nil)

// EnergyClassifier labels a frame as speech when its RMS level reaches a
// threshold derived from the aggressiveness mode.
type EnergyClassifier struct {
	Threshold float64
}

// NewEnergyClassifier returns a classifier for aggressiveness in [0, 3].
// Out-of-range values are clamped.
func NewEnergyClassifier(aggressiveness int) *EnergyClassifier {
	aggressiveness = max(0, min(aggressiveness, 3))
	return &EnergyClassifier{Threshold: energyThresholds[aggressiveness]}
}

// IsSpeech implements [Classifier].
func (e *EnergyClassifier) IsSpeech(frame []float32, _ int) (bool, error) {
	if len(frame) == 0 {
		return false, ErrEmptyFrame
	}
	return audio.RMS(frame) >= e.Threshold, nil
}
