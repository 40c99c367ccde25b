// Package mock provides a scripted [wakeword.Model] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/kiro/pkg/provider/wakeword"
)

// Model is a mock implementation of [wakeword.Model].
type Model struct {
	mu sync.Mutex

	// Scores is returned by every Predict call unless Script has entries left.
	Scores []wakeword.Score

	// Script, if non-empty, supplies the result of successive Predict calls;
	// once exhausted Scores is used.
	Script [][]wakeword.Score

	// Err, if non-nil, is returned by Predict.
	Err error

	// PredictCallCount and ResetCallCount record calls.
	PredictCallCount int
	ResetCallCount   int
}

// Predict implements [wakeword.Model].
func (m *Model) Predict(_ context.Context, _ []float32) ([]wakeword.Score, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PredictCallCount++
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Script) > 0 {
		next := m.Script[0]
		m.Script = m.Script[1:]
		return next, nil
	}
	return m.Scores, nil
}

// Reset implements [wakeword.Model].
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResetCallCount++
}

// SetScores replaces the default result.
func (m *Model) SetScores(scores ...wakeword.Score) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Scores = scores
}

// Calls returns the number of Predict calls.
func (m *Model) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PredictCallCount
}

var _ wakeword.Model = (*Model)(nil)
