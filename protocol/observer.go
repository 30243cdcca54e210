package protocol

import "time"

// Observer receives round lifecycle events, typically to export metrics.
// Calls come from round goroutines and must not block.
type Observer interface {
	RoundOpened()
	RoundCompleted(contributors int)
	RoundAborted(code string)
	ParticipantDropped()
	VectorSubmitted()
	RecoveryFinished(elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) RoundOpened()                   {}
func (nopObserver) RoundCompleted(int)             {}
func (nopObserver) RoundAborted(string)            {}
func (nopObserver) ParticipantDropped()            {}
func (nopObserver) VectorSubmitted()               {}
func (nopObserver) RecoveryFinished(time.Duration) {}
