package buzzer

import "time"

// phaseTimer fires at most once per Arm. The run loop re-arms explicitly on
// every phase transition instead of relying on a repeating ticker, which
// keeps the interval exact when the duty cycle changes mid-phase.
type phaseTimer interface {
	// Arm schedules a single firing after d, replacing any pending one.
	Arm(d time.Duration)
	// Stop cancels any pending firing.
	Stop()
	C() <-chan time.Time
}

var newPhaseTimer = newWallTimer

type wallTimer struct {
	t *time.Timer
}

func newWallTimer() phaseTimer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return &wallTimer{t: t}
}

func (w *wallTimer) Arm(d time.Duration) {
	w.Stop()
	w.t.Reset(d)
}

func (w *wallTimer) Stop() {
	if !w.t.Stop() {
		// Drain a fired-but-unread expiry so Reset cannot deliver it late.
		select {
		case <-w.t.C:
		default:
		}
	}
}

func (w *wallTimer) C() <-chan time.Time {
	return w.t.C
}
