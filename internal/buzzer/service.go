package buzzer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// ValidationError reports a rejected setpoint value. The stored setpoint is
// unchanged when a setter returns one, and the run loop never sees the event.
type ValidationError struct {
	Setpoint string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("buzzer: invalid %s setpoint: %s", e.Setpoint, e.Reason)
}

type Config struct {
	// FrequencyHz, PeriodS and DutyPercent are the startup setpoint values;
	// callers are expected to pass validated config.
	FrequencyHz int
	PeriodS     float64
	DutyPercent int

	// MinPeriodS/MaxPeriodS bound the period setpoint (inclusive).
	MinPeriodS float64
	MaxPeriodS float64

	// Clkout sink selection.
	Backend   string
	SysfsPath string
	I2CBus    int
	I2CAddr   uint16
	GPIOPin   int
}

type setpoint int

const (
	spEnable setpoint = iota
	spFrequency
	spPeriod
	spDuty
)

func (sp setpoint) String() string {
	switch sp {
	case spEnable:
		return "enable"
	case spFrequency:
		return "frequency"
	case spPeriod:
		return "period"
	case spDuty:
		return "duty-cycle"
	}
	return "unknown"
}

type update struct {
	sp setpoint
	b  bool
	n  int
}

type Snapshot struct {
	Enabled bool   `json:"enabled"`
	Phase   string `json:"phase"`

	FrequencyHz  int `json:"frequency_hz"`
	PeriodMillis int `json:"period_ms"`
	DutyPercent  int `json:"duty_percent"`

	CommandedHz       int   `json:"commanded_hz"`
	TimerArmed        bool  `json:"timer_armed"`
	PendingIntervalMS int64 `json:"pending_interval_ms,omitempty"`

	LastUpdateAt time.Time `json:"last_update_utc,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Service realizes the buzzer duty-cycle waveform. Setters may be called
// from any goroutine; all state transitions happen on the single Run loop,
// which processes one event fully before accepting the next.
type Service struct {
	cfg Config

	mu   sync.RWMutex
	snap Snapshot

	updates chan update
	done    chan struct{}

	// Run-loop-owned state; never touched outside the loop.
	enabled      bool
	on           bool
	armed        bool
	pending      time.Duration
	freqHz       int
	periodMillis int
	dutyPercent  int
	commandedHz  int
}

func New(cfg Config) *Service {
	s := &Service{
		cfg:     cfg,
		updates: make(chan update, 16),
		done:    make(chan struct{}),

		freqHz:       cfg.FrequencyHz,
		periodMillis: int(cfg.PeriodS * 1000),
		dutyPercent:  cfg.DutyPercent,
		commandedHz:  OffHz,
	}
	s.publish()
	return s
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// SetEnable starts or stops the duty cycle.
func (s *Service) SetEnable(on bool) error {
	return s.enqueue(update{sp: spEnable, b: on})
}

// SetFrequencyHz selects the clkout tone; hz must be in the supported set.
func (s *Service) SetFrequencyHz(hz int) error {
	if !SupportedFrequencyHz(hz) {
		return s.reject(spFrequency, fmt.Sprintf("%d Hz is not in the supported set (1024, 2048, 4096, 8192, 16384, 32768)", hz))
	}
	return s.enqueue(update{sp: spFrequency, n: hz})
}

// SetPeriodSeconds sets the full on+off cycle length. Stored in whole
// milliseconds, truncated toward zero.
func (s *Service) SetPeriodSeconds(sec float64) error {
	if sec < s.cfg.MinPeriodS || sec > s.cfg.MaxPeriodS {
		return s.reject(spPeriod, fmt.Sprintf("%g s is outside [%g, %g]", sec, s.cfg.MinPeriodS, s.cfg.MaxPeriodS))
	}
	return s.enqueue(update{sp: spPeriod, n: int(sec * 1000)})
}

// SetDutyPercent sets the on fraction of each period.
func (s *Service) SetDutyPercent(pct int) error {
	if pct < 0 || pct > 100 {
		return s.reject(spDuty, fmt.Sprintf("%d%% is outside [0, 100]", pct))
	}
	return s.enqueue(update{sp: spDuty, n: pct})
}

func (s *Service) reject(sp setpoint, reason string) error {
	err := &ValidationError{Setpoint: sp.String(), Reason: reason}
	log.Printf("%v", err)
	return err
}

func (s *Service) enqueue(u update) error {
	// Checked first so a stopped service fails deterministically even when
	// the update queue still has room.
	select {
	case <-s.done:
		return fmt.Errorf("buzzer: service stopped")
	default:
	}
	select {
	case <-s.done:
		return fmt.Errorf("buzzer: service stopped")
	case s.updates <- u:
		return nil
	}
}

// Run owns the sink and the phase timer for its whole lifetime. It returns
// nil on context cancellation (after silencing the buzzer) and the wrapped
// sink error on any failed hardware write; the physical state is unknown
// after a failed write, so there is no recovery path.
func (s *Service) Run(ctx context.Context) error {
	defer close(s.done)

	sink, err := openSinkFn(s.cfg)
	if err != nil {
		err = fmt.Errorf("buzzer: open clkout sink: %w", err)
		s.setErr(err.Error())
		return err
	}
	defer sink.Close()

	timer := newPhaseTimer()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			if s.on {
				_ = sink.SetFrequencyHz(OffHz)
			}
			return nil
		case u := <-s.updates:
			if err := s.apply(sink, timer, u); err != nil {
				s.setErr(err.Error())
				return err
			}
		case <-timer.C():
			if err := s.fire(sink, timer); err != nil {
				s.setErr(err.Error())
				return err
			}
		}
		s.publish()
	}
}

func (s *Service) apply(sink Sink, timer phaseTimer, u update) error {
	switch u.sp {
	case spEnable:
		if u.b == s.enabled {
			return nil
		}
		s.enabled = u.b
		if s.enabled {
			return s.startCycle(sink, timer)
		}
		return s.stopCycle(sink, timer)

	case spFrequency:
		if u.n == s.freqHz {
			return nil
		}
		s.freqHz = u.n
		// While sounding the new tone takes effect immediately; while off it
		// is picked up at the next on transition.
		if s.enabled && s.on {
			return s.command(sink, s.freqHz)
		}
		return nil

	case spPeriod:
		if u.n == s.periodMillis {
			return nil
		}
		s.periodMillis = u.n
		if !s.enabled {
			return nil
		}
		// Full restart so the new period applies from a clean on-phase.
		if err := s.stopCycle(sink, timer); err != nil {
			return err
		}
		return s.startCycle(sink, timer)

	case spDuty:
		if u.n == s.dutyPercent {
			return nil
		}
		s.dutyPercent = u.n
		return s.retime(sink, timer)
	}
	return nil
}

// startCycle is the Disabled->On (and restart) leg.
func (s *Service) startCycle(sink Sink, timer phaseTimer) error {
	if s.dutyPercent == 0 {
		// Never sounds; park the timer until the duty changes.
		s.on = false
		return nil
	}
	if err := s.command(sink, s.freqHz); err != nil {
		return err
	}
	s.on = true
	s.arm(timer, s.onInterval())
	return nil
}

// stopCycle silences the buzzer and stops the timer. Also the duty->0 leg.
func (s *Service) stopCycle(sink Sink, timer phaseTimer) error {
	timer.Stop()
	s.armed = false
	s.pending = 0
	if s.on {
		if err := s.command(sink, OffHz); err != nil {
			return err
		}
		s.on = false
	}
	return nil
}

func (s *Service) fire(sink Sink, timer phaseTimer) error {
	s.armed = false
	s.pending = 0
	if !s.enabled {
		// Structurally unreachable: disabling stops the timer.
		log.Printf("buzzer: ignoring stray timer firing while disabled")
		return nil
	}
	if s.on {
		if s.dutyPercent == 100 {
			// Continuous tone: stay on, timer parked.
			return nil
		}
		if err := s.command(sink, OffHz); err != nil {
			return err
		}
		s.on = false
		s.arm(timer, s.offInterval())
		return nil
	}
	if s.dutyPercent == 0 {
		// Silent: stay off, timer parked.
		return nil
	}
	if err := s.command(sink, s.freqHz); err != nil {
		return err
	}
	s.on = true
	s.arm(timer, s.onInterval())
	return nil
}

// retime reacts to a duty change. The one-shot timer means a parked machine
// (duty was 0 or 100) has no future firing, so this path must be able to
// re-arm from both parked phases or the cycle would never resume.
func (s *Service) retime(sink Sink, timer phaseTimer) error {
	if !s.enabled {
		return nil
	}
	if s.on {
		if s.dutyPercent == 0 {
			return s.stopCycle(sink, timer)
		}
		// Reset the on-phase to the new full on-duration. Also revives a
		// machine parked on a continuous tone.
		s.arm(timer, s.onInterval())
		return nil
	}
	if s.armed {
		// The pending firing picks the new duty up at the phase boundary.
		return nil
	}
	// Parked at off (duty was 0): revive the cycle.
	if s.dutyPercent == 100 {
		if err := s.command(sink, s.freqHz); err != nil {
			return err
		}
		s.on = true
		s.arm(timer, s.onInterval())
		return nil
	}
	s.arm(timer, s.offInterval())
	return nil
}

func (s *Service) onInterval() time.Duration {
	return time.Duration(s.periodMillis*s.dutyPercent/100) * time.Millisecond
}

func (s *Service) offInterval() time.Duration {
	return time.Duration(s.periodMillis*(100-s.dutyPercent)/100) * time.Millisecond
}

func (s *Service) arm(timer phaseTimer, d time.Duration) {
	if d < time.Millisecond {
		d = time.Millisecond
	}
	timer.Arm(d)
	s.armed = true
	s.pending = d
}

func (s *Service) command(sink Sink, hz int) error {
	if err := sink.SetFrequencyHz(hz); err != nil {
		return fmt.Errorf("buzzer: set clkout to %d Hz: %w", hz, err)
	}
	s.commandedHz = hz
	return nil
}

func (s *Service) publish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Enabled = s.enabled
	if s.on {
		s.snap.Phase = "on"
	} else {
		s.snap.Phase = "off"
	}
	s.snap.FrequencyHz = s.freqHz
	s.snap.PeriodMillis = s.periodMillis
	s.snap.DutyPercent = s.dutyPercent
	s.snap.CommandedHz = s.commandedHz
	s.snap.TimerArmed = s.armed
	s.snap.PendingIntervalMS = s.pending.Milliseconds()
	s.snap.LastUpdateAt = time.Now().UTC()
}

func (s *Service) setErr(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.LastError = msg
	s.snap.LastUpdateAt = time.Now().UTC()
}
