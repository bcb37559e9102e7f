package buzzer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu       sync.Mutex
	commands []int
	writeErr error

	cmdCh chan int
}

func newFakeSink() *fakeSink {
	return &fakeSink{cmdCh: make(chan int, 32)}
}

func (f *fakeSink) SetFrequencyHz(hz int) error {
	f.mu.Lock()
	err := f.writeErr
	if err == nil {
		f.commands = append(f.commands, hz)
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.cmdCh <- hz
	return nil
}

func (f *fakeSink) Close() error { return nil }

func (f *fakeSink) commandLog() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.commands...)
}

type fakeTimer struct {
	mu    sync.Mutex
	stops int

	armCh chan time.Duration
	c     chan time.Time
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{armCh: make(chan time.Duration, 32), c: make(chan time.Time)}
}

func (f *fakeTimer) Arm(d time.Duration) { f.armCh <- d }

func (f *fakeTimer) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeTimer) C() <-chan time.Time { return f.c }

// fire blocks until the run loop receives the expiry, which serializes the
// test against the loop.
func (f *fakeTimer) fire() { f.c <- time.Time{} }

func (f *fakeTimer) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type harness struct {
	svc     *Service
	sink    *fakeSink
	timer   *fakeTimer
	runErr  chan error
	stopped chan struct{}
	cancel  context.CancelFunc
}

func testConfig() Config {
	return Config{
		FrequencyHz: 1024,
		PeriodS:     1.0,
		DutyPercent: 20,
		MinPeriodS:  0.1,
		MaxPeriodS:  3600,
	}
}

func startService(t *testing.T, cfg Config) *harness {
	t.Helper()

	sink := newFakeSink()
	timer := newFakeTimer()

	oldOpen := openSinkFn
	openSinkFn = func(Config) (Sink, error) { return sink, nil }
	t.Cleanup(func() { openSinkFn = oldOpen })

	oldTimer := newPhaseTimer
	newPhaseTimer = func() phaseTimer { return timer }
	t.Cleanup(func() { newPhaseTimer = oldTimer })

	svc := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		runErr <- svc.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Errorf("Run did not return after cancel")
		}
	})

	return &harness{svc: svc, sink: sink, timer: timer, runErr: runErr, stopped: stopped, cancel: cancel}
}

func (h *harness) expectCommand(t *testing.T, wantHz int) {
	t.Helper()
	select {
	case hz := <-h.sink.cmdCh:
		if hz != wantHz {
			t.Fatalf("sink command=%d Hz want %d Hz", hz, wantHz)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected sink command %d Hz, got none", wantHz)
	}
}

func (h *harness) expectArm(t *testing.T, want time.Duration) {
	t.Helper()
	select {
	case d := <-h.timer.armCh:
		if d != want {
			t.Fatalf("armed interval=%s want %s", d, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected timer armed with %s, got nothing", want)
	}
}

func (h *harness) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case hz := <-h.sink.cmdCh:
		t.Fatalf("unexpected sink command %d Hz", hz)
	case d := <-h.timer.armCh:
		t.Fatalf("unexpected timer arm %s", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func awaitSnapshot(t *testing.T, svc *Service, desc string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap := svc.Snapshot(); cond(snap) {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("snapshot never reached: %s (last: %+v)", desc, svc.Snapshot())
	return Snapshot{}
}

func mustSet(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("setpoint rejected: %v", err)
	}
}

func TestWaveform_TwoFullPeriods(t *testing.T) {
	h := startService(t, testConfig())

	// 1000ms period at 20%: on for 200ms, off for 800ms.
	mustSet(t, h.svc.SetEnable(true))
	h.expectCommand(t, 1024)
	h.expectArm(t, 200*time.Millisecond)

	h.timer.fire()
	h.expectCommand(t, OffHz)
	h.expectArm(t, 800*time.Millisecond)

	h.timer.fire()
	h.expectCommand(t, 1024)
	h.expectArm(t, 200*time.Millisecond)

	h.timer.fire()
	h.expectCommand(t, OffHz)
	h.expectArm(t, 800*time.Millisecond)

	want := []int{1024, 0, 1024, 0}
	got := h.sink.commandLog()
	if len(got) != len(want) {
		t.Fatalf("command log=%v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("command log=%v want %v", got, want)
		}
	}
}

func TestEnable_DutyZeroNeverSounds(t *testing.T) {
	cfg := testConfig()
	cfg.DutyPercent = 0
	h := startService(t, cfg)

	mustSet(t, h.svc.SetEnable(true))
	awaitSnapshot(t, h.svc, "enabled", func(s Snapshot) bool { return s.Enabled })
	h.expectQuiet(t)

	snap := h.svc.Snapshot()
	if snap.Phase != "off" || snap.TimerArmed {
		t.Fatalf("snapshot=%+v want phase off, timer parked", snap)
	}
}

func TestEnable_DutyHundredContinuousTone(t *testing.T) {
	cfg := testConfig()
	cfg.DutyPercent = 100
	h := startService(t, cfg)

	mustSet(t, h.svc.SetEnable(true))
	h.expectCommand(t, 1024)
	h.expectArm(t, 1000*time.Millisecond)

	// The period-boundary firing at 100% parks the timer and never goes off.
	h.timer.fire()
	h.expectQuiet(t)

	snap := awaitSnapshot(t, h.svc, "parked on", func(s Snapshot) bool { return !s.TimerArmed })
	if snap.Phase != "on" || snap.CommandedHz != 1024 {
		t.Fatalf("snapshot=%+v want phase on at 1024 Hz", snap)
	}
}

func TestDisable_WhileOn_SingleOffCommand(t *testing.T) {
	h := startService(t, testConfig())

	mustSet(t, h.svc.SetEnable(true))
	h.expectCommand(t, 1024)
	h.expectArm(t, 200*time.Millisecond)

	before := h.timer.stopCount()
	mustSet(t, h.svc.SetEnable(false))
	h.expectCommand(t, OffHz)
	awaitSnapshot(t, h.svc, "disabled", func(s Snapshot) bool { return !s.Enabled })

	if got := h.sink.commandLog(); len(got) != 2 {
		t.Fatalf("command log=%v want exactly [1024 0]", got)
	}
	if h.timer.stopCount() <= before {
		t.Fatalf("timer was not stopped on disable")
	}
}

func TestDisable_WhileOff_NoSinkCommand(t *testing.T) {
	h := startService(t, testConfig())

	mustSet(t, h.svc.SetEnable(true))
	h.expectCommand(t, 1024)
	h.expectArm(t, 200*time.Millisecond)
	h.timer.fire()
	h.expectCommand(t, OffHz)
	h.expectArm(t, 800*time.Millisecond)

	before := h.timer.stopCount()
	mustSet(t, h.svc.SetEnable(false))
	awaitSnapshot(t, h.svc, "disabled", func(s Snapshot) bool { return !s.Enabled })

	if got := h.sink.commandLog(); len(got) != 2 {
		t.Fatalf("command log=%v want exactly [1024 0]", got)
	}
	if h.timer.stopCount() <= before {
		t.Fatalf("timer was not stopped on disable")
	}
}

func TestDisable_WhileDisabled_IsNoop(t *testing.T) {
	h := startService(t, testConfig())

	mustSet(t, h.svc.SetEnable(false))
	// FIFO ordering: once the frequency update lands, the enable update has
	// already been processed.
	mustSet(t, h.svc.SetFrequencyHz(2048))
	awaitSnapshot(t, h.svc, "frequency applied", func(s Snapshot) bool { return s.FrequencyHz == 2048 })

	if got := h.sink.commandLog(); len(got) != 0 {
		t.Fatalf("command log=%v want none", got)
	}
	if h.timer.stopCount() != 0 {
		t.Fatalf("timer stops=%d want 0", h.timer.stopCount())
	}
}

func TestFrequencyChange_WhileOn_ImmediateRecommand(t *testing.T) {
	h := startService(t, testConfig())

	mustSet(t, h.svc.SetEnable(true))
	h.expectCommand(t, 1024)
	h.expectArm(t, 200*time.Millisecond)

	mustSet(t, h.svc.SetFrequencyHz(4096))
	h.expectCommand(t, 4096)
	// The running on-phase keeps its remaining interval: no rearm.
	select {
	case d := <-h.timer.armCh:
		t.Fatalf("unexpected timer arm %s on frequency change", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFrequencyChange_WhileOff_TakesEffectLazily(t *testing.T) {
	h := startService(t, testConfig())

	mustSet(t, h.svc.SetEnable(true))
	h.expectCommand(t, 1024)
	h.expectArm(t, 200*time.Millisecond)
	h.timer.fire()
	h.expectCommand(t, OffHz)
	h.expectArm(t, 800*time.Millisecond)

	mustSet(t, h.svc.SetFrequencyHz(8192))
	awaitSnapshot(t, h.svc, "frequency stored", func(s Snapshot) bool { return s.FrequencyHz == 8192 })
	h.expectQuiet(t)

	h.timer.fire()
	h.expectCommand(t, 8192)
	h.expectArm(t, 200*time.Millisecond)
}

func TestPeriodChange_WhileEnabled_RestartsCycle(t *testing.T) {
	h := startService(t, testConfig())

	mustSet(t, h.svc.SetEnable(true))
	h.expectCommand(t, 1024)
	h.expectArm(t, 200*time.Millisecond)

	mustSet(t, h.svc.SetPeriodSeconds(2.0))
	// Restart: off write for the running on-phase, then a fresh on-phase
	// with the new period.
	h.expectCommand(t, OffHz)
	h.expectCommand(t, 1024)
	h.expectArm(t, 400*time.Millisecond)
}

func TestPeriodChange_WhileDisabled_StoresOnly(t *testing.T) {
	h := startService(t, testConfig())

	mustSet(t, h.svc.SetPeriodSeconds(0.5))
	snap := awaitSnapshot(t, h.svc, "period stored", func(s Snapshot) bool { return s.PeriodMillis == 500 })
	if snap.Enabled || snap.TimerArmed {
		t.Fatalf("snapshot=%+v want still disabled and parked", snap)
	}
	h.expectQuiet(t)
}

func TestDutyChange_WhileOn_RearmsInPlace(t *testing.T) {
	h := startService(t, testConfig())

	mustSet(t, h.svc.SetEnable(true))
	h.expectCommand(t, 1024)
	h.expectArm(t, 200*time.Millisecond)

	mustSet(t, h.svc.SetDutyPercent(50))
	h.expectArm(t, 500*time.Millisecond)

	// No phase change, no sink command.
	select {
	case hz := <-h.sink.cmdCh:
		t.Fatalf("unexpected sink command %d Hz on duty change", hz)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDutyChange_WhileOffArmed_AppliesAtBoundary(t *testing.T) {
	h := startService(t, testConfig())

	mustSet(t, h.svc.SetEnable(true))
	h.expectCommand(t, 1024)
	h.expectArm(t, 200*time.Millisecond)
	h.timer.fire()
	h.expectCommand(t, OffHz)
	h.expectArm(t, 800*time.Millisecond)

	mustSet(t, h.svc.SetDutyPercent(60))
	awaitSnapshot(t, h.svc, "duty stored", func(s Snapshot) bool { return s.DutyPercent == 60 })
	h.expectQuiet(t)

	h.timer.fire()
	h.expectCommand(t, 1024)
	h.expectArm(t, 600*time.Millisecond)
}

func TestDutyChange_ToZeroWhileOn_SilencesAndParks(t *testing.T) {
	h := startService(t, testConfig())

	mustSet(t, h.svc.SetEnable(true))
	h.expectCommand(t, 1024)
	h.expectArm(t, 200*time.Millisecond)

	mustSet(t, h.svc.SetDutyPercent(0))
	h.expectCommand(t, OffHz)
	snap := awaitSnapshot(t, h.svc, "parked off", func(s Snapshot) bool { return !s.TimerArmed && s.Phase == "off" })
	if !snap.Enabled {
		t.Fatalf("snapshot=%+v want still enabled", snap)
	}
}

func TestDutyChange_RevivesParkedCycle(t *testing.T) {
	cfg := testConfig()
	cfg.DutyPercent = 0
	h := startService(t, cfg)

	mustSet(t, h.svc.SetEnable(true))
	awaitSnapshot(t, h.svc, "enabled parked", func(s Snapshot) bool { return s.Enabled && !s.TimerArmed })

	// Parked off, new duty 100: sound immediately.
	mustSet(t, h.svc.SetDutyPercent(100))
	h.expectCommand(t, 1024)
	h.expectArm(t, 1000*time.Millisecond)

	// Parked on (after the 100% boundary firing), new duty 20: rearm the
	// on-phase to the new on-duration.
	h.timer.fire()
	h.expectQuiet(t)
	mustSet(t, h.svc.SetDutyPercent(20))
	h.expectArm(t, 200*time.Millisecond)

	// Parked off again via duty 0, then a mid duty resumes at the natural
	// phase boundary with an off-interval.
	mustSet(t, h.svc.SetDutyPercent(0))
	h.expectCommand(t, OffHz)
	awaitSnapshot(t, h.svc, "parked off", func(s Snapshot) bool { return !s.TimerArmed })
	mustSet(t, h.svc.SetDutyPercent(25))
	h.expectArm(t, 750*time.Millisecond)
	h.timer.fire()
	h.expectCommand(t, 1024)
	h.expectArm(t, 250*time.Millisecond)
}

func TestStrayFiring_WhileDisabled_Ignored(t *testing.T) {
	h := startService(t, testConfig())

	h.timer.fire()
	h.expectQuiet(t)

	// Still responsive afterwards.
	mustSet(t, h.svc.SetEnable(true))
	h.expectCommand(t, 1024)
	h.expectArm(t, 200*time.Millisecond)
}

func TestValidation_Frequency(t *testing.T) {
	svc := New(testConfig())

	for _, hz := range []int{-1024, 0, 1, 1000, 3000, 65536} {
		err := svc.SetFrequencyHz(hz)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("SetFrequencyHz(%d) err=%v want ValidationError", hz, err)
		}
		if verr.Setpoint != "frequency" {
			t.Fatalf("setpoint=%q want frequency", verr.Setpoint)
		}
		if got := svc.Snapshot().FrequencyHz; got != 1024 {
			t.Fatalf("stored frequency=%d want unchanged 1024", got)
		}
	}
}

func TestValidation_FrequencyAcceptsSupportedSet(t *testing.T) {
	h := startService(t, testConfig())

	for _, hz := range []int{1024, 2048, 4096, 8192, 16384, 32768} {
		mustSet(t, h.svc.SetFrequencyHz(hz))
		snap := awaitSnapshot(t, h.svc, fmt.Sprintf("frequency %d", hz), func(s Snapshot) bool { return s.FrequencyHz == hz })
		if snap.FrequencyHz != hz {
			t.Fatalf("stored frequency=%d want %d", snap.FrequencyHz, hz)
		}
	}
}

func TestValidation_Period(t *testing.T) {
	h := startService(t, testConfig())

	for _, sec := range []float64{-1, 0, 0.099, 3600.1, 1e9} {
		err := h.svc.SetPeriodSeconds(sec)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("SetPeriodSeconds(%g) err=%v want ValidationError", sec, err)
		}
	}
	if got := h.svc.Snapshot().PeriodMillis; got != 1000 {
		t.Fatalf("stored period=%dms want unchanged 1000ms", got)
	}

	// Boundaries accepted, stored as floor(sec*1000).
	cases := []struct {
		sec  float64
		want int
	}{
		{0.1, 100},
		{2.5, 2500},
		{0.1999, 199},
		{3600, 3600000},
	}
	for _, tc := range cases {
		mustSet(t, h.svc.SetPeriodSeconds(tc.sec))
		awaitSnapshot(t, h.svc, fmt.Sprintf("period %g", tc.sec), func(s Snapshot) bool { return s.PeriodMillis == tc.want })
	}
}

func TestValidation_Duty(t *testing.T) {
	h := startService(t, testConfig())

	for _, pct := range []int{-1, 101, 1000} {
		err := h.svc.SetDutyPercent(pct)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("SetDutyPercent(%d) err=%v want ValidationError", pct, err)
		}
	}
	if got := h.svc.Snapshot().DutyPercent; got != 20 {
		t.Fatalf("stored duty=%d want unchanged 20", got)
	}

	for _, pct := range []int{0, 1, 50, 99, 100} {
		mustSet(t, h.svc.SetDutyPercent(pct))
		awaitSnapshot(t, h.svc, fmt.Sprintf("duty %d", pct), func(s Snapshot) bool { return s.DutyPercent == pct })
	}
}

func TestSinkWriteFailure_IsFatal(t *testing.T) {
	h := startService(t, testConfig())
	h.sink.mu.Lock()
	h.sink.writeErr = errors.New("i/o error")
	h.sink.mu.Unlock()

	mustSet(t, h.svc.SetEnable(true))

	select {
	case err := <-h.runErr:
		if err == nil || !strings.Contains(err.Error(), "i/o error") {
			t.Fatalf("Run err=%v want wrapped sink error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after sink write failure")
	}

	// Setters fail fast once the loop has exited.
	if err := h.svc.SetEnable(false); err == nil {
		t.Fatalf("expected error from setter after fatal stop")
	}
}

func TestRun_CancelSilencesBuzzer(t *testing.T) {
	h := startService(t, testConfig())

	mustSet(t, h.svc.SetEnable(true))
	h.expectCommand(t, 1024)
	h.expectArm(t, 200*time.Millisecond)

	h.cancel()
	select {
	case err := <-h.runErr:
		if err != nil {
			t.Fatalf("Run err=%v want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}

	got := h.sink.commandLog()
	if len(got) == 0 || got[len(got)-1] != OffHz {
		t.Fatalf("command log=%v want trailing off command", got)
	}
}
