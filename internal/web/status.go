package web

import (
	"time"

	"buzzerd/internal/buzzer"
	"buzzerd/internal/hub"
)

// BuzzerController is the slice of the buzzer service the web surface
// needs. POSTed setpoints go through the same setters as hub pushes, so the
// run loop sees one ordered event stream regardless of transport.
type BuzzerController interface {
	SetEnable(on bool) error
	SetFrequencyHz(hz int) error
	SetPeriodSeconds(sec float64) error
	SetDutyPercent(pct int) error
	Snapshot() buzzer.Snapshot
}

type Status struct {
	startUTC time.Time
	backend  string
	ctl      BuzzerController
	hub      *hub.Client
}

// NewStatus wires the status endpoint sources. hubClient may be nil when
// the hub transport is disabled.
func NewStatus(backend string, ctl BuzzerController, hubClient *hub.Client) *Status {
	return &Status{
		startUTC: time.Now().UTC(),
		backend:  backend,
		ctl:      ctl,
		hub:      hubClient,
	}
}

type StatusSnapshot struct {
	Service       string          `json:"service"`
	NowUTC        string          `json:"now_utc"`
	UptimeSec     int64           `json:"uptime_sec"`
	ClkoutBackend string          `json:"clkout_backend"`
	Buzzer        buzzer.Snapshot `json:"buzzer"`
	Hub           *hub.Snapshot   `json:"hub,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	snap := StatusSnapshot{
		Service:       "buzzerd",
		NowUTC:        nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:     int64(nowUTC.Sub(s.startUTC).Seconds()),
		ClkoutBackend: s.backend,
	}
	if s.ctl != nil {
		snap.Buzzer = s.ctl.Snapshot()
	}
	if s.hub != nil {
		h := s.hub.Snapshot(nowUTC)
		snap.Hub = &h
	}
	return snap
}
