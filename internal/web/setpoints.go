package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"buzzerd/internal/buzzer"
)

// setpointRoute declares one externally controllable value: its units, how
// the current accepted value is read out, and how a POSTed value is applied.
type setpointRoute struct {
	name  string
	units string
	get   func(s buzzer.Snapshot) any
	apply func(ctl BuzzerController, raw json.RawMessage) error
}

func setpointRoutes() []setpointRoute {
	return []setpointRoute{
		{
			name: "enable", units: "1/0",
			get: func(s buzzer.Snapshot) any { return s.Enabled },
			apply: func(ctl BuzzerController, raw json.RawMessage) error {
				var v bool
				if err := json.Unmarshal(raw, &v); err != nil {
					return badValue("enable", "expected a boolean")
				}
				return ctl.SetEnable(v)
			},
		},
		{
			name: "frequency", units: "Hz",
			get: func(s buzzer.Snapshot) any { return s.FrequencyHz },
			apply: func(ctl BuzzerController, raw json.RawMessage) error {
				var v float64
				if err := json.Unmarshal(raw, &v); err != nil {
					return badValue("frequency", "expected a number")
				}
				return ctl.SetFrequencyHz(int(v))
			},
		},
		{
			name: "period", units: "s",
			get: func(s buzzer.Snapshot) any { return float64(s.PeriodMillis) / 1000 },
			apply: func(ctl BuzzerController, raw json.RawMessage) error {
				var v float64
				if err := json.Unmarshal(raw, &v); err != nil {
					return badValue("period", "expected a number")
				}
				return ctl.SetPeriodSeconds(v)
			},
		},
		{
			name: "duty-cycle", units: "%",
			get: func(s buzzer.Snapshot) any { return s.DutyPercent },
			apply: func(ctl BuzzerController, raw json.RawMessage) error {
				var v float64
				if err := json.Unmarshal(raw, &v); err != nil {
					return badValue("duty-cycle", "expected a number")
				}
				return ctl.SetDutyPercent(int(v))
			},
		},
	}
}

func badValue(setpoint, reason string) error {
	return &buzzer.ValidationError{Setpoint: setpoint, Reason: reason}
}

// decodeValueBody strictly parses `{"value": <json>}`: unknown keys, a
// missing value, and trailing data are all rejected.
func decodeValueBody(body []byte) (json.RawMessage, error) {
	var in struct {
		Value *json.RawMessage `json:"value"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.New("invalid json: trailing data")
	}
	if in.Value == nil {
		return nil, errors.New("invalid json: missing required key \"value\"")
	}
	return *in.Value, nil
}

func setpointHandler(route setpointRoute, ctl BuzzerController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			resp := map[string]any{
				"value": route.get(ctl.Snapshot()),
				"units": route.units,
			}
			writeJSON(w, resp)

		case http.MethodPost:
			body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
			if err != nil {
				http.Error(w, "read body failed", http.StatusBadRequest)
				return
			}
			raw, err := decodeValueBody(body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := route.apply(ctl, raw); err != nil {
				var verr *buzzer.ValidationError
				if errors.As(err, &verr) {
					http.Error(w, verr.Error(), http.StatusBadRequest)
					return
				}
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, map[string]any{"ok": true})

		default:
			w.Header().Set("Allow", "GET, POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}
