// Package alert routes operational events from the trust layer to whoever is
// on call. The default emitter logs through logrus; tests use the recorder.
package alert

import (
	"github.com/sirupsen/logrus"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

type Event struct {
	Severity Severity
	Code     string
	Message  string
	Fields   map[string]any
}

type Emitter interface {
	Emit(ev Event)
}

// LogEmitter writes alert events as structured log lines.
type LogEmitter struct {
	Log logrus.FieldLogger
}

func NewLogEmitter(log logrus.FieldLogger) *LogEmitter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LogEmitter{Log: log}
}

func (e *LogEmitter) Emit(ev Event) {
	fields := logrus.Fields{"alert_code": ev.Code}
	for k, v := range ev.Fields {
		fields[k] = v
	}
	entry := e.Log.WithFields(fields)
	switch ev.Severity {
	case SeverityCritical, SeverityError:
		entry.Error(ev.Message)
	default:
		entry.Warn(ev.Message)
	}
}

// Recorder captures events for assertions in tests.
type Recorder struct {
	Events []Event
}

func (r *Recorder) Emit(ev Event) { r.Events = append(r.Events, ev) }

func (r *Recorder) ByCode(code string) []Event {
	var out []Event
	for _, ev := range r.Events {
		if ev.Code == code {
			out = append(out, ev)
		}
	}
	return out
}
