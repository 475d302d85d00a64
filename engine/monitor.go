package engine

import (
	"context"
	"time"

	"shuttlelink/logging"
	"shuttlelink/plc"
	"shuttlelink/signal"
	"shuttlelink/task"
)

// monitorPollInterval is the fixed cadence of the signal monitor.
const monitorPollInterval = 200 * time.Millisecond

// monitorKind classifies what the signal monitor observed.
type monitorKind int

const (
	monitorNone monitorKind = iota
	monitorAlarm
	monitorCompleted
	monitorFailed
	monitorCancelled
)

func (k monitorKind) String() string {
	switch k {
	case monitorAlarm:
		return "Alarm"
	case monitorCompleted:
		return "Completed"
	case monitorFailed:
		return "Failed"
	case monitorCancelled:
		return "Cancelled"
	default:
		return "None"
	}
}

// monitorOutcome is the monitor's return tuple.
type monitorOutcome struct {
	Kind       monitorKind
	Error      *task.ErrorDetail
	DetectedAt time.Time
}

// signalMonitor watches one command execution in parallel with the
// step machine. It polls the error code register, the CommandFailed
// flag and the strategy's completion address.
type signalMonitor struct {
	client         plc.Client
	signals        *signal.Map
	completionAddr string
	failOnAlarm    bool

	// onAlarm publishes the intermediate alarm result; invoked at most
	// once per execution.
	onAlarm func(detail *task.ErrorDetail)
}

// run polls until it classifies a terminal observation or the context
// is cancelled. Alarms are reported through onAlarm exactly once; if
// failOnAlarm is not set, the monitor keeps polling after an alarm
// until the PLC reaches completion or failure.
func (m *signalMonitor) run(ctx context.Context) monitorOutcome {
	ticker := time.NewTicker(monitorPollInterval)
	defer ticker.Stop()

	var alarmDetail *task.ErrorDetail
	alarmReported := false

	for {
		select {
		case <-ctx.Done():
			return monitorOutcome{Kind: monitorCancelled, Error: alarmDetail, DetectedAt: time.Now()}
		case <-ticker.C:
		}

		// 1. Error code register: non-zero means alarm.
		code, err := m.client.ReadWord(m.signals.ErrorCode)
		if err == nil && code != 0 && !alarmReported {
			alarmReported = true
			alarmDetail = task.NewErrorDetail(int(code))
			logging.DebugLog("monitor", "alarm code %d: %s", code, alarmDetail.Message)
			if m.onAlarm != nil {
				m.onAlarm(alarmDetail)
			}
			if m.failOnAlarm {
				return monitorOutcome{Kind: monitorAlarm, Error: alarmDetail, DetectedAt: time.Now()}
			}
		}

		// 2. CommandFailed flag.
		failed, err := m.client.ReadBool(m.signals.CommandFailed)
		if err == nil && failed {
			logging.DebugLog("monitor", "command-failed flag set")
			return monitorOutcome{Kind: monitorFailed, Error: alarmDetail, DetectedAt: time.Now()}
		}

		// 3. The strategy's completion address.
		completed, err := m.client.ReadBool(m.completionAddr)
		if err == nil && completed {
			logging.DebugLog("monitor", "completion flag %s set", m.completionAddr)
			return monitorOutcome{Kind: monitorCompleted, Error: alarmDetail, DetectedAt: time.Now()}
		}
	}
}
