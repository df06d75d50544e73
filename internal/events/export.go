package events

import (
	"encoding/json"
	"fmt"
	"os"
)

// TurnLog is the on-disk record of one turn.
type TurnLog struct {
	SessionKey string `json:"session_key"`
	RequestID  string `json:"request_id,omitempty"`
	// Outcome is "done" or the error code of the terminal event; empty when
	// the stream ended without one.
	Outcome    string  `json:"outcome,omitempty"`
	StopReason string  `json:"stop_reason,omitempty"`
	Output     string  `json:"output"`
	Events     []Event `json:"events"`
}

// NewTurnLog summarizes the events of one turn.
func NewTurnLog(sessionKey string, evs []Event) TurnLog {
	log := TurnLog{SessionKey: sessionKey, Output: OutputText(evs), Events: evs}
	for _, ev := range evs {
		if log.RequestID == "" {
			log.RequestID = ev.RequestID
		}
		switch ev.Type {
		case TypeDone:
			log.Outcome, log.StopReason = "done", ev.StopReason
		case TypeError:
			log.Outcome = ev.Code
		}
	}
	if log.Events == nil {
		log.Events = []Event{}
	}
	return log
}

// ExportTurn writes log as indented JSON to path.
func ExportTurn(path string, log TurnLog) error {
	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding turn log: %w", err)
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}
