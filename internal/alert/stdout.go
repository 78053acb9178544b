package alert

import (
	"context"
	"fmt"
	"time"
)

// StdoutAlerter prints events to stdout.
type StdoutAlerter struct{}

// NewStdoutAlerter creates a new stdout alerter.
func NewStdoutAlerter() *StdoutAlerter {
	return &StdoutAlerter{}
}

// Name returns "stdout".
func (s *StdoutAlerter) Name() string {
	return "stdout"
}

// Send prints the event to stdout.
func (s *StdoutAlerter) Send(_ context.Context, event Event) error {
	icon := severityIcon(event.Severity)
	ts := event.Timestamp.Format(time.RFC3339)

	subject := ""
	switch {
	case event.Run != nil:
		subject = "run " + event.Run.ID
	case event.Candidate != nil:
		subject = fmt.Sprintf("%s / %s (score %d)",
			event.Candidate.AssetUUIDA, event.Candidate.AssetUUIDB, event.Candidate.Score)
	}

	fmt.Printf("%s [%s] %s %s: %s\n", icon, ts, event.EventType, subject, event.Message)
	return nil
}

func severityIcon(severity string) string {
	switch severity {
	case "critical":
		return "[CRIT]"
	case "warning":
		return "[WARN]"
	case "info":
		return "[INFO]"
	default:
		return "[----]"
	}
}
