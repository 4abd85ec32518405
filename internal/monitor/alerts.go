package monitor

import "github.com/rs/zerolog"

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink delivers alerts as warning log lines.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Send(message string) error {
	s.Logger.Warn().Str("alert", message).Msg("desk alert")
	return nil
}
