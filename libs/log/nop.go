package log

import (
	"github.com/rs/zerolog"
)

// NewNopLogger returns a logger that discards all output. It can still be
// reconfigured with OverrideWithNewLogger.
func NewNopLogger() Logger {
	return &defaultLogger{
		Logger: zerolog.Nop(),
	}
}
