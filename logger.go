package connectproxy

import (
	"github.com/function61/gokit/log/logex"
	"go.uber.org/zap"
)

// leveledLogger bridges zap into the printf-style leveled logger used by the
// socket tuning code. logex puts the level into the message prefix.
func leveledLogger(logger *zap.Logger) *logex.Leveled {
	return logex.Levels(zap.NewStdLog(logger.Named("sockopt")))
}

// withSession tags logs that belong to one tunnel, client and target side
// alike, with the client connection's id.
func withSession(logger *zap.Logger, session string) *zap.Logger {
	return logger.With(zap.String("session", session))
}
