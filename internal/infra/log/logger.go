package log

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger создаёт логгер сервиса. В dev пишет debug-уровень в удобочитаемом
// виде, в остальных окружениях отдаёт компактный JSON для сборщика логов.
func NewLogger(appEnv string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	if appEnv == "dev" {
		out := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(out).With().Timestamp().Logger().Level(zerolog.DebugLevel)
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}
