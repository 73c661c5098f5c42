package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel   = "WORKERDEV_LOG_LEVEL"
	EnvLogNoColor = "WORKERDEV_LOG_NOCOLOR"
)

// Init builds the process logger on stderr and installs it as log.Logger.
// Stdout stays reserved for the runtime host's own output.
func Init(app string) zerolog.Logger {
	return New(os.Stderr, app)
}

// New builds a console logger writing to out.
func New(out io.Writer, app string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.Kitchen,
		NoColor:    noColor(),
	}
	level, ok := ParseLevel(os.Getenv(EnvLogLevel))
	if !ok {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(output).Level(level).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// ParseLevel maps a level name to a zerolog level. The second result is
// false for empty or unknown names.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info", "log":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "none", "off":
		return zerolog.Disabled, true
	}
	return zerolog.InfoLevel, false
}

func noColor() bool {
	switch strings.ToLower(os.Getenv(EnvLogNoColor)) {
	case "1", "true", "yes":
		return true
	}
	return os.Getenv("NO_COLOR") != ""
}
