// Package logging builds the zerolog loggers shared by the agent and the
// signaling server.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel   = "SCHLOPPING_LOG_LEVEL"
	EnvLogNoColor = "SCHLOPPING_LOG_NOCOLOR"
	EnvLogJSON    = "SCHLOPPING_LOG_JSON"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

var configureOnce sync.Once

// Configure sets the global level once per process. SCHLOPPING_LOG_LEVEL
// overrides the profile default.
func Configure(profile Profile) {
	configureOnce.Do(func() {
		level := zerolog.InfoLevel
		if profile == ProfileTest {
			level = zerolog.DebugLevel
		}
		if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
			level = lvl
		}
		zerolog.SetGlobalLevel(level)
	})
}

// New returns the process logger tagged with app and installs it as the
// zerolog global.
func New(app string) zerolog.Logger {
	Configure(ProfileRuntime)
	logger := zerolog.New(writer(os.Stdout)).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

func writer(out io.Writer) io.Writer {
	if v, ok := parseBool(os.Getenv(EnvLogJSON)); ok && v {
		return out
	}
	noColor, _ := parseBool(os.Getenv(EnvLogNoColor))
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    noColor,
	}
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
