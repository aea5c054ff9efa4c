package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ZerologLogger implements Logger using rs/zerolog.
type ZerologLogger struct {
	log zerolog.Logger
}

var (
	settingsMu   sync.RWMutex
	defaultLevel = zerolog.InfoLevel
	console      bool
)

// Configure sets the level and format used by loggers created afterwards.
// format is "json" or "console".
func Configure(level, format string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	settingsMu.Lock()
	defer settingsMu.Unlock()
	if lvl != zerolog.NoLevel {
		defaultLevel = lvl
	}
	console = format == "console"
	return nil
}

// NewZerologLogger creates a ZerologLogger writing to stdout. APP_ENV=dev
// or a console format switches to the human readable console writer. Every
// entry carries the component field.
func NewZerologLogger(component string) Logger {
	settingsMu.RLock()
	useConsole := console
	settingsMu.RUnlock()
	var out io.Writer = os.Stdout
	if useConsole || strings.ToLower(os.Getenv("APP_ENV")) == "dev" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return NewWithWriter(component, out)
}

// NewWithWriter builds a ZerologLogger on an arbitrary writer. LOG_LEVEL
// overrides the configured level.
func NewWithWriter(component string, w io.Writer) *ZerologLogger {
	settingsMu.RLock()
	level := defaultLevel
	settingsMu.RUnlock()
	if lvl, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL"))); err == nil && lvl != zerolog.NoLevel {
		level = lvl
	}
	z := zerolog.New(w).Level(level).With().Timestamp().Str("component", component).Logger()
	return &ZerologLogger{log: z}
}

func (l *ZerologLogger) Debugf(format string, args ...any) {
	l.log.Debug().Msgf(format, args...)
}

func (l *ZerologLogger) Debugw(msg string, fields map[string]any) {
	l.log.Debug().Fields(fields).Msg(msg)
}

func (l *ZerologLogger) Infof(format string, args ...any) {
	l.log.Info().Msgf(format, args...)
}

func (l *ZerologLogger) Infow(msg string, fields map[string]any) {
	l.log.Info().Fields(fields).Msg(msg)
}

func (l *ZerologLogger) Warnf(format string, args ...any) {
	l.log.Warn().Msgf(format, args...)
}

func (l *ZerologLogger) Errorf(format string, args ...any) {
	l.log.Error().Msgf(format, args...)
}
