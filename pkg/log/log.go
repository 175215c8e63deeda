package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Components derive child
// loggers from it through the With* helpers below.
var Logger zerolog.Logger

// Level selects the minimum severity that gets written.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config selects level, format, and destination for the root logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init builds the root logger. Call it once at startup, before any
// component starts logging; the zero-value Logger stays usable but
// writes to stdout at the default level.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// The With* helpers return pointers so call sites can chain level
// methods directly off them; zerolog's level methods take a pointer
// receiver.

// WithComponent tags entries with the subsystem that wrote them.
func WithComponent(component string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	return &l
}

// WithHostID tags entries with the fleet host they concern.
func WithHostID(hostID int64) *zerolog.Logger {
	l := Logger.With().Int64("host_id", hostID).Logger()
	return &l
}

// WithTaskID tags entries with the deployment task they concern.
func WithTaskID(taskID int64) *zerolog.Logger {
	l := Logger.With().Int64("task_id", taskID).Logger()
	return &l
}

// WithPlacement tags entries with a worker placement name.
func WithPlacement(name string) *zerolog.Logger {
	l := Logger.With().Str("placement", name).Logger()
	return &l
}

// Shorthands for one-off messages with no fields.

func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
