package log

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Level is a logging level name, parsed by zerolog on Init.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger. An empty Level defaults to info;
// any other value is handed to zerolog.ParseLevel, so a typo'd level
// (e.g. from a CLI flag or manifest) is a configuration error the
// caller must surface, not a silent downgrade to info.
func Init(cfg Config) error {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(string(cfg.Level))
		if err != nil {
			return fmt.Errorf("log.Init: %w", err)
		}
		level = parsed
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
	return nil
}

// WithComponent creates a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithDB creates a child logger tagged with a database name.
func WithDB(db string) zerolog.Logger {
	return Logger.With().Str("db", db).Logger()
}

// WithShard creates a child logger tagged with db and shard id.
func WithShard(db, shard string) zerolog.Logger {
	return Logger.With().Str("db", db).Str("shard", shard).Logger()
}

// WithGeneration creates a child logger tagged with db/shard/generation,
// the axis every storage-layer log line in this engine is keyed on.
func WithGeneration(db, shard string, gen int64) zerolog.Logger {
	return Logger.With().Str("db", db).Str("shard", shard).Int64("generation", gen).Logger()
}

// WithLayout creates a child logger tagged with the active layout kind.
func WithLayout(layout string) zerolog.Logger {
	return Logger.With().Str("layout", layout).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) { Logger.Fatal().Msg(msg) }

func init() {
	// InfoLevel always parses, so the default bootstrap can't fail —
	// packages that log before main() calls Init (e.g. in tests) still
	// get readable output.
	_ = Init(Config{Level: InfoLevel, JSONOutput: false})
}
