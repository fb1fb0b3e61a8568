// Package logger configures the global zerolog instance.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger options exposed through flags/environment.
type Config struct {
	Level  string `long:"level" env:"LEVEL" description:"Log level (trace, debug, info, warn, error)" default:"info" json:"level"`
	Format string `long:"format" env:"FORMAT" description:"Log format (console or json)" default:"console" json:"format"`
	Output string `long:"output" env:"OUTPUT" description:"Log output (stdout, stderr or file path)" default:"stderr" json:"output"`
}

// Setup applies the configuration to the global logger: level, destination
// and format. Unknown levels fall back to info, unwritable files to stderr.
func Setup(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	writer := openWriter(cfg.Output)

	if cfg.Format == "json" {
		log.Logger = zerolog.New(writer).With().Timestamp().Logger()
		return
	}

	console := zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}
	if f, ok := writer.(*os.File); ok {
		if os.Getenv("NO_COLOR") != "" || !isTerminal(f) {
			console.NoColor = true
		}
	}
	log.Logger = log.Output(console)
}

func openWriter(output string) io.Writer {
	switch output {
	case "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	}

	file, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		fallback := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		fallback.Error().Err(err).Str("path", output).Msg("Failed to open log file, falling back to stderr")
		return os.Stderr
	}

	return file
}

// isTerminal reports whether the file refers to a character device.
func isTerminal(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}

	return (stat.Mode() & os.ModeCharDevice) != 0
}
