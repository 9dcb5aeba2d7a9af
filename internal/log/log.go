package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
)

// Options control the process-wide logger.
type Options struct {
	Level    string
	Prettify bool
	Out      io.Writer
}

var opts = Options{Level: "info", Out: os.Stderr}

// Init sets the global level and output, then replaces the zerolog global logger.
func Init(o Options) {
	if o.Out == nil {
		o.Out = os.Stderr
	}
	opts = o
	log.Logger = NewLogger("default")
}

// NewLogger returns a component logger.
func NewLogger(name string) zerolog.Logger {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	level := zerolog.InfoLevel
	if lvl, err := zerolog.ParseLevel(opts.Level); err == nil && lvl != zerolog.NoLevel {
		level = lvl
	}
	zerolog.SetGlobalLevel(level)

	logger := zerolog.New(opts.Out).With().Timestamp().Str("component", name).Logger()
	if opts.Prettify {
		logger = logger.Output(zerolog.ConsoleWriter{Out: opts.Out})
	}
	return logger
}
