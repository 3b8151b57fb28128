// Package logging builds getproxy's logr.Logger on top of zap.
package logging

import (
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Output formats accepted by New.
const (
	FormatAuto    = "auto"
	FormatConsole = "console"
	FormatJSON    = "json"
)

type Options struct {
	// Format is FormatAuto, FormatConsole or FormatJSON. Auto picks console
	// when Out is a terminal.
	Format string

	// Verbose enables V(1) messages.
	Verbose bool

	Out io.Writer
}

// New returns a logger writing to opts.Out through a buffer, so logging never
// waits on a slow terminal. The returned flush func writes out anything
// buffered and stops the background flusher; call it once before exiting.
func New(opts Options) (logr.Logger, func() error, error) {
	format := opts.Format
	if format == "" || format == FormatAuto {
		format = FormatJSON
		if isTerminal(opts.Out) {
			format = FormatConsole
		}
	}

	var enc zapcore.Encoder
	switch format {
	case FormatConsole:
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeCaller = nil
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		enc = zapcore.NewConsoleEncoder(ec)
	case FormatJSON:
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	default:
		return logr.Logger{}, nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if opts.Verbose {
		level.SetLevel(zapcore.DebugLevel)
	}

	ws := &zapcore.BufferedWriteSyncer{
		WS:            zapcore.AddSync(opts.Out),
		FlushInterval: time.Second,
	}

	z := zap.New(zapcore.NewCore(enc, ws, level))
	return zapr.NewLogger(z), ws.Stop, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && isatty.IsTerminal(f.Fd())
}
