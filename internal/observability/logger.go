// Package observability holds the process-wide CLI logger.
package observability

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by CLI commands. It is a no-op logger until
// InitCLILogger runs.
var CLILogger = zap.NewNop()

// CLILevel controls CLILogger's verbosity. It can be changed at runtime.
var CLILevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)

// InitCLILogger builds a console logger writing to stderr. Verbose enables
// debug output.
func InitCLILogger(name string, verbose bool) *zap.Logger {
	if verbose {
		CLILevel.SetLevel(zapcore.DebugLevel)
	} else {
		CLILevel.SetLevel(zapcore.InfoLevel)
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if !isTerminal(os.Stderr) {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		CLILevel,
	)
	CLILogger = zap.New(core).Named(name)
	return CLILogger
}

func isTerminal(f *os.File) bool {
	st, err := f.Stat()
	if err != nil {
		return false
	}
	return st.Mode()&os.ModeCharDevice != 0
}
