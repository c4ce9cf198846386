package utils

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/log"
)

// ParseLogLevel maps a level name to a log level
func ParseLogLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return log.LevelTrace, nil
	case "debug":
		return log.LevelDebug, nil
	case "", "info":
		return log.LevelInfo, nil
	case "warn", "warning":
		return log.LevelWarn, nil
	case "error":
		return log.LevelError, nil
	case "crit":
		return log.LevelCrit, nil
	}
	return log.LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// NewLogger returns a terminal logger writing to w and installs it as the default
func NewLogger(w io.Writer, level string) log.Logger {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		lvl = log.LevelInfo
	}
	useColor := false
	if f, ok := w.(*os.File); ok {
		if fi, err := f.Stat(); err == nil {
			useColor = fi.Mode()&os.ModeCharDevice != 0
		}
	}
	l := log.NewLogger(log.NewTerminalHandlerWithLevel(w, lvl, useColor))
	log.SetDefault(l)
	return l
}
