package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/syftvolume/internal/config"
	"github.com/openmined/syftvolume/internal/utils"
)

// setupLogging sends records to the console through tint and to the log file
// through a LogInterceptor. One-shot commands keep the console quiet below warn
// so their output stays scriptable.
func setupLogging(cfg *config.Config, console io.Writer, daemon bool) (func(), error) {
	level := cfg.LogLevel()
	consoleLevel := level
	if !daemon && consoleLevel < slog.LevelWarn {
		consoleLevel = slog.LevelWarn
	}

	noColor := true
	if f, ok := console.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	handlers := []slog.Handler{
		tint.NewHandler(console, &tint.Options{
			Level:      consoleLevel,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    noColor,
		}),
	}

	closeFn := func() {}
	if cfg.Log.File != "" {
		if err := utils.EnsureParent(cfg.Log.File); err != nil {
			return nil, fmt.Errorf("log dir: %w", err)
		}
		file, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("log file: %w", err)
		}
		interceptor := utils.NewLogInterceptor(file)
		handlers = append(handlers, slog.NewTextHandler(interceptor, &slog.HandlerOptions{
			Level: level,
			// the interceptor stamps the time
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					return slog.Attr{}
				}
				return a
			},
		}))
		closeFn = func() {
			interceptor.Close()
			file.Close()
		}
	}

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(handlers...)))
	return closeFn, nil
}
