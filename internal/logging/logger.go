package logging

import (
	"log/slog"
	"os"
)

// Setup initializes the global slog logger with JSON output to stdout.
func Setup() {
	slog.SetDefault(slog.New(NewContextHandler(NewStdoutHandler())))
}

// Attach fans the default logger out to stdout and the given handlers.
func Attach(handlers ...slog.Handler) {
	all := append([]slog.Handler{NewStdoutHandler()}, handlers...)
	slog.SetDefault(slog.New(NewContextHandler(NewMultiHandler(all...))))
}

func NewStdoutHandler() slog.Handler {
	return slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
}
