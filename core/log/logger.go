package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

var logger *slog.Logger

func init() {
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.Level(1000), // Very high level to disable all logging by default
	}))
}

func Info(msg string, args ...any) {
	logger.Info(format(msg, args...))
}

func Debug(msg string, args ...any) {
	logger.Debug(format(msg, args...))
}

func Warn(msg string, args ...any) {
	logger.Warn(format(msg, args...))
}

func Error(msg string, args ...any) {
	logger.Error(format(msg, args...))
}

func SetLevel(level slog.Level) {
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

func SetWriter(w io.Writer) {
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func format(msg string, args ...any) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}
