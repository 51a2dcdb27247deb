package logger

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	envLocal = "local"
	envProd  = "prod"
)

// SetupLogger builds the process logger for env. In prod it writes JSON to a
// rotating file at path; the returned closer releases that file.
func SetupLogger(env, path string) (*slog.Logger, io.Closer) {
	switch env {
	case envLocal:
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})), nopCloser{}
	case envProd:
		file := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		return slog.New(slog.NewJSONHandler(file, &slog.HandlerOptions{Level: slog.LevelInfo})), file
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})), nopCloser{}
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
