package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// logFileMaxSizeMB is the size at which the log file is rotated.
	logFileMaxSizeMB = 10

	// logFileMaxBackups is the number of rotated log files kept on disk.
	logFileMaxBackups = 3

	// logFileMaxAgeDays is the age after which rotated files are removed.
	logFileMaxAgeDays = 28
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses human-readable text.
// When file is non-empty, output is also written to a rotated log file.
func NewLogger(env, file string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	out := output(file)

	if env == "production" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}

// NewCLILogger creates a logger for interactive commands. Only warnings
// and errors reach stderr so they do not mix with command output; the
// log file, when set, gets the same records.
func NewCLILogger(file string) *slog.Logger {
	return slog.New(slog.NewTextHandler(outputTo(os.Stderr, file), &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

func output(file string) io.Writer {
	return outputTo(os.Stdout, file)
}

func outputTo(w io.Writer, file string) io.Writer {
	if file == "" {
		return w
	}

	return io.MultiWriter(w, &lumberjack.Logger{
		Filename:   file,
		MaxSize:    logFileMaxSizeMB,
		MaxBackups: logFileMaxBackups,
		MaxAge:     logFileMaxAgeDays,
		Compress:   true,
	})
}
