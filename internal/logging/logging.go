// Package logging builds the harness loggers and adapters.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	tclog "github.com/testcontainers/testcontainers-go/log"
)

// NewLogger returns a tint-backed slog logger writing to w.
func NewLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
	}))
}

type testcontainersLogger struct {
	logger *slog.Logger
}

// NewTestcontainersAdapter bridges testcontainers' Printf-style logging onto
// an slog logger.
func NewTestcontainersAdapter(logger *slog.Logger) tclog.Logger {
	return &testcontainersLogger{logger: logger}
}

func (l *testcontainersLogger) Printf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if strings.Contains(msg, "Connected to docker:") {
		return
	}
	l.logger.DebugContext(context.Background(), msg)
}

// SetTestcontainersLogger routes the testcontainers default logger through
// the given slog logger.
func SetTestcontainersLogger(logger *slog.Logger) {
	tclog.SetDefault(NewTestcontainersAdapter(logger))
}
