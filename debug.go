package halow

import (
	"context"
	"log/slog"
)

const (
	levelTrace slog.Level = slog.LevelDebug - 1
)

// logger is embedded by every component so that they log the same way the
// Device does. A nil slog.Logger disables logging.
type logger struct {
	log *slog.Logger
}

func (l logger) logerr(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelError, msg, attrs...)
}

func (l logger) warn(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelWarn, msg, attrs...)
}

func (l logger) info(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelInfo, msg, attrs...)
}

func (l logger) debug(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelDebug, msg, attrs...)
}

func (l logger) trace(msg string, attrs ...slog.Attr) {
	l.logattrs(levelTrace, msg, attrs...)
}

func (l logger) logenabled(level slog.Level) bool {
	return l.log != nil && l.log.Handler().Enabled(context.Background(), level)
}

func (l logger) isTraceEnabled() bool { return l.logenabled(levelTrace) }

func (l logger) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if l.log != nil {
		l.log.LogAttrs(context.Background(), level, msg, attrs...)
	}
}

func errAttr(err error) slog.Attr {
	if err == nil {
		return slog.String("err", "<nil>")
	}
	return slog.String("err", err.Error())
}
