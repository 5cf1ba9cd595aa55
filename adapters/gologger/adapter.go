package gologger

import (
	"io"
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

// NewLogger builds the process logger. The returned logger is also the
// provider for named component loggers. Unknown formats mean console.
func NewLogger(w io.Writer, name, level, format string) *glog.BaseLogger {
	return glog.NewLogger(
		glog.WithWriter(w),
		glog.WithName(name),
		glog.WithLevel(strings.TrimSpace(level)),
		glog.WithLoggerType(loggerType(format)),
	)
}

func loggerType(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case glog.LoggerTypeJSON:
		return glog.LoggerTypeJSON
	case glog.LoggerTypePretty:
		return glog.LoggerTypePretty
	default:
		return glog.LoggerTypeConsole
	}
}

// Resolve picks the logger for a component: the provider's named logger
// first, then logger, then a nop logger.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(name, provider, logger)
}

// JobLoggers is the go-job view of a resolved triage logger.
type JobLoggers struct {
	Provider job.LoggerProvider
	Logger   job.Logger
}

// ForJob resolves name like Resolve and wraps the result for go-job, so
// queue workers log through the same sink as the service.
func ForJob(name string, provider glog.LoggerProvider, logger glog.Logger) JobLoggers {
	resolvedProvider, resolvedLogger := Resolve(name, provider, logger)
	return JobLoggers{
		Provider: job.GoLoggerProvider(resolvedProvider),
		Logger:   job.GoLogger(resolvedLogger),
	}
}
