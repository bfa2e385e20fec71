package logger

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// CronLogger adapts a Logger to cron.Logger so scheduler events (skipped
// runs, recovered panics) go through the same pipeline as everything else.
type CronLogger struct {
	log Logger
}

var _ cron.Logger = CronLogger{}

func NewCronLogger(log Logger) CronLogger {
	return CronLogger{log: log}
}

func (c CronLogger) Info(msg string, keysAndValues ...any) {
	c.log.Debug(msg, kvFields(keysAndValues)...)
}

func (c CronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.log.Error(msg, append(kvFields(keysAndValues), Err(err))...)
}

// kvFields converts alternating key/value pairs into typed fields. Pairs
// with a non-string key are dropped.
func kvFields(kv []any) []TypedField {
	fields := make([]TypedField, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, Any(key, kv[i+1]))
	}
	return fields
}

// GooseLogger adapts a Logger to goose's Printf/Fatalf logger. Fatalf logs at
// error level and does not exit the process.
type GooseLogger struct {
	log Logger
}

func NewGooseLogger(log Logger) GooseLogger {
	return GooseLogger{log: log}
}

func (g GooseLogger) Printf(format string, v ...any) {
	g.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (g GooseLogger) Fatalf(format string, v ...any) {
	g.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
