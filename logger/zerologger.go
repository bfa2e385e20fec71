package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

func (f StringField) apply(c zerolog.Context) zerolog.Context { return c.Str(f.Key, f.Value) }
func (f StringField) applyEvent(e *zerolog.Event) *zerolog.Event {
	return e.Str(f.Key, f.Value)
}

func (f IntField) apply(c zerolog.Context) zerolog.Context { return c.Int(f.Key, f.Value) }
func (f IntField) applyEvent(e *zerolog.Event) *zerolog.Event {
	return e.Int(f.Key, f.Value)
}

func (f Int64Field) apply(c zerolog.Context) zerolog.Context { return c.Int64(f.Key, f.Value) }
func (f Int64Field) applyEvent(e *zerolog.Event) *zerolog.Event {
	return e.Int64(f.Key, f.Value)
}

func (f BoolField) apply(c zerolog.Context) zerolog.Context { return c.Bool(f.Key, f.Value) }
func (f BoolField) applyEvent(e *zerolog.Event) *zerolog.Event {
	return e.Bool(f.Key, f.Value)
}

func (f DurationField) apply(c zerolog.Context) zerolog.Context { return c.Dur(f.Key, f.Value) }
func (f DurationField) applyEvent(e *zerolog.Event) *zerolog.Event {
	return e.Dur(f.Key, f.Value)
}

func (f TimeField) apply(c zerolog.Context) zerolog.Context { return c.Time(f.Key, f.Value) }
func (f TimeField) applyEvent(e *zerolog.Event) *zerolog.Event {
	return e.Time(f.Key, f.Value)
}

func (f ErrorField) apply(c zerolog.Context) zerolog.Context { return c.Err(f.Value) }
func (f ErrorField) applyEvent(e *zerolog.Event) *zerolog.Event {
	return e.Err(f.Value)
}

func (f AnyField) apply(c zerolog.Context) zerolog.Context { return c.Interface(f.Key, f.Value) }
func (f AnyField) applyEvent(e *zerolog.Event) *zerolog.Event {
	return e.Interface(f.Key, f.Value)
}

// ZerologLogger implements Logger using zerolog
type ZerologLogger struct {
	logger     zerolog.Logger
	config     Config
	subsystem  string
	fileWriter *lumberjack.Logger
}

var _ Logger = (*ZerologLogger)(nil)

// NewZerologLogger builds a logger writing to the configured outputs and,
// when FileConfig is set, to a rotated log file.
func NewZerologLogger(config *Config) *ZerologLogger {
	if config == nil {
		config = DefaultConfig()
	}

	var writers []io.Writer
	var fileWriter *lumberjack.Logger

	if config.FileConfig != nil && config.FileConfig.Filename != "" {
		if err := os.MkdirAll(filepath.Dir(config.FileConfig.Filename), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		} else {
			fileWriter = &lumberjack.Logger{
				Filename:   config.FileConfig.Filename,
				MaxSize:    config.FileConfig.MaxSize,
				MaxAge:     config.FileConfig.MaxAge,
				MaxBackups: config.FileConfig.MaxBackups,
				Compress:   config.FileConfig.Compress,
				LocalTime:  true,
			}
			// The file always receives JSON.
			writers = append(writers, fileWriter)
		}
	}

	for _, output := range config.Outputs {
		if config.Format == DefaultFormat {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        output,
				TimeFormat: "15:04:05",
				NoColor:    config.NoColor,
				PartsOrder: []string{
					zerolog.TimestampFieldName,
					zerolog.LevelFieldName,
					"module",
					zerolog.MessageFieldName,
				},
			})
			continue
		}
		writers = append(writers, output)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	zl := zerolog.New(writer).Level(config.Level.zerolog()).With().Timestamp().Logger()
	if config.Subsystem != "" {
		zl = zl.With().Str("module", config.Subsystem).Logger()
	}

	return &ZerologLogger{
		logger:     zl,
		config:     *config,
		subsystem:  config.Subsystem,
		fileWriter: fileWriter,
	}
}

func (zl *ZerologLogger) log(event *zerolog.Event, msg string, fields []TypedField) {
	if event == nil {
		return
	}
	for _, f := range fields {
		event = f.applyEvent(event)
	}
	event.Msg(msg)
}

func (zl *ZerologLogger) Trace(msg string, fields ...TypedField) {
	zl.log(zl.logger.Trace(), msg, fields)
}

func (zl *ZerologLogger) Debug(msg string, fields ...TypedField) {
	zl.log(zl.logger.Debug(), msg, fields)
}

func (zl *ZerologLogger) Info(msg string, fields ...TypedField) {
	zl.log(zl.logger.Info(), msg, fields)
}

func (zl *ZerologLogger) Warn(msg string, fields ...TypedField) {
	zl.log(zl.logger.Warn(), msg, fields)
}

func (zl *ZerologLogger) Error(msg string, fields ...TypedField) {
	zl.log(zl.logger.Error(), msg, fields)
}

func (zl *ZerologLogger) Infof(format string, args ...any) {
	zl.logger.Info().Msgf(format, args...)
}

func (zl *ZerologLogger) Errorf(format string, args ...any) {
	zl.logger.Error().Msgf(format, args...)
}

// WithSubsystem returns a child logger whose module is "<parent>.<name>".
func (zl *ZerologLogger) WithSubsystem(name string) Logger {
	sub := name
	if zl.subsystem != "" {
		sub = zl.subsystem + "." + name
	}
	return &ZerologLogger{
		logger:     zl.logger.With().Str("module", sub).Logger(),
		config:     zl.config,
		subsystem:  sub,
		fileWriter: zl.fileWriter,
	}
}

func (zl *ZerologLogger) WithFields(fields ...TypedField) Logger {
	if len(fields) == 0 {
		return zl
	}
	ctx := zl.logger.With()
	for _, f := range fields {
		ctx = f.apply(ctx)
	}
	return &ZerologLogger{
		logger:     ctx.Logger(),
		config:     zl.config,
		subsystem:  zl.subsystem,
		fileWriter: zl.fileWriter,
	}
}

func (zl *ZerologLogger) IsLevelEnabled(level LogLevel) bool {
	return zl.logger.GetLevel() <= level.zerolog()
}

// Close closes the rotated log file, if any.
func (zl *ZerologLogger) Close() error {
	if zl.fileWriter != nil {
		return zl.fileWriter.Close()
	}
	return nil
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() Logger {
	return &ZerologLogger{logger: zerolog.Nop()}
}
