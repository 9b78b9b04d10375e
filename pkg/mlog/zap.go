package mlog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger is the zap-backed implementation of Logger used in production.
type ZapLogger struct {
	Sugar *zap.SugaredLogger
}

// NewZapLogger builds a JSON-encoded, level-filtered zap logger writing to
// stdout, matching the teacher's production logging setup minus the OTLP
// log exporter (see SPEC_FULL.md's narrowing note on the otel stack).
func NewZapLogger(level zapcore.Level) *ZapLogger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.AddSync(os.Stdout), level)

	return &ZapLogger{Sugar: zap.New(core, zap.AddCaller()).Sugar()}
}

func (l *ZapLogger) Info(args ...any)                  { l.Sugar.Info(args...) }
func (l *ZapLogger) Infof(format string, args ...any)  { l.Sugar.Infof(format, args...) }
func (l *ZapLogger) Infoln(args ...any)                { l.Sugar.Infoln(args...) }
func (l *ZapLogger) Error(args ...any)                 { l.Sugar.Error(args...) }
func (l *ZapLogger) Errorf(format string, args ...any) { l.Sugar.Errorf(format, args...) }
func (l *ZapLogger) Errorln(args ...any)               { l.Sugar.Errorln(args...) }
func (l *ZapLogger) Warn(args ...any)                  { l.Sugar.Warn(args...) }
func (l *ZapLogger) Warnf(format string, args ...any)  { l.Sugar.Warnf(format, args...) }
func (l *ZapLogger) Warnln(args ...any)                { l.Sugar.Warnln(args...) }
func (l *ZapLogger) Debug(args ...any)                 { l.Sugar.Debug(args...) }
func (l *ZapLogger) Debugf(format string, args ...any) { l.Sugar.Debugf(format, args...) }
func (l *ZapLogger) Debugln(args ...any)               { l.Sugar.Debugln(args...) }
func (l *ZapLogger) Fatal(args ...any)                 { l.Sugar.Fatal(args...) }
func (l *ZapLogger) Fatalf(format string, args ...any) { l.Sugar.Fatalf(format, args...) }
func (l *ZapLogger) Fatalln(args ...any)               { l.Sugar.Fatalln(args...) }

// WithFields adds structured context to the logger. Returns a new logger,
// leaving the original unchanged.
//
//nolint:ireturn
func (l *ZapLogger) WithFields(fields ...any) Logger {
	return &ZapLogger{Sugar: l.Sugar.With(fields...)}
}

func (l *ZapLogger) Sync() error {
	return l.Sugar.Sync()
}
