package logger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

/* ------------------------------------------------------------------ *
|  1. Options                                                         |
* -------------------------------------------------------------------*/

// Config holds the logger settings assembled from Options.
type Config struct {
	Level      string
	FilePath   string
	Format     string
	Version    string
	Component  string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

type Option func(*Config)

func WithLevel(lvl string) Option      { return func(c *Config) { c.Level = lvl } }
func WithFormat(f string) Option       { return func(c *Config) { c.Format = f } }
func WithFile(path string) Option      { return func(c *Config) { c.FilePath = path } }
func WithVersion(v string) Option      { return func(c *Config) { c.Version = v } }
func WithComponent(comp string) Option { return func(c *Config) { c.Component = comp } }
func WithRotation(size, backups, age int, compress bool) Option {
	return func(c *Config) {
		c.MaxSize, c.MaxBackups, c.MaxAge, c.Compress = size, backups, age, compress
	}
}

/* ------------------------------------------------------------------ *
|  2. Global state                                                    |
* -------------------------------------------------------------------*/

type state struct {
	root  *zap.Logger
	level zap.AtomicLevel
}

var current atomic.Pointer[state]

var errNotInitialized = errors.New("logger not initialized")

// Init builds the global zap core. Calling Init again replaces the previous core.
func Init(opts ...Option) error {
	cfg := &Config{
		Level:      "info",
		Format:     "console",
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
	for _, apply := range opts {
		apply(cfg)
	}

	enc, err := encoderFor(cfg.Format)
	if err != nil {
		return err
	}
	sink, err := sinkFor(cfg)
	if err != nil {
		return err
	}
	lvl, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	root := zap.New(zapcore.NewCore(enc, sink, lvl),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(
			zap.String("version", cfg.Version),
			zap.String("component", cfg.Component),
		),
	)

	if prev := current.Swap(&state{root: root, level: lvl}); prev != nil {
		_ = prev.root.Sync()
	}
	return nil
}

// Shutdown flushes buffered entries.
func Shutdown() error {
	s := current.Load()
	if s == nil {
		return errNotInitialized
	}
	var pathErr *os.PathError
	if err := s.root.Sync(); err != nil && !errors.As(err, &pathErr) {
		return err
	}
	return nil
}

func encoderFor(format string) (zapcore.Encoder, error) {
	switch format {
	case "json":
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), nil
	case "console":
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewConsoleEncoder(cfg), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func sinkFor(cfg *Config) (zapcore.WriteSyncer, error) {
	if cfg.FilePath == "" {
		return zapcore.Lock(os.Stdout), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}), nil
}

/* ------------------------------------------------------------------ *
|  3. Child loggers & context                                         |
* -------------------------------------------------------------------*/

type loggerKey struct{}

// L returns the root logger, or a no-op logger before Init.
func L() *zap.Logger {
	if s := current.Load(); s != nil {
		return s.root
	}
	return zap.NewNop()
}

// New returns a component-scoped child logger.
func New(component string) *zap.Logger {
	return L().With(zap.String("component", component))
}

// WithLogger attaches a logger to ctx.
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the logger stored in ctx, falling back to the root logger.
func FromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return l
	}
	return L()
}

// ForConnection returns a child logger tagged with the client id and address.
func ForConnection(clientID, remoteAddr string) *zap.Logger {
	return New("connection").With(
		zap.String("client_id", clientID),
		zap.String("remote_addr", remoteAddr),
	)
}

/* ------------------------------------------------------------------ *
|  4. Wrappers                                                        |
* -------------------------------------------------------------------*/

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// UpdateLevel changes the level of the running logger in place.
func UpdateLevel(lvl string) error {
	s := current.Load()
	if s == nil {
		return errNotInitialized
	}
	level, err := zap.ParseAtomicLevel(lvl)
	if err != nil {
		return err
	}
	s.level.SetLevel(level.Level())
	return nil
}

// Level reports the active level name.
func Level() string {
	if s := current.Load(); s != nil {
		return s.level.Level().String()
	}
	return ""
}
