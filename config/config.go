// This package defines a common config struct which is shared by the relay, the client and the command line tools.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug         bool
	RootDir       string
	LoggingPrefix string
	LogFile       string

	// relay
	DatabaseURL          string
	ListenAddr           string
	NonceRetentionMs     int64
	MaxClockSkewMs       int64
	NonceSweepIntervalMs int64

	// client
	PollIntervalMs   int64
	RequestTimeoutMs int64
	PreKeyBatchSize  int
	PreKeyLowWater   int

	writer io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	}
	if c.writer != nil {
		fileEncoder := zapcore.NewJSONEncoder(de)
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level))
	}
	logger := zap.New(zapcore.NewTee(cores...), opts...)
	return logger.Sugar()
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

// WithLogFile sets the rotated log file relative to the root dir. An empty name disables file logging.
func WithLogFile(f string) Option {
	return func(c *Config) {
		c.LogFile = f
	}
}

func WithDatabaseURL(u string) Option {
	return func(c *Config) {
		c.DatabaseURL = u
	}
}

func WithListenAddr(a string) Option {
	return func(c *Config) {
		c.ListenAddr = a
	}
}

// WithNonceRetentionMs bounds how old a signed request may be. Zero keeps every nonce forever.
func WithNonceRetentionMs(n int64) Option {
	return func(c *Config) {
		c.NonceRetentionMs = n
	}
}

func WithMaxClockSkewMs(n int64) Option {
	return func(c *Config) {
		c.MaxClockSkewMs = n
	}
}

func WithNonceSweepIntervalMs(n int64) Option {
	return func(c *Config) {
		c.NonceSweepIntervalMs = n
	}
}

func WithPollIntervalMs(n int64) Option {
	return func(c *Config) {
		c.PollIntervalMs = n
	}
}

func WithRequestTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.RequestTimeoutMs = n
	}
}

func WithPreKeyBatchSize(n int) Option {
	return func(c *Config) {
		c.PreKeyBatchSize = n
	}
}

func WithPreKeyLowWater(n int) Option {
	return func(c *Config) {
		c.PreKeyLowWater = n
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                os.Getenv("DEBUG") == "1",
		RootDir:              ".",
		LoggingPrefix:        "",
		LogFile:              "out.log",
		DatabaseURL:          "sqlite3:relay.db",
		ListenAddr:           ":8338",
		NonceRetentionMs:     24 * 60 * 60 * 1000,
		MaxClockSkewMs:       5 * 60 * 1000,
		NonceSweepIntervalMs: 10 * 60 * 1000,
		PollIntervalMs:       2000,
		RequestTimeoutMs:     5000,
		PreKeyBatchSize:      100,
		PreKeyLowWater:       10,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	if c.LogFile != "" {
		c.writer = &lumberjack.Logger{
			Filename:   filepath.Join(c.RootDir, c.LogFile),
			MaxSize:    500, // megabytes
			MaxBackups: 3,
			MaxAge:     28,   // days
			Compress:   true, // disabled by default
		}
	}
	return c
}
