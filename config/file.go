package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

type fileLogging struct {
	Debug  bool
	Prefix string
	File   *string
}

type fileDatabase struct {
	URL string
}

type fileServer struct {
	ListenAddr           string
	NonceRetentionMs     *int64
	MaxClockSkewMs       *int64
	NonceSweepIntervalMs *int64
}

type fileClient struct {
	PollIntervalMs   int64
	RequestTimeoutMs int64
	PreKeyBatchSize  int
	PreKeyLowWater   int
}

type file struct {
	RootDir  string
	Logging  fileLogging
	Database fileDatabase
	Server   fileServer
	Client   fileClient
}

// Load parses b as a TOML config body. Options in extra are applied after the file.
func Load(b []byte, extra ...Option) (*Config, error) {
	f := new(file)
	md, err := toml.Decode(string(b), f)
	if err != nil {
		return nil, fmt.Errorf("config: failed to load config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: undecoded keys in config file: %v", undecoded)
	}

	var opts []Option
	if f.RootDir != "" {
		opts = append(opts, WithRootDir(f.RootDir))
	}
	opts = append(opts, WithDebug(f.Logging.Debug), WithLoggingPrefix(f.Logging.Prefix))
	if f.Logging.File != nil {
		opts = append(opts, WithLogFile(*f.Logging.File))
	}
	if f.Database.URL != "" {
		opts = append(opts, WithDatabaseURL(f.Database.URL))
	}
	if f.Server.ListenAddr != "" {
		opts = append(opts, WithListenAddr(f.Server.ListenAddr))
	}
	if f.Server.NonceRetentionMs != nil {
		opts = append(opts, WithNonceRetentionMs(*f.Server.NonceRetentionMs))
	}
	if f.Server.MaxClockSkewMs != nil {
		opts = append(opts, WithMaxClockSkewMs(*f.Server.MaxClockSkewMs))
	}
	if f.Server.NonceSweepIntervalMs != nil {
		opts = append(opts, WithNonceSweepIntervalMs(*f.Server.NonceSweepIntervalMs))
	}
	if f.Client.PollIntervalMs != 0 {
		opts = append(opts, WithPollIntervalMs(f.Client.PollIntervalMs))
	}
	if f.Client.RequestTimeoutMs != 0 {
		opts = append(opts, WithRequestTimeoutMs(f.Client.RequestTimeoutMs))
	}
	if f.Client.PreKeyBatchSize != 0 {
		opts = append(opts, WithPreKeyBatchSize(f.Client.PreKeyBatchSize))
	}
	if f.Client.PreKeyLowWater != 0 {
		opts = append(opts, WithPreKeyLowWater(f.Client.PreKeyLowWater))
	}
	return NewConfig(append(opts, extra...)...), nil
}

// LoadFile loads and parses the TOML file at path.
func LoadFile(path string, extra ...Option) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to load config file: %w", err)
	}
	return Load(b, extra...)
}
