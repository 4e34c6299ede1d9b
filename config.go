package main

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config is the parsed server configuration. Sizes are bytes after parsing:
// MaxFileSize is given in kilobytes in the file and converted on load.
type Config struct {
	UnixPath       string
	MaxConnections int
	ThreadsInPool  int
	MaxMsgSize     int
	MaxFileSize    int
	MaxHistMsgs    int
	DirName        string
	StatFileName   string

	// Optional extras.
	AuditDBName     string // SQLite audit store path; empty disables auditing
	ApiAddr         string // admin REST listen address; empty disables the API
	MetricsInterval int    // seconds between metrics log lines; 0 disables
}

// loadConfig reads a "Key = value" configuration file.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{
		UnixPath:        cfgString(v, "UnixPath"),
		MaxConnections:  cfgInt(v, "MaxConnections"),
		ThreadsInPool:   cfgInt(v, "ThreadsInPool"),
		MaxMsgSize:      cfgInt(v, "MaxMsgSize"),
		MaxFileSize:     cfgInt(v, "MaxFileSize") * 1024,
		MaxHistMsgs:     cfgInt(v, "MaxHistMsgs"),
		DirName:         cfgString(v, "DirName"),
		StatFileName:    cfgString(v, "StatFileName"),
		AuditDBName:     cfgString(v, "AuditDBName"),
		ApiAddr:         cfgString(v, "ApiAddr"),
		MetricsInterval: cfgInt(v, "MetricsInterval"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// cfgString fetches a key, tolerating viper's section prefix for INI files
// without sections.
func cfgString(v *viper.Viper, key string) string {
	if v.IsSet(key) {
		return v.GetString(key)
	}
	return v.GetString("default." + key)
}

func cfgInt(v *viper.Viper, key string) int {
	if v.IsSet(key) {
		return v.GetInt(key)
	}
	return v.GetInt("default." + key)
}

func (c *Config) validate() error {
	if c.UnixPath == "" {
		return fmt.Errorf("config: UnixPath is required")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: MaxConnections must be positive")
	}
	if c.ThreadsInPool <= 0 {
		return fmt.Errorf("config: ThreadsInPool must be positive")
	}
	if c.ThreadsInPool > MaxThreadsInPool {
		c.ThreadsInPool = MaxThreadsInPool
	}
	if c.MaxMsgSize <= 0 {
		return fmt.Errorf("config: MaxMsgSize must be positive")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("config: MaxFileSize must be positive")
	}
	if c.MaxHistMsgs <= 0 {
		return fmt.Errorf("config: MaxHistMsgs must be positive")
	}
	if c.DirName == "" {
		return fmt.Errorf("config: DirName is required")
	}
	fi, err := os.Stat(c.DirName)
	if err != nil {
		return fmt.Errorf("config: DirName: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("config: DirName %s is not a directory", c.DirName)
	}
	return nil
}
