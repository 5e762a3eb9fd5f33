// Package config holds the daemon configuration and the persisted routing
// profile document.
package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	SocketPath     string
	DBPath         string
	ProfilePath    string
	LoopbackPath   string
	DebounceDelay  time.Duration
	StopTimeout    time.Duration
	SysExMaxBytes  int
	LogBufferSize  int
	ArchiveEnabled bool
	RetentionTTL   time.Duration
}

func DefaultConfig() Config {
	return Config{
		SocketPath:     defaultStatePath("midirouted.sock"),
		DBPath:         defaultStatePath("archive.db"),
		ProfilePath:    defaultStatePath("profiles.json"),
		LoopbackPath:   defaultStatePath("loopbacks.json"),
		DebounceDelay:  120 * time.Millisecond,
		StopTimeout:    5 * time.Second,
		SysExMaxBytes:  64 * 1024,
		LogBufferSize:  5000,
		ArchiveEnabled: true,
		RetentionTTL:   7 * 24 * time.Hour,
	}
}

func defaultStatePath(name string) string {
	if runtimeDir := os.Getenv("XDG_STATE_HOME"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "midiroute", name)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".local", "state", "midiroute", name)
}
