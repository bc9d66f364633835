package core

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

const (
	BaseDirName         = ".config/camwarden"
	ConfigFileName      = "config.hcl"
	PidFileName         = "agent.pid"
	SocketName          = "agent.sock"
	TunnelPidFileName   = "tunneld.pid"
	TunnelSocketName    = "tunneld.sock"
	DatabaseFileName    = "camwarden.db"
	LogFileName         = "agent.log"
	TunnelLogFileName   = "tunneld.log"
	KeyringServiceName  = "camwarden"
	StreamKeyringEntry  = "stream-key"
	DefaultLocalSSHPort = 22
)

func GetSocketPath() string {
	return filepath.Join(Config.ConfigPath, SocketName)
}

func GetPIDFilePath() string {
	return filepath.Join(Config.ConfigPath, PidFileName)
}

func GetTunnelSocketPath() string {
	return filepath.Join(Config.ConfigPath, TunnelSocketName)
}

func GetTunnelPIDFilePath() string {
	return filepath.Join(Config.ConfigPath, TunnelPidFileName)
}

func GetDatabasePath() string {
	return filepath.Join(Config.ConfigPath, DatabaseFileName)
}

func GetConfigFilePath() string {
	return filepath.Join(Config.ConfigPath, ConfigFileName)
}

// ProcessTag returns a short hash of the config path, used to mark keeper
// processes so that a tunnel daemon only ever cleans up its own orphans.
func ProcessTag() string {
	return Config.ProcessTag()
}

// ProcessTag is the keeper marker for this configuration's directory.
func (c *Configuration) ProcessTag() string {
	sum := sha256.Sum256([]byte(c.ConfigPath))
	return fmt.Sprintf("%x", sum[:4])
}

// InitializeConfig loads the config file from configPath into the global
// Config. A missing file yields the defaults so the daemons can start and
// report "unconfigured" instead of failing.
func InitializeConfig(configPath string, verbose int) error {
	if err := os.MkdirAll(configPath, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	filename := filepath.Join(configPath, ConfigFileName)
	var cfg *Configuration
	if ConfigExists(filename) {
		loaded, err := LoadConfig(filename)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = GetDefaultConfig()
	}

	cfg.ConfigPath = configPath
	if verbose > cfg.Verbose {
		cfg.Verbose = verbose
	}
	Config = cfg
	return nil
}

// Holder publishes configuration snapshots to long-running components.
// Every operation reads one snapshot at its start and works on that.
type Holder struct {
	current atomic.Pointer[Configuration]
}

func NewHolder(cfg *Configuration) *Holder {
	h := &Holder{}
	h.current.Store(cfg)
	return h
}

// Current returns the latest published snapshot. Callers must not mutate it.
func (h *Holder) Current() *Configuration {
	return h.current.Load()
}

// Replace publishes cfg and returns the snapshot it replaced.
func (h *Holder) Replace(cfg *Configuration) *Configuration {
	return h.current.Swap(cfg)
}
