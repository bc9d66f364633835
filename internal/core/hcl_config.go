package core

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the global configuration instance
var Config *Configuration

// Configuration represents the complete camwarden configuration
type Configuration struct {
	ConfigPath string // Directory containing config files
	Verbose    int    // Verbosity level
	Name       string // Device name reported to the master server
	Camera     CameraConfig
	Output     OutputConfig
	Stream     StreamConfig
	Tunnel     TunnelConfig
	Master     MasterConfig
}

// CameraConfig describes the RTSP source
type CameraConfig struct {
	Host      string
	Port      int
	Profile   string // Path component of the RTSP URL
	Transport string // rtsp_transport passed to the streaming tool
	PanelPort int    // Camera web panel, forwarded through the camera-panel tunnel
}

// OutputConfig describes the relay endpoint
type OutputConfig struct {
	URL    string // e.g. rtmp://a.rtmp.youtube.com/live2
	Key    string // Stream key; falls back to the keyring when empty
	Format string
}

// StreamConfig controls the streaming process
type StreamConfig struct {
	Executable      string
	InputOptions    []string
	VideoOptions    []string
	AudioOptions    []string
	OutputOptions   []string
	GracePeriod     time.Duration // Graceful terminate window before SIGKILL
	RetryDelay      time.Duration // Flat delay before restarting after an unknown crash
	SnapshotTimeout time.Duration
	Autostart       bool
}

// TunnelConfig controls the reverse tunnels and the tunnel daemon
type TunnelConfig struct {
	Enabled             bool
	Autoconnect         bool
	Host                string // SSH master host
	User                string
	Port                int // SSH port on the master
	KeyFile             string
	KeepaliveInterval   int
	LocalSSHPort        int
	RemotePorts         map[string]int // Static remote ports, used when no master URL is set
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	BackoffFactor       int
	HealthCheckInterval time.Duration
}

// MasterConfig points at the master server API
type MasterConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
	Retries int
}

// HCL parsing structs

type hclConfig struct {
	Verbose int        `hcl:"verbose,optional"`
	Name    string     `hcl:"name,optional"`
	Camera  *hclCamera `hcl:"camera,block"`
	Output  *hclOutput `hcl:"output,block"`
	Stream  *hclStream `hcl:"stream,block"`
	Tunnel  *hclTunnel `hcl:"tunnel,block"`
	Master  *hclMaster `hcl:"master,block"`
}

type hclCamera struct {
	Host      string `hcl:"host"`
	Port      int    `hcl:"port,optional"`
	Profile   string `hcl:"profile,optional"`
	Transport string `hcl:"transport,optional"`
	PanelPort int    `hcl:"panel_port,optional"`
}

type hclOutput struct {
	URL    string `hcl:"url"`
	Key    string `hcl:"key,optional"`
	Format string `hcl:"format,optional"`
}

type hclStream struct {
	Executable      string   `hcl:"executable,optional"`
	InputOptions    []string `hcl:"input_options,optional"`
	VideoOptions    []string `hcl:"video_options,optional"`
	AudioOptions    []string `hcl:"audio_options,optional"`
	OutputOptions   []string `hcl:"output_options,optional"`
	GracePeriod     string   `hcl:"grace_period,optional"`
	RetryDelay      string   `hcl:"retry_delay,optional"`
	SnapshotTimeout string   `hcl:"snapshot_timeout,optional"`
	Autostart       *bool    `hcl:"autostart,optional"`
}

type hclTunnel struct {
	Enabled             *bool          `hcl:"enabled,optional"`
	Autoconnect         *bool          `hcl:"autoconnect,optional"`
	Host                string         `hcl:"host,optional"`
	User                string         `hcl:"user,optional"`
	Port                int            `hcl:"port,optional"`
	KeyFile             string         `hcl:"key_file,optional"`
	KeepaliveInterval   int            `hcl:"keepalive_interval,optional"`
	LocalSSHPort        int            `hcl:"local_ssh_port,optional"`
	RemotePorts         map[string]int `hcl:"remote_ports,optional"`
	InitialBackoff      string         `hcl:"initial_backoff,optional"`
	MaxBackoff          string         `hcl:"max_backoff,optional"`
	BackoffFactor       int            `hcl:"backoff_factor,optional"`
	HealthCheckInterval string         `hcl:"health_check_interval,optional"`
}

type hclMaster struct {
	URL     string `hcl:"url"`
	Token   string `hcl:"token,optional"`
	Timeout string `hcl:"timeout,optional"`
	Retries int    `hcl:"retries,optional"`
}

// LoadConfig loads the HCL configuration file and returns a Configuration struct
func LoadConfig(filename string) (*Configuration, error) {
	var hclCfg hclConfig

	err := hclsimple.DecodeFile(filename, nil, &hclCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HCL config: %w", err)
	}

	cfg := GetDefaultConfig()
	cfg.Verbose = hclCfg.Verbose
	if hclCfg.Name != "" {
		cfg.Name = hclCfg.Name
	}

	if c := hclCfg.Camera; c != nil {
		cfg.Camera.Host = c.Host
		if c.Port != 0 {
			cfg.Camera.Port = c.Port
		}
		if c.Profile != "" {
			cfg.Camera.Profile = strings.TrimPrefix(c.Profile, "/")
		}
		if c.Transport != "" {
			cfg.Camera.Transport = c.Transport
		}
		if c.PanelPort != 0 {
			cfg.Camera.PanelPort = c.PanelPort
		}
	}

	if o := hclCfg.Output; o != nil {
		cfg.Output.URL = strings.TrimSuffix(o.URL, "/")
		cfg.Output.Key = o.Key
		if o.Format != "" {
			cfg.Output.Format = o.Format
		}
	}

	if s := hclCfg.Stream; s != nil {
		if s.Executable != "" {
			cfg.Stream.Executable = s.Executable
		}
		if s.InputOptions != nil {
			cfg.Stream.InputOptions = s.InputOptions
		}
		if s.VideoOptions != nil {
			cfg.Stream.VideoOptions = s.VideoOptions
		}
		if s.AudioOptions != nil {
			cfg.Stream.AudioOptions = s.AudioOptions
		}
		if s.OutputOptions != nil {
			cfg.Stream.OutputOptions = s.OutputOptions
		}
		if s.Autostart != nil {
			cfg.Stream.Autostart = *s.Autostart
		}
		if err := parseDuration("stream.grace_period", s.GracePeriod, &cfg.Stream.GracePeriod); err != nil {
			return nil, err
		}
		if err := parseDuration("stream.retry_delay", s.RetryDelay, &cfg.Stream.RetryDelay); err != nil {
			return nil, err
		}
		if err := parseDuration("stream.snapshot_timeout", s.SnapshotTimeout, &cfg.Stream.SnapshotTimeout); err != nil {
			return nil, err
		}
	}

	if t := hclCfg.Tunnel; t != nil {
		// A tunnel block without an explicit flag means tunnels are wanted
		cfg.Tunnel.Enabled = true
		if t.Enabled != nil {
			cfg.Tunnel.Enabled = *t.Enabled
		}
		if t.Autoconnect != nil {
			cfg.Tunnel.Autoconnect = *t.Autoconnect
		}
		cfg.Tunnel.Host = t.Host
		cfg.Tunnel.User = t.User
		cfg.Tunnel.KeyFile = expandHome(t.KeyFile)
		if t.Port != 0 {
			cfg.Tunnel.Port = t.Port
		}
		if t.KeepaliveInterval != 0 {
			cfg.Tunnel.KeepaliveInterval = t.KeepaliveInterval
		}
		if t.LocalSSHPort != 0 {
			cfg.Tunnel.LocalSSHPort = t.LocalSSHPort
		}
		if t.BackoffFactor != 0 {
			cfg.Tunnel.BackoffFactor = t.BackoffFactor
		}
		if len(t.RemotePorts) > 0 {
			cfg.Tunnel.RemotePorts = t.RemotePorts
		}
		if err := parseDuration("tunnel.initial_backoff", t.InitialBackoff, &cfg.Tunnel.InitialBackoff); err != nil {
			return nil, err
		}
		if err := parseDuration("tunnel.max_backoff", t.MaxBackoff, &cfg.Tunnel.MaxBackoff); err != nil {
			return nil, err
		}
		if err := parseDuration("tunnel.health_check_interval", t.HealthCheckInterval, &cfg.Tunnel.HealthCheckInterval); err != nil {
			return nil, err
		}
	}

	if m := hclCfg.Master; m != nil {
		cfg.Master.URL = strings.TrimSuffix(m.URL, "/")
		cfg.Master.Token = m.Token
		if m.Retries != 0 {
			cfg.Master.Retries = m.Retries
		}
		if err := parseDuration("master.timeout", m.Timeout, &cfg.Master.Timeout); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func parseDuration(field, value string, target *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration for %s: %w", field, err)
	}
	*target = d
	return nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}

// GetDefaultConfig returns a Configuration with default values
func GetDefaultConfig() *Configuration {
	hostname, _ := os.Hostname()
	return &Configuration{
		Name: hostname,
		Camera: CameraConfig{
			Port:      554,
			Transport: "tcp",
			PanelPort: 80,
		},
		Output: OutputConfig{
			Format: "flv",
		},
		Stream: StreamConfig{
			Executable:      "ffmpeg",
			VideoOptions:    []string{"-c:v", "copy"},
			AudioOptions:    []string{"-c:a", "aac", "-ar", "44100"},
			GracePeriod:     3 * time.Second,
			RetryDelay:      time.Second,
			SnapshotTimeout: 15 * time.Second,
			Autostart:       true,
		},
		Tunnel: TunnelConfig{
			Autoconnect:         true,
			Port:                22,
			KeepaliveInterval:   30,
			LocalSSHPort:        DefaultLocalSSHPort,
			InitialBackoff:      time.Second,
			MaxBackoff:          5 * time.Minute,
			BackoffFactor:       2,
			HealthCheckInterval: 30 * time.Second,
		},
		Master: MasterConfig{
			Timeout: 10 * time.Second,
			Retries: 3,
		},
	}
}

// ConfigExists checks if a config file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return err == nil
}

// IsConfigured reports whether there is enough configuration to stream.
func (c *Configuration) IsConfigured() bool {
	return c.Camera.Host != "" && c.Output.URL != ""
}

// SourceURL is the camera RTSP URL handed to the streaming tool.
func (c *Configuration) SourceURL() string {
	return fmt.Sprintf("rtsp://%s/%s", c.CameraAddress(), c.Camera.Profile)
}

// CameraAddress is the camera's host:port.
func (c *Configuration) CameraAddress() string {
	return net.JoinHostPort(c.Camera.Host, strconv.Itoa(c.Camera.Port))
}

// OutputURL is the full relay URL including the stream key.
func (c *Configuration) OutputURL(key string) string {
	if key == "" {
		return c.Output.URL
	}
	return c.Output.URL + "/" + key
}

// TunnelTargetsChanged reports whether switching from old to c affects the
// reverse tunnels and therefore needs a tunnel restart.
func (c *Configuration) TunnelTargetsChanged(old *Configuration) bool {
	if old == nil {
		return true
	}
	a, b := old.Tunnel, c.Tunnel
	if a.Enabled != b.Enabled || a.Host != b.Host || a.User != b.User ||
		a.Port != b.Port || a.KeyFile != b.KeyFile || a.LocalSSHPort != b.LocalSSHPort ||
		a.KeepaliveInterval != b.KeepaliveInterval {
		return true
	}
	if old.Camera.Host != c.Camera.Host || old.Camera.PanelPort != c.Camera.PanelPort {
		return true
	}
	if old.Master.URL != c.Master.URL || len(a.RemotePorts) != len(b.RemotePorts) {
		return true
	}
	for name, port := range a.RemotePorts {
		if b.RemotePorts[name] != port {
			return true
		}
	}
	return false
}
