package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const appDirName = "apptrace"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Collector CollectorConfig `yaml:"collector"`
	Sink      SinkConfig      `yaml:"sink"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type CollectorConfig struct {
	// CycleInterval is how often the coalescing cycle runs. Reloadable
	// at runtime via SIGHUP.
	CycleInterval time.Duration `yaml:"cycle_interval"`

	// WatchProcesses lists process names the event source watches.
	// Empty watches everything.
	WatchProcesses []string `yaml:"watch_processes"`

	// HealthFailureThreshold is the number of consecutive event-source
	// query failures before the source is reported as failed.
	HealthFailureThreshold int `yaml:"health_failure_threshold"`

	// StateDir holds the durable key-value store (cursor, last signal,
	// source id). Empty uses the default XDG state path.
	StateDir string `yaml:"state_dir"`

	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`
}

type SinkConfig struct {
	// SpoolDir holds buffered records awaiting upload. Empty uses a
	// spool directory under the default XDG state path.
	SpoolDir string `yaml:"spool_dir"`

	// UploadURL is the base URL of the remote collection endpoint.
	// Empty disables uploading; records accumulate in the spool.
	UploadURL string `yaml:"upload_url"`

	UploadInterval time.Duration `yaml:"upload_interval"`
	UserID         string        `yaml:"user_id"`
	BufferSize     int           `yaml:"buffer_size"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the configuration used when fields are absent from the
// config file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Collector: CollectorConfig{
			CycleInterval:          60 * time.Second,
			HealthFailureThreshold: 3,
			StateDir:               defaultStateDir(),
			SnapshotInterval:       5 * time.Second,
			BroadcastThrottle:      100 * time.Millisecond,
		},
		Sink: SinkConfig{
			SpoolDir:       filepath.Join(defaultStateDir(), "spool"),
			UploadInterval: 5 * time.Minute,
			UserID:         "default",
			BufferSize:     256,
		},
	}
}

// defaultStateDir returns ~/.local/state/apptrace, respecting
// XDG_STATE_HOME if set.
func defaultStateDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
