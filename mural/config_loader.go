package mural

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the service configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Sync      SyncConfig      `yaml:"sync"`
	Workers   int             `yaml:"workers"`
	TickRate  time.Duration   `yaml:"tickRate"`
	Worlds    []string        `yaml:"worlds"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	HTTP      HTTPConfig      `yaml:"http"`

	// Permissions maps viewer ids to granted permissions. Entries from the
	// file are merged over the default "*" entry.
	Permissions map[string][]string `yaml:"permissions"`

	// MaxWallWidth caps the horizontal extent of a selection. 0 disables it.
	MaxWallWidth int `yaml:"maxWallWidth"`
}

// StorageConfig locates the record file and its companions.
type StorageConfig struct {
	Path    string `yaml:"path"`
	Backup  bool   `yaml:"backup"`  // keep a zstd copy of the previous generation
	AuditDB string `yaml:"auditDb"` // empty disables the audit trail
}

// FetchConfig bounds image downloads.
type FetchConfig struct {
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	MaxBytes       int64         `yaml:"maxBytes"`
	MaxPixels      int64         `yaml:"maxPixels"`
	UserAgent      string        `yaml:"userAgent"`
}

// ReconcileConfig tunes the startup cleanup pass.
type ReconcileConfig struct {
	Radius       float64       `yaml:"radius"`
	StartupDelay time.Duration `yaml:"startupDelay"`
}

// SyncConfig tunes tile pushes to viewers.
type SyncConfig struct {
	Cooldown       time.Duration `yaml:"cooldown"`
	PostSpawnDelay time.Duration `yaml:"postSpawnDelay"`
	JoinDelay      time.Duration `yaml:"joinDelay"`
}

// MQTTConfig holds broker settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker        string `yaml:"broker"`
	ClientID      string `yaml:"clientId"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	PublishPrefix string `yaml:"publishPrefix"`
	QoS           byte   `yaml:"qos"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:   "murals.json",
			Backup: true,
		},
		Fetch: FetchConfig{
			ConnectTimeout: DefaultConnectTimeout,
			ReadTimeout:    DefaultReadTimeout,
			MaxBytes:       DefaultMaxImageBytes,
			MaxPixels:      DefaultMaxImagePixels,
			UserAgent:      DefaultUserAgent,
		},
		Reconcile: ReconcileConfig{
			Radius:       DefaultReconcileRadius,
			StartupDelay: 3 * time.Second,
		},
		Sync: SyncConfig{
			Cooldown:       DefaultRenderCooldown,
			PostSpawnDelay: 500 * time.Millisecond,
			JoinDelay:      2 * time.Second,
		},
		Workers:  4,
		TickRate: 50 * time.Millisecond,
		Worlds:   []string{"world"},
		MQTT: MQTTConfig{
			PublishPrefix: "muralwall",
		},
		HTTP: HTTPConfig{Port: 4040},
		Permissions: map[string][]string{
			"*": {string(PermUse), string(PermSync)},
		},
	}
}

// LoadConfig loads configuration from a YAML file on top of DefaultConfig
// and applies MQTT environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overrides MQTT settings from MQTT_BROKER, MQTT_CLIENT_ID,
// MQTT_USERNAME, MQTT_PASSWORD and MQTT_PUBLISH_PREFIX when set.
func (c *Config) ApplyEnv() {
	for env, dst := range map[string]*string{
		"MQTT_BROKER":         &c.MQTT.Broker,
		"MQTT_CLIENT_ID":      &c.MQTT.ClientID,
		"MQTT_USERNAME":       &c.MQTT.Username,
		"MQTT_PASSWORD":       &c.MQTT.Password,
		"MQTT_PUBLISH_PREFIX": &c.MQTT.PublishPrefix,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Fetch.MaxBytes <= 0 {
		return fmt.Errorf("fetch.maxBytes must be positive")
	}
	if c.Fetch.MaxPixels <= 0 {
		return fmt.Errorf("fetch.maxPixels must be positive")
	}
	if c.Fetch.ConnectTimeout <= 0 || c.Fetch.ReadTimeout <= 0 {
		return fmt.Errorf("fetch timeouts must be positive")
	}
	if c.Reconcile.Radius <= 0 {
		return fmt.Errorf("reconcile.radius must be positive")
	}
	if c.Sync.Cooldown < 0 || c.Sync.PostSpawnDelay < 0 || c.Sync.JoinDelay < 0 {
		return fmt.Errorf("sync durations must not be negative")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.TickRate <= 0 {
		return fmt.Errorf("tickRate must be positive")
	}
	if c.MaxWallWidth < 0 {
		return fmt.Errorf("maxWallWidth must not be negative")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos %d out of range 0..2", c.MQTT.QoS)
	}
	for i, w := range c.Worlds {
		if w == "" {
			return fmt.Errorf("worlds[%d] is empty", i)
		}
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	for viewer, perms := range c.Permissions {
		for _, p := range perms {
			switch Permission(p) {
			case PermUse, PermAdmin, PermSync:
			default:
				return fmt.Errorf("permissions.%s: unknown permission %q", viewer, p)
			}
		}
	}
	return nil
}

// PermissionTable converts the permissions section.
func (c *Config) PermissionTable() PermissionTable {
	t := make(PermissionTable, len(c.Permissions))
	for viewer, perms := range c.Permissions {
		for _, p := range perms {
			t[ViewerID(viewer)] = append(t[ViewerID(viewer)], Permission(p))
		}
	}
	return t
}

// FetchOptions converts the fetch section into fetcher options.
func (c *Config) FetchOptions() []FetchOption {
	return []FetchOption{
		WithConnectTimeout(c.Fetch.ConnectTimeout),
		WithReadTimeout(c.Fetch.ReadTimeout),
		WithMaxBytes(c.Fetch.MaxBytes),
		WithMaxPixels(c.Fetch.MaxPixels),
		WithUserAgent(c.Fetch.UserAgent),
	}
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
