package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Store    StoreConfig    `yaml:"store"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Engine   EngineConfig   `yaml:"engine"`
	Minio    MinioConfig    `yaml:"minio"`
	Auth     AuthConfig     `yaml:"auth"`
	Users    []User         `yaml:"users"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimit       int           `yaml:"rate_limit"` // requests per minute per client
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig controls the in-memory job registry.
type StoreConfig struct {
	MaxJobs          int           `yaml:"max_jobs"` // 0 = unlimited
	SnapshotPath     string        `yaml:"snapshot_path"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

type PipelineConfig struct {
	MaxFileSizeMB int           `yaml:"max_file_size_mb"`
	AllowedTypes  []string      `yaml:"allowed_types"`
	AutoAnalyze   bool          `yaml:"auto_analyze"`
	StepTimeout   time.Duration `yaml:"step_timeout"`
}

// MaxFileSizeBytes returns the configured upload limit in bytes.
func (p PipelineConfig) MaxFileSizeBytes() int64 {
	return int64(p.MaxFileSizeMB) << 20
}

// EngineConfig points at the external analysis engine.
type EngineConfig struct {
	APIURL   string        `yaml:"api_url"`
	APIToken string        `yaml:"api_token"`
	Profile  string        `yaml:"profile"` // analyzer (0-10 scores) or review (0-100 scores)
	Timeout  time.Duration `yaml:"timeout"`
}

type MinioConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Bucket     string `yaml:"bucket"`
	UseSSL     bool   `yaml:"use_ssl"`
	ExpireDays int    `yaml:"expire_days"`
}

// Enabled reports whether uploaded originals should be archived.
func (m MinioConfig) Enabled() bool {
	return m.Endpoint != ""
}

type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	TokenExpireHours int    `yaml:"token_expire_hours"`
}

type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Tenant   string `yaml:"tenant"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Config{
		Pipeline: PipelineConfig{AutoAnalyze: true},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Store.MaxJobs < 0 {
		c.Store.MaxJobs = 0
	}
	if c.Store.SnapshotInterval == 0 {
		c.Store.SnapshotInterval = time.Minute
	}
	if c.Pipeline.MaxFileSizeMB == 0 {
		c.Pipeline.MaxFileSizeMB = 10
	}
	if len(c.Pipeline.AllowedTypes) == 0 {
		c.Pipeline.AllowedTypes = []string{"pdf", "doc", "docx"}
	}
	for i, t := range c.Pipeline.AllowedTypes {
		c.Pipeline.AllowedTypes[i] = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(t)), ".")
	}
	if c.Pipeline.StepTimeout == 0 {
		c.Pipeline.StepTimeout = 2 * time.Minute
	}
	if c.Engine.Profile == "" {
		c.Engine.Profile = "review"
	}
	if c.Engine.Timeout == 0 {
		c.Engine.Timeout = 60 * time.Second
	}
	if c.Minio.ExpireDays == 0 {
		c.Minio.ExpireDays = 7
	}
	if c.Auth.TokenExpireHours == 0 {
		c.Auth.TokenExpireHours = 24
	}
}

func (c *Config) validate() error {
	switch c.Engine.Profile {
	case "analyzer", "review":
	default:
		return fmt.Errorf("engine.profile must be analyzer or review, got %q", c.Engine.Profile)
	}
	if c.Minio.Enabled() && c.Minio.Bucket == "" {
		return fmt.Errorf("minio.bucket is required when minio.endpoint is set")
	}
	return nil
}

// FindUser finds a user by username
func (c *Config) FindUser(username string) *User {
	for i := range c.Users {
		if c.Users[i].Username == username {
			return &c.Users[i]
		}
	}
	return nil
}
