package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Default values applied by Load for zero-valued fields.
const (
	DefaultPort           = 8080
	DefaultEnvironment    = "server"
	DefaultMode           = "semi_autonomous"
	DefaultMaxIterations  = 50
	DefaultToolLogSize    = 500
	DefaultEventHistory   = 200
	DefaultPoolSize       = 8
	DefaultPollInterval   = time.Second
	DefaultCoolDown       = 2 * time.Second
	DefaultWaitStep       = time.Second
	DefaultCommandTimeout = 2 * time.Minute
)

// Config is the top-level configuration structure.
type Config struct {
	Server      ServerConfig   `json:"server"`
	Environment string         `json:"environment"`
	Agent       AgentConfig    `json:"agent"`
	Tools       ToolsConfig    `json:"tools"`
	Workflow    WorkflowConfig `json:"workflow"`
	Pool        PoolConfig     `json:"pool"`
	Events      EventsConfig   `json:"events"`
	MCP         MCPConfig      `json:"mcp"`
	Notify      NotifyConfig   `json:"notify"`
	Database    DatabaseConfig `json:"database"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type AgentConfig struct {
	Mode          string `json:"mode"`
	MaxIterations int    `json:"max_iterations"`
}

type ToolsConfig struct {
	Workdir        string   `json:"workdir"`
	LogSize        int      `json:"log_size"`
	CommandTimeout Duration `json:"command_timeout"`
}

type WorkflowConfig struct {
	TemplatesDir string   `json:"templates_dir"`
	Watch        bool     `json:"watch"`
	WaitStep     Duration `json:"wait_step"`
}

type PoolConfig struct {
	Size          int      `json:"size"`
	PollInterval  Duration `json:"poll_interval"`
	CoolDown      Duration `json:"cool_down"`
	WorkspaceBase string   `json:"workspace_base"`
	WorkspaceRoot string   `json:"workspace_root"`
}

type EventsConfig struct {
	HistorySize int `json:"history_size"`
}

type MCPConfig struct {
	Servers []MCPServerConfig `json:"servers"`
}

type MCPServerConfig struct {
	Name         string   `json:"name"`
	URL          string   `json:"url"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack"`
	Discord DiscordNotifyConfig `json:"discord"`
}

type SlackNotifyConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type DiscordNotifyConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN        string `json:"dsn"`
	Migrations string `json:"migrations"`
}

type RedisConfig struct {
	URL    string `json:"url"`
	Stream string `json:"stream"`
}

// Duration decodes from a Go duration string ("1500ms", "2s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw config JSON. Exposed for tests and for callers that
// embed configuration.
func Parse(data []byte) (*Config, error) {
	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Environment == "" {
		c.Environment = DefaultEnvironment
	}
	if c.Agent.Mode == "" {
		c.Agent.Mode = DefaultMode
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = DefaultMaxIterations
	}
	if c.Tools.LogSize <= 0 {
		c.Tools.LogSize = DefaultToolLogSize
	}
	if c.Tools.CommandTimeout <= 0 {
		c.Tools.CommandTimeout = Duration(DefaultCommandTimeout)
	}
	if c.Workflow.WaitStep <= 0 {
		c.Workflow.WaitStep = Duration(DefaultWaitStep)
	}
	if c.Pool.Size <= 0 {
		c.Pool.Size = DefaultPoolSize
	}
	if c.Pool.PollInterval <= 0 {
		c.Pool.PollInterval = Duration(DefaultPollInterval)
	}
	// A negative cool-down disables it.
	if c.Pool.CoolDown == 0 {
		c.Pool.CoolDown = Duration(DefaultCoolDown)
	}
	if c.Events.HistorySize <= 0 {
		c.Events.HistorySize = DefaultEventHistory
	}
	if c.Database.Postgres.Migrations == "" {
		c.Database.Postgres.Migrations = "migrations"
	}
	if c.Database.Redis.Stream == "" {
		c.Database.Redis.Stream = "sprintloop:events"
	}
}
