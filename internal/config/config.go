package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort           = 6970
	DefaultHost           = "127.0.0.1"
	DefaultConfigFilename = "config.json"
	DefaultYAMLFilename   = "config.yaml"
	DefaultEnvFilename    = ".env"

	DefaultLongContextThreshold = 60000
	DefaultTimeoutSeconds       = 60
)

// DefaultProviderURLs are the endpoints used when a provider entry named
// after a well-known service omits its url.
var DefaultProviderURLs = map[string]string{
	"openai":        "https://api.openai.com/v1/chat/completions",
	"openrouter":    "https://openrouter.ai/api/v1/chat/completions",
	"nvidia":        "https://integrate.api.nvidia.com/v1/chat/completions",
	"anthropic":     "https://api.anthropic.com/v1/messages",
	"gemini":        "https://generativelanguage.googleapis.com/v1beta/models",
	"codewhisperer": "https://codewhisperer.us-east-1.amazonaws.com",
}

// DefaultBackgroundModelPrefixes route small client models to the background category.
var DefaultBackgroundModelPrefixes = []string{"claude-3-5-haiku"}

type Provider struct {
	Name              string            `json:"name" yaml:"name"`
	Family            string            `json:"family,omitempty" yaml:"family,omitempty"`
	APIBase           string            `json:"api_base_url,omitempty" yaml:"url,omitempty"`
	APIKey            string            `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model             string            `json:"model,omitempty" yaml:"model,omitempty"`
	Weight            int               `json:"weight,omitempty" yaml:"weight,omitempty"`
	SupportsStreaming *bool             `json:"supports_streaming,omitempty" yaml:"supports_streaming,omitempty"`
	SupportsTools     *bool             `json:"supports_tools,omitempty" yaml:"supports_tools,omitempty"`
	TimeoutSeconds    int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Headers           map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	ModelWhitelist    []string          `json:"model_whitelist,omitempty" yaml:"model_whitelist,omitempty"`
}

// CategoryConfig routes one category over a provider list.
type CategoryConfig struct {
	Strategy  string   `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Providers []string `json:"providers,omitempty" yaml:"providers,omitempty"`
}

// RouterConfig describes the default category directly. Primary and Backup
// are the legacy failover list and select the priority strategy.
type RouterConfig struct {
	Strategy                string                    `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Providers               []string                  `json:"providers,omitempty" yaml:"providers,omitempty"`
	Primary                 string                    `json:"primary,omitempty" yaml:"primary,omitempty"`
	Backup                  []string                  `json:"backup,omitempty" yaml:"backup,omitempty"`
	Categories              map[string]CategoryConfig `json:"categories,omitempty" yaml:"categories,omitempty"`
	LongContextThreshold    int                       `json:"long_context_threshold,omitempty" yaml:"long_context_threshold,omitempty"`
	BackgroundModelPrefixes []string                  `json:"background_model_prefixes,omitempty" yaml:"background_model_prefixes,omitempty"`
}

// HealthConfig tunes the cooldown triggers. A trigger set to 0 is disabled;
// an omitted one keeps its default.
type HealthConfig struct {
	ConsecutiveErrors *int `json:"consecutive_errors,omitempty" yaml:"consecutive_errors,omitempty"`
	AuthFailures      *int `json:"auth_failures,omitempty" yaml:"auth_failures,omitempty"`
	AuthWindowSeconds int  `json:"auth_window_seconds,omitempty" yaml:"auth_window_seconds,omitempty"`
	CooldownSeconds   int  `json:"cooldown_seconds,omitempty" yaml:"cooldown_seconds,omitempty"`
	Window            int  `json:"window,omitempty" yaml:"window,omitempty"`
}

type RetryConfig struct {
	MaxAttempts       int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	BaseDelayMs       int      `json:"base_delay_ms,omitempty" yaml:"base_delay_ms,omitempty"`
	MaxDelayMs        int      `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
	TransientPatterns []string `json:"transient_patterns,omitempty" yaml:"transient_patterns,omitempty"`
}

type StreamingConfig struct {
	ChunkDelayMs  *int  `json:"chunk_delay_ms,omitempty" yaml:"chunk_delay_ms,omitempty"`
	TextChunkSize int   `json:"text_chunk_size,omitempty" yaml:"text_chunk_size,omitempty"`
	ToolStreaming *bool `json:"tool_streaming,omitempty" yaml:"tool_streaming,omitempty"`
	ToolChunkSize int   `json:"tool_chunk_size,omitempty" yaml:"tool_chunk_size,omitempty"`
}

type Config struct {
	Host      string          `json:"host,omitempty" yaml:"host,omitempty"`
	Port      int             `json:"port,omitempty" yaml:"port,omitempty"`
	Providers []Provider      `json:"providers" yaml:"providers"`
	Router    RouterConfig    `json:"router" yaml:"router"`
	Health    HealthConfig    `json:"health,omitempty" yaml:"health,omitempty"`
	Retry     RetryConfig     `json:"retry,omitempty" yaml:"retry,omitempty"`
	Streaming StreamingConfig `json:"streaming,omitempty" yaml:"streaming,omitempty"`
	// CORSOrigins lists the browser origins allowed to call the gateway.
	// Empty allows any origin.
	CORSOrigins []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
}

type Manager struct {
	baseDir     string
	configValue atomic.Value
}

func NewManager(baseDir string) *Manager {
	return &Manager{baseDir: baseDir}
}

func (m *Manager) yamlPath() string { return filepath.Join(m.baseDir, DefaultYAMLFilename) }
func (m *Manager) jsonPath() string { return filepath.Join(m.baseDir, DefaultConfigFilename) }

// Load reads config.yaml, or config.json when no YAML file exists, after
// loading an optional .env file from the same directory. ${VAR} references
// are expanded before parsing.
func (m *Manager) Load() (*Config, error) {
	if err := godotenv.Load(filepath.Join(m.baseDir, DefaultEnvFilename)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	path := m.GetPath()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if strings.HasSuffix(path, ".yaml") {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}

	if err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", filepath.Base(path), err)
	}

	cfg.applyDefaults()

	m.configValue.Store(&cfg)

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}

	if c.Host == "" {
		c.Host = DefaultHost
	}

	for i := range c.Providers {
		p := &c.Providers[i]

		if p.APIBase == "" {
			p.APIBase = DefaultProviderURLs[strings.ToLower(p.Name)]
		}

		if p.TimeoutSeconds <= 0 {
			p.TimeoutSeconds = DefaultTimeoutSeconds
		}
	}

	if c.Router.LongContextThreshold == 0 {
		c.Router.LongContextThreshold = DefaultLongContextThreshold
	}

	if c.Router.BackgroundModelPrefixes == nil {
		c.Router.BackgroundModelPrefixes = append([]string(nil), DefaultBackgroundModelPrefixes...)
	}
}

func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}

	cfg, err := m.Load()
	if err != nil {
		cfg = &Config{}
		cfg.applyDefaults()
	}

	return cfg
}

// Save writes cfg as JSON.
func (m *Manager) Save(cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return m.write(m.jsonPath(), data, cfg)
}

// SaveAsYAML writes cfg as YAML. The YAML file takes precedence on the next Load.
func (m *Manager) SaveAsYAML(cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return m.write(m.yamlPath(), data, cfg)
}

func (m *Manager) write(path string, data []byte, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	m.configValue.Store(cfg)

	return nil
}

// GetPath returns the file Load reads: the YAML file unless only JSON exists.
func (m *Manager) GetPath() string {
	if !m.HasYAML() && m.HasJSON() {
		return m.jsonPath()
	}

	return m.yamlPath()
}

func (m *Manager) Exists() bool {
	return m.HasYAML() || m.HasJSON()
}

func (m *Manager) HasYAML() bool {
	_, err := os.Stat(m.yamlPath())
	return err == nil
}

func (m *Manager) HasJSON() bool {
	_, err := os.Stat(m.jsonPath())
	return err == nil
}

// CreateExampleYAML writes a starter config.yaml with one entry per
// supported family. Keys are read from the environment at load time.
func (m *Manager) CreateExampleYAML() error {
	enabled := true

	cfg := &Config{
		Host: DefaultHost,
		Port: DefaultPort,
		Providers: []Provider{
			{Name: "openai", APIKey: "${OPENAI_API_KEY}", Model: "gpt-4o", ModelWhitelist: []string{"claude"}},
			{Name: "openrouter", APIKey: "${OPENROUTER_API_KEY}", Model: "anthropic/claude-3.5-sonnet"},
			{Name: "anthropic", APIKey: "${ANTHROPIC_API_KEY}"},
			{Name: "gemini", APIKey: "${GEMINI_API_KEY}", Model: "gemini-1.5-pro", SupportsStreaming: &enabled},
			{Name: "codewhisperer", APIKey: "${CODEWHISPERER_TOKEN}", Model: "CLAUDE_SONNET_4_20250514_V1_0"},
		},
		Router: RouterConfig{
			Primary: "anthropic",
			Backup:  []string{"openrouter", "openai"},
			Categories: map[string]CategoryConfig{
				"background":   {Strategy: "round_robin", Providers: []string{"gemini", "openai"}},
				"long_context": {Strategy: "health_based", Providers: []string{"gemini", "codewhisperer"}},
			},
			LongContextThreshold:    DefaultLongContextThreshold,
			BackgroundModelPrefixes: DefaultBackgroundModelPrefixes,
		},
		Retry: RetryConfig{MaxAttempts: 3, BaseDelayMs: 500, MaxDelayMs: 8000},
	}

	return m.SaveAsYAML(cfg)
}
