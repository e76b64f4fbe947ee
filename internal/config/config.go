package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"civictrack/internal/domain"
)

// Config models civictrack.yml.
type Config struct {
	Dispatch   Dispatch        `yaml:"dispatch"`
	Scoring    Scoring         `yaml:"scoring"`
	Escalation Escalation      `yaml:"escalation"`
	Badges     []domain.Badge  `yaml:"badges"`
	Oracle     OracleConfig    `yaml:"oracle"`
	Store      StoreConfig     `yaml:"store"`
	Voice      VoiceConfig     `yaml:"voice"`
	Events     EventsConfig    `yaml:"events"`
	Webhooks   []WebhookConfig `yaml:"webhooks"`
}

type Dispatch struct {
	// Routes maps an issue category to the department that handles it.
	Routes             map[string]string `yaml:"routes"`
	CatchAllDepartment string            `yaml:"catch_all_department"`
}

type Escalation struct {
	SupporterThreshold int `yaml:"supporter_threshold"`
}

// Scoring holds the counter deltas applied by transitions.
type Scoring struct {
	CreateTrustReward     int `yaml:"create_trust_reward"`
	IrrelevantPenalty     int `yaml:"irrelevant_penalty"`
	FraudPenalty          int `yaml:"fraud_penalty"`
	ApproveTrustReward    int `yaml:"approve_trust_reward"`
	RejectTrustPenalty    int `yaml:"reject_trust_penalty"`
	FeedbackNeutralRating int `yaml:"feedback_neutral_rating"`
}

type OracleConfig struct {
	Provider       string         `yaml:"provider"`
	Model          string         `yaml:"model"`
	MaxTokens      int64          `yaml:"max_tokens"`
	TimeoutSeconds int            `yaml:"timeout_seconds"`
	Keywords       map[string]int `yaml:"keywords"`
}

func (o OracleConfig) Timeout() time.Duration {
	if o.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(o.TimeoutSeconds) * time.Second
}

type StoreConfig struct {
	MaxAttempts      int `yaml:"max_attempts"`
	InitialBackoffMS int `yaml:"initial_backoff_ms"`
	MaxBackoffMS     int `yaml:"max_backoff_ms"`
}

type VoiceConfig struct {
	TranscriberURL string `yaml:"transcriber_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (v VoiceConfig) Timeout() time.Duration {
	if v.TimeoutSeconds <= 0 {
		return 20 * time.Second
	}
	return time.Duration(v.TimeoutSeconds) * time.Second
}

type EventsConfig struct {
	Redis          RedisConfig `yaml:"redis"`
	PollIntervalMS int         `yaml:"poll_interval_ms"`
}

type RedisConfig struct {
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
	Channel string `yaml:"channel"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with ct config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for category, dept := range c.Dispatch.Routes {
		if !domain.Category(category).IsValid() {
			return fmt.Errorf("dispatch.routes has unknown category %s", category)
		}
		if dept == "" {
			return fmt.Errorf("dispatch.routes.%s is empty", category)
		}
	}
	if c.Dispatch.CatchAllDepartment == "" {
		return fmt.Errorf("dispatch.catch_all_department is required")
	}
	if c.Escalation.SupporterThreshold <= 0 {
		return fmt.Errorf("escalation.supporter_threshold must be positive")
	}
	s := c.Scoring
	if s.CreateTrustReward < 0 || s.IrrelevantPenalty < 0 || s.FraudPenalty < 0 ||
		s.ApproveTrustReward < 0 || s.RejectTrustPenalty < 0 {
		return fmt.Errorf("scoring deltas must be non-negative magnitudes")
	}
	if s.FeedbackNeutralRating < 1 || s.FeedbackNeutralRating > 10 {
		return fmt.Errorf("scoring.feedback_neutral_rating must be within 1..10")
	}
	seen := map[string]bool{}
	for _, b := range c.Badges {
		if b.ID == "" {
			return fmt.Errorf("badge with empty id")
		}
		if seen[b.ID] {
			return fmt.Errorf("badge %s defined twice", b.ID)
		}
		seen[b.ID] = true
		switch b.Metric {
		case MetricReportCount, MetricUtilityPoints, MetricTrustPoints, MetricJoinedOthers:
		default:
			return fmt.Errorf("badge %s has unknown metric %q", b.ID, b.Metric)
		}
		if b.Threshold <= 0 {
			return fmt.Errorf("badge %s threshold must be positive", b.ID)
		}
	}
	switch c.Oracle.Provider {
	case "anthropic", "offline":
	default:
		return fmt.Errorf("oracle.provider must be anthropic or offline")
	}
	if c.Oracle.Provider == "anthropic" && c.Oracle.Model == "" {
		return fmt.Errorf("oracle.model is required for provider anthropic")
	}
	if c.Store.MaxAttempts < 1 {
		return fmt.Errorf("store.max_attempts must be at least 1")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Department returns the department that handles category.
func (c *Config) Department(category domain.Category) string {
	if dept, ok := c.Dispatch.Routes[string(category)]; ok {
		return dept
	}
	return c.Dispatch.CatchAllDepartment
}

// Badge metrics.
const (
	MetricReportCount   = "report_count"
	MetricUtilityPoints = "utility_points"
	MetricTrustPoints   = "trust_points"
	MetricJoinedOthers  = "joined_others"
)

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "civictrack.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `dispatch:
  routes:
    Pothole: roads
    Road: roads
    Streetlight: electrical
    Electricity: electrical
    Garbage: sanitation
    Drainage: sanitation
    Water: water
  catch_all_department: Other

scoring:
  create_trust_reward: 3
  irrelevant_penalty: 5
  fraud_penalty: 10
  approve_trust_reward: 5
  reject_trust_penalty: 5
  feedback_neutral_rating: 5

escalation:
  supporter_threshold: 5

badges:
  - id: first-report
    title: First Report
    metric: report_count
    threshold: 1
  - id: civic-watchdog
    title: Civic Watchdog
    metric: report_count
    threshold: 10
  - id: impact-maker
    title: Impact Maker
    metric: utility_points
    threshold: 50
  - id: team-player
    title: Team Player
    metric: joined_others
    threshold: 4

oracle:
  provider: offline
  model: claude-sonnet-4-5
  max_tokens: 1024
  timeout_seconds: 30
  keywords:
    collapse: 9
    flood: 8
    sparking: 9
    leak: 6
    broken: 5
    overflowing: 5

store:
  max_attempts: 5
  initial_backoff_ms: 20
  max_backoff_ms: 500

voice:
  transcriber_url: ""
  timeout_seconds: 20

events:
  redis:
    addr: ""
    db: 0
    channel: civictrack.events
  poll_interval_ms: 2000
`
