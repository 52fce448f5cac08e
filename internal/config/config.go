package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig     `json:"server"`
	Providers    []ProviderConfig `json:"providers"`
	Database     DatabaseConfig   `json:"database"`
	Orchestrator Orchestrator     `json:"orchestrator"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Models   []string          `json:"models,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// Orchestrator tunes scheduling and workflow execution.
type Orchestrator struct {
	// DeadlineOverhead multiplies a step's estimated duration to produce
	// its assignment deadline. Zero means the 1.2 default.
	DeadlineOverhead float64 `json:"deadline_overhead"`
	// MaxRetries bounds the retry failure policy.
	MaxRetries int `json:"max_retries"`
	// RetryBackoff is the base delay for exponential retry backoff.
	RetryBackoff Duration `json:"retry_backoff"`
	// MaxParallelism caps concurrent assignments per execution.
	// Zero means "team size".
	MaxParallelism int `json:"max_parallelism"`
	// WorkflowCeiling is the hard execution duration limit.
	WorkflowCeiling Duration `json:"workflow_ceiling"`
	// QualityThreshold is the default quality gate minimum.
	QualityThreshold float64 `json:"quality_threshold"`
}

const (
	DefaultDeadlineOverhead = 1.2
	DefaultMaxRetries       = 3
	DefaultRetryBackoff     = 2 * time.Second
	DefaultWorkflowCeiling  = 30 * time.Minute
	DefaultQualityThreshold = 0.8
)

// Normalized returns a copy with zero values replaced by defaults.
func (o Orchestrator) Normalized() Orchestrator {
	if o.DeadlineOverhead <= 0 {
		o.DeadlineOverhead = DefaultDeadlineOverhead
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryBackoff.Duration() <= 0 {
		o.RetryBackoff = Duration(DefaultRetryBackoff)
	}
	if o.WorkflowCeiling.Duration() <= 0 {
		o.WorkflowCeiling = Duration(DefaultWorkflowCeiling)
	}
	if o.QualityThreshold <= 0 {
		o.QualityThreshold = DefaultQualityThreshold
	}
	return o
}

// Problem is a single validation finding.
type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Validate collects every problem in the configuration instead of failing
// on the first.
func (c *Config) Validate() []Problem {
	var problems []Problem
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		problems = append(problems, Problem{"server.port", fmt.Sprintf("port %d out of range", c.Server.Port)})
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		field := fmt.Sprintf("providers[%d]", i)
		if p.ID == "" {
			problems = append(problems, Problem{field + ".id", "provider id is required"})
		} else if seen[p.ID] {
			problems = append(problems, Problem{field + ".id", "duplicate provider id " + p.ID})
		}
		seen[p.ID] = true
		if p.Type == "" {
			problems = append(problems, Problem{field + ".type", "provider type is required"})
		}
	}
	o := c.Orchestrator
	if o.DeadlineOverhead < 0 {
		problems = append(problems, Problem{"orchestrator.deadline_overhead", "must not be negative"})
	}
	if o.MaxRetries < 0 {
		problems = append(problems, Problem{"orchestrator.max_retries", "must not be negative"})
	}
	if o.RetryBackoff.Duration() < 0 {
		problems = append(problems, Problem{"orchestrator.retry_backoff", "must not be negative"})
	}
	if o.QualityThreshold < 0 || o.QualityThreshold > 1 {
		problems = append(problems, Problem{"orchestrator.quality_threshold", "must be within [0, 1]"})
	}
	return problems
}

// Duration is a time.Duration that unmarshals from a JSON string like "90s".
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Plain nanosecond integers are accepted too.
		var n int64
		if err2 := json.Unmarshal(data, &n); err2 == nil {
			*d = Duration(n)
			return nil
		}
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

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
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		msgs := make([]string, len(problems))
		for i, p := range problems {
			msgs[i] = p.Field + ": " + p.Message
		}
		return nil, fmt.Errorf("invalid config %s: %s", path, strings.Join(msgs, "; "))
	}
	cfg.Orchestrator = cfg.Orchestrator.Normalized()
	return &cfg, nil
}
