package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/foreman/internal/errors"
)

const (
	HostProcess = "process"
	HostTmux    = "tmux"

	FingerprintExact      = "exact"
	FingerprintNormalized = "normalized"
)

// Duration is a time.Duration that reads Go duration strings from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	Multiplier  float64  `yaml:"multiplier"`
	Recoverable []string `yaml:"recoverable"`
}

// RecoverableKinds parses Recoverable, skipping names that are not kinds.
func (r RetryConfig) RecoverableKinds() []errors.Kind {
	kinds := make([]errors.Kind, 0, len(r.Recoverable))
	for _, name := range r.Recoverable {
		if k, ok := errors.ParseKind(name); ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

type AgentsConfig struct {
	Command  string              `yaml:"command"`
	MaxTurns int                 `yaml:"max_turns"`
	Timeout  Duration            `yaml:"timeout"`
	Timeouts map[string]Duration `yaml:"timeouts"`
}

// TimeoutFor returns the per-agent override, falling back to the default.
func (a AgentsConfig) TimeoutFor(agent string) time.Duration {
	if d, ok := a.Timeouts[agent]; ok && d > 0 {
		return d.Std()
	}
	return a.Timeout.Std()
}

type RecoveryConfig struct {
	StaleAfter      Duration `yaml:"stale_after"`
	AutoRecover     bool     `yaml:"auto_recover"`
	ReattachTimeout Duration `yaml:"reattach_timeout"`
	Concurrency     int      `yaml:"concurrency"`
}

// StaleThreshold is how long an attached agent may go without run progress
// before it counts as stale. It is never shorter than the longest agent
// timeout, since the run is not updated while an agent works.
func (c *Config) StaleThreshold() time.Duration {
	d := c.Recovery.StaleAfter.Std()
	d = max(d, c.Agents.Timeout.Std())
	for _, t := range c.Agents.Timeouts {
		d = max(d, t.Std())
	}
	return d
}

type CRPConfig struct {
	Fingerprint string `yaml:"fingerprint"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	DataDir        string `yaml:"-"`
	DBPath         string `yaml:"-"`
	UserPlanDir    string `yaml:"-"`
	ProjectPlanDir string `yaml:"-"`

	MaxIterations int            `yaml:"max_iterations"`
	Host          string         `yaml:"host"`
	Retry         RetryConfig    `yaml:"retry"`
	Agents        AgentsConfig   `yaml:"agents"`
	Recovery      RecoveryConfig `yaml:"recovery"`
	CRP           CRPConfig      `yaml:"crp"`
	Log           LogConfig      `yaml:"log"`
}

// Defaults returns a configuration rooted at dataDir with no overlay applied.
func Defaults(dataDir string) *Config {
	return &Config{
		DataDir:        dataDir,
		DBPath:         filepath.Join(dataDir, "foreman.db"),
		UserPlanDir:    filepath.Join(dataDir, "plans"),
		ProjectPlanDir: ".foreman/plans",
		MaxIterations:  3,
		Host:           HostProcess,
		Retry: RetryConfig{
			MaxAttempts: 2,
			BaseDelay:   Duration(2 * time.Second),
			MaxDelay:    Duration(60 * time.Second),
			Multiplier:  2,
			Recoverable: []string{"crash", "timeout", "validation"},
		},
		Agents: AgentsConfig{
			Command:  "claude",
			MaxTurns: 50,
			Timeout:  Duration(30 * time.Minute),
		},
		Recovery: RecoveryConfig{
			StaleAfter:      Duration(45 * time.Minute),
			ReattachTimeout: Duration(30 * time.Minute),
			Concurrency:     4,
		},
		CRP: CRPConfig{Fingerprint: FingerprintExact},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("FOREMAN_DATA_DIR", filepath.Join(homeDir, ".foreman"))
	c := Defaults(dataDir)

	if err := c.loadFile(filepath.Join(dataDir, "config.yaml")); err != nil {
		return nil, err
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Log.Level = getEnv("FOREMAN_LOG_LEVEL", c.Log.Level)
	c.Host = getEnv("FOREMAN_HOST", c.Host)
	if v, ok := os.LookupEnv("FOREMAN_AUTO_RECOVER"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FOREMAN_AUTO_RECOVER: %w", err)
		}
		c.Recovery.AutoRecover = b
	}
	return nil
}

func (c *Config) Validate() error {
	var problems []string
	if c.MaxIterations < 1 {
		problems = append(problems, "max_iterations must be at least 1")
	}
	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.max_attempts must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		problems = append(problems, "retry.multiplier must be at least 1")
	}
	if c.Retry.BaseDelay > c.Retry.MaxDelay {
		problems = append(problems, "retry.base_delay must not exceed retry.max_delay")
	}
	for _, name := range c.Retry.Recoverable {
		if _, ok := errors.ParseKind(name); !ok {
			problems = append(problems, fmt.Sprintf("retry.recoverable: unknown error kind %q", name))
		}
	}
	if c.Host != HostProcess && c.Host != HostTmux {
		problems = append(problems, fmt.Sprintf("host must be one of: %s, %s", HostProcess, HostTmux))
	}
	if c.CRP.Fingerprint != FingerprintExact && c.CRP.Fingerprint != FingerprintNormalized {
		problems = append(problems, fmt.Sprintf("crp.fingerprint must be one of: %s, %s", FingerprintExact, FingerprintNormalized))
	}
	if c.Recovery.Concurrency < 1 {
		problems = append(problems, "recovery.concurrency must be at least 1")
	}
	if c.Agents.Command == "" {
		problems = append(problems, "agents.command is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.UserPlanDir, 0755); err != nil {
		return err
	}
	return nil
}

func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "workspaces")
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
