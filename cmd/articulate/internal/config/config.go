// Package config loads the articulate YAML configuration.
//
// Every field is optional. A minimal worker config only needs an API key in
// the environment; a full one looks like:
//
//	listen: 127.0.0.1:65432
//	worker:
//	  model: gemini-1.5-flash
//	  method: direct
//	  retry_budget: 1
//	  context_timeout: 30s
//	  retry_window: 5m
//	  max_inflight: 4
//	  models_dir: ~/.articulate/models
//	  history:
//	    backend: badger
//	    dir: ~/.articulate/history
//	  archive:
//	    backend: s3
//	    bucket: voice-commands
//	    prefix: blender
//	    region: us-east-1
//	  watch_dir: ~/commands
//	  scene_filter: '{mode, active_object}'
//	providers:
//	  gemini:
//	    api_key_env: GEMINI_API_KEY
//	  openai:
//	    api_key_env: OPENAI_API_KEY
//	controller:
//	  addr: 127.0.0.1:65432
//	  exec: [python3, "-"]
//	  scene_file: scene.json
//	  script_timeout: 2m
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/ManveerAnand/articulate3D/pkg/protocol"
	"github.com/ManveerAnand/articulate3D/pkg/wire"
)

// Duration is a time.Duration written as "30s" or "2m" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root of the configuration file.
type Config struct {
	Listen     string     `yaml:"listen,omitempty"`
	Worker     Worker     `yaml:"worker,omitempty"`
	Providers  Providers  `yaml:"providers,omitempty"`
	Controller Controller `yaml:"controller,omitempty"`

	// Path is the file the config was loaded from, empty for defaults.
	Path string `yaml:"-" json:"-"`
}

// Worker configures `articulate worker`.
type Worker struct {
	Model          string   `yaml:"model,omitempty"`
	Method         string   `yaml:"method,omitempty"`
	RetryBudget    *int     `yaml:"retry_budget,omitempty"`
	ContextTimeout Duration `yaml:"context_timeout,omitempty"`
	RetryWindow    Duration `yaml:"retry_window,omitempty"`
	MaxFrameSize   int      `yaml:"max_frame_size,omitempty"`
	MaxInflight    int      `yaml:"max_inflight,omitempty"`

	// StructuredOutput asks models for a {script, error} JSON reply.
	StructuredOutput bool `yaml:"structured_output,omitempty"`

	// ModelsDir holds provider files; when unset Providers is used.
	ModelsDir string `yaml:"models_dir,omitempty"`

	History     History `yaml:"history,omitempty"`
	Archive     Archive `yaml:"archive,omitempty"`
	WatchDir    string  `yaml:"watch_dir,omitempty"`
	SceneFilter string  `yaml:"scene_filter,omitempty"`
}

// History selects the conversation history backend: "memory" (default)
// or "badger".
type History struct {
	Backend string `yaml:"backend,omitempty"`
	Dir     string `yaml:"dir,omitempty"`
}

// Archive selects where captured audio is kept: "" (off), "local" or "s3".
type Archive struct {
	Backend   string `yaml:"backend,omitempty"`
	Dir       string `yaml:"dir,omitempty"`
	Bucket    string `yaml:"bucket,omitempty"`
	Prefix    string `yaml:"prefix,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	PathStyle bool   `yaml:"path_style,omitempty"`
}

// Providers holds API credentials by env var name.
type Providers struct {
	Gemini *Provider `yaml:"gemini,omitempty"`
	OpenAI *Provider `yaml:"openai,omitempty"`
}

// Provider is one API account.
type Provider struct {
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`
}

// Controller configures `articulate controller`.
type Controller struct {
	Addr          string   `yaml:"addr,omitempty"`
	Model         string   `yaml:"model,omitempty"`
	Method        string   `yaml:"method,omitempty"`
	Exec          []string `yaml:"exec,omitempty"`
	SceneFile     string   `yaml:"scene_file,omitempty"`
	DrainInterval Duration `yaml:"drain_interval,omitempty"`
	ScriptTimeout Duration `yaml:"script_timeout,omitempty"`
	SilentSuccess bool     `yaml:"silent_success,omitempty"`
}

// Load reads path. A missing file yields the defaults when optional is
// true, so a default location need not exist.
func Load(path string, optional bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			c := &Config{}
			c.applyDefaults()
			return c, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	c.Path = path
	return c, nil
}

// Parse decodes and validates a config document.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.UnmarshalWithOptions(data, &c, yaml.Strict()); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = wire.DefaultAddr
	}
	if c.Controller.Addr == "" {
		c.Controller.Addr = c.Listen
	}
	if c.Providers.Gemini == nil {
		c.Providers.Gemini = &Provider{}
	}
	if c.Providers.Gemini.APIKeyEnv == "" {
		c.Providers.Gemini.APIKeyEnv = "GEMINI_API_KEY"
	}
	if c.Providers.OpenAI == nil {
		c.Providers.OpenAI = &Provider{}
	}
	if c.Providers.OpenAI.APIKeyEnv == "" {
		c.Providers.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	c.Worker.ModelsDir = expandHome(c.Worker.ModelsDir)
	c.Worker.History.Dir = expandHome(c.Worker.History.Dir)
	c.Worker.Archive.Dir = expandHome(c.Worker.Archive.Dir)
	c.Worker.WatchDir = expandHome(c.Worker.WatchDir)
	c.Controller.SceneFile = expandHome(c.Controller.SceneFile)
}

// Validate checks the enumerated fields.
func (c *Config) Validate() error {
	for _, m := range []string{c.Worker.Method, c.Controller.Method} {
		if m == "" {
			continue
		}
		if _, err := protocol.ParseMethod(m); err != nil {
			return err
		}
	}
	switch c.Worker.History.Backend {
	case "", "memory", "badger":
	default:
		return fmt.Errorf("worker.history.backend: unknown backend %q", c.Worker.History.Backend)
	}
	switch c.Worker.Archive.Backend {
	case "", "local":
	case "s3":
		if c.Worker.Archive.Bucket == "" {
			return errors.New("worker.archive.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("worker.archive.backend: unknown backend %q", c.Worker.Archive.Backend)
	}
	if c.Worker.RetryBudget != nil && *c.Worker.RetryBudget < 0 {
		return errors.New("worker.retry_budget must not be negative")
	}
	return nil
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
