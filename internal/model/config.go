package model

import (
	"bytes"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	_ "embed"
)

const (
	LogFormatJSON = "json"
	LogFormatText = "text"

	redacted = "********"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Engine Engine `json:"engine" yaml:"engine" mapstructure:"engine"`
	Worker Worker `json:"worker" yaml:"worker" mapstructure:"worker"`
	Poll   Poll   `json:"poll" yaml:"poll" mapstructure:"poll"`
	Status Status `json:"status" yaml:"status" mapstructure:"status"`
	Log    Log    `json:"log" yaml:"log" mapstructure:"log"`
	Build  Build  `json:"build" yaml:"build" mapstructure:"build"`
	Nmap   Nmap   `json:"nmap" yaml:"nmap" mapstructure:"nmap"`
}

// Engine is the address and credentials of the workflow engine
type Engine struct {
	Address   URL           `json:"address" yaml:"address" mapstructure:"address"`
	BasicAuth BasicAuth     `json:"basic_auth" yaml:"basic_auth" mapstructure:"basic_auth"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

// BasicAuth is used when both user and password are set
type BasicAuth struct {
	User     string `json:"user" yaml:"user" mapstructure:"user"`
	Password string `json:"password" yaml:"password" mapstructure:"password"`
}

func (a BasicAuth) Enabled() bool {
	return a.User != "" && a.Password != ""
}

type Worker struct {
	Name  string `json:"name" yaml:"name" mapstructure:"name"`
	Topic string `json:"topic" yaml:"topic" mapstructure:"topic"`
}

// Poll configures how often the engine is asked for a job. Cron takes
// precedence over Interval. Zero Timeout means the executor runs unbounded.
type Poll struct {
	Interval time.Duration `json:"interval" yaml:"interval" mapstructure:"interval"`
	Cron     string        `json:"cron" yaml:"cron" mapstructure:"cron"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

type Status struct {
	Enabled bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Addr    TCPAddr `json:"addr" yaml:"addr" mapstructure:"addr"`
}

type Log struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`
	Format string `json:"format" yaml:"format" mapstructure:"format"`
}

// Build identifies the deployed worker in the status document
type Build struct {
	CommitID      string `json:"commit_id" yaml:"commit_id" mapstructure:"commit_id"`
	RepositoryURL string `json:"repository_url" yaml:"repository_url" mapstructure:"repository_url"`
	Branch        string `json:"branch" yaml:"branch" mapstructure:"branch"`
}

type Nmap struct {
	Binary      string `json:"binary" yaml:"binary" mapstructure:"binary"`
	Parallelism int    `json:"parallelism" yaml:"parallelism" mapstructure:"parallelism"`
}

// environment variables recognized on top of the config file
var envBindings = map[string]string{
	"engine.address":             "ENGINE_ADDRESS",
	"engine.basic_auth.user":     "ENGINE_BASIC_AUTH_USER",
	"engine.basic_auth.password": "ENGINE_BASIC_AUTH_PASSWORD",
	"engine.timeout":             "ENGINE_TIMEOUT",
	"worker.name":                "WORKER_NAME",
	"worker.topic":               "WORKER_TOPIC",
	"poll.interval":              "POLLING_INTERVAL",
	"poll.cron":                  "POLLING_CRON",
	"poll.timeout":               "JOB_TIMEOUT",
	"status.enabled":             "STATUS_ENABLED",
	"status.addr":                "STATUS_ADDR",
	"log.level":                  "LOG_LEVEL",
	"log.format":                 "LOG_FORMAT",
	"build.commit_id":            "BUILD_COMMIT_ID",
	"build.repository_url":       "BUILD_REPOSITORY_URL",
	"build.branch":               "BUILD_BRANCH",
	"nmap.binary":                "NMAP_BINARY",
	"nmap.parallelism":           "NMAP_PARALLELISM",
}

func defaults(v *viper.Viper) {
	v.SetDefault("engine.address", "http://localhost:8080")
	v.SetDefault("engine.basic_auth.user", "")
	v.SetDefault("engine.basic_auth.password", "")
	v.SetDefault("engine.timeout", "30s")
	v.SetDefault("worker.name", "nmap")
	v.SetDefault("worker.topic", "nmap_portscan")
	v.SetDefault("poll.interval", "1s")
	v.SetDefault("poll.cron", "")
	v.SetDefault("poll.timeout", "0s")
	v.SetDefault("status.enabled", true)
	v.SetDefault("status.addr", ":3000")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", LogFormatJSON)
	v.SetDefault("build.commit_id", vcsRevision())
	v.SetDefault("build.repository_url", Unknown)
	v.SetDefault("build.branch", Unknown)
	v.SetDefault("nmap.binary", "")
	v.SetDefault("nmap.parallelism", 1)
}

// DefaultConfig returns a configuration with no file and no environment
// applied.
func DefaultConfig() Config {
	v := viper.New()
	defaults(v)
	cfg, err := decode(v)
	if err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

// LoadConfig reads YAML config from r (which can be nil), applies
// environment overrides and validates the result against CUE schema.
func LoadConfig(r io.Reader) (Config, error) {
	v := viper.New()
	defaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if r != nil {
		v.SetConfigType("yaml")
		if err := v.ReadConfig(r); err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			durationHook,
			mapstructure.TextUnmarshallerHookFunc(),
		),
	))
	if err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// Validate unifies the configuration with the CUE schema
func (c Config) Validate() error {
	value := cueCtx.Encode(c)
	if err := value.Err(); err != nil {
		return err
	}
	unified := schema.Unify(value)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return err
	}
	if c.Poll.Cron != "" {
		if _, err := ParseCron(c.Poll.Cron); err != nil {
			return fmt.Errorf("poll.cron: %w", err)
		}
	}
	return nil
}

// Redacted returns a copy safe to be printed or logged
func (c Config) Redacted() Config {
	ret := c
	ret.Engine.Address = c.Engine.Address.Clone()
	if ret.Engine.BasicAuth.Password != "" {
		ret.Engine.BasicAuth.Password = redacted
	}
	return ret
}

// AsYAML encodes the configuration in a form accepted by LoadConfig
func (c Config) AsYAML(w io.Writer) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	_, err := io.Copy(w, &buf)
	return err
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Unknown
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && strings.TrimSpace(s.Value) != "" {
			return s.Value
		}
	}
	return Unknown
}
