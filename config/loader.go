package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// SourceType identifies where a configuration value came from
type SourceType string

const (
	SourceDefault SourceType = "default"
	SourceEnv     SourceType = "env"
	SourceFlag    SourceType = "flag"
)

// EnvMapping binds environment variable names to a configuration path.
// Names are listed in precedence order; the first set one wins.
type EnvMapping struct {
	Path  string
	Names []string
}

// EnvMappings lists every recognised environment variable
var EnvMappings = []EnvMapping{
	{Path: "backend_topic", Names: []string{"backendTopic", "BACKEND_TOPIC"}},
	{Path: "response_topic", Names: []string{"responseTopic", "RESPONSE_TOPIC"}},
	{Path: "response_sub_base", Names: []string{"responseSubBase", "RESPONSE_SUB_BASE"}},
	{Path: "instance_id", Names: []string{"myPodId", "MY_POD_ID"}},
	{Path: "port", Names: []string{"PORT"}},
	{Path: "mode", Names: []string{"BRIDGE_MODE"}},
	{Path: "wait_timeout", Names: []string{"WAIT_TIMEOUT"}},
	{Path: "redelivery_delay", Names: []string{"REDELIVERY_DELAY"}},
	{Path: "concurrent_waits", Names: []string{"CONCURRENT_WAITS"}},
	{Path: "warmup", Names: []string{"WARMUP"}},
	{Path: "broker.kind", Names: []string{"BROKER"}},
	{Path: "broker.url", Names: []string{"BROKER_URL"}},
	{Path: "broker.nats_stream", Names: []string{"NATS_STREAM"}},
	{Path: "broker.queue_expiry", Names: []string{"QUEUE_EXPIRY"}},
	{Path: "broker.declare_topics", Names: []string{"DECLARE_TOPICS"}},
	{Path: "shutdown.budget", Names: []string{"SHUTDOWN_BUDGET"}},
	{Path: "shutdown.drain", Names: []string{"SHUTDOWN_DRAIN"}},
	{Path: "log.level", Names: []string{"LOG_LEVEL"}},
	{Path: "log.format", Names: []string{"LOG_FORMAT"}},
}

// Loader merges defaults, the environment and overrides into a validated Config
type Loader struct {
	environ    func() []string
	instanceID func() string
	validate   *validator.Validate

	koanf   *koanf.Koanf
	sources map[string]SourceType
}

// LoaderOption configures a Loader
type LoaderOption func(*Loader)

// WithEnviron replaces os.Environ as the environment source
func WithEnviron(environ func() []string) LoaderOption {
	return func(l *Loader) {
		l.environ = environ
	}
}

// WithInstanceIDFunc replaces the random instance id generator
func WithInstanceIDFunc(fn func() string) LoaderOption {
	return func(l *Loader) {
		l.instanceID = fn
	}
}

// NewLoader creates a configuration loader
func NewLoader(options ...LoaderOption) *Loader {
	l := &Loader{
		environ:    os.Environ,
		instanceID: NewInstanceID,
		validate:   validator.New(),
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// Load builds the configuration. Overrides are keyed by configuration path
// ("broker.url") and take precedence over the environment.
func (l *Loader) Load(overrides map[string]any) (*Config, error) {
	l.koanf = koanf.New(".")
	l.sources = make(map[string]SourceType)

	if err := l.koanf.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	for _, key := range l.koanf.Keys() {
		l.sources[key] = SourceDefault
	}

	if err := l.loadEnvironment(); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := l.koanf.Set(key, overrides[key]); err != nil {
			return nil, fmt.Errorf("failed to apply override %s: %w", key, err)
		}
		l.sources[key] = SourceFlag
	}

	var cfg Config
	if err := l.koanf.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &cfg,
			TagName:          "koanf",
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = l.instanceID()
	}

	if err := l.Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadEnvironment applies aliases from lowest to highest precedence so the
// preferred name wins when several are set
func (l *Loader) loadEnvironment() error {
	depth := 0
	for _, m := range EnvMappings {
		depth = max(depth, len(m.Names))
	}

	for rank := depth - 1; rank >= 0; rank-- {
		lookup := make(map[string]string)
		for _, m := range EnvMappings {
			if rank < len(m.Names) {
				lookup[m.Names[rank]] = m.Path
			}
		}

		if err := l.koanf.Load(env.Provider(".", env.Opt{
			EnvironFunc: l.environ,
			TransformFunc: func(key, value string) (string, any) {
				path, ok := lookup[key]
				if !ok || value == "" {
					return "", nil
				}
				l.sources[path] = SourceEnv
				return path, value
			},
		}), nil); err != nil {
			return fmt.Errorf("failed to load environment variables: %w", err)
		}
	}
	return nil
}

// Source reports where a configuration path got its value
func (l *Loader) Source(path string) SourceType {
	if s, ok := l.sources[path]; ok {
		return s
	}
	return SourceDefault
}

// Validate checks struct constraints and cross-field rules
func (l *Loader) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}

	if err := l.validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Mode == "forward" && cfg.BackendTopic == cfg.ResponseTopic {
		return fmt.Errorf("invalid configuration: backend and response topics must differ")
	}
	return nil
}

// LoadEnvFile loads a dotenv file into the process environment without
// overriding variables that are already set
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Load reads the configuration from the process environment
func Load() (*Config, error) {
	return NewLoader().Load(nil)
}
