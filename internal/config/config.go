// Package config loads deployhook settings.
//
// Precedence, lowest first: built-in defaults, the YAML settings file, a
// .env file, the process environment, and finally command-line flags
// (applied by the caller).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"deployhook/internal/deployment"
	"deployhook/internal/rules"
	"deployhook/internal/security"
	"deployhook/internal/server"
	"deployhook/pkg/cmdutil"
	"deployhook/pkg/fileutil"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FileName is the settings file searched for in the default locations.
const FileName = "deployhook.yaml"

// Sync backends.
const (
	BackendGit   = "git"
	BackendGoGit = "go-git"
)

// Environment variables read by ApplyEnv.
const (
	EnvPort            = "WEBHOOK_PORT"
	EnvSecret          = "WEBHOOK_SECRET"
	EnvWebhookPath     = "WEBHOOK_PATH"
	EnvHost            = "DEPLOYHOOK_HOST"
	EnvHealthPath      = "DEPLOYHOOK_HEALTH_PATH"
	EnvRulesFile       = "DEPLOYHOOK_RULES_FILE"
	EnvReposDir        = "DEPLOYHOOK_REPOS_DIR"
	EnvDeployCommand   = "DEPLOYHOOK_DEPLOY_COMMAND"
	EnvSyncBackend     = "DEPLOYHOOK_SYNC_BACKEND"
	EnvLogFile         = "DEPLOYHOOK_LOG_FILE"
	EnvMaxConcurrent   = "DEPLOYHOOK_MAX_CONCURRENT"
	EnvRateLimit       = "DEPLOYHOOK_RATE_LIMIT"
	EnvMaxPayloadBytes = "DEPLOYHOOK_MAX_PAYLOAD_BYTES"
	EnvSyncTimeout     = "DEPLOYHOOK_SYNC_TIMEOUT"
	EnvDeployTimeout   = "DEPLOYHOOK_DEPLOY_TIMEOUT"
	EnvCloneHosts      = "DEPLOYHOOK_CLONE_HOSTS"
)

// Settings is the complete runtime configuration.
type Settings struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Secret          string        `yaml:"secret"`
	WebhookPath     string        `yaml:"webhook_path"`
	HealthPath      string        `yaml:"health_path"`
	RulesFile       string        `yaml:"rules_file"`
	ReposDir        string        `yaml:"repos_dir"`
	DeployCommand   string        `yaml:"deploy_command"`
	SyncBackend     string        `yaml:"sync_backend"`
	LogFile         string        `yaml:"log_file"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
	RateLimit       int           `yaml:"rate_limit"`
	MaxPayloadBytes int64         `yaml:"max_payload_bytes"`
	SyncTimeout     time.Duration `yaml:"sync_timeout"`
	DeployTimeout   time.Duration `yaml:"deploy_timeout"`
	CloneHosts      []string      `yaml:"clone_hosts"`
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	return Settings{
		Host:            "0.0.0.0",
		Port:            9000,
		Secret:          security.PlaceholderSecret,
		WebhookPath:     server.DefaultWebhookPath,
		RulesFile:       rules.DefaultFile,
		ReposDir:        deployment.DefaultReposDir,
		DeployCommand:   deployment.DefaultDeployCommand,
		SyncBackend:     BackendGit,
		LogFile:         "~/.deployhook/deployhook.log",
		MaxConcurrent:   deployment.DefaultMaxConcurrent,
		MaxPayloadBytes: server.DefaultMaxPayloadBytes,
	}
}

// Load builds settings from defaults, the settings file at path (or the
// first one found in the default locations when path is empty), and the
// process environment. It returns the settings file actually used, which
// is empty when none was found.
func Load(path string) (*Settings, string, error) {
	settings := Defaults()

	if path == "" {
		path = fileutil.SearchPathsOptional(fileutil.DefaultConfigPaths(FileName))
	}

	if path != "" {
		if err := settings.LoadFile(path); err != nil {
			return nil, "", err
		}
	}

	if err := settings.ApplyEnv(os.LookupEnv); err != nil {
		return nil, "", err
	}

	return &settings, path, nil
}

// LoadDotEnv loads KEY=value pairs from a .env file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if !fileutil.FileExists(path) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// LoadFile overlays the YAML settings file at path. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func (s *Settings) LoadFile(path string) error {
	data, err := os.ReadFile(fileutil.ExpandHome(path))
	if err != nil {
		return fmt.Errorf("failed to read settings file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}

	return nil
}

// ApplyEnv overlays every environment variable that lookup reports as set
// and non-empty.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return "", false
		}
		return v, true
	}

	strs := []struct {
		key string
		dst *string
	}{
		{EnvSecret, &s.Secret},
		{EnvWebhookPath, &s.WebhookPath},
		{EnvHost, &s.Host},
		{EnvHealthPath, &s.HealthPath},
		{EnvRulesFile, &s.RulesFile},
		{EnvReposDir, &s.ReposDir},
		{EnvDeployCommand, &s.DeployCommand},
		{EnvSyncBackend, &s.SyncBackend},
		{EnvLogFile, &s.LogFile},
	}
	for _, e := range strs {
		if v, ok := get(e.key); ok {
			*e.dst = v
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{EnvPort, &s.Port},
		{EnvMaxConcurrent, &s.MaxConcurrent},
		{EnvRateLimit, &s.RateLimit},
	}
	for _, e := range ints {
		if v, ok := get(e.key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: invalid integer %q", e.key, v)
			}
			*e.dst = n
		}
	}

	if v, ok := get(EnvMaxPayloadBytes); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", EnvMaxPayloadBytes, v)
		}
		s.MaxPayloadBytes = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{EnvSyncTimeout, &s.SyncTimeout},
		{EnvDeployTimeout, &s.DeployTimeout},
	}
	for _, e := range durations {
		if v, ok := get(e.key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: invalid duration %q", e.key, v)
			}
			*e.dst = d
		}
	}

	if v, ok := get(EnvCloneHosts); ok {
		var hosts []string
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hosts = append(hosts, h)
			}
		}
		s.CloneHosts = hosts
	}

	return nil
}

// Validate reports every invalid setting at once.
func (s *Settings) Validate() error {
	var errs []string

	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("  - port: %d is out of range (1-65535)", s.Port))
	}
	if s.Secret == "" {
		errs = append(errs, "  - secret: must not be empty")
	}
	if !strings.HasPrefix(s.WebhookPath, "/") {
		errs = append(errs, fmt.Sprintf("  - webhook_path: %q must start with '/'", s.WebhookPath))
	}
	if s.HealthPath != "" {
		if !strings.HasPrefix(s.HealthPath, "/") {
			errs = append(errs, fmt.Sprintf("  - health_path: %q must start with '/'", s.HealthPath))
		} else if s.HealthPath == s.WebhookPath {
			errs = append(errs, "  - health_path: must differ from webhook_path")
		}
	}
	if s.RulesFile == "" {
		errs = append(errs, "  - rules_file: must not be empty")
	}
	if s.ReposDir == "" {
		errs = append(errs, "  - repos_dir: must not be empty")
	}
	if _, err := cmdutil.ParseCommandString(s.DeployCommand); err != nil {
		errs = append(errs, fmt.Sprintf("  - deploy_command: %v", err))
	}
	if s.SyncBackend != BackendGit && s.SyncBackend != BackendGoGit {
		errs = append(errs, fmt.Sprintf("  - sync_backend: %q is not one of %q, %q", s.SyncBackend, BackendGit, BackendGoGit))
	}
	if s.MaxConcurrent < 0 {
		errs = append(errs, "  - max_concurrent: must not be negative")
	}
	if s.RateLimit < 0 {
		errs = append(errs, "  - rate_limit: must not be negative")
	}
	if s.MaxPayloadBytes < 0 {
		errs = append(errs, "  - max_payload_bytes: must not be negative")
	}
	if s.SyncTimeout < 0 || s.DeployTimeout < 0 {
		errs = append(errs, "  - timeouts: must not be negative (0 means no timeout)")
	}
	for _, h := range s.CloneHosts {
		if h == "" || strings.ContainsAny(h, "/@ ") {
			errs = append(errs, fmt.Sprintf("  - clone_hosts: %q is not a bare host name", h))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

// SecretWarning returns a non-nil error when the webhook secret is the
// placeholder or too weak. The server still starts; callers log it.
func (s *Settings) SecretWarning() error {
	return security.ValidateSecret(s.Secret)
}
