package config

// loader.go - configuration loading from environment variables and the
// secrets file.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (LoadFromEnv)
//   3. Secrets file profile  (LoadSecrets + Profile.Apply)
//   4. Defaults   (defaults.go)

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	ncerr "wtunnel/internal/errors"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the WTUNNEL_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  Durations accept a
// Go duration ("1m30s") or a plain number of seconds.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.
func LoadFromEnv(cfg *Config) error {
	if v := os.Getenv("WTUNNEL_GATEWAY"); v != "" {
		user, host, port, err := ParseTunnelSpec(v)
		if err != nil {
			return fmt.Errorf("WTUNNEL_GATEWAY: %w", err)
		}
		if user != "" {
			cfg.User = user
		}
		cfg.Host = host
		cfg.Port = port
	}
	if v := os.Getenv("WTUNNEL_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv("WTUNNEL_HOST"); v != "" {
		cfg.Host = v
	}
	if v := envInt("WTUNNEL_PORT"); v > 0 {
		cfg.Port = v
	}
	if v := os.Getenv("WTUNNEL_PROXY"); v != "" {
		cfg.Proxy = v
	}

	// Credentials
	if v := os.Getenv("WTUNNEL_IDENTITY"); v != "" {
		cfg.IdentityFile = v
	}
	if envBool("WTUNNEL_SSH_AGENT") {
		cfg.UseAgent = true
	}
	if envBool("WTUNNEL_SSH_PASSWORD") {
		cfg.PromptPassword = true
	}

	// Host keys
	if v := os.Getenv("WTUNNEL_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}
	if v := os.Getenv("WTUNNEL_HOST_KEY_POLICY"); v != "" {
		cfg.HostKeyPolicy = strings.ToLower(v)
	}
	if v := os.Getenv("WTUNNEL_FINGERPRINTS"); v != "" {
		cfg.Fingerprints = splitList(v)
	}

	// Forward
	if v := os.Getenv("WTUNNEL_LOCAL_HOST"); v != "" {
		cfg.LocalHost = v
	}
	if v := envInt("WTUNNEL_LOCAL_PORT"); v > 0 {
		cfg.LocalPort = v
	}
	if v := os.Getenv("WTUNNEL_REMOTE_HOST"); v != "" {
		cfg.RemoteHost = v
	}
	if v := envInt("WTUNNEL_REMOTE_PORT"); v > 0 {
		cfg.RemotePort = v
	}

	// Lifecycle
	for key, dst := range map[string]*time.Duration{
		"WTUNNEL_TIMEOUT":   &cfg.Timeout,
		"WTUNNEL_KEEPALIVE": &cfg.KeepAlive,
		"WTUNNEL_DRAIN":     &cfg.Drain,
	} {
		d, ok, err := envDuration(key)
		if err != nil {
			return err
		}
		if ok {
			*dst = d
		}
	}
	if v := os.Getenv("WTUNNEL_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WTUNNEL_RETRIES: invalid number %q", v)
		}
		cfg.Retries = n
	}

	// Sources
	if v := os.Getenv("WTUNNEL_SECRETS"); v != "" {
		cfg.SecretsPath = v
	}
	if v := os.Getenv("WTUNNEL_PROFILE"); v != "" {
		cfg.Profile = v
	}

	// Output
	if v := envInt("WTUNNEL_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
	if envBool("WTUNNEL_METRICS") {
		cfg.Metrics = true
	}
	return nil
}

// ── Secrets file ─────────────────────────────────────────────────────
//
// The secrets file is a YAML (or JSON) mapping of names to values.
// Tunnel profiles are mappings with at least a host:
//
//	staging:
//	  user: deploy
//	  host: 10.0.0.7
//	  key: ~/.ssh/id_staging
//	  remote_port: 8090
//
// Other top-level keys are ignored until requested with Get.

// DefaultSecretsPath returns ~/.theseus.secrets.
func DefaultSecretsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, DefaultSecretsFile), nil
}

// Secrets is a parsed secrets file.
type Secrets struct {
	path    string
	entries map[string]yaml.Node
}

// LoadSecrets parses the secrets file at path.
func LoadSecrets(path string) (*Secrets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	entries := map[string]yaml.Node{}
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing secrets file %s: %w", path, err)
	}
	return &Secrets{path: path, entries: entries}, nil
}

// Keys lists the top-level names, sorted.
func (s *Secrets) Keys() []string {
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get decodes the value stored under key into out.
func (s *Secrets) Get(key string, out interface{}) error {
	node, ok := s.entries[key]
	if !ok {
		return &ncerr.ConfigError{Field: "profile", Value: key,
			Message: "not found in " + s.path,
			Hint:    "available: " + strings.Join(s.Keys(), ", ")}
	}
	if err := node.Decode(out); err != nil {
		return fmt.Errorf("secrets %q: %w", key, err)
	}
	return nil
}

// Profile is one tunnel entry of the secrets file.
type Profile struct {
	User          string   `yaml:"user"`
	Username      string   `yaml:"username"` // older files use this name
	Host          string   `yaml:"host"`
	Port          int      `yaml:"port"`
	Proxy         string   `yaml:"proxy"`
	Key           string   `yaml:"key"`
	Password      string   `yaml:"password"`
	Agent         bool     `yaml:"agent"`
	KnownHosts    string   `yaml:"known_hosts"`
	HostKeyPolicy string   `yaml:"host_key_policy"`
	Fingerprints  []string `yaml:"fingerprints"`
	LocalHost     string   `yaml:"local_host"`
	LocalPort     int      `yaml:"local_port"`
	RemoteHost    string   `yaml:"remote_host"`
	RemotePort    int      `yaml:"remote_port"`
}

// Profile decodes the named tunnel profile.
func (s *Secrets) Profile(name string) (Profile, error) {
	var p Profile
	if err := s.Get(name, &p); err != nil {
		return Profile{}, err
	}
	if p.Host == "" {
		return Profile{}, &ncerr.ConfigError{Field: "profile", Value: name,
			Message: "entry has no host"}
	}
	return p, nil
}

// Apply overlays the profile's non-zero fields onto cfg.
func (p Profile) Apply(cfg *Config) {
	if p.User != "" {
		cfg.User = p.User
	} else if p.Username != "" {
		cfg.User = p.Username
	}
	cfg.Host = p.Host
	if p.Port != 0 {
		cfg.Port = p.Port
	}
	if p.Proxy != "" {
		cfg.Proxy = p.Proxy
	}
	if p.Key != "" {
		cfg.IdentityFile = expandHome(p.Key)
	}
	if p.Password != "" {
		cfg.Password = p.Password
	}
	if p.Agent {
		cfg.UseAgent = true
	}
	if p.KnownHosts != "" {
		cfg.KnownHostsPath = expandHome(p.KnownHosts)
	}
	if p.HostKeyPolicy != "" {
		cfg.HostKeyPolicy = strings.ToLower(p.HostKeyPolicy)
	}
	if len(p.Fingerprints) > 0 {
		cfg.Fingerprints = p.Fingerprints
	}
	if p.LocalHost != "" {
		cfg.LocalHost = p.LocalHost
	}
	if p.LocalPort != 0 {
		cfg.LocalPort = p.LocalPort
	}
	if p.RemoteHost != "" {
		cfg.RemoteHost = p.RemoteHost
	}
	if p.RemotePort != 0 {
		cfg.RemotePort = p.RemotePort
	}
}

// LoadProfile reads cfg.SecretsPath (or the default path) and applies
// cfg.Profile.  Without a profile it does nothing.
func LoadProfile(cfg *Config) error {
	if cfg.Profile == "" {
		return nil
	}
	path := cfg.SecretsPath
	if path == "" {
		p, err := DefaultSecretsPath()
		if err != nil {
			return err
		}
		path = p
	}
	s, err := LoadSecrets(path)
	if err != nil {
		return err
	}
	p, err := s.Profile(cfg.Profile)
	if err != nil {
		return err
	}
	p.Apply(cfg)
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func envDuration(key string) (time.Duration, bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return secondsDuration(n), true, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, true, nil
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
