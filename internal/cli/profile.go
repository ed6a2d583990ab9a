package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

const (
	defaultBaseURL   = "http://localhost:8080"
	defaultStreamURL = "ws://localhost:8081/v1/stream"
)

// Profile is the CLI's connection and identity settings, kept in
// $HOME/.portalchat.yaml unless --profile says otherwise.
type Profile struct {
	BaseURL       string        `yaml:"base_url" json:"base_url"`
	StreamURL     string        `yaml:"stream_url" json:"stream_url"`
	APIKey        string        `yaml:"api_key" json:"api_key"`
	BackendKey    string        `yaml:"backend_key,omitempty" json:"backend_key,omitempty"`
	Signature     string        `yaml:"signature,omitempty" json:"signature,omitempty"`
	UserID        string        `yaml:"user_id" json:"user_id"`
	UserName      string        `yaml:"user_name" json:"user_name"`
	UserSearchURL string        `yaml:"user_search_url,omitempty" json:"user_search_url,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

func DefaultProfilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".portalchat.yaml"
	}
	return filepath.Join(home, ".portalchat.yaml")
}

// LoadProfile reads path. A missing file yields an empty profile.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Profile{}, nil
		}
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}
	return &p, nil
}

func SaveProfile(p *Profile, path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create profile dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}

// ApplyEnv overrides profile fields with PORTALCHAT_* variables that are set.
func (p *Profile) ApplyEnv() {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&p.BaseURL, "PORTALCHAT_BASE_URL")
	set(&p.StreamURL, "PORTALCHAT_STREAM_URL")
	set(&p.APIKey, "PORTALCHAT_API_KEY")
	set(&p.BackendKey, "PORTALCHAT_BACKEND_KEY")
	set(&p.Signature, "PORTALCHAT_SIGNATURE")
	set(&p.UserID, "PORTALCHAT_USER_ID")
	set(&p.UserName, "PORTALCHAT_USER_NAME")
	set(&p.UserSearchURL, "PORTALCHAT_USER_SEARCH_URL")
}

func (p *Profile) withDefaults() {
	if p.BaseURL == "" {
		p.BaseURL = defaultBaseURL
	}
	if p.StreamURL == "" {
		p.StreamURL = defaultStreamURL
	}
	if p.Timeout <= 0 {
		p.Timeout = 10 * time.Second
	}
}

// MissingFields lists what must be set before connecting.
func (p *Profile) MissingFields() []string {
	var missing []string
	if p.APIKey == "" {
		missing = append(missing, "api_key")
	}
	if p.UserID == "" {
		missing = append(missing, "user_id")
	}
	if p.Signature == "" && p.BackendKey == "" {
		missing = append(missing, "signature or backend_key")
	}
	return missing
}

// Validate checks URLs and required fields.
func (p *Profile) Validate() error {
	if missing := p.MissingFields(); len(missing) > 0 {
		return fmt.Errorf("profile incomplete, missing: %s (run `portalchat-cli login`)", strings.Join(missing, ", "))
	}
	for name, raw := range map[string]string{"base_url": p.BaseURL, "stream_url": p.StreamURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid %s %q", name, raw)
		}
	}
	if u, _ := url.Parse(p.StreamURL); u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("stream_url must use ws:// or wss://, got %q", p.StreamURL)
	}
	return nil
}

// maskKey masks a key for display
func maskKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "***" + key[len(key)-4:]
}
