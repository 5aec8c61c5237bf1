// Package config loads connection profiles and load job definitions.
//
// Both are YAML. Profiles live in their own file so credentials can be kept
// out of job definitions and shared between jobs.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"bulkload/internal/loaderr"
	"bulkload/internal/storage"
)

// ErrConfigNotFound is returned (wrapped) when a config file does not exist.
// Callers can check for this with errors.Is(err, config.ErrConfigNotFound).
var ErrConfigNotFound = errors.New("config file not found")

// Profile is one named connection descriptor.
type Profile struct {
	Kind        string      `yaml:"kind"`
	Host        string      `yaml:"host"`
	Port        int         `yaml:"port"`
	User        string      `yaml:"user"`
	Password    string      `yaml:"password"`
	DBName      string      `yaml:"dbname"`
	SSLMode     string      `yaml:"sslmode"`
	Path        string      `yaml:"path"`
	DSN         string      `yaml:"dsn"`
	MaxSessions int         `yaml:"max_sessions"`
	Auth        AuthProfile `yaml:"auth"`
}

type AuthProfile struct {
	Provider     string `yaml:"provider"`
	Region       string `yaml:"region"`
	Instance     string `yaml:"instance"`
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// DefaultRequiredKeys lists, per kind, the keys a profile must carry when the
// caller does not supply its own list. A profile with a dsn key needs nothing else.
var DefaultRequiredKeys = map[string][]string{
	"postgres": {"host", "dbname", "user"},
	"mssql":    {"host", "dbname", "user"},
	"sqlite":   {"path"},
}

// LoadProfile reads the profiles file at path and returns the profile called name.
//
// Edge cases:
//   - kind defaults to "postgres".
//   - required == nil uses DefaultRequiredKeys for the profile's kind.
//   - String values are expanded with os.ExpandEnv after decoding.
//
// Errors (all ConfigError):
//   - the file does not exist (wraps ErrConfigNotFound)
//   - the YAML does not parse
//   - name is not a top-level key
//   - a required key is missing
func LoadProfile(path, name string, required []string) (Profile, error) {
	const op = "config.LoadProfile"

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Profile{}, loaderr.E(loaderr.KindConfig, op, fmt.Errorf("%s: %w", path, ErrConfigNotFound))
		}
		return Profile{}, loaderr.E(loaderr.KindConfig, op, err)
	}

	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Profile{}, loaderr.E(loaderr.KindConfig, op, fmt.Errorf("parse %s: %w", path, err))
	}
	node, ok := doc[name]
	if !ok {
		return Profile{}, loaderr.Errorf(loaderr.KindConfig, op, "profile %q not found in %s", name, path)
	}

	var keys map[string]any
	if err := node.Decode(&keys); err != nil {
		return Profile{}, loaderr.E(loaderr.KindConfig, op, fmt.Errorf("profile %q: %w", name, err))
	}
	var p Profile
	if err := node.Decode(&p); err != nil {
		return Profile{}, loaderr.E(loaderr.KindConfig, op, fmt.Errorf("profile %q: %w", name, err))
	}
	if p.Kind == "" {
		p.Kind = "postgres"
	}
	p.expand()

	if required == nil {
		required = DefaultRequiredKeys[p.Kind]
	}
	if _, hasDSN := keys["dsn"]; !hasDSN {
		for _, k := range required {
			if _, ok := keys[k]; !ok {
				return Profile{}, loaderr.Errorf(loaderr.KindConfig, op, "profile %q: key %q not found", name, k)
			}
		}
	}
	return p, nil
}

func (p *Profile) expand() {
	for _, s := range []*string{
		&p.Kind, &p.Host, &p.User, &p.Password, &p.DBName, &p.SSLMode, &p.Path, &p.DSN,
		&p.Auth.Provider, &p.Auth.Region, &p.Auth.Instance, &p.Auth.TenantID, &p.Auth.ClientID, &p.Auth.ClientSecret,
	} {
		*s = os.ExpandEnv(*s)
	}
}

// StorageConfig converts the profile into a storage.Config, building the DSN
// from its parts unless dsn is set.
func (p Profile) StorageConfig() (storage.Config, error) {
	dsn := p.DSN
	if dsn == "" {
		var err error
		if dsn, err = p.buildDSN(); err != nil {
			return storage.Config{}, err
		}
	}
	return storage.Config{
		Kind:        canonicalKind(p.Kind),
		DSN:         dsn,
		MaxSessions: p.MaxSessions,
		Auth: storage.AuthConfig{
			Provider:     p.Auth.Provider,
			Region:       p.Auth.Region,
			Instance:     p.Auth.Instance,
			TenantID:     p.Auth.TenantID,
			ClientID:     p.Auth.ClientID,
			ClientSecret: p.Auth.ClientSecret,
		},
	}, nil
}

func (p Profile) buildDSN() (string, error) {
	switch strings.ToLower(p.Kind) {
	case "postgres", "postgresql":
		u := url.URL{Scheme: "postgres", Host: hostPort(p.Host, p.Port, 5432), Path: "/" + p.DBName}
		u.User = userInfo(p.User, p.Password)
		if p.SSLMode != "" {
			u.RawQuery = url.Values{"sslmode": {p.SSLMode}}.Encode()
		}
		return u.String(), nil

	case "mssql", "sqlserver":
		u := url.URL{Scheme: "sqlserver", Host: hostPort(p.Host, p.Port, 1433)}
		u.User = userInfo(p.User, p.Password)
		if p.DBName != "" {
			u.RawQuery = url.Values{"database": {p.DBName}}.Encode()
		}
		return u.String(), nil

	case "sqlite":
		if p.Path == "" {
			return "", loaderr.Errorf(loaderr.KindConfig, "config.Profile", "sqlite profile needs path")
		}
		return "file:" + p.Path + "?_pragma=busy_timeout(5000)", nil

	default:
		return "", loaderr.Errorf(loaderr.KindConfig, "config.Profile", "unknown kind %q (expected postgres|mssql|sqlite)", p.Kind)
	}
}

// canonicalKind maps kind aliases to the names backends register under.
func canonicalKind(kind string) string {
	switch k := strings.ToLower(strings.TrimSpace(kind)); k {
	case "postgresql":
		return "postgres"
	case "sqlserver":
		return "mssql"
	default:
		return k
	}
}

func hostPort(host string, port, def int) string {
	if port <= 0 {
		port = def
	}
	return host + ":" + strconv.Itoa(port)
}

func userInfo(user, password string) *url.Userinfo {
	switch {
	case user == "":
		return nil
	case password == "":
		return url.User(user)
	default:
		return url.UserPassword(user, password)
	}
}
