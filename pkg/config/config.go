// Copyright 2024-2026 Aiku AI

// Package config loads the relay configuration file.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

var (
	ErrUnknownKind    = errors.New("unknown account kind")
	ErrUnknownAccount = errors.New("unknown account")
	ErrUnknownRoom    = errors.New("unknown room")
	ErrSelfLink       = errors.New("relay links a room to itself")
	ErrDuplicateRoom  = errors.New("duplicate room")
	ErrDuplicateRelay = errors.New("duplicate relay")
	ErrMissingField   = errors.New("missing required field")
	ErrInvalidRelay   = errors.New("relay must name exactly two rooms")
	ErrInvalidTLS     = errors.New("tls must be starttls, direct or none")
)

// AccountKind selects the connector implementation of an account.
type AccountKind string

const (
	KindXMPP   AccountKind = "xmpp"
	KindSocial AccountKind = "social"
	KindMatrix AccountKind = "matrix"
)

// Account holds the credentials of one chat account. Which fields apply
// depends on Kind.
type Account struct {
	Kind AccountKind `yaml:"kind"`

	// xmpp
	JID      string `yaml:"jid"`
	Host     string `yaml:"host"`
	Resource string `yaml:"resource"`
	// TLS is one of starttls (default), direct or none.
	TLS                string `yaml:"tls"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`

	// social
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	Login     string `yaml:"login"`

	// matrix
	HomeserverURL string `yaml:"homeserver_url"`
	UserID        string `yaml:"user_id"`
	AccessToken   string `yaml:"access_token"`
	MediaURL      string `yaml:"media_url"`

	// xmpp and social
	Password string `yaml:"password"`
}

// Room is one room on an account.
type Room struct {
	Account string `yaml:"account"`
	ID      string `yaml:"id"`
	// Nick is the MUC nickname for XMPP rooms. Defaults to the JID
	// localpart.
	Nick string `yaml:"nick"`
}

// Config is the whole configuration file.
type Config struct {
	AdminAPIAddr string `yaml:"admin_api_addr"`
	SessionDir   string `yaml:"session_dir"`
	TempDir      string `yaml:"temp_dir"`
	// MaxUploadSize is the largest image re-hosted into XMPP, in bytes.
	MaxUploadSize int64 `yaml:"max_upload_size"`

	IQTimeout   time.Duration `yaml:"iq_timeout"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	ImageLookupRetries int           `yaml:"image_lookup_retries"`
	ImageLookupDelay   time.Duration `yaml:"image_lookup_delay"`

	Accounts map[string]*Account `yaml:"accounts"`
	Rooms    map[string]*Room    `yaml:"rooms"`
	Relays   [][]string          `yaml:"relays"`

	Logging zeroconfig.Config `yaml:"logging"`
}

// Load reads, post-processes and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data, os.LookupEnv)
}

// Parse decodes data and applies environment overrides looked up with
// lookupEnv, defaults and validation.
func Parse(data []byte, lookupEnv func(string) (string, bool)) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if lookupEnv != nil {
		cfg.ApplyEnv(lookupEnv)
	}
	cfg.PostProcess()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// EnvPrefix returns the prefix of environment overrides for an account,
// e.g. CHATRELAY_MY_TEAM_ for "my-team".
func EnvPrefix(account string) string {
	var b strings.Builder
	b.WriteString("CHATRELAY_")
	for _, r := range strings.ToUpper(account) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	b.WriteByte('_')
	return b.String()
}

// ApplyEnv overrides account secrets from CHATRELAY_<ACCOUNT>_PASSWORD and
// CHATRELAY_<ACCOUNT>_TOKEN.
func (c *Config) ApplyEnv(lookupEnv func(string) (string, bool)) {
	for name, acc := range c.Accounts {
		if acc == nil {
			continue
		}
		prefix := EnvPrefix(name)
		if v, ok := lookupEnv(prefix + "PASSWORD"); ok {
			acc.Password = v
		}
		if v, ok := lookupEnv(prefix + "TOKEN"); ok {
			if acc.Kind == KindMatrix {
				acc.AccessToken = v
			} else {
				acc.Token = v
			}
		}
	}
}

// PostProcess fills in defaults.
func (c *Config) PostProcess() {
	if c.IQTimeout <= 0 {
		c.IQTimeout = 30 * time.Second
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 2 * time.Minute
	}
	if c.MaxUploadSize <= 0 {
		c.MaxUploadSize = 100 << 20
	}
	if c.SessionDir == "" {
		c.SessionDir = "."
	}
	if c.ImageLookupRetries < 0 {
		c.ImageLookupRetries = 0
	}
	if len(c.Logging.Writers) == 0 {
		c.Logging.Writers = []zeroconfig.WriterConfig{{
			Type:   zeroconfig.WriterTypeStdout,
			Format: zeroconfig.LogFormatPrettyColored,
		}}
	}
	if c.Logging.MinLevel == nil {
		lvl := zerolog.InfoLevel
		c.Logging.MinLevel = &lvl
	}
	for _, acc := range c.Accounts {
		if acc != nil && acc.Kind == KindXMPP && acc.TLS == "" {
			acc.TLS = "starttls"
		}
	}
	for _, room := range c.Rooms {
		if room == nil || room.Nick != "" {
			continue
		}
		if acc := c.Accounts[room.Account]; acc != nil && acc.Kind == KindXMPP {
			room.Nick = localpart(acc.JID)
		}
	}
}

func localpart(jid string) string {
	if idx := strings.IndexByte(jid, '@'); idx >= 0 {
		return jid[:idx]
	}
	return jid
}

// SessionFile returns where the session of account is stored.
func (c *Config) SessionFile(account string) string {
	return filepath.Join(c.SessionDir, account+".session")
}

// Validate reports the first configuration error that would make startup
// fail.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("%w: accounts", ErrMissingField)
	}
	for _, name := range slices.Sorted(maps.Keys(c.Accounts)) {
		if err := c.Accounts[name].validate(); err != nil {
			return fmt.Errorf("account %q: %w", name, err)
		}
	}

	type nativeKey struct{ account, id string }
	seen := make(map[nativeKey]string, len(c.Rooms))
	for _, key := range slices.Sorted(maps.Keys(c.Rooms)) {
		room := c.Rooms[key]
		if room == nil || room.ID == "" {
			return fmt.Errorf("room %q: %w: id", key, ErrMissingField)
		}
		acc, ok := c.Accounts[room.Account]
		if !ok {
			return fmt.Errorf("room %q: %w %q", key, ErrUnknownAccount, room.Account)
		}
		id := room.ID
		if acc.Kind == KindXMPP {
			id = strings.ToLower(id)
			if room.Nick == "" {
				return fmt.Errorf("room %q: %w: nick", key, ErrMissingField)
			}
		}
		nk := nativeKey{room.Account, id}
		if other, dup := seen[nk]; dup {
			return fmt.Errorf("rooms %q and %q: %w %s on %s", other, key, ErrDuplicateRoom, room.ID, room.Account)
		}
		seen[nk] = key
	}

	pairs := make(map[[2]string]bool, len(c.Relays))
	for i, pair := range c.Relays {
		if len(pair) != 2 {
			return fmt.Errorf("relay %d: %w", i, ErrInvalidRelay)
		}
		for _, key := range pair {
			if _, ok := c.Rooms[key]; !ok {
				return fmt.Errorf("relay %d: %w %q", i, ErrUnknownRoom, key)
			}
		}
		if pair[0] == pair[1] {
			return fmt.Errorf("relay %d: %w: %s", i, ErrSelfLink, pair[0])
		}
		norm := [2]string{pair[0], pair[1]}
		if norm[0] > norm[1] {
			norm[0], norm[1] = norm[1], norm[0]
		}
		if pairs[norm] {
			return fmt.Errorf("relay %d: %w: %s <-> %s", i, ErrDuplicateRelay, pair[0], pair[1])
		}
		pairs[norm] = true
	}
	return nil
}

func (a *Account) validate() error {
	if a == nil {
		return fmt.Errorf("%w: kind", ErrMissingField)
	}
	var missing []string
	switch a.Kind {
	case KindXMPP:
		if a.JID == "" {
			missing = append(missing, "jid")
		}
		if a.Password == "" {
			missing = append(missing, "password")
		}
		switch a.TLS {
		case "", "starttls", "direct", "none":
		default:
			return fmt.Errorf("%w: %q", ErrInvalidTLS, a.TLS)
		}
	case KindSocial:
		if a.ServerURL == "" {
			missing = append(missing, "server_url")
		}
		if a.Token == "" && (a.Login == "" || a.Password == "") {
			missing = append(missing, "token or login+password")
		}
	case KindMatrix:
		if a.HomeserverURL == "" {
			missing = append(missing, "homeserver_url")
		}
		if a.UserID == "" {
			missing = append(missing, "user_id")
		}
		if a.AccessToken == "" {
			missing = append(missing, "access_token")
		}
	default:
		return fmt.Errorf("%w %q", ErrUnknownKind, a.Kind)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}
	return nil
}
