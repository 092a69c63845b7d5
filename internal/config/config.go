// Package config loads the daemon's TOML configuration file. Relative
// paths in the file resolve against the file's own directory, so a
// deployment tree can be moved as a unit.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/botkeepr/botkeepr/internal/env"
	"github.com/botkeepr/botkeepr/internal/history"
	"github.com/botkeepr/botkeepr/internal/logger"
	"github.com/botkeepr/botkeepr/internal/metrics"
	"github.com/botkeepr/botkeepr/internal/process"
	"github.com/botkeepr/botkeepr/internal/store"
)

// Defaults applied when the file leaves a field unset.
const (
	DefaultName          = "botkeepr"
	DefaultBasePath      = "/api"
	DefaultClientTimeout = 5 * time.Second
	DefaultSocketMode    = os.FileMode(0o600)
)

// Config is the full parsed configuration document.
type Config struct {
	Daemon   Daemon         `mapstructure:"daemon"`
	Server   Server         `mapstructure:"server"`
	Client   Client         `mapstructure:"client"`
	Env      env.Config     `mapstructure:"env"`
	Metrics  Metrics        `mapstructure:"metrics"`
	History  history.Config `mapstructure:"history"`
	Programs []process.Spec `mapstructure:"program"`

	baseDir string
}

// Daemon is the [daemon] section: the supervisor's own identity, pid
// file, operational log and run store.
type Daemon struct {
	Name    string            `mapstructure:"name"`
	PIDFile string            `mapstructure:"pid_file"`
	Log     logger.SlogConfig `mapstructure:"log"`
	Store   store.Config      `mapstructure:"store"`
}

// Server is the [server] section: where the control API listens.
type Server struct {
	BasePath string     `mapstructure:"base_path"`
	Unix     UnixServer `mapstructure:"unix"`
	HTTP     HTTPServer `mapstructure:"http"`
}

// UnixServer is the [server.unix] socket listener.
type UnixServer struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	// Mode is the socket file mode in octal text, e.g. "0660".
	Mode string `mapstructure:"mode"`
	// Owner is a username the socket is chowned to; skipped with a log
	// line when the daemon is not root.
	Owner string `mapstructure:"owner"`
}

// FileMode parses the configured socket mode, DefaultSocketMode when
// unset.
func (u UnixServer) FileMode() (os.FileMode, error) {
	if strings.TrimSpace(u.Mode) == "" {
		return DefaultSocketMode, nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(u.Mode), 8, 32)
	if err != nil {
		return 0, fmt.Errorf("socket mode %q: not octal: %w", u.Mode, err)
	}
	if n > 0o777 {
		return 0, fmt.Errorf("socket mode %q: beyond permission bits", u.Mode)
	}
	return os.FileMode(n), nil
}

// HTTPServer is the [server.http] loopback listener.
type HTTPServer struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Client is the [client] section used by the CLI subcommands.
type Client struct {
	// ServerURL is "unix:///path/to.sock" or "http://host:port". Empty
	// derives the target from the [server] listeners.
	ServerURL string        `mapstructure:"server_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Metrics is the [metrics] section.
type Metrics struct {
	Enabled bool                `mapstructure:"enabled"`
	Listen  string              `mapstructure:"listen"`
	Usage   metrics.UsageConfig `mapstructure:"usage"`
}

// Load reads, defaults, resolves and validates the file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	c.baseDir = filepath.Dir(abs)
	c.applyDefaults()
	c.resolvePaths()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &c, nil
}

// BaseDir is the directory of the loaded file.
func (c *Config) BaseDir() string { return c.baseDir }

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Daemon.Name) == "" {
		c.Daemon.Name = DefaultName
	}
	if strings.TrimSpace(c.Server.BasePath) == "" {
		c.Server.BasePath = DefaultBasePath
	}
	if c.Client.Timeout <= 0 {
		c.Client.Timeout = DefaultClientTimeout
	}
}

func (c *Config) resolvePaths() {
	c.Daemon.PIDFile = c.resolve(c.Daemon.PIDFile)
	c.Daemon.Log.Path = c.resolve(c.Daemon.Log.Path)
	c.Daemon.Store.DSN = c.resolveStoreDSN(c.Daemon.Store.DSN)
	c.Server.Unix.Path = c.resolve(c.Server.Unix.Path)
	c.Env.VenvDir = c.resolve(c.Env.VenvDir)
	for i := range c.Env.Files {
		c.Env.Files[i] = c.resolve(c.Env.Files[i])
	}
	for i := range c.Programs {
		c.Programs[i].WorkDir = c.resolve(c.Programs[i].WorkDir)
		c.Programs[i].PIDFile = c.resolve(c.Programs[i].PIDFile)
		c.Programs[i].Log.Path = c.resolve(c.Programs[i].Log.Path)
		for j := range c.Programs[i].DetectorConfigs {
			c.Programs[i].DetectorConfigs[j].Path = c.resolve(c.Programs[i].DetectorConfigs[j].Path)
		}
	}
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.baseDir, p)
}

// resolveStoreDSN resolves only sqlite file forms; URL-style DSNs and
// :memory: pass through untouched.
func (c *Config) resolveStoreDSN(dsn string) string {
	d := strings.TrimSpace(dsn)
	if d == "" || d == ":memory:" {
		return d
	}
	if rest, ok := strings.CutPrefix(d, "sqlite://"); ok {
		if rest == ":memory:" {
			return d
		}
		return "sqlite://" + c.resolve(rest)
	}
	if strings.Contains(d, "://") {
		return d
	}
	return c.resolve(d)
}

// Validate checks formats and cross-field consistency. Which listeners
// a command actually needs is enforced by the command, not here.
func (c *Config) Validate() error {
	if !process.SafeName(c.Daemon.Name) {
		return fmt.Errorf("[daemon] name %q: letters, digits, '.', '_' and '-' only", c.Daemon.Name)
	}
	if _, err := c.Server.Unix.FileMode(); err != nil {
		return fmt.Errorf("[server.unix]: %w", err)
	}
	if c.Server.Unix.Enabled && strings.TrimSpace(c.Server.Unix.Path) == "" {
		return fmt.Errorf("[server.unix] enabled without a socket path")
	}
	if c.Server.HTTP.Enabled {
		if err := validListen(c.Server.HTTP.Listen); err != nil {
			return fmt.Errorf("[server.http] listen: %w", err)
		}
	}
	if c.Metrics.Enabled {
		if err := validListen(c.Metrics.Listen); err != nil {
			return fmt.Errorf("[metrics] listen: %w", err)
		}
	}
	if c.Client.ServerURL != "" {
		if err := validServerURL(c.Client.ServerURL); err != nil {
			return fmt.Errorf("[client] server_url: %w", err)
		}
	}
	seen := make(map[string]bool, len(c.Programs))
	for i := range c.Programs {
		p := &c.Programs[i]
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate [[program]] name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// Specs returns normalized copies of the configured programs.
func (c *Config) Specs() []process.Spec {
	out := make([]process.Spec, 0, len(c.Programs))
	for i := range c.Programs {
		s := *c.Programs[i].DeepCopy()
		s.Normalize()
		out = append(out, s)
	}
	return out
}

// ServerURL is the control endpoint the CLI should talk to: the
// explicit [client] setting when present, otherwise the unix socket,
// otherwise the HTTP listener.
func (c *Config) ServerURL() string {
	if c.Client.ServerURL != "" {
		return c.Client.ServerURL
	}
	if c.Server.Unix.Enabled && c.Server.Unix.Path != "" {
		return "unix://" + c.Server.Unix.Path
	}
	if c.Server.HTTP.Enabled && c.Server.HTTP.Listen != "" {
		host, port, err := net.SplitHostPort(c.Server.HTTP.Listen)
		if err != nil {
			return ""
		}
		if host == "" {
			host = "127.0.0.1"
		}
		return "http://" + net.JoinHostPort(host, port)
	}
	return ""
}

func validListen(listen string) error {
	l := strings.TrimSpace(listen)
	if l == "" {
		return fmt.Errorf("empty address")
	}
	if _, _, err := net.SplitHostPort(l); err != nil {
		return fmt.Errorf("%q: %w", listen, err)
	}
	return nil
}

func validServerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "unix":
		if u.Path == "" && u.Host == "" {
			return fmt.Errorf("%q: unix URL needs a socket path", raw)
		}
	case "http", "https":
		if u.Host == "" {
			return fmt.Errorf("%q: missing host", raw)
		}
	default:
		return fmt.Errorf("%q: scheme must be unix, http or https", raw)
	}
	return nil
}
