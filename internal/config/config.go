// Package config loads and validates the bridge's configuration from
// environment variables.
package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ArrEssJay/smtp-acs-bridge/internal/log"
)

const (
	defaultListenAddr   = "0.0.0.0:1025"
	defaultMaxEmailSize = 25 * 1024 * 1024

	defaultMaxConcurrentSessions = 100
	defaultCommandTimeout        = 5 * time.Minute
	defaultDataTimeout           = 5 * time.Minute
	defaultShutdownTimeout       = 30 * time.Second
	defaultACSTimeout            = 15 * time.Second
)

// Config holds the bridge's validated, immutable configuration.
type Config struct {
	// Endpoint is the ACS service's base URL (scheme + host), parsed from
	// ACS_CONNECTION_STRING's "endpoint=" component.
	Endpoint *url.URL

	// AccessKey is the base64-decoded HMAC key from ACS_CONNECTION_STRING's
	// "accesskey=" component. Never logged.
	AccessKey []byte

	// DefaultSender is the sender address used whenever the Sender Policy
	// falls back (ACS_SENDER_ADDRESS).
	DefaultSender string

	// Hostname is the name the server advertises in its SMTP greeting and
	// EHLO reply (HOSTNAME, falling back to os.Hostname()).
	Hostname string

	// ListenAddr is the address the SMTP listener binds to.
	ListenAddr string

	// MaxEmailSize is the maximum accepted DATA size, in bytes.
	MaxEmailSize int64

	// AllowedSenderDomains is the set of lowercase domains a MAIL FROM
	// address is allowed to pass through verbatim.
	AllowedSenderDomains map[string]bool

	// MaxConcurrentSessions bounds the number of simultaneous SMTP
	// sessions the supervisor admits.
	MaxConcurrentSessions int

	// CommandTimeout is the per-command idle timeout.
	CommandTimeout time.Duration

	// DataTimeout is the DATA-mode inactivity timeout.
	DataTimeout time.Duration

	// ShutdownTimeout bounds how long graceful shutdown waits for
	// in-flight sessions to finish before aborting them.
	ShutdownTimeout time.Duration

	// ACSTimeout bounds every ACS HTTP request, including one still in
	// flight when shutdown is requested.
	ACSTimeout time.Duration

	// LogLevel is the configured log verbosity ("debug", "info", ...).
	LogLevel string

	// HAProxyEnabled expects an HAProxy protocol v1 header on every
	// accepted connection (HAPROXY_PROTOCOL=true), for deployments
	// behind a TCP load balancer.
	HAProxyEnabled bool
}

// ConfigError is a fatal configuration problem, detected at startup before
// the listener opens.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

func configErrorf(format string, a ...interface{}) error {
	return &ConfigError{msg: fmt.Sprintf(format, a...)}
}

// Load reads and validates the configuration from the process environment.
func Load() (*Config, error) {
	c := &Config{
		ListenAddr:            defaultListenAddr,
		MaxEmailSize:          defaultMaxEmailSize,
		AllowedSenderDomains:  map[string]bool{},
		MaxConcurrentSessions: defaultMaxConcurrentSessions,
		CommandTimeout:        defaultCommandTimeout,
		DataTimeout:           defaultDataTimeout,
		ShutdownTimeout:       defaultShutdownTimeout,
		ACSTimeout:            defaultACSTimeout,
		LogLevel:              "info",
	}

	connStr := os.Getenv("ACS_CONNECTION_STRING")
	if connStr == "" {
		return nil, configErrorf("ACS_CONNECTION_STRING is required")
	}
	endpoint, accessKey, err := ParseConnectionString(connStr)
	if err != nil {
		return nil, configErrorf("parsing ACS_CONNECTION_STRING: %v", err)
	}
	c.Endpoint = endpoint
	c.AccessKey = accessKey

	c.DefaultSender = os.Getenv("ACS_SENDER_ADDRESS")
	if c.DefaultSender == "" {
		return nil, configErrorf("ACS_SENDER_ADDRESS is required")
	}

	c.Hostname = os.Getenv("HOSTNAME")
	if c.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			c.Hostname = h
		} else {
			c.Hostname = "smtp-acs-bridge"
		}
	}

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}

	if v := os.Getenv("MAX_EMAIL_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, configErrorf("invalid MAX_EMAIL_SIZE %q: must be a positive integer", v)
		}
		c.MaxEmailSize = n
	}

	if v := os.Getenv("ACS_ALLOWED_SENDER_DOMAINS"); v != "" {
		for _, d := range strings.Split(v, ",") {
			d = strings.ToLower(strings.TrimSpace(d))
			if d != "" {
				c.AllowedSenderDomains[d] = true
			}
		}
	}

	if v := os.Getenv("HAPROXY_PROTOCOL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, configErrorf("invalid HAPROXY_PROTOCOL %q: must be a boolean", v)
		}
		c.HAProxyEnabled = b
	}

	if v := os.Getenv("RUST_LOG"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	return c, nil
}

// ParseConnectionString parses "endpoint=<https-url>;accesskey=<base64>"
// into its components, requiring both and validating the access key
// decodes successfully. Exported so operator tools (cmd/acs-sigtool) can
// parse the same connection string format without re-deriving a full
// Config.
func ParseConnectionString(s string) (*url.URL, []byte, error) {
	var rawEndpoint, rawKey string
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, nil, fmt.Errorf("malformed component %q", part)
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "endpoint":
			rawEndpoint = strings.TrimSpace(kv[1])
		case "accesskey":
			rawKey = strings.TrimSpace(kv[1])
		}
	}

	if rawEndpoint == "" {
		return nil, nil, fmt.Errorf("missing endpoint component")
	}
	if rawKey == "" {
		return nil, nil, fmt.Errorf("missing accesskey component")
	}

	u, err := url.Parse(rawEndpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid endpoint URL: %v", err)
	}
	if u.Scheme != "https" {
		return nil, nil, fmt.Errorf("endpoint must use https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, nil, fmt.Errorf("endpoint is missing a host")
	}

	key, err := base64.StdEncoding.DecodeString(rawKey)
	if err != nil {
		return nil, nil, fmt.Errorf("accesskey does not base64-decode: %v", err)
	}

	return u, key, nil
}

// LogConfig logs a human-friendly summary of the configuration. Secrets
// (the access key) are never logged.
func LogConfig(c *Config) {
	log.Infof("Configuration:")
	log.Infof("  ACS endpoint: %s", c.Endpoint)
	log.Infof("  Default sender: %q", c.DefaultSender)
	log.Infof("  Hostname: %q", c.Hostname)
	log.Infof("  Listen address: %q", c.ListenAddr)
	log.Infof("  Max email size (bytes): %d", c.MaxEmailSize)
	log.Infof("  Allowed sender domains: %v", domainList(c.AllowedSenderDomains))
	log.Infof("  Max concurrent sessions: %d", c.MaxConcurrentSessions)
	log.Infof("  Command timeout: %s", c.CommandTimeout)
	log.Infof("  Data timeout: %s", c.DataTimeout)
	log.Infof("  Shutdown timeout: %s", c.ShutdownTimeout)
	log.Infof("  Log level: %q", c.LogLevel)
	log.Infof("  HAProxy protocol: %v", c.HAProxyEnabled)
}

func domainList(m map[string]bool) []string {
	l := make([]string, 0, len(m))
	for d := range m {
		l = append(l, d)
	}
	return l
}
