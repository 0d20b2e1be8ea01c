package clickhouse

import (
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"
)

const (
	defaultHTTPPort           = 8123
	defaultHTTPSPort          = 8443
	defaultConnectTimeout     = 30 * time.Second
	defaultSendReceiveTimeout = 300 * time.Second
)

type Config struct {
	Logger *slog.Logger

	Host     string
	Port     int
	Username string
	Password string
	Database string

	// Role is applied to every query as the "role" setting when set.
	Role string

	// Secure selects the https interface; Verify controls TLS certificate verification.
	Secure bool
	Verify bool

	// ProxyPath is an optional URL path prefix for servers behind an HTTP proxy.
	ProxyPath string

	ConnectTimeout     time.Duration
	SendReceiveTimeout time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.Username == "" {
		return errors.New("username is required")
	}
	if c.Port == 0 {
		c.Port = DefaultPort(c.Secure)
	}
	if c.Port < 0 || c.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.SendReceiveTimeout == 0 {
		c.SendReceiveTimeout = defaultSendReceiveTimeout
	}
	if c.ConnectTimeout < 0 || c.SendReceiveTimeout < 0 {
		return errors.New("timeouts must be > 0")
	}
	return nil
}

// DefaultPort is the ClickHouse HTTP port for the given interface.
func DefaultPort(secure bool) int {
	if secure {
		return defaultHTTPSPort
	}
	return defaultHTTPPort
}

// Interface is "https" when Secure is set, "http" otherwise.
func (c *Config) Interface() string {
	if c.Secure {
		return "https"
	}
	return "http"
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
