// Package gwconfig loads and validates the gateway's YAML configuration.
package gwconfig

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DNSMode selects how DNS traffic directed at the gateway's fake DNS
// server is relayed.
type DNSMode string

const (
	// DNSModeTCP relays DNS queries as DNS-over-TCP through the SOCKS5
	// proxy's CONNECT command, length-prefixed per RFC 1035 §4.2.2.
	DNSModeTCP DNSMode = "tcp"
	// DNSModeUDP relays DNS queries as plain UDP to the configured
	// upstream resolver through the SOCKS5 proxy's UDP ASSOCIATE relay.
	DNSModeUDP DNSMode = "udp"
)

// Rule is one entry of the domain-suffix routing table used by the DNS
// router to pick a resolver for a query. Rules are matched in order; the
// first suffix match wins.
type Rule struct {
	Tag        string `yaml:"tag"`
	Suffix     string `yaml:"suffix"`
	ResolverIP string `yaml:"resolver_ip"`
}

// Config is the gateway's full, immutable-after-load configuration. Every
// component that needs it is handed a *Config at construction time rather
// than reaching for a package-level singleton.
type Config struct {
	SocksServer      string        `yaml:"socks_server"`
	SocksPort        int           `yaml:"socks_port"`
	SocksUser        string        `yaml:"socks_user"`
	SocksPass        string        `yaml:"socks_pass"`
	SocksDialTimeout time.Duration `yaml:"socks_dial_timeout"`

	DNSMode         DNSMode `yaml:"dns_mode"`
	LocalDNSPort    int     `yaml:"local_dns_port"`
	RemoteDNSServer string  `yaml:"remote_dns_server"`
	RemoteDNSPort   int     `yaml:"remote_dns_port"`

	TCPIdleTimeout   time.Duration `yaml:"tcp_idle_timeout"`
	UDPReplyTimeout  time.Duration `yaml:"udp_reply_timeout"`
	MaxDatagramSize  int           `yaml:"max_datagram_size"`
	TCPBufferCap     int           `yaml:"tcp_buffer_cap"`

	LogLevel string `yaml:"log_level"`

	Domains []Rule `yaml:"domains"`
}

// Default returns the configuration a gateway boots with absent any file,
// mirroring the original ip2socks defaults (SOCKS5 on localhost:1080,
// DNS-over-TCP split routing, NO_AUTH).
func Default() *Config {
	return &Config{
		SocksServer:      "127.0.0.1",
		SocksPort:        1080,
		SocksDialTimeout: 10 * time.Second,

		DNSMode:         DNSModeTCP,
		LocalDNSPort:    53,
		RemoteDNSServer: "8.8.8.8",
		RemoteDNSPort:   53,

		TCPIdleTimeout:  2 * time.Minute,
		UDPReplyTimeout: 5 * time.Second,
		MaxDatagramSize: 1472,
		TCPBufferCap:    32 * 1024,

		LogLevel: "info",
	}
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gwconfig: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML over the defaults, then validates the result.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("gwconfig: parse: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate accumulates every configuration problem it finds rather than
// stopping at the first one, so a misconfigured file can be fixed in a
// single pass.
func (c *Config) Validate() error {
	var errs []string

	if c.SocksServer == "" {
		errs = append(errs, "socks_server must not be empty")
	}
	if !isValidPort(c.SocksPort) {
		errs = append(errs, "socks_port must be between 1 and 65535")
	}
	if (c.SocksUser == "") != (c.SocksPass == "") {
		errs = append(errs, "socks_user and socks_pass must both be set or both be empty")
	}
	if c.SocksDialTimeout <= 0 {
		errs = append(errs, "socks_dial_timeout must be positive")
	}

	switch c.DNSMode {
	case DNSModeTCP, DNSModeUDP:
	default:
		errs = append(errs, fmt.Sprintf("dns_mode must be %q or %q, got %q", DNSModeTCP, DNSModeUDP, c.DNSMode))
	}
	if !isValidPort(c.LocalDNSPort) {
		errs = append(errs, "local_dns_port must be between 1 and 65535")
	}
	if net.ParseIP(c.RemoteDNSServer) == nil {
		errs = append(errs, fmt.Sprintf("remote_dns_server %q is not a valid IP", c.RemoteDNSServer))
	}
	if !isValidPort(c.RemoteDNSPort) {
		errs = append(errs, "remote_dns_port must be between 1 and 65535")
	}

	if c.TCPIdleTimeout <= 0 {
		errs = append(errs, "tcp_idle_timeout must be positive")
	}
	if c.UDPReplyTimeout <= 0 {
		errs = append(errs, "udp_reply_timeout must be positive")
	}
	if c.MaxDatagramSize <= 0 || c.MaxDatagramSize > 65507 {
		errs = append(errs, "max_datagram_size must be between 1 and 65507")
	}
	if c.TCPBufferCap <= 0 {
		errs = append(errs, "tcp_buffer_cap must be positive")
	}

	for i, r := range c.Domains {
		if r.Suffix == "" {
			errs = append(errs, fmt.Sprintf("domains[%d]: suffix must not be empty", i))
		}
		if net.ParseIP(r.ResolverIP) == nil {
			errs = append(errs, fmt.Sprintf("domains[%d]: resolver_ip %q is not a valid IP", i, r.ResolverIP))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("gwconfig: invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// SocksAddr is the "host:port" dial target for the SOCKS5 proxy.
func (c *Config) SocksAddr() string {
	return net.JoinHostPort(c.SocksServer, strconv.Itoa(c.SocksPort))
}

// RemoteDNSAddr is the "host:port" of the upstream resolver that DNS
// queries matching no rule are relayed to through the proxy.
func (c *Config) RemoteDNSAddr() string {
	return net.JoinHostPort(c.RemoteDNSServer, strconv.Itoa(c.RemoteDNSPort))
}

// Redacted returns a copy of c with credentials scrubbed, safe to log.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.SocksPass != "" {
		cp.SocksPass = "******"
	}
	return &cp
}

func isValidPort(p int) bool {
	return p > 0 && p <= 65535
}
