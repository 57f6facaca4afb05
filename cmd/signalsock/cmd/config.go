package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/spf13/cobra"
	"github.com/tsarna/signalsock/pkg/signalsock"
	"github.com/tsarna/signalsock/pkg/signalsock/transport/coderws"
	"github.com/tsarna/signalsock/pkg/signalsock/transport/gorillaws"
	"go.uber.org/zap"
)

const (
	TransportCoder   = "coder"
	TransportGorilla = "gorilla"
)

// ClientConfig holds the connection settings shared by all commands.
type ClientConfig struct {
	URL               string
	Transport         string
	ReconnectInterval time.Duration
	TimeoutInterval   time.Duration
	DialTimeout       time.Duration
	Reconnect         bool
	Protocols         []string
	Headers           map[string]string
	Authorization     string
	SyntheticNames    signalsock.SyntheticNames
}

// fileConfig is the HCL form of ClientConfig. Durations are Go duration strings.
//
//	url                = "wss://events.example.com/socket"
//	transport          = "gorilla"
//	reconnect_interval = "2s"
//	headers = {
//	  "X-Client" = "signalsock"
//	}
type fileConfig struct {
	URL               string            `hcl:"url,optional"`
	Transport         string            `hcl:"transport,optional"`
	ReconnectInterval string            `hcl:"reconnect_interval,optional"`
	TimeoutInterval   string            `hcl:"timeout_interval,optional"`
	DialTimeout       string            `hcl:"dial_timeout,optional"`
	Reconnect         *bool             `hcl:"reconnect,optional"`
	Protocols         []string          `hcl:"protocols,optional"`
	Headers           map[string]string `hcl:"headers,optional"`
	Authorization     string            `hcl:"authorization,optional"`
	SyntheticNames    string            `hcl:"synthetic_names,optional"`
}

// DefaultClientConfig returns the settings used when neither a file nor a
// flag says otherwise.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Transport:         TransportCoder,
		ReconnectInterval: signalsock.DefaultReconnectInterval,
		TimeoutInterval:   signalsock.DefaultTimeoutInterval,
		DialTimeout:       10 * time.Second,
		Reconnect:         true,
		Headers:           map[string]string{},
		SyntheticNames:    signalsock.SyntheticConnectDisconnect,
	}
}

// LoadClientConfig reads an HCL config file over the defaults.
func LoadClientConfig(path string) (*ClientConfig, error) {
	var fc fileConfig
	if err := hclsimple.DecodeFile(path, nil, &fc); err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return fc.apply(DefaultClientConfig())
}

// ParseClientConfig decodes HCL source. filename is used for diagnostics and
// must end in .hcl.
func ParseClientConfig(filename string, src []byte) (*ClientConfig, error) {
	var fc fileConfig
	if err := hclsimple.Decode(filename, src, nil, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filename, err)
	}
	return fc.apply(DefaultClientConfig())
}

func (fc *fileConfig) apply(cfg *ClientConfig) (*ClientConfig, error) {
	if fc.URL != "" {
		cfg.URL = fc.URL
	}
	if fc.Transport != "" {
		cfg.Transport = fc.Transport
	}

	durations := []struct {
		name  string
		value string
		into  *time.Duration
	}{
		{"reconnect_interval", fc.ReconnectInterval, &cfg.ReconnectInterval},
		{"timeout_interval", fc.TimeoutInterval, &cfg.TimeoutInterval},
		{"dial_timeout", fc.DialTimeout, &cfg.DialTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", d.name, d.value, err)
		}
		*d.into = parsed
	}

	if fc.Reconnect != nil {
		cfg.Reconnect = *fc.Reconnect
	}
	if len(fc.Protocols) > 0 {
		cfg.Protocols = fc.Protocols
	}
	for k, v := range fc.Headers {
		cfg.Headers[k] = v
	}
	if fc.Authorization != "" {
		cfg.Authorization = fc.Authorization
	}
	if fc.SyntheticNames != "" {
		names, err := parseSyntheticNames(fc.SyntheticNames)
		if err != nil {
			return nil, err
		}
		cfg.SyntheticNames = names
	}

	return cfg, cfg.IsValid()
}

func parseSyntheticNames(s string) (signalsock.SyntheticNames, error) {
	switch strings.ToLower(s) {
	case signalsock.EventConnect, "connect-disconnect":
		return signalsock.SyntheticConnectDisconnect, nil
	case signalsock.EventOpen, "open-close":
		return signalsock.SyntheticOpenClose, nil
	default:
		return signalsock.SyntheticNames{}, fmt.Errorf("invalid synthetic_names %q: expected connect or open", s)
	}
}

// IsValid checks settings that cannot be caught by the flag parser.
func (c *ClientConfig) IsValid() error {
	switch c.Transport {
	case TransportCoder, TransportGorilla:
	default:
		return fmt.Errorf("unknown transport %q: expected %s or %s", c.Transport, TransportCoder, TransportGorilla)
	}
	if c.ReconnectInterval <= 0 {
		return fmt.Errorf("reconnect interval must be positive")
	}
	if c.TimeoutInterval <= 0 {
		return fmt.Errorf("timeout interval must be positive")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be positive")
	}
	return nil
}

// NewTransport builds the selected transport.
func (c *ClientConfig) NewTransport(logger *zap.Logger) signalsock.Transport {
	headers := make(map[string][]string, len(c.Headers))
	for k, v := range c.Headers {
		headers[k] = []string{v}
	}

	if c.Transport == TransportGorilla {
		t := gorillaws.NewTransport().
			WithLogger(logger).
			WithDialTimeout(c.DialTimeout).
			WithHeaders(headers)
		if c.Authorization != "" {
			t = t.WithAuthorization(c.Authorization)
		}
		return t
	}

	t := coderws.NewTransport().
		WithLogger(logger).
		WithDialTimeout(c.DialTimeout).
		WithHeaders(headers)
	if c.Authorization != "" {
		t = t.WithAuthorization(c.Authorization)
	}
	return t
}

// ConnectionBuilder returns a connection builder for these settings.
func (c *ClientConfig) ConnectionBuilder(logger *zap.Logger) *signalsock.ConnectionBuilder {
	b := signalsock.NewConnection().
		WithURL(c.URL).
		WithTransport(c.NewTransport(logger)).
		WithLogger(logger).
		WithReconnect(c.Reconnect).
		WithReconnectInterval(c.ReconnectInterval).
		WithTimeoutInterval(c.TimeoutInterval).
		WithDebug(logger.Core().Enabled(zap.DebugLevel))
	if len(c.Protocols) > 0 {
		b = b.WithProtocols(c.Protocols...)
	}
	return b
}

// connectionFlags are registered on every command that opens a connection.
type connectionFlags struct {
	configPath        string
	transport         string
	reconnectInterval time.Duration
	timeoutInterval   time.Duration
	dialTimeout       time.Duration
	noReconnect       bool
	headers           map[string]string
	authorization     string
	synthetic         string
}

func (f *connectionFlags) register(cmd *cobra.Command) {
	defaults := DefaultClientConfig()
	flags := cmd.Flags()
	flags.StringVarP(&f.configPath, "config", "c", "", "HCL config file")
	flags.StringVar(&f.transport, "transport", defaults.Transport, "WebSocket implementation (coder or gorilla)")
	flags.DurationVar(&f.reconnectInterval, "reconnect-interval", defaults.ReconnectInterval, "delay before reconnecting after a drop")
	flags.DurationVar(&f.timeoutInterval, "timeout-interval", defaults.TimeoutInterval, "how long an attempt may take to open")
	flags.DurationVar(&f.dialTimeout, "dial-timeout", defaults.DialTimeout, "WebSocket dial timeout")
	flags.BoolVar(&f.noReconnect, "no-reconnect", false, "exit instead of reconnecting when the session drops")
	flags.StringToStringVarP(&f.headers, "header", "H", nil, "handshake header as key=value (repeatable)")
	flags.StringVar(&f.authorization, "authorization", "", "Authorization header value")
	flags.StringVar(&f.synthetic, "synthetic-names", "connect", "lifecycle event names (connect or open)")
}

// resolve loads the config file, if any, and overlays the flags the user set.
func (f *connectionFlags) resolve(cmd *cobra.Command, url string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if f.configPath != "" {
		loaded, err := LoadClientConfig(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if url != "" {
		cfg.URL = url
	}

	changed := cmd.Flags().Changed
	if changed("transport") {
		cfg.Transport = f.transport
	}
	if changed("reconnect-interval") {
		cfg.ReconnectInterval = f.reconnectInterval
	}
	if changed("timeout-interval") {
		cfg.TimeoutInterval = f.timeoutInterval
	}
	if changed("dial-timeout") {
		cfg.DialTimeout = f.dialTimeout
	}
	if changed("no-reconnect") {
		cfg.Reconnect = !f.noReconnect
	}
	for k, v := range f.headers {
		cfg.Headers[k] = v
	}
	if changed("authorization") {
		cfg.Authorization = f.authorization
	}
	if changed("synthetic-names") {
		names, err := parseSyntheticNames(f.synthetic)
		if err != nil {
			return nil, err
		}
		cfg.SyntheticNames = names
	}

	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	return cfg, cfg.IsValid()
}
