package transport

import (
	"fmt"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	mcperrors "github.com/mcprotocol/mcprotocol-go/pkg/errors"
)

// TransportConfig selects a transport variant and its tuning parameters
type TransportConfig struct {
	TransportType TransportType `json:"transport_type" yaml:"transport_type"`
	Parameters    Parameters    `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// TransportType holds exactly one variant
type TransportType struct {
	HTTP  *HTTPTransportType  `json:"http,omitempty" yaml:"http,omitempty"`
	Stdio *StdioTransportType `json:"stdio,omitempty" yaml:"stdio,omitempty"`
}

// HTTPTransportType configures the HTTP/SSE transport. On the server side
// BaseURL is the address to listen on; on the client side it is the address
// to connect to.
type HTTPTransportType struct {
	BaseURL   string `json:"base_url" yaml:"base_url"`
	AuthToken string `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
}

// StdioTransportType configures the stdio transport. ServerPath is required on
// the client side, where it names the program to spawn.
type StdioTransportType struct {
	ServerPath string   `json:"server_path,omitempty" yaml:"server_path,omitempty"`
	ServerArgs []string `json:"server_args,omitempty" yaml:"server_args,omitempty"`
}

// HTTPConfig returns a config for the HTTP/SSE transport
func HTTPConfig(baseURL, authToken string) TransportConfig {
	return TransportConfig{TransportType: TransportType{
		HTTP: &HTTPTransportType{BaseURL: baseURL, AuthToken: authToken},
	}}
}

// StdioConfig returns a config for the stdio transport
func StdioConfig(serverPath string, args ...string) TransportConfig {
	return TransportConfig{TransportType: TransportType{
		Stdio: &StdioTransportType{ServerPath: serverPath, ServerArgs: args},
	}}
}

// Validate checks the config for the given role without acquiring anything
func (c TransportConfig) Validate(role Role) error {
	if role != RoleClient && role != RoleServer {
		return mcperrors.ConfigError("role", fmt.Sprintf("unknown role %q", role))
	}

	tt := c.TransportType
	switch {
	case tt.HTTP != nil && tt.Stdio != nil:
		return mcperrors.ConfigError("transport_type", "exactly one of http or stdio must be set")
	case tt.HTTP == nil && tt.Stdio == nil:
		return mcperrors.ConfigError("transport_type", "no transport type set")
	case tt.HTTP != nil:
		if _, err := parseBaseURL(tt.HTTP.BaseURL); err != nil {
			return err
		}
	case tt.Stdio != nil:
		if role == RoleClient && strings.TrimSpace(tt.Stdio.ServerPath) == "" {
			return mcperrors.ConfigError("server_path", "required for a stdio client")
		}
	}

	_, err := c.Parameters.Settings()
	return err
}

func parseBaseURL(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, mcperrors.ConfigError("base_url", "required for the http transport")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, mcperrors.WrapConfigError(err, "base_url", "unparsable url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, mcperrors.ConfigError("base_url", fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return nil, mcperrors.ConfigError("base_url", "missing host")
	}
	return u, nil
}

// Parameters are free-form tuning values. Recognized keys are read by
// Settings; anything else is ignored.
type Parameters map[string]interface{}

// Recognized parameter keys
const (
	ParamRequestTimeout    = "request_timeout"
	ParamHandshakeTimeout  = "handshake_timeout"
	ParamConnectTimeout    = "connect_timeout"
	ParamHeartbeatInterval = "heartbeat_interval"
	ParamHeartbeatTimeout  = "heartbeat_timeout"
	ParamShutdownTimeout   = "shutdown_timeout"
	ParamBufferSize        = "buffer_size"
	ParamMaxMessageSize    = "max_message_size"
	ParamOutboundBuffer    = "outbound_buffer"
	ParamCaptureLogs       = "capture_logs"
)

// Settings are the resolved tuning values shared by all transports
type Settings struct {
	RequestTimeout    time.Duration
	HandshakeTimeout  time.Duration
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ShutdownTimeout   time.Duration
	BufferSize        int
	MaxMessageSize    int
	OutboundBuffer    int
	CaptureLogs       bool
}

// heartbeatRatio relates heartbeat_timeout to heartbeat_interval when only
// one of them is configured
const heartbeatRatio = 3

// DefaultSettings returns the values used for absent parameters
func DefaultSettings() Settings {
	return Settings{
		RequestTimeout:    30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		ConnectTimeout:    5 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		HeartbeatTimeout:  45 * time.Second,
		ShutdownTimeout:   2 * time.Second,
		BufferSize:        4096,
		MaxMessageSize:    4 << 20,
		OutboundBuffer:    64,
		CaptureLogs:       true,
	}
}

// Settings resolves the recognized keys over DefaultSettings. Durations may
// be Go duration strings ("250ms") or integer milliseconds; a key with an
// "_ms" suffix is also accepted.
func (p Parameters) Settings() (Settings, error) {
	s := DefaultSettings()

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{ParamRequestTimeout, &s.RequestTimeout},
		{ParamHandshakeTimeout, &s.HandshakeTimeout},
		{ParamConnectTimeout, &s.ConnectTimeout},
		{ParamHeartbeatInterval, &s.HeartbeatInterval},
		{ParamHeartbeatTimeout, &s.HeartbeatTimeout},
		{ParamShutdownTimeout, &s.ShutdownTimeout},
	}
	for _, d := range durations {
		v, err := p.duration(d.key, *d.dst)
		if err != nil {
			return Settings{}, err
		}
		*d.dst = v
	}

	sizes := []struct {
		key string
		dst *int
	}{
		{ParamBufferSize, &s.BufferSize},
		{ParamMaxMessageSize, &s.MaxMessageSize},
		{ParamOutboundBuffer, &s.OutboundBuffer},
	}
	for _, sz := range sizes {
		v, err := p.positiveInt(sz.key, *sz.dst)
		if err != nil {
			return Settings{}, err
		}
		*sz.dst = v
	}

	captureLogs, err := p.boolean(ParamCaptureLogs, s.CaptureLogs)
	if err != nil {
		return Settings{}, err
	}
	s.CaptureLogs = captureLogs

	// a lone heartbeat key keeps the default 1:3 ratio with the other
	_, _, hasInterval := p.lookup(ParamHeartbeatInterval)
	_, _, hasTimeout := p.lookup(ParamHeartbeatTimeout)
	switch {
	case hasInterval && !hasTimeout:
		s.HeartbeatTimeout = heartbeatRatio * s.HeartbeatInterval
	case hasTimeout && !hasInterval:
		s.HeartbeatInterval = s.HeartbeatTimeout / heartbeatRatio
	}
	if s.HeartbeatTimeout <= s.HeartbeatInterval {
		return Settings{}, mcperrors.ConfigError(ParamHeartbeatTimeout, "must be greater than heartbeat_interval")
	}
	if s.BufferSize > s.MaxMessageSize {
		s.BufferSize = s.MaxMessageSize
	}
	return s, nil
}

func (p Parameters) lookup(key string) (interface{}, string, bool) {
	if v, ok := p[key]; ok {
		return v, key, true
	}
	if v, ok := p[key+"_ms"]; ok {
		return v, key + "_ms", true
	}
	return nil, key, false
}

func (p Parameters) duration(key string, def time.Duration) (time.Duration, error) {
	raw, name, ok := p.lookup(key)
	if !ok {
		return def, nil
	}

	var d time.Duration
	switch v := raw.(type) {
	case time.Duration:
		d = v
	case string:
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			d = time.Duration(ms) * time.Millisecond
			break
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return 0, mcperrors.WrapConfigError(err, name, "invalid duration")
		}
		d = parsed
	default:
		ms, err := toInt64(v)
		if err != nil {
			return 0, mcperrors.WrapConfigError(err, name, "invalid duration")
		}
		d = time.Duration(ms) * time.Millisecond
	}

	if d <= 0 {
		return 0, mcperrors.ConfigError(name, "must be positive")
	}
	return d, nil
}

func (p Parameters) positiveInt(key string, def int) (int, error) {
	raw, ok := p[key]
	if !ok {
		return def, nil
	}
	var n int64
	var err error
	if s, isStr := raw.(string); isStr {
		n, err = strconv.ParseInt(s, 10, 64)
	} else {
		n, err = toInt64(raw)
	}
	if err != nil {
		return 0, mcperrors.WrapConfigError(err, key, "invalid integer")
	}
	if n <= 0 || n > math.MaxInt32 {
		return 0, mcperrors.ConfigError(key, "out of range")
	}
	return int(n), nil
}

func (p Parameters) boolean(key string, def bool) (bool, error) {
	raw, ok := p[key]
	if !ok {
		return def, nil
	}
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, mcperrors.WrapConfigError(err, key, "invalid boolean")
		}
		return b, nil
	}
	return false, mcperrors.ConfigError(key, fmt.Sprintf("invalid boolean %v", raw))
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("value %v is not an integer", n)
		}
		return int64(n), nil
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}

// ParseConfig decodes a YAML or JSON document
func ParseConfig(data []byte) (TransportConfig, error) {
	var cfg TransportConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return TransportConfig{}, mcperrors.WrapConfigError(err, "", "malformed configuration document")
	}
	return cfg, nil
}

// LoadConfig reads and decodes a YAML or JSON file
func LoadConfig(path string) (TransportConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TransportConfig{}, mcperrors.WrapConfigError(err, "", fmt.Sprintf("cannot read %s", path))
	}
	return ParseConfig(data)
}

type envConfig struct {
	Transport      string        `env:"MCP_TRANSPORT"`
	BaseURL        string        `env:"MCP_BASE_URL"`
	AuthToken      string        `env:"MCP_AUTH_TOKEN"`
	ServerPath     string        `env:"MCP_SERVER_PATH"`
	ServerArgs     []string      `env:"MCP_SERVER_ARGS"`
	RequestTimeout time.Duration `env:"MCP_REQUEST_TIMEOUT"`
}

// ConfigFromEnv builds a config from MCP_TRANSPORT (http or stdio),
// MCP_BASE_URL, MCP_AUTH_TOKEN, MCP_SERVER_PATH, MCP_SERVER_ARGS (separated
// by semicolons) and MCP_REQUEST_TIMEOUT. When MCP_TRANSPORT is unset the
// variant is inferred from which of MCP_BASE_URL and MCP_SERVER_PATH is set.
func ConfigFromEnv() (TransportConfig, error) {
	var env envConfig
	if err := envdecode.Decode(&env); err != nil {
		if err == envdecode.ErrNoTargetFieldsAreSet {
			return TransportConfig{}, mcperrors.ConfigError("MCP_TRANSPORT", "no MCP_* environment variables set")
		}
		return TransportConfig{}, mcperrors.WrapConfigError(err, "", "invalid environment")
	}

	kind := strings.ToLower(env.Transport)
	if kind == "" {
		switch {
		case env.BaseURL != "":
			kind = "http"
		case env.ServerPath != "":
			kind = "stdio"
		}
	}

	var cfg TransportConfig
	switch kind {
	case "http":
		cfg = HTTPConfig(env.BaseURL, env.AuthToken)
	case "stdio":
		cfg = StdioConfig(env.ServerPath, env.ServerArgs...)
	default:
		return TransportConfig{}, mcperrors.ConfigError("MCP_TRANSPORT", fmt.Sprintf("unknown transport %q", env.Transport))
	}

	if env.RequestTimeout > 0 {
		cfg.Parameters = Parameters{ParamRequestTimeout: env.RequestTimeout}
	}
	return cfg, nil
}
