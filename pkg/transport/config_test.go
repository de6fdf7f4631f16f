package transport

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/mcprotocol/mcprotocol-go/pkg/errors"
)

func TestTransportConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  TransportConfig
		role    Role
		wantErr bool
	}{
		{"stdio client", StdioConfig("/bin/server"), RoleClient, false},
		{"stdio server without path", StdioConfig(""), RoleServer, false},
		{"stdio client without path", StdioConfig(""), RoleClient, true},
		{"stdio client blank path", StdioConfig("   "), RoleClient, true},
		{"http client", HTTPConfig("http://127.0.0.1:8080", ""), RoleClient, false},
		{"http server on ephemeral port", HTTPConfig("http://127.0.0.1:0", "tok"), RoleServer, false},
		{"http without base url", HTTPConfig("", ""), RoleClient, true},
		{"http unparsable base url", HTTPConfig("http://[::1", ""), RoleClient, true},
		{"http unsupported scheme", HTTPConfig("ftp://example.com", ""), RoleClient, true},
		{"http missing host", HTTPConfig("http://", ""), RoleClient, true},
		{"no variant", TransportConfig{}, RoleClient, true},
		{"both variants", TransportConfig{TransportType: TransportType{
			HTTP:  &HTTPTransportType{BaseURL: "http://localhost"},
			Stdio: &StdioTransportType{ServerPath: "/bin/server"},
		}}, RoleClient, true},
		{"unknown role", StdioConfig("/bin/server"), Role("peer"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate(tt.role)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, mcperrors.IsConfig(err), "expected config error, got %v", err)
		})
	}
}

func TestParametersSettings(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		s, err := Parameters(nil).Settings()
		require.NoError(t, err)
		assert.Equal(t, DefaultSettings(), s)
		assert.Equal(t, 30*time.Second, s.RequestTimeout)
		assert.Equal(t, 4<<20, s.MaxMessageSize)
		assert.True(t, s.CaptureLogs)
	})

	t.Run("DurationForms", func(t *testing.T) {
		s, err := Parameters{
			ParamRequestTimeout:    "250ms",
			ParamHandshakeTimeout:  1500,
			"connect_timeout_ms":   float64(750),
			ParamShutdownTimeout:   "100",
			ParamHeartbeatInterval: time.Second,
			ParamHeartbeatTimeout:  "3s",
			ParamCaptureLogs:       "false",
			ParamOutboundBuffer:    8,
			"unrecognized":         true,
		}.Settings()
		require.NoError(t, err)
		assert.Equal(t, 250*time.Millisecond, s.RequestTimeout)
		assert.Equal(t, 1500*time.Millisecond, s.HandshakeTimeout)
		assert.Equal(t, 750*time.Millisecond, s.ConnectTimeout)
		assert.Equal(t, 100*time.Millisecond, s.ShutdownTimeout)
		assert.Equal(t, time.Second, s.HeartbeatInterval)
		assert.Equal(t, 3*time.Second, s.HeartbeatTimeout)
		assert.False(t, s.CaptureLogs)
		assert.Equal(t, 8, s.OutboundBuffer)
	})

	t.Run("BufferClampedToMaxMessage", func(t *testing.T) {
		s, err := Parameters{ParamMaxMessageSize: 1024, ParamBufferSize: 8192}.Settings()
		require.NoError(t, err)
		assert.Equal(t, 1024, s.BufferSize)
	})

	t.Run("LoneHeartbeatKey", func(t *testing.T) {
		s, err := Parameters{ParamHeartbeatInterval: "60s"}.Settings()
		require.NoError(t, err)
		assert.Equal(t, 60*time.Second, s.HeartbeatInterval)
		assert.Equal(t, 180*time.Second, s.HeartbeatTimeout)

		s, err = Parameters{"heartbeat_timeout_ms": 9000}.Settings()
		require.NoError(t, err)
		assert.Equal(t, 3*time.Second, s.HeartbeatInterval)
		assert.Equal(t, 9*time.Second, s.HeartbeatTimeout)
	})

	invalid := map[string]Parameters{
		"bad duration":          {ParamRequestTimeout: "soon"},
		"negative duration":     {ParamRequestTimeout: -5},
		"fractional ms":         {ParamRequestTimeout: 1.5},
		"zero size":             {ParamBufferSize: 0},
		"bad bool":              {ParamCaptureLogs: "maybe"},
		"heartbeat not ordered": {ParamHeartbeatInterval: "10s", ParamHeartbeatTimeout: "5s"},
	}
	for name, params := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := params.Settings()
			require.Error(t, err)
			assert.True(t, mcperrors.IsConfig(err))
		})
	}
}

func TestParseConfig(t *testing.T) {
	t.Run("YAML", func(t *testing.T) {
		cfg, err := ParseConfig([]byte(`
transport_type:
  http:
    base_url: "http://127.0.0.1:8080"
    auth_token: "s3cret"
parameters:
  request_timeout: 5s
  max_message_size: 65536
`))
		require.NoError(t, err)
		require.NotNil(t, cfg.TransportType.HTTP)
		assert.Nil(t, cfg.TransportType.Stdio)
		assert.Equal(t, "s3cret", cfg.TransportType.HTTP.AuthToken)
		require.NoError(t, cfg.Validate(RoleClient))

		s, err := cfg.Parameters.Settings()
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, s.RequestTimeout)
		assert.Equal(t, 65536, s.MaxMessageSize)
	})

	t.Run("JSON", func(t *testing.T) {
		cfg, err := ParseConfig([]byte(`{"transport_type": {"stdio": {"server_path": "/bin/mcp", "server_args": ["-v", "--port=0"]}}}`))
		require.NoError(t, err)
		require.NotNil(t, cfg.TransportType.Stdio)
		assert.Equal(t, "/bin/mcp", cfg.TransportType.Stdio.ServerPath)
		assert.Equal(t, []string{"-v", "--port=0"}, cfg.TransportType.Stdio.ServerArgs)
	})

	t.Run("Malformed", func(t *testing.T) {
		_, err := ParseConfig([]byte("transport_type: [unclosed"))
		require.Error(t, err)
		assert.True(t, mcperrors.IsConfig(err))
	})
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transport.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport_type:\n  stdio:\n    server_path: /bin/mcp\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/bin/mcp", cfg.TransportType.Stdio.ServerPath)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, mcperrors.IsConfig(err))
}

func TestConfigFromEnv(t *testing.T) {
	t.Run("Stdio", func(t *testing.T) {
		t.Setenv("MCP_TRANSPORT", "stdio")
		t.Setenv("MCP_SERVER_PATH", "/usr/bin/mcp-server")
		t.Setenv("MCP_SERVER_ARGS", "--verbose;--root=/tmp")

		cfg, err := ConfigFromEnv()
		require.NoError(t, err)
		require.NotNil(t, cfg.TransportType.Stdio)
		assert.Equal(t, "/usr/bin/mcp-server", cfg.TransportType.Stdio.ServerPath)
		assert.Equal(t, []string{"--verbose", "--root=/tmp"}, cfg.TransportType.Stdio.ServerArgs)
	})

	t.Run("InferredHTTP", func(t *testing.T) {
		t.Setenv("MCP_BASE_URL", "http://127.0.0.1:9000")
		t.Setenv("MCP_AUTH_TOKEN", "tok")
		t.Setenv("MCP_REQUEST_TIMEOUT", "2s")

		cfg, err := ConfigFromEnv()
		require.NoError(t, err)
		require.NotNil(t, cfg.TransportType.HTTP)
		assert.Equal(t, "tok", cfg.TransportType.HTTP.AuthToken)

		s, err := cfg.Parameters.Settings()
		require.NoError(t, err)
		assert.Equal(t, 2*time.Second, s.RequestTimeout)
	})

	t.Run("UnknownTransport", func(t *testing.T) {
		t.Setenv("MCP_TRANSPORT", "carrier-pigeon")
		_, err := ConfigFromEnv()
		require.Error(t, err)
		assert.True(t, mcperrors.IsConfig(err))
	})
}
