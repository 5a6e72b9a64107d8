package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name string, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadClient_defaults(t *testing.T) {
	t.Setenv("TOWNSQUARE_TOKEN", "token")

	cfg, err := LoadClient("")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9090", cfg.APIURL)
	assert.Equal(t, 10*time.Second, cfg.CommandTimeout)
	assert.Equal(t, 5, cfg.ReconnectAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 500, cfg.ChatRetention)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadClient_fileAndEnvironment(t *testing.T) {
	path := writeFile(t, "client.yaml", `
api_url: https://example.test
channel_url: wss://example.test/ws
token: from-file
command_timeout: 3s
reconnect_attempts: 2
`)
	t.Setenv("TOWNSQUARE_RECONNECT_ATTEMPTS", "7")

	cfg, err := LoadClient(path)
	require.NoError(t, err)
	assert.Equal(t, "https://example.test", cfg.APIURL)
	assert.Equal(t, "from-file", cfg.Token)
	assert.Equal(t, 3*time.Second, cfg.CommandTimeout)
	assert.Equal(t, 7, cfg.ReconnectAttempts)
}

func TestLoadClient_requiresCredentials(t *testing.T) {
	_, err := LoadClient("")
	assert.Error(t, err)

	t.Setenv("TOWNSQUARE_USERNAME", "ann")
	cfg, err := LoadClient("")
	require.NoError(t, err)
	assert.Equal(t, "ann", cfg.Username)
}

func TestServerConfig_Database(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		wantDriver string
		wantDSN    string
		wantErr    bool
	}{
		{name: "sqlite", url: "sqlite://townsquare.db", wantDriver: "sqlite", wantDSN: "townsquare.db"},
		{name: "sqlite path", url: "sqlite:///var/lib/townsquare.db", wantDriver: "sqlite", wantDSN: "/var/lib/townsquare.db"},
		{name: "postgres", url: "postgresql://u:p@db:5432/town", wantDriver: "postgresql", wantDSN: "postgresql://u:p@db:5432/town"},
		{name: "unknown", url: "mysql://db", wantErr: true},
		{name: "empty sqlite", url: "sqlite://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &ServerConfig{DatabaseURL: tt.url}
			driver, dsn, err := cfg.Database()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDriver, driver)
			assert.Equal(t, tt.wantDSN, dsn)
		})
	}
}

func TestLoadServer(t *testing.T) {
	_, err := LoadServer("")
	assert.Error(t, err, "an auth provider is required")

	t.Setenv("TOWNSQUARE_JWT_SECRET", "secret")
	cfg, err := LoadServer("")
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "sqlite://townsquare.db", cfg.DatabaseURL)

	t.Setenv("TOWNSQUARE_FIREBASE_PROJECT_ID", "project")
	t.Setenv("TOWNSQUARE_JWT_SECRET", "")
	t.Setenv("TOWNSQUARE_DEV_LOGIN", "true")
	_, err = LoadServer("")
	assert.Error(t, err, "dev login needs a jwt secret")

	t.Setenv("TOWNSQUARE_DEV_LOGIN", "false")
	t.Setenv("TOWNSQUARE_TLS_CERT_FILE", "cert.pem")
	_, err = LoadServer("")
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	path := writeFile(t, ".env", "TOWNSQUARE_DOTENV_PROBE=loaded\n")
	t.Setenv("TOWNSQUARE_DOTENV_PROBE", "")
	os.Unsetenv("TOWNSQUARE_DOTENV_PROBE")
	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("TOWNSQUARE_DOTENV_PROBE"))
}
