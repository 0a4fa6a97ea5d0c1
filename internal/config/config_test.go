package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"rascd/internal/service"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// resetLoadEnvOnce lets each test re-run .env discovery.
func resetLoadEnvOnce() {
	loadEnvOnce = sync.Once{}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name       string
		envVars    map[string]string
		errContain string
	}{
		{
			name: "valid config from env vars",
			envVars: map[string]string{
				"HA_URL":   "ws://test.local:8123/api/websocket",
				"HA_TOKEN": "test-token-12345678",
			},
		},
		{
			name:       "missing token",
			envVars:    map[string]string{"HA_URL": "ws://test.local:8123/api/websocket"},
			errContain: "homeassistant.token is required",
		},
		{
			name: "http url",
			envVars: map[string]string{
				"HA_URL":   "http://test.local:8123",
				"HA_TOKEN": "test-token-12345678",
			},
			errContain: "websocket URL",
		},
		{
			name: "invalid port",
			envVars: map[string]string{
				"HA_TOKEN":  "test-token-12345678",
				"RASC_PORT": "99999",
			},
			errContain: "server.port must be between 1 and 65535",
		},
		{
			name: "unknown mode",
			envVars: map[string]string{
				"HA_TOKEN":  "test-token-12345678",
				"RASC_MODE": "hybrid",
			},
			errContain: "rasc.mode",
		},
		{
			name: "unknown backend",
			envVars: map[string]string{
				"HA_TOKEN":             "test-token-12345678",
				"RASC_HISTORY_BACKEND": "postgres",
			},
			errContain: "history.backend",
		},
		{
			name: "bad log level",
			envVars: map[string]string{
				"HA_TOKEN":       "test-token-12345678",
				"RASC_LOG_LEVEL": "chatty",
			},
			errContain: "logging.level",
		},
		{
			name: "zero timeout",
			envVars: map[string]string{
				"HA_TOKEN":            "test-token-12345678",
				"RASC_FAILED_TIMEOUT": "0s",
			},
			errContain: "durations must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetLoadEnvOnce()
			chdir(t, t.TempDir())
			t.Setenv("HA_URL", "")
			t.Setenv("HA_TOKEN", "")
			os.Unsetenv("HA_URL")
			os.Unsetenv("HA_TOKEN")
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := Load("")
			if tt.errContain != "" {
				assert.ErrorContains(t, err, tt.errContain)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, cfg)
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	resetLoadEnvOnce()
	chdir(t, t.TempDir())
	t.Setenv("HA_TOKEN", "test-token-12345678")

	cfg, err := Load("")
	require.NoError(t, err)

	want := Config{
		HomeAssistant: HomeAssistantConfig{URL: "ws://homeassistant.local:8123/api/websocket", Token: "test-token-12345678"},
		Server:        ServerConfig{Port: 8081},
		Logging:       LoggingConfig{Level: "info"},
		History:       HistoryConfig{Backend: BackendFile, Path: ".storage/rasc.history"},
		RASC: RASCConfig{
			Mode:            service.ModePush,
			PollEntities:    []string{},
			PollRate:        10,
			WorstCaseDelay:  2 * time.Second,
			DefaultInterval: time.Second,
			FailedTimeout:   300 * time.Second,
		},
	}
	if diff := cmp.Diff(want, *cfg, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	resetLoadEnvOnce()
	chdir(t, t.TempDir())

	path := writeConfig(t, `
homeassistant:
  url: wss://ha.example.com/api/websocket
  token: file-token-abcdefgh
history:
  backend: sqlite
  path: /var/lib/rascd/history.db
rasc:
  mode: poll
  poll_rate: 2.5
  worst_case_delay: 500ms
  poll_entities:
    - cover.garage
read_only: true
`)
	t.Setenv("RASC_PORT", "9000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://ha.example.com/api/websocket", cfg.HomeAssistant.URL)
	assert.Equal(t, 9000, cfg.Server.Port, "env overrides file")
	assert.Equal(t, BackendSQLite, cfg.History.Backend)
	assert.True(t, cfg.ReadOnly)

	svc := cfg.Service()
	assert.Equal(t, service.ModePoll, svc.Mode)
	assert.Equal(t, []string{"cover.garage"}, svc.PollEntities)
	assert.Equal(t, 2.5, svc.PollRate)
	assert.True(t, svc.ReadOnly)
	assert.Equal(t, 500*time.Millisecond, svc.Tracker.Detector.WorstCaseDelay)
	assert.Equal(t, time.Second, svc.Tracker.Detector.DefaultInterval)
	assert.Equal(t, 300*time.Second, svc.Tracker.FailedTimeout)
}

func TestLoad_MissingFile(t *testing.T) {
	resetLoadEnvOnce()
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading config file")
}

func TestLoad_DotEnv(t *testing.T) {
	resetLoadEnvOnce()
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("HA_TOKEN=dotenv-token-1234\n"), 0o600))
	t.Setenv("HA_TOKEN", "")
	os.Unsetenv("HA_TOKEN")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "dotenv-token-1234", cfg.HomeAssistant.Token)
}

func TestLoadWithViper_FlagOverride(t *testing.T) {
	resetLoadEnvOnce()
	chdir(t, t.TempDir())
	t.Setenv("HA_TOKEN", "test-token-12345678")
	t.Setenv("RASC_PORT", "9000")

	v := viper.New()
	v.Set("server.port", 9100)

	cfg, err := LoadWithViper(v, "")
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
}

func TestLoadForDisplay_SkipsValidation(t *testing.T) {
	resetLoadEnvOnce()
	chdir(t, t.TempDir())
	t.Setenv("HA_TOKEN", "")
	os.Unsetenv("HA_TOKEN")

	cfg, err := LoadForDisplay(nil, "")
	require.NoError(t, err)
	assert.Empty(t, cfg.HomeAssistant.Token)
}

func TestMaskedConfig(t *testing.T) {
	cfg := &Config{HomeAssistant: HomeAssistantConfig{Token: "abcd1234efgh5678"}}

	masked := cfg.MaskedConfig()
	assert.Equal(t, "abcd****5678", masked.HomeAssistant.Token)
	assert.Equal(t, "abcd1234efgh5678", cfg.HomeAssistant.Token, "original untouched")

	assert.Equal(t, "****", maskToken("short"))
}

func TestLogLevel(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "debug"}}
	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, level)
}
