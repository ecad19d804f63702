package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "helpdesk/shared/contracts/support/v1"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "port only", in: ":7000", want: "http://127.0.0.1:7000"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://support.example.com", want: "wss://support.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "helpdesk.yaml")
	yaml := `
http:
  addr: "127.0.0.1:9999"
  read_timeout: 45s
  cors_allowed_origins: ["https://shop.example.com"]
log:
  level: debug
  format: pretty
support:
  queue_limit: 25
commerce:
  base_url: "${HELPDESK_TEST_COMMERCE_URL}"
  service_token: "${HELPDESK_TEST_UNSET_VAR}"
queue:
  max_wait: 2h
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv(ConfigFileEnv, path)
	t.Setenv("HELPDESK_TEST_COMMERCE_URL", "https://commerce.internal")
	t.Setenv("HELPDESK_LOG_LEVEL", "warn")
	t.Setenv("HELPDESK_KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.HTTP.Addr)
	assert.Equal(t, 45*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, 5*time.Second, cfg.HTTP.ReadHeaderTimeout, "unset keys keep defaults")
	assert.Equal(t, []string{"https://shop.example.com"}, cfg.HTTP.CORSAllowedOrigins)
	assert.Equal(t, "warn", cfg.Log.Level, "env overrides the file")
	assert.Equal(t, "pretty", cfg.Log.Format)
	assert.Equal(t, 25, cfg.Support.QueueLimit)
	assert.Equal(t, "https://commerce.internal", cfg.Commerce.BaseURL)
	assert.Empty(t, cfg.Commerce.ServiceToken)
	assert.Equal(t, 2*time.Hour, cfg.Queue.MaxWait)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Setenv(ConfigFileEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := LoadConfig()
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http: [unclosed"), 0o600))
	t.Setenv(ConfigFileEnv, path)
	_, err = LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "no addr", mutate: func(c *Config) { c.HTTP.Addr = " " }, errMsg: "http.addr"},
		{name: "two databases", mutate: func(c *Config) {
			c.Database.URL = "postgres://localhost/helpdesk"
			c.Database.SQLitePath = "helpdesk.db"
		}, errMsg: "mutually exclusive"},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, errMsg: "log.format"},
		{name: "no attachment limit", mutate: func(c *Config) { c.Attachments.MaxBytes = 0 }, errMsg: "attachments.max_bytes"},
		{name: "no max wait", mutate: func(c *Config) { c.Queue.MaxWait = 0 }, errMsg: "queue.max_wait"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Attachments.Dir = t.TempDir()
	return cfg
}

func newTestApp(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	a, err := New(cfg, discardLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, a.Close(ctx))
	})
	return srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestApp_MemoryStoreRoutes(t *testing.T) {
	srv := newTestApp(t, testConfig(t))

	status, body := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok\n", body)

	status, _ = get(t, srv.URL+"/readyz")
	assert.Equal(t, http.StatusOK, status)

	payload, err := json.Marshal(v1.StartPayload{
		GuestName:      "Ada",
		GuestEmail:     "ada@example.com",
		InitialMessage: "Where is my order?",
	})
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/api/v1/support/conversations", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	status, body = get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, strings.Contains(body, "helpdesk_"), "metrics exposition should carry the helpdesk namespace")

	resp, err = http.Post(srv.URL+"/healthz", "text/plain", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestApp_ReadinessRequiresDatabase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.RequireForReadiness = true
	srv := newTestApp(t, cfg)

	status, _ := get(t, srv.URL+"/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestApp_SQLiteStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.SQLitePath = filepath.Join(t.TempDir(), "helpdesk.db")
	cfg.Database.RequireForReadiness = true
	srv := newTestApp(t, cfg)

	status, body := get(t, srv.URL+"/readyz")
	assert.Equal(t, http.StatusOK, status, body)
}

func TestNew_RejectsBadAuthKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.SecretKeyHex = "not-hex"

	_, err := New(cfg, discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth")
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg, discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
