package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func serverViper(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	fs := pflag.NewFlagSet("server", pflag.ContinueOnError)
	ServerFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatal(err)
	}
	v := New()
	if err := Bind(v, fs); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestServerDefaults(t *testing.T) {
	cfg, err := LoadServer(serverViper(t))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LockTTL != 5*time.Minute || cfg.StoreDriver != "sqlite" || cfg.SendBuffer != 64 || !cfg.MetricsEnabled {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestServerPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shoplist.yaml")
	if err := os.WriteFile(path, []byte(`
listen: 0.0.0.0:9000
store:
  driver: memory
lock:
  ttl: 2m
groups:
  family: [x, y]
`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SHOPLIST_WS_SEND_BUFFER", "8")
	t.Setenv("SHOPLIST_LOCK_TTL", "3m")

	cfg, err := LoadServer(serverViper(t, "--config", path, "--lock.ttl", "90s"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != "0.0.0.0:9000" || cfg.StoreDriver != "memory" {
		t.Fatalf("config file ignored: %+v", cfg)
	}
	if cfg.SendBuffer != 8 {
		t.Fatalf("env ignored: send buffer %d", cfg.SendBuffer)
	}
	if cfg.LockTTL != 90*time.Second {
		t.Fatalf("flag must win over env and file: ttl %v", cfg.LockTTL)
	}
	if got := cfg.Groups["family"]; len(got) != 2 || got[0] != "x" {
		t.Fatalf("groups = %v", cfg.Groups)
	}
}

func TestServerValidate(t *testing.T) {
	for name, tc := range map[string]struct {
		args []string
		key  string
	}{
		"driver":   {[]string{"--store.driver", "mongo"}, KeyStoreDriver},
		"postgres": {[]string{"--store.driver", "postgres", "--store.dsn", ""}, KeyStoreDSN},
		"ttl":      {[]string{"--lock.ttl", "0s"}, KeyLockTTL},
		"buffer":   {[]string{"--ws.send-buffer", "0"}, KeySendBuffer},
		"webhook":  {[]string{"--notify.webhook-url", "not a url"}, KeyWebhookURL},
		"level":    {[]string{"--log.level", "loud"}, KeyLogLevel},
		"format":   {[]string{"--log.format", "xml"}, KeyLogFormat},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadServer(serverViper(t, tc.args...))
			if err == nil || !strings.Contains(err.Error(), tc.key) {
				t.Fatalf("got %v, want error naming %s", err, tc.key)
			}
		})
	}
}

func TestClient(t *testing.T) {
	fs := pflag.NewFlagSet("client", pflag.ContinueOnError)
	ClientFlags(fs)
	if err := fs.Parse([]string{"--server", "http://example.com:8080/"}); err != nil {
		t.Fatal(err)
	}
	v := New()
	if err := Bind(v, fs); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadClient(v); err == nil || !strings.Contains(err.Error(), KeyActorID) {
		t.Fatalf("missing actor id accepted: %v", err)
	}

	t.Setenv("SHOPLIST_ACTOR_ID", "x")
	cfg, err := LoadClient(v)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server != "http://example.com:8080" || cfg.ActorName != "x" || cfg.MaxAttempts != 10 || cfg.ConnectTimeout != 10*time.Second {
		t.Fatalf("unexpected client config %+v", cfg)
	}
}
