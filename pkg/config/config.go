// Package config loads server and client settings from flags, SHOPLIST_*
// environment variables and an optional config file, in that order of
// precedence.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/astromechza/shoplist-sync/pkg/logging"
	"github.com/astromechza/shoplist-sync/pkg/store"
)

const EnvPrefix = "SHOPLIST"

const (
	KeyConfig = "config"

	KeyListen         = "listen"
	KeyStoreDriver    = "store.driver"
	KeyStoreDSN       = "store.dsn"
	KeyLockTTL        = "lock.ttl"
	KeySendBuffer     = "ws.send-buffer"
	KeyWriteTimeout   = "ws.write-timeout"
	KeyPingInterval   = "ws.ping-interval"
	KeyWebhookURL     = "notify.webhook-url"
	KeyNotifyWorkers  = "notify.workers"
	KeyNotifyTimeout  = "notify.timeout"
	KeyGroups         = "groups"
	KeyLogLevel       = "log.level"
	KeyLogFormat      = "log.format"
	KeyMetricsEnabled = "metrics.enabled"

	KeyServer         = "server"
	KeyActorID        = "actor.id"
	KeyActorName      = "actor.name"
	KeyConnectTimeout = "connect-timeout"
	KeyReconnectDelay = "reconnect-delay"
	KeyMaxAttempts    = "max-attempts"
)

type Server struct {
	Listen         string
	StoreDriver    string
	StoreDSN       string
	LockTTL        time.Duration
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	WebhookURL     string
	NotifyWorkers  int
	NotifyTimeout  time.Duration
	Groups         map[string][]string
	LogLevel       string
	LogFormat      string
	MetricsEnabled bool
}

type Client struct {
	Server         string
	ActorID        string
	ActorName      string
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	MaxAttempts    int
	LogLevel       string
	LogFormat      string
}

// New returns a viper instance reading SHOPLIST_ environment variables, where
// STORE_DSN maps to store.dsn and WS_SEND_BUFFER to ws.send-buffer.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

func ServerFlags(fs *pflag.FlagSet) {
	fs.String(KeyConfig, "", "path to a yaml, toml or json config file")
	fs.String(KeyListen, "localhost:8080", "the address to listen on")
	fs.String(KeyStoreDriver, store.DriverSQLite, "store driver: memory, sqlite or postgres")
	fs.String(KeyStoreDSN, "shoplist.sqlite3", "sqlite path or postgres connection url")
	fs.Duration(KeyLockTTL, 5*time.Minute, "age after which an item lock expires")
	fs.Int(KeySendBuffer, 64, "frames buffered per realtime connection before drops")
	fs.Duration(KeyWriteTimeout, 10*time.Second, "websocket write deadline")
	fs.Duration(KeyPingInterval, 30*time.Second, "websocket keepalive ping interval")
	fs.String(KeyWebhookURL, "", "url receiving push notifications; notifications are only logged when empty")
	fs.Int(KeyNotifyWorkers, 4, "concurrent notification sends")
	fs.Duration(KeyNotifyTimeout, 5*time.Second, "timeout of a single notification send")
	fs.String(KeyLogLevel, "info", "log level: debug, info, warn or error")
	fs.String(KeyLogFormat, logging.FormatText, "log format: text or json")
	fs.Bool(KeyMetricsEnabled, true, "serve prometheus metrics on /metrics")
}

func ClientFlags(fs *pflag.FlagSet) {
	fs.String(KeyConfig, "", "path to a yaml, toml or json config file")
	fs.String(KeyServer, "http://127.0.0.1:8080", "base url of the sync server")
	fs.String(KeyActorID, "", "actor id sent with every request")
	fs.String(KeyActorName, "", "display name shown to other users")
	fs.Duration(KeyConnectTimeout, 10*time.Second, "timeout of one realtime connection attempt")
	fs.Duration(KeyReconnectDelay, time.Second, "delay before reconnecting after a dropped connection")
	fs.Int(KeyMaxAttempts, 10, "failed connection attempts retried before giving up")
	fs.String(KeyLogLevel, "warn", "log level: debug, info, warn or error")
	fs.String(KeyLogFormat, logging.FormatText, "log format: text or json")
}

// Bind binds every flag of fs to the viper key of the same name and reads the
// config file named by --config, if any.
func Bind(v *viper.Viper, fs *pflag.FlagSet) error {
	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	if path := strings.TrimSpace(v.GetString(KeyConfig)); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %q: %w", path, err)
		}
	}
	return nil
}

func LoadServer(v *viper.Viper) (Server, error) {
	cfg := Server{
		Listen:         strings.TrimSpace(v.GetString(KeyListen)),
		StoreDriver:    strings.ToLower(strings.TrimSpace(v.GetString(KeyStoreDriver))),
		StoreDSN:       strings.TrimSpace(v.GetString(KeyStoreDSN)),
		LockTTL:        v.GetDuration(KeyLockTTL),
		SendBuffer:     v.GetInt(KeySendBuffer),
		WriteTimeout:   v.GetDuration(KeyWriteTimeout),
		PingInterval:   v.GetDuration(KeyPingInterval),
		WebhookURL:     strings.TrimSpace(v.GetString(KeyWebhookURL)),
		NotifyWorkers:  v.GetInt(KeyNotifyWorkers),
		NotifyTimeout:  v.GetDuration(KeyNotifyTimeout),
		Groups:         v.GetStringMapStringSlice(KeyGroups),
		LogLevel:       v.GetString(KeyLogLevel),
		LogFormat:      v.GetString(KeyLogFormat),
		MetricsEnabled: v.GetBool(KeyMetricsEnabled),
	}
	return cfg, cfg.Validate()
}

func (c Server) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("%s must not be empty", KeyListen)
	}
	switch c.StoreDriver {
	case store.DriverMemory, store.DriverSQLite, store.DriverPostgres:
	default:
		return fmt.Errorf("%s: unknown driver %q", KeyStoreDriver, c.StoreDriver)
	}
	if c.StoreDriver == store.DriverPostgres && c.StoreDSN == "" {
		return fmt.Errorf("%s is required for the postgres driver", KeyStoreDSN)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("%s must be positive", KeyLockTTL)
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("%s must be at least 1", KeySendBuffer)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%s must be positive", KeyWriteTimeout)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("%s must be positive", KeyPingInterval)
	}
	if c.WebhookURL != "" {
		if u, err := url.Parse(c.WebhookURL); err != nil || u.Host == "" {
			return fmt.Errorf("%s: invalid url %q", KeyWebhookURL, c.WebhookURL)
		}
	}
	if c.NotifyWorkers < 1 {
		return fmt.Errorf("%s must be at least 1", KeyNotifyWorkers)
	}
	if c.NotifyTimeout <= 0 {
		return fmt.Errorf("%s must be positive", KeyNotifyTimeout)
	}
	return validateLogging(c.LogLevel, c.LogFormat)
}

func LoadClient(v *viper.Viper) (Client, error) {
	cfg := Client{
		Server:         strings.TrimRight(strings.TrimSpace(v.GetString(KeyServer)), "/"),
		ActorID:        strings.TrimSpace(v.GetString(KeyActorID)),
		ActorName:      strings.TrimSpace(v.GetString(KeyActorName)),
		ConnectTimeout: v.GetDuration(KeyConnectTimeout),
		ReconnectDelay: v.GetDuration(KeyReconnectDelay),
		MaxAttempts:    v.GetInt(KeyMaxAttempts),
		LogLevel:       v.GetString(KeyLogLevel),
		LogFormat:      v.GetString(KeyLogFormat),
	}
	if cfg.ActorName == "" {
		cfg.ActorName = cfg.ActorID
	}
	return cfg, cfg.Validate()
}

func (c Client) Validate() error {
	if u, err := url.Parse(c.Server); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s: invalid url %q", KeyServer, c.Server)
	}
	if c.ActorID == "" {
		return fmt.Errorf("%s must be set", KeyActorID)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%s must be positive", KeyConnectTimeout)
	}
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("%s must not be negative", KeyReconnectDelay)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("%s must be at least 1", KeyMaxAttempts)
	}
	return validateLogging(c.LogLevel, c.LogFormat)
}

func validateLogging(level, format string) error {
	if _, err := logging.ParseLevel(level); err != nil {
		return fmt.Errorf("%s: %w", KeyLogLevel, err)
	}
	switch strings.ToLower(format) {
	case logging.FormatText, logging.FormatJSON:
	default:
		return fmt.Errorf("%s: unknown format %q", KeyLogFormat, format)
	}
	return nil
}

// WatchLogLevel re-reads log.level whenever the config file changes and
// applies it to level. It does nothing when no config file is in use.
func WatchLogLevel(v *viper.Viper, level *slog.LevelVar, log *slog.Logger) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if l, err := logging.ParseLevel(v.GetString(KeyLogLevel)); err != nil {
			log.Warn("ignoring invalid log level from config file", "file", e.Name, "err", err)
		} else if l != level.Level() {
			level.Set(l)
			log.Info("log level changed", "file", e.Name, "level", l.String())
		}
	})
	v.WatchConfig()
}
