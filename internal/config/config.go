// Package config resolves notifysms settings from built-in defaults, an
// optional TOML file, and NOTIFYSMS_* environment variables. Command-line
// flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/mbrock/notifysms/internal/dirs"
	"github.com/mbrock/notifysms/internal/notify"
)

// Duration is a time.Duration written as "10s" in the config file.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// NotificationConfig holds the user-visible parts of the status notification.
type NotificationConfig struct {
	Title string `toml:"title"`
	Text  string `toml:"text"`
	Icon  string `toml:"icon"`
}

// Config is the resolved configuration.
type Config struct {
	Backend    string `toml:"backend"`
	StateDir   string `toml:"state_dir"`
	RuntimeDir string `toml:"runtime_dir"`
	Debug      bool   `toml:"debug"`

	GraceWindow     Duration `toml:"grace_window"`
	RestartSec      Duration `toml:"restart_sec"`
	RestartBurst    int      `toml:"restart_burst"`
	RestartInterval Duration `toml:"restart_interval"`

	// EntryUnit is the unit the notification's action launches.
	EntryUnit string `toml:"entry_unit"`

	Channel      notify.Channel     `toml:"channel"`
	Notification NotificationConfig `toml:"notification"`
}

// StatusNotificationID is the reserved identity of the status notification.
const StatusNotificationID = 1

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		StateDir:        dirs.StateDir(),
		RuntimeDir:      dirs.RuntimeDir(),
		GraceWindow:     Duration(10 * time.Second),
		RestartSec:      Duration(time.Second),
		RestartBurst:    5,
		RestartInterval: Duration(10 * time.Second),
		EntryUnit:       "notifysms-app.service",
		Channel: notify.Channel{
			ID:          "sms_background_service",
			Name:        "SMS Background Service",
			Description: "Serviço para envio de SMS em background",
			Importance:  notify.ImportanceLow,
			ShowBadge:   false,
		},
		Notification: NotificationConfig{
			Title: "Notify SMS",
			Text:  "Enviando mensagens em background...",
			Icon:  "mail-message-new",
		},
	}
}

// Path returns the config file location: NOTIFYSMS_CONFIG if set, else
// config.toml in the XDG config directory.
func Path() string {
	if v := os.Getenv("NOTIFYSMS_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(dirs.ConfigDir(), "config.toml")
}

// Load returns the defaults overlaid with the file at path (if it exists)
// and then the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("reading config: %w", err)
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("NOTIFYSMS_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := os.Getenv("NOTIFYSMS_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("NOTIFYSMS_RUNTIME_DIR"); v != "" {
		c.RuntimeDir = v
	}
	if v := os.Getenv("NOTIFYSMS_DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("NOTIFYSMS_DEBUG: %w", err)
		}
		c.Debug = debug
	}
	return nil
}

// Validate rejects configurations the executor cannot run with.
func (c Config) Validate() error {
	switch c.Backend {
	case "", "systemd", "local":
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Channel.ID == "" {
		return errors.New("channel id is empty")
	}
	if c.GraceWindow <= 0 {
		return errors.New("grace_window must be positive")
	}
	if c.RestartBurst < 1 {
		return errors.New("restart_burst must be at least 1")
	}
	return nil
}

// StatusNotification builds the persistent notification the executor posts.
func (c Config) StatusNotification() notify.Notification {
	return notify.Notification{
		ID:         StatusNotificationID,
		ChannelID:  c.Channel.ID,
		Title:      c.Notification.Title,
		Text:       c.Notification.Text,
		Icon:       c.Notification.Icon,
		Ongoing:    true,
		AutoCancel: false,
		Action: &notify.Action{
			Label:  "Open",
			Target: c.EntryUnit,
			Flags:  notify.LaunchNewTask | notify.LaunchClearTask,
		},
	}
}

// ChannelsPath is where the channel registry is persisted.
func (c Config) ChannelsPath() string {
	return filepath.Join(c.StateDir, "channels.toml")
}

// RequestPath is where a pending start request is handed to the executor.
func (c Config) RequestPath() string {
	return filepath.Join(c.RuntimeDir, "start-request.json")
}
