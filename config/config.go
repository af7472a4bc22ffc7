// Package config loads the YAML configuration shared by the server and the
// client commands.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alimasry/go-collab-notes/protocol"
)

type Config struct {
	Server Server `yaml:"server"`
	Client Client `yaml:"client"`
	Log    Log    `yaml:"log"`
}

type Server struct {
	Addr              string        `yaml:"addr"`
	Store             string        `yaml:"store"` // memory, sqlite or firestore
	SQLitePath        string        `yaml:"sqlite_path"`
	FirestoreProject  string        `yaml:"firestore_project"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	MaxMessagesPerSec float64       `yaml:"max_messages_per_second"`
	MessageBurst      int           `yaml:"message_burst"`
}

type Client struct {
	ServerURL      string        `yaml:"server_url"`
	Name           string        `yaml:"name"`
	Avatar         string        `yaml:"avatar"`
	Mode           protocol.Mode `yaml:"mode"`
	DBPath         string        `yaml:"db_path"`
	IdleSave       time.Duration `yaml:"idle_save"`
	LineDebounce   time.Duration `yaml:"line_debounce"`
	CursorThrottle time.Duration `yaml:"cursor_throttle"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type Log struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

var ErrInvalid = errors.New("invalid config")

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: Server{
			Addr:              ":8080",
			Store:             "memory",
			SQLitePath:        "memos.db",
			FlushInterval:     5 * time.Second,
			MaxMessagesPerSec: 50,
			MessageBurst:      100,
		},
		Client: Client{
			ServerURL:      "ws://localhost:8080/ws",
			Mode:           protocol.ModeVersioned,
			DBPath:         "memos-local.db",
			IdleSave:       5 * time.Second,
			LineDebounce:   100 * time.Millisecond,
			CursorThrottle: 150 * time.Millisecond,
			ReconnectDelay: 5 * time.Second,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping fields the document leaves out.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Server.Store {
	case "memory", "sqlite", "firestore":
	default:
		return fmt.Errorf("%w: unknown store %q", ErrInvalid, c.Server.Store)
	}
	if c.Server.Store == "firestore" && c.Server.FirestoreProject == "" {
		return fmt.Errorf("%w: firestore store needs firestore_project", ErrInvalid)
	}
	if !c.Client.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalid, c.Client.Mode)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		return fmt.Errorf("%w: unknown log format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("%w: log level %q", ErrInvalid, s)
	}
	return l, nil
}

// NewLogger builds the process logger described by c.
func (c Log) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
