package config

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/kkyr/fig"
	"github.com/spf13/pflag"
)

const (
	EnvPrefix = "MESH"

	defaultFile = "coordinator.yaml"
)

type (
	Config struct {
		Log   Log   `fig:"log"`
		API   API   `fig:"api"`
		WS    WS    `fig:"ws"`
		Relay Relay `fig:"relay"`
	}

	Log struct {
		Level string `fig:"level" default:"info"`
	}

	API struct {
		ListenAddr string `fig:"listen_addr" default:":8080"`
	}

	WS struct {
		ListenAddr    string  `fig:"listen_addr" default:":8888"`
		AllowedOrigin string  `fig:"allowed_origin" default:"*"`
		MessageRate   float64 `fig:"message_rate" default:"50"`
		MessageBurst  int     `fig:"message_burst" default:"100"`
	}

	Relay struct {
		// RequireSharedRoom refuses to relay negotiation messages between
		// connections that are not members of a common room.
		RequireSharedRoom bool `fig:"require_shared_room"`
	}
)

// Load builds the coordinator config. Values come from defaults, then
// coordinator.yaml (searched in . and configs, or the --config path),
// then MESH_ prefixed env vars, then explicitly set command line flags.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("coordinator", pflag.ContinueOnError)
	var (
		path          = fs.StringP("config", "c", "", "path to config file")
		apiListenAddr = fs.StringP("api-listen-addr", "a", "", "api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", "", "websocket signaling listen address")
		logLevel      = fs.StringP("log-level", "l", "", "log level")
		allowedOrigin = fs.String("allowed-origin", "", "origin allowed to connect from browsers")
	)
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("cannot parse flags: %w", err)
	}

	cfg := &Config{}
	if err := loadFile(cfg, *path); err != nil {
		return nil, err
	}

	if fs.Changed("api-listen-addr") {
		cfg.API.ListenAddr = *apiListenAddr
	}
	if fs.Changed("ws-listen-addr") {
		cfg.WS.ListenAddr = *wsListenAddr
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if fs.Changed("allowed-origin") {
		cfg.WS.AllowedOrigin = *allowedOrigin
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	if path != "" {
		err := fig.Load(cfg,
			fig.File(filepath.Base(path)),
			fig.Dirs(filepath.Dir(path)),
			fig.UseEnv(EnvPrefix))
		if err != nil {
			return fmt.Errorf("cannot load config %s: %w", path, err)
		}
		return nil
	}

	err := fig.Load(cfg, fig.File(defaultFile), fig.Dirs(".", "configs"), fig.UseEnv(EnvPrefix))
	if errors.Is(err, fig.ErrFileNotFound) {
		err = fig.Load(cfg, fig.IgnoreFile(), fig.UseEnv(EnvPrefix))
	}
	if err != nil {
		return fmt.Errorf("cannot load config: %w", err)
	}
	return nil
}
