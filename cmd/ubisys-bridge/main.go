package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"ubisys-bridge/internal/coordinator"
	"ubisys-bridge/internal/hooks"
	"ubisys-bridge/internal/mqtt"
	"ubisys-bridge/internal/ncp"
	"ubisys-bridge/internal/notify"
	"ubisys-bridge/internal/store"
	"ubisys-bridge/internal/ubisys"
	"ubisys-bridge/internal/web"
	"ubisys-bridge/internal/zcl"
	"ubisys-bridge/internal/zcl/clusters"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	NCP struct {
		Type string `yaml:"type"` // "nrf52840"
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"ncp"`
	Network struct {
		Channel  uint8  `yaml:"channel"`
		PanID    uint16 `yaml:"pan_id"`
		ExtPanID string `yaml:"extended_pan_id"`
	} `yaml:"network"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telegram struct {
		BotToken string  `yaml:"bot_token"`
		ChatIDs  []int64 `yaml:"chat_ids"`
	} `yaml:"telegram"`
	Calibration struct {
		PollInterval     string `yaml:"poll_interval"`
		MaxWait          string `yaml:"max_wait"`
		SettleDelay      string `yaml:"settle_delay"`
		PositionPrepTime string `yaml:"position_prep_time"`
		MaxReadFailures  int    `yaml:"max_read_failures"`
		TiltSteps        uint16 `yaml:"tilt_steps"`
	} `yaml:"calibration"`
	HooksDir string `yaml:"hooks_dir"`
}

func (c *Config) validate() error {
	if c.NCP.Port == "" {
		return fmt.Errorf("ncp.port is required")
	}
	if c.Network.Channel < 11 || c.Network.Channel > 26 {
		return fmt.Errorf("network.channel must be 11-26, got %d", c.Network.Channel)
	}
	if c.Network.PanID == 0 || c.Network.PanID == 0xFFFF {
		return fmt.Errorf("network.pan_id must not be 0x0000 or 0xFFFF")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Telegram.BotToken != "" && len(c.Telegram.ChatIDs) == 0 {
		return fmt.Errorf("telegram.chat_ids is required when a bot token is set")
	}
	return nil
}

// calibrationConfig builds the engine config from the YAML section,
// keeping the engine defaults for anything not set.
func (c *Config) calibrationConfig() (ubisys.Config, error) {
	cfg := ubisys.DefaultConfig()

	parse := func(name, s string, dst *time.Duration) error {
		if s == "" {
			return nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("calibration.%s: %w", name, err)
		}
		*dst = d
		return nil
	}

	if err := parse("poll_interval", c.Calibration.PollInterval, &cfg.PollInterval); err != nil {
		return cfg, err
	}
	if err := parse("max_wait", c.Calibration.MaxWait, &cfg.MaxWait); err != nil {
		return cfg, err
	}
	if err := parse("settle_delay", c.Calibration.SettleDelay, &cfg.SettleDelay); err != nil {
		return cfg, err
	}
	if err := parse("position_prep_time", c.Calibration.PositionPrepTime, &cfg.PositionPrepTime); err != nil {
		return cfg, err
	}
	if c.Calibration.MaxReadFailures > 0 {
		cfg.MaxReadFailures = c.Calibration.MaxReadFailures
	}
	if c.Calibration.TiltSteps > 0 {
		cfg.TiltSteps = c.Calibration.TiltSteps
	}
	return cfg, nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	calCfg, err := cfg.calibrationConfig()
	if err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("ubisys-bridge starting", "version", version)

	registry := zcl.NewRegistry(logger)
	registerStandardClusters(registry)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	backend, err := createNCP(cfg, logger)
	if err != nil {
		logger.Error("create NCP backend", "err", err)
		os.Exit(1)
	}
	defer backend.Close()

	extPanID := [8]byte{}
	if cfg.Network.ExtPanID != "" {
		extPanID, err = coordinator.ParseExtPanID(cfg.Network.ExtPanID)
		if err != nil {
			logger.Error("parse ext pan id", "err", err)
			os.Exit(1)
		}
	}

	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(backend, db, registry, events, coordinator.Config{
		Channel:  cfg.Network.Channel,
		PanID:    cfg.Network.PanID,
		ExtPanID: extPanID,
	}, coordinator.NCPConfig{
		Type: cfg.NCP.Type,
		Port: cfg.NCP.Port,
		Baud: cfg.NCP.Baud,
	}, logger)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := coord.Start(startCtx); err != nil {
		logger.Error("start coordinator", "err", err)
		startCancel()
		os.Exit(1)
	}
	startCancel()

	engine := ubisys.NewOrchestrator(coord, db, events, calCfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))

	webServer := web.NewServer(coord, engine, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	var mqttBridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		mqttBridge, err = mqtt.NewBridge(coord, engine, mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			logger.Error("connect mqtt", "err", err)
			os.Exit(1)
		}
		mqttBridge.Start()
	}

	var telegram *notify.Telegram
	if cfg.Telegram.BotToken != "" {
		telegram, err = notify.NewTelegram(events, notify.Config{
			Token:   cfg.Telegram.BotToken,
			ChatIDs: cfg.Telegram.ChatIDs,
		}, logger)
		if err != nil {
			logger.Error("connect telegram", "err", err)
			os.Exit(1)
		}
		telegram.Start()
	}

	hookRunner, err := hooks.NewRunner(events, cfg.HooksDir, logger)
	if err != nil {
		logger.Error("load hooks", "err", err)
		os.Exit(1)
	}
	hookRunner.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	hookRunner.Stop()
	if telegram != nil {
		telegram.Stop()
	}
	if mqttBridge != nil {
		mqttBridge.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	coord.Stop()

	logger.Info("goodbye")
}

func createNCP(cfg *Config, logger *slog.Logger) (ncp.NCP, error) {
	switch cfg.NCP.Type {
	case "nrf52840", "":
		logger.Info("using nRF52840 NCP (ZBOSS/HDLC)", "port", cfg.NCP.Port, "baud", cfg.NCP.Baud)
		return ncp.NewDriver(cfg.NCP.Port, cfg.NCP.Baud, logger)
	default:
		return nil, fmt.Errorf("unknown NCP type: %q (supported: nrf52840)", cfg.NCP.Type)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "ubisys-bridge.db"
	}
	if cfg.NCP.Baud == 0 {
		cfg.NCP.Baud = 460800
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "ubisys"
	}
	if cfg.HooksDir == "" {
		cfg.HooksDir = "hooks"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func registerStandardClusters(r *zcl.Registry) {
	r.Register(clusters.Basic)          // 0x0000
	r.Register(clusters.OnOff)          // 0x0006
	r.Register(clusters.LevelControl)   // 0x0008
	r.Register(clusters.WindowCovering) // 0x0102
}
