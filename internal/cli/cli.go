// Package cli wires the dapper commands.
//
// Command structure:
//
//	dapper                      # root command
//	├── server                  # run the scheduling server
//	│   └── --listen, --flow, --data-dir, --journal, --checkpoint
//	├── client                  # run an execution client
//	│   └── --server, --domain, --listen, --announce
//	├── version                 # print the release version
//	├── --config, -c            # YAML config file (all commands)
//	└── --help
//
// Configuration comes from an optional YAML file; flags override the file,
// and built-in defaults fill whatever is left. The server command submits
// any flow definitions named on the command line or in the config after
// startup, then runs until SIGINT or SIGTERM. The client command runs until
// a signal arrives or the server orders a shutdown.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/carsomyr/dapper/internal/client"
	"github.com/carsomyr/dapper/internal/flowdef"
	"github.com/carsomyr/dapper/internal/metrics"
	"github.com/carsomyr/dapper/internal/server"
)

// Version is stamped into the root command and the version subcommand.
const Version = "0.3.0"

// Config is the on-disk YAML configuration. Zero values fall back to the
// defaults applied by applyDefaults after unmarshal.
type Config struct {
	Server struct {
		Listen             string   `yaml:"listen"`
		DataDir            string   `yaml:"data_dir"`
		JournalPath        string   `yaml:"journal_path"`
		CheckpointPath     string   `yaml:"checkpoint_path"`
		SyncJournal        bool     `yaml:"sync_journal"`
		SweepInterval      string   `yaml:"sweep_interval"`
		CheckpointInterval string   `yaml:"checkpoint_interval"`
		Flows              []string `yaml:"flows"`
	} `yaml:"server"`

	Client struct {
		Server   string `yaml:"server"`
		Listen   string `yaml:"listen"`
		Announce string `yaml:"announce"`
		Domain   string `yaml:"domain"`
	} `yaml:"client"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":12121"
	}
	if c.Server.JournalPath == "" {
		c.Server.JournalPath = "data/journal.log"
	}
	if c.Server.CheckpointPath == "" {
		c.Server.CheckpointPath = "data/checkpoint.json"
	}
	if c.Client.Server == "" {
		c.Client.Server = "localhost:12121"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

var configFile string

// BuildCLI assembles the root command with its subcommands and persistent
// flags.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dapper",
		Short: "Dapper: a distributed program execution runtime",
		Long: `Dapper schedules directed acyclic flows of codelets onto a pool of
connected clients. The server owns the flow graphs, places ready nodes onto
idle clients by domain, and drives each execution group through its
resource, prepare, and execute phases. Clients run the codelets and stream
intermediate data directly to each other.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")

	rootCmd.AddCommand(buildServerCommand())
	rootCmd.AddCommand(buildClientCommand())
	rootCmd.AddCommand(buildVersionCommand())

	return rootCmd
}

func buildServerCommand() *cobra.Command {
	var (
		listen         string
		dataDir        string
		journalPath    string
		checkpointPath string
		flows          []string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the scheduling server",
		Long:  "Start the server, recover persisted flows, and submit any definitions given with --flow.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if dataDir != "" {
				cfg.Server.DataDir = dataDir
			}
			if journalPath != "" {
				cfg.Server.JournalPath = journalPath
			}
			if checkpointPath != "" {
				cfg.Server.CheckpointPath = checkpointPath
			}
			cfg.Server.Flows = append(cfg.Server.Flows, flows...)
			return runServer(cfg)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "control listener address (overrides config)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory served to client data requests")
	cmd.Flags().StringVar(&journalPath, "journal", "", "journal file path")
	cmd.Flags().StringVar(&checkpointPath, "checkpoint", "", "checkpoint file path")
	cmd.Flags().StringArrayVar(&flows, "flow", nil, "flow definition to submit after startup (repeatable)")

	return cmd
}

func runServer(cfg *Config) error {
	log := buildLogger(cfg)

	sweepInterval, err := parseInterval("sweep_interval", cfg.Server.SweepInterval)
	if err != nil {
		return err
	}
	checkpointInterval, err := parseInterval("checkpoint_interval", cfg.Server.CheckpointInterval)
	if err != nil {
		return err
	}

	for _, path := range []string{cfg.Server.JournalPath, cfg.Server.CheckpointPath} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create state directory: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	srv, err := server.New(server.Config{
		ListenAddr:         cfg.Server.Listen,
		DataDir:            cfg.Server.DataDir,
		JournalPath:        cfg.Server.JournalPath,
		CheckpointPath:     cfg.Server.CheckpointPath,
		SyncJournal:        cfg.Server.SyncJournal,
		SweepInterval:      sweepInterval,
		CheckpointInterval: checkpointInterval,
		Loader:             flowdef.Load,
		Metrics:            metrics.NewCollector(reg),
		Log:                log,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	startMetrics(cfg, reg, log)

	for _, path := range cfg.Server.Flows {
		f, err := flowdef.Load(path)
		if err != nil {
			log.Error("Load flow definition failed", "path", path, "error", err)
			continue
		}
		if err := srv.Submit(f, path); err != nil {
			log.Error("Submit flow failed", "flow", f.Name(), "error", err)
			continue
		}
		log.Info("Flow submitted", "flow", f.Name(), "source", path)
	}

	waitForSignal(nil)
	log.Info("Shutting down")
	srv.Stop()
	return nil
}

func buildClientCommand() *cobra.Command {
	var (
		serverAddr string
		listen     string
		announce   string
		domain     string
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Start an execution client",
		Long:  "Connect to the server, announce the stream address and domain, and execute assigned codelets.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if serverAddr != "" {
				cfg.Client.Server = serverAddr
			}
			if listen != "" {
				cfg.Client.Listen = listen
			}
			if announce != "" {
				cfg.Client.Announce = announce
			}
			if domain != "" {
				cfg.Client.Domain = domain
			}
			return runClient(cfg)
		},
	}

	cmd.Flags().StringVar(&serverAddr, "server", "", "server control address (overrides config)")
	cmd.Flags().StringVar(&listen, "listen", "", "peer stream listener address")
	cmd.Flags().StringVar(&announce, "announce", "", "advertised stream address when behind NAT")
	cmd.Flags().StringVar(&domain, "domain", "", "execution domain matched against node patterns")

	return cmd
}

func runClient(cfg *Config) error {
	log := buildLogger(cfg)

	reg := prometheus.NewRegistry()
	c, err := client.New(client.ClientConfig{
		ServerAddr: cfg.Client.Server,
		ListenAddr: cfg.Client.Listen,
		Announce:   cfg.Client.Announce,
		Domain:     cfg.Client.Domain,
		Metrics:    metrics.NewCollector(reg),
		Log:        log,
	})
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	c.Start()

	startMetrics(cfg, reg, log)
	log.Info("Client running", "server", cfg.Client.Server, "domain", cfg.Client.Domain, "streams", c.Addr())

	waitForSignal(c.Done())
	log.Info("Shutting down")
	c.Stop()
	return nil
}

func buildVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the release version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dapper %s\n", Version)
		},
	}
}

// startMetrics exposes the registry over HTTP when the config asks for it.
func startMetrics(cfg *Config, reg *prometheus.Registry, log *slog.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}
	addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
	go func() {
		log.Info("Metrics listening", "addr", addr)
		if err := metrics.StartServer(addr, reg); err != nil {
			log.Error("Metrics server failed", "error", err)
		}
	}()
}

// waitForSignal blocks until SIGINT or SIGTERM arrives or done closes. A
// nil done never fires.
func waitForSignal(done <-chan struct{}) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
	case <-done:
	}
}

func buildLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch cfg.Log.Level {
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
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// loadConfig reads and parses the YAML config at path, then fills defaults.
// An empty path yields the pure defaults.
func loadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// parseInterval converts a config duration such as "500ms" or "10s". An
// empty value means unset and keeps the zero duration.
func parseInterval(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return d, nil
}
