// Package main provides the v2icoord binary entry point.
// v2icoord coordinates vehicle-to-infrastructure traffic: signal priority
// for emergency vehicles, geofenced alerts, flow optimization and density
// prediction, served over NATS.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/v2icoord/config"
	"github.com/c360studio/v2icoord/model"
	"github.com/c360studio/v2icoord/prediction"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "v2icoord"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "V2I coordination and traffic-density prediction engine",
		Long: `v2icoord coordinates communication between vehicles and road infrastructure.

It provides:
- Vehicle registration with communication attributes
- Signal priority for emergency vehicles along their route
- Geofenced alert broadcasting
- Segment flow optimization and traffic-density prediction

Requests are served over NATS; a websocket dashboard and Prometheus
metrics are exposed over HTTP.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")

	cmd.AddCommand(
		serveCmd(&configPath),
		predictCmd(),
		configCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)
	return cmd
}

func serveCmd(configPath *string) *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath, logLevel)
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	return cmd
}

// newLogger builds the process logger around a LevelVar so the level can
// change at runtime.
func newLogger(w io.Writer, format string, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func runServe(ctx context.Context, configPath, logLevel string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	loader := config.NewLoader(nil)
	cfg, err := loader.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	level, err := config.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(level)
	logger := newLogger(os.Stderr, cfg.Logging.Format, levelVar)
	slog.SetDefault(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}

	// Setup signal handling
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := app.Start(signalCtx); err != nil {
		app.Shutdown(5 * time.Second)
		return err
	}
	defer app.Shutdown(30 * time.Second)

	watcher, err := configWatcher(loader, configPath, levelVar, logLevel != "", logger)
	if err != nil {
		logger.Warn("Config watcher disabled", "error", err)
	}

	return app.Run(signalCtx, watcher)
}

// configWatcher watches the explicit or project config file and applies
// logging level changes. Other settings need a restart.
func configWatcher(loader *config.Loader, configPath string, levelVar *slog.LevelVar, pinned bool, logger *slog.Logger) (*config.Watcher, error) {
	path := configPath
	if path == "" {
		path = loader.FindProjectConfig()
	}
	if path == "" || pinned {
		return nil, nil
	}

	return config.NewWatcher(config.WatcherConfig{
		Path:   path,
		Reload: func() (*config.Config, error) { return loader.Load(configPath) },
		OnChange: func(cfg *config.Config) {
			level, err := config.ParseLevel(cfg.Logging.Level)
			if err != nil {
				return
			}
			if level != levelVar.Level() {
				levelVar.Set(level)
				logger.Info("Log level changed", "level", level.String())
			}
		},
		Logger: logger,
	})
}

func predictCmd() *cobra.Command {
	var (
		lat, lng  float64
		hour, day int
		hours     int
	)

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Predict traffic density at a location",
		Long: `Predict traffic density at a location and print the result as JSON.

With --hours, prints an hourly pattern starting at the current hour instead.
Hour and day default to the current time; days count from Monday = 0.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if !cmd.Flags().Changed("hour") {
				hour = now.Hour()
			}
			if !cmd.Flags().Changed("day") {
				day = prediction.Weekday(now)
			}
			return runPredict(cmd.OutOrStdout(), lat, lng, hour, day, hours)
		},
	}

	cmd.Flags().Float64Var(&lat, "lat", 0, "Latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "Longitude")
	cmd.Flags().IntVar(&hour, "hour", 0, "Hour of day (0-23)")
	cmd.Flags().IntVar(&day, "day", 0, "Day of week (0 = Monday)")
	cmd.Flags().IntVar(&hours, "hours", 0, "Predict an hourly pattern this many hours ahead")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lng")
	return cmd
}

func runPredict(w io.Writer, lat, lng float64, hour, day, hours int) error {
	loc := model.Location{Lat: lat, Lng: lng}
	if err := loc.Validate(); err != nil {
		return err
	}

	p := prediction.New()
	var out any
	if hours > 0 {
		out = p.PredictPattern(lat, lng, hours, nil)
	} else {
		out = p.PredictDensity(lat, lng, hour, day, nil)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func configCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write a default config file (user config if no path is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := initConfig(args)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewLoader(nil).Load(*configPath)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})

	return cmd
}

func initConfig(args []string) (string, error) {
	if len(args) == 0 {
		return config.NewLoader(nil).EnsureUserConfig()
	}
	path := args[0]
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%s already exists", path)
	}
	if err := config.DefaultConfig().SaveToFile(path); err != nil {
		return "", err
	}
	return path, nil
}
