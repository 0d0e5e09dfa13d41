package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"labkit/internal/config"
	"labkit/internal/logging"
	"labkit/pkg/session"
)

var (
	// Global flags
	cfgPath string
	hubAddr string
	verbose bool
	timeout time.Duration

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "labkit",
	Short: "labkit - instrument control over a hub data server",
	Long: `labkit talks to a hub data server and the instruments connected
through it: device discovery, node reads and writes, live monitoring,
settings snapshots and sequencer uploads.

Every instrument exposes a tree of typed nodes; labkit addresses them
as /<serial>/<path>, e.g. /dev1000/oscs/0/freq.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if hubAddr != "" {
			if err := applyHubFlag(cfg, hubAddr); err != nil {
				return err
			}
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "Config file")
	rootCmd.PersistentFlags().StringVar(&hubAddr, "hub", "", "Hub address host:port (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Operation timeout")

	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "labkit.yaml"
	}
	return home + "/.config/labkit/labkit.yaml"
}

func applyHubFlag(c *config.Config, addr string) error {
	host, port, ok := strings.Cut(addr, ":")
	if !ok || host == "" {
		return fmt.Errorf("--hub wants host:port, got %q", addr)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("--hub port %q is not a number", port)
	}
	c.Hub.Host = host
	c.Hub.Port = n
	return nil
}

// commandContext returns a context bounded by --timeout and cancelled on
// SIGINT/SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// connect dials the configured hub.
func connect(ctx context.Context) (*session.Session, error) {
	return session.Connect(ctx, session.Options{
		Host:           cfg.Hub.Host,
		Port:           cfg.Hub.Port,
		APILevel:       cfg.Hub.APILevel,
		ClientName:     cfg.Hub.ClientName,
		ConnectTimeout: cfg.GetConnectTimeout(),
		Logger:         logger,
	})
}

// splitDevicePath splits an absolute node path into serial and the
// device-relative rest.
func splitDevicePath(path string) (serial, rel string, err error) {
	trimmed := strings.Trim(strings.ToLower(path), "/")
	serial, rel, ok := strings.Cut(trimmed, "/")
	if !ok || serial == "" {
		return "", "", fmt.Errorf("path %q wants the form /<serial>/<node path>", path)
	}
	return serial, rel, nil
}
