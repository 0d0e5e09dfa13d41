package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"labkit/internal/simulator"
)

var (
	serveListen  string
	serveDevices string
	serveTick    time.Duration
)

// serveCmd runs the simulated hub
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a simulated hub with simulated devices",
	Long: `Serves the hub RPC endpoint backed by simulated devices, for
development and testing without hardware.

--devices takes a comma-separated list of model:serial pairs; models are
LIA, AWG and MK1.

Example:
  labkit serve --listen :8004 --devices LIA:dev1000,AWG:dev2000`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", ":8004", "Listen address")
	serveCmd.Flags().StringVar(&serveDevices, "devices", "LIA:dev1000,AWG:dev2000", "Simulated devices as model:serial pairs")
	serveCmd.Flags().DurationVar(&serveTick, "tick", 50*time.Millisecond, "Streaming update interval")
}

func runServe(cmd *cobra.Command, args []string) error {
	hub := simulator.New(simulator.Options{TickInterval: serveTick})
	if err := addModels(hub, serveDevices); err != nil {
		return err
	}
	defer hub.Close()

	srv := &http.Server{Addr: serveListen, Handler: hub.Handler()}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("simulated hub listening",
			zap.String("addr", serveListen),
			zap.String("devices", serveDevices))
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func addModels(hub *simulator.Hub, spec string) error {
	ctors := map[string]func(string) simulator.Model{
		"LIA": simulator.NewLIA,
		"AWG": simulator.NewAWG,
		"MK1": simulator.NewMK1,
	}
	for _, pair := range strings.Split(spec, ",") {
		model, serial, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || serial == "" {
			return fmt.Errorf("--devices entry %q wants model:serial", pair)
		}
		ctor, ok := ctors[strings.ToUpper(model)]
		if !ok {
			return fmt.Errorf("unknown device model %q (valid: LIA, AWG, MK1)", model)
		}
		hub.Add(ctor(strings.ToLower(serial)))
	}
	return nil
}
