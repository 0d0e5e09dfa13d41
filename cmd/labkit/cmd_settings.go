package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"labkit/pkg/settings"
)

var settingsWatch bool

// settingsCmd groups the settings snapshot commands
var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Save and restore device settings snapshots",
}

var settingsSaveCmd = &cobra.Command{
	Use:   "save <device> <file>",
	Short: "Capture the writable settings of a device to a file",
	Args:  cobra.ExactArgs(2),
	RunE:  runSettingsSave,
}

var settingsLoadCmd = &cobra.Command{
	Use:   "load <device> <file>",
	Short: "Apply a settings snapshot to a device",
	Long: `Applies a snapshot file to a device. Settings the device does not
know are skipped and reported.

With --watch the command keeps running and re-applies the file whenever
it changes on disk, so a snapshot can be edited live.`,
	Args: cobra.ExactArgs(2),
	RunE: runSettingsLoad,
}

func init() {
	settingsLoadCmd.Flags().BoolVar(&settingsWatch, "watch", false, "Re-apply the file on every change")
	settingsCmd.AddCommand(settingsSaveCmd)
	settingsCmd.AddCommand(settingsLoadCmd)
}

func runSettingsSave(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	s, err := connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	dev, err := s.ConnectDevice(ctx, args[0], "")
	if err != nil {
		return err
	}
	snap, err := settings.Capture(ctx, dev)
	if err != nil {
		return err
	}
	if err := settings.Save(args[1], snap); err != nil {
		return err
	}
	fmt.Printf("saved %d settings of %s to %s\n", len(snap.Values), snap.Serial, args[1])
	return nil
}

func runSettingsLoad(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	s, err := connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	dev, err := s.ConnectDevice(ctx, args[0], "")
	if err != nil {
		return err
	}

	if !settingsWatch {
		snap, err := settings.Load(args[1])
		if err != nil {
			return err
		}
		report, err := settings.Apply(ctx, dev, snap)
		if err != nil {
			return err
		}
		fmt.Printf("applied %d settings to %s\n", report.Applied, dev)
		for _, skipped := range report.Skipped {
			fmt.Printf("skipped %s\n", skipped)
		}
		return nil
	}

	// Watch mode runs until interrupted; the parent --timeout does not
	// bound it.
	watchCtx, stop := context.WithCancel(context.Background())
	defer stop()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	w, err := settings.Watch(watchCtx, dev, args[1], settings.WatchOptions{Logger: logger})
	if err != nil {
		return err
	}
	fmt.Printf("watching %s, ctrl-c to stop\n", args[1])
	<-sigCh
	w.Stop()

	stats := w.Stats()
	logger.Info("watcher stopped",
		zap.Int("applied", stats.Applied),
		zap.Int("skipped", stats.Skipped),
		zap.Int("errors", stats.Errors))
	fmt.Printf("applied %d, skipped %d, errors %d\n", stats.Applied, stats.Skipped, stats.Errors)
	return nil
}
