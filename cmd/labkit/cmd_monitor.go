package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"labkit/cmd/labkit/ui"
	"labkit/internal/recorder"
	"labkit/pkg/nodetree"
	"labkit/pkg/session"
)

var (
	monitorRecord bool
	monitorPlain  bool
)

// monitorCmd streams subscribed nodes live
var monitorCmd = &cobra.Command{
	Use:   "monitor <path...>",
	Short: "Live view of streaming node values",
	Long: `Subscribes the given nodes and shows their values live in a table.
Streaming nodes push at the device rate; plain nodes update on change.

--record writes every polled value to the sample database, --plain
streams lines to stdout instead of the table view.

Examples:
  labkit monitor /dev1000/demods/0/sample
  labkit monitor /dev1000/demods/0/sample /dev1000/oscs/0/freq --record`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().BoolVar(&monitorRecord, "record", false, "Record polled values to the sample database")
	monitorCmd.Flags().BoolVar(&monitorPlain, "plain", false, "Line output instead of the table view")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	// The monitor runs until interrupted; --timeout does not bound it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, cfg.GetConnectTimeout())
	defer cancel()
	s, err := connect(connectCtx)
	if err != nil {
		return err
	}
	defer s.Close()

	nodes, err := resolveNodes(ctx, s, args)
	if err != nil {
		return err
	}
	for _, node := range nodes {
		if err := node.Subscribe(ctx); err != nil {
			return fmt.Errorf("subscribe %s: %w", node.Path(), err)
		}
	}

	var rec *recorder.Recorder
	var runID string
	if monitorRecord {
		rec, err = recorder.Open(cfg.Recorder.DatabasePath, logger)
		if err != nil {
			return err
		}
		defer rec.Close()
		runID, err = rec.BeginRun(cfg.HubURL(), fmt.Sprintf("monitor %v", args))
		if err != nil {
			return err
		}
		logger.Info("recording samples",
			zap.String("run", runID),
			zap.String("database", cfg.Recorder.DatabasePath))
	}

	poll := func(pollCtx context.Context) (map[string][]nodetree.Value, error) {
		polled, err := s.Poll(pollCtx, cfg.GetRefreshInterval())
		if err != nil {
			return nil, err
		}
		if rec != nil {
			var flat []nodetree.Value
			for _, values := range polled {
				flat = append(flat, values...)
			}
			if err := rec.WriteValues(runID, flat); err != nil {
				return nil, err
			}
		}
		return polled, nil
	}

	if monitorPlain {
		err = monitorPlainLoop(ctx, poll)
	} else {
		err = ui.Run(ctx, ui.MonitorOptions{
			Paths:   args,
			Refresh: cfg.GetRefreshInterval(),
			MaxRows: cfg.Monitor.MaxRows,
			Poll: func(pollCtx context.Context) (map[string][]ui.Update, error) {
				polled, err := poll(pollCtx)
				if err != nil {
					return nil, err
				}
				out := make(map[string][]ui.Update, len(polled))
				for path, values := range polled {
					updates := make([]ui.Update, 0, len(values))
					for _, v := range values {
						updates = append(updates, ui.Update{
							Path:      v.Path,
							Type:      string(v.Type),
							Value:     ui.FormatValue(v),
							Timestamp: v.Timestamp,
						})
					}
					out[path] = updates
				}
				return out, nil
			},
		})
	}
	if err != nil && ctx.Err() == nil {
		return err
	}

	if rec != nil {
		summary, err := rec.RunSummary(runID)
		if err != nil {
			return err
		}
		fmt.Printf("\nrun %s\n", runID)
		for path, count := range summary.CountPerPath {
			fmt.Printf("%s\t%d samples\n", path, count)
		}
	}
	return nil
}

func monitorPlainLoop(ctx context.Context, poll func(context.Context) (map[string][]nodetree.Value, error)) error {
	for {
		polled, err := poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, values := range polled {
			for _, v := range values {
				fmt.Fprintf(os.Stdout, "%d\t%s\t%s\n", v.Timestamp, v.Path, ui.FormatValue(v))
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// resolveNodes connects the devices named in the paths and returns the
// node handles.
func resolveNodes(ctx context.Context, s *session.Session, paths []string) ([]nodetree.Node, error) {
	nodes := make([]nodetree.Node, 0, len(paths))
	for _, path := range paths {
		serial, rel, err := splitDevicePath(path)
		if err != nil {
			return nil, err
		}
		dev, err := s.ConnectDevice(ctx, serial, "")
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, dev.Node(rel))
	}
	return nodes, nil
}
