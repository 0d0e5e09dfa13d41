package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"labkit/internal/protocol"
	"labkit/pkg/session"
)

// devicesCmd lists the hub's device registry
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices visible on the hub",
	Long: `Reads the hub device registry and prints every visible device with
its type, interface, firmware revision and status.

The STATUS column decodes the registry status flags: a firmware that is
older or newer than the hub needs an update before the device is usable.`,
	Args: cobra.NoArgs,
	RunE: runDevices,
}

func runDevices(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	s, err := connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	entries, err := s.VisibleDevices(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("hub %s:%d (version %s, revision %d)\n\n",
		cfg.Hub.Host, cfg.Hub.Port, s.ServerVersion(), s.ServerRevision())

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERIAL\tTYPE\tINTERFACE\tFW\tSTATUS\tCONNECTED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%v\n",
			e.Serial, e.DeviceType, e.Interface, e.FirmwareRevision,
			firmwareStatus(e), e.Connected)
	}
	return w.Flush()
}

func firmwareStatus(e session.DeviceEntry) string {
	switch {
	case e.StatusFlags&protocol.StatusFlagUpdating != 0:
		return "updating"
	case e.StatusFlags&protocol.StatusFlagFWOldBits != 0:
		return "fw older than hub"
	case e.StatusFlags&protocol.StatusFlagFWNewerBits != 0:
		return "fw newer than hub"
	default:
		return "ok"
	}
}
