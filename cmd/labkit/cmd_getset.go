package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"labkit/cmd/labkit/ui"
)

// getCmd reads node values
var getCmd = &cobra.Command{
	Use:   "get <path...>",
	Short: "Read node values",
	Long: `Reads one or more nodes directly from the device and prints the
values. Paths are absolute (/<serial>/<node path>) and may contain *
wildcards.

Examples:
  labkit get /dev1000/oscs/0/freq
  labkit get "/dev1000/demods/*/rate"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGet,
}

// setCmd writes a node value
var setCmd = &cobra.Command{
	Use:   "set <path> <value>",
	Short: "Write a node value",
	Long: `Writes a node and prints the value the device acknowledged. The
value is parsed as integer, then float, then string; enum nodes accept
their keywords (e.g. "on").

Examples:
  labkit set /dev1000/oscs/0/freq 10e3
  labkit set /dev2000/awgs/0/enable on`,
	Args: cobra.ExactArgs(2),
	RunE: runSet,
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	s, err := connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	for _, path := range args {
		serial, rel, err := splitDevicePath(path)
		if err != nil {
			return err
		}
		dev, err := s.ConnectDevice(ctx, serial, "")
		if err != nil {
			return err
		}

		if strings.Contains(rel, "*") {
			values, err := dev.Node(rel).GetAll(ctx)
			if err != nil {
				return err
			}
			for _, v := range values {
				fmt.Printf("%s\t%s\n", v.Path, ui.FormatValue(v))
			}
			continue
		}
		v, err := dev.Node(rel).GetDeep(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", v.Path, ui.FormatValue(v))
	}
	return nil
}

func runSet(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	s, err := connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	serial, rel, err := splitDevicePath(args[0])
	if err != nil {
		return err
	}
	dev, err := s.ConnectDevice(ctx, serial, "")
	if err != nil {
		return err
	}

	node := dev.Node(rel)
	if err := node.Set(ctx, parseValue(args[1])); err != nil {
		return err
	}
	v, err := node.GetDeep(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\n", v.Path, ui.FormatValue(v))
	return nil
}

// parseValue guesses the wire type from the literal. Node.Set coerces the
// result against the node metadata, so enum keywords stay strings here.
func parseValue(raw string) any {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}
