package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"labkit/internal/treeviz"
	"labkit/pkg/nodetree"
)

var nodesDOT bool

// nodesCmd lists the node tree of one device
var nodesCmd = &cobra.Command{
	Use:   "nodes <device> [path]",
	Short: "List the node tree of a device",
	Long: `Connects a device and lists its nodes with type, unit, properties
and description. An optional path restricts the listing to a subtree.

With --dot the subtree is written to stdout as Graphviz DOT instead:
streaming nodes green, settings blue, read-only nodes gray.

Examples:
  labkit nodes dev1000
  labkit nodes dev1000 demods/0
  labkit nodes dev1000 --dot | dot -Tsvg -o tree.svg`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runNodes,
}

func init() {
	nodesCmd.Flags().BoolVar(&nodesDOT, "dot", false, "Export the subtree as Graphviz DOT")
}

func runNodes(cmd *cobra.Command, args []string) error {
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
	root := ""
	if len(args) == 2 {
		root = strings.Trim(strings.ToLower(args[1]), "/")
	}

	if nodesDOT {
		return treeviz.Export(dev.Tree, root, os.Stdout)
	}

	type row struct {
		path string
		info nodetree.Info
	}
	var rows []row
	dev.WalkInfo(func(path string, info nodetree.Info) bool {
		rel := strings.Trim(path, "/")
		if root == "" || rel == root || strings.HasPrefix(rel, root+"/") {
			rows = append(rows, row{path: path, info: info})
		}
		return true
	})
	if len(rows) == 0 {
		return fmt.Errorf("no nodes under %q on %s", root, dev)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].path < rows[j].path })

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tTYPE\tUNIT\tPROPS\tDESCRIPTION")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.path, r.info.Type, r.info.Unit, propString(r.info), truncate(r.info.Description, 60))
	}
	return w.Flush()
}

func propString(info nodetree.Info) string {
	var b strings.Builder
	if info.IsReadable() {
		b.WriteByte('R')
	}
	if info.IsWritable() {
		b.WriteByte('W')
	}
	if info.IsSetting() {
		b.WriteByte('S')
	}
	if info.IsStream() {
		b.WriteByte('*')
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
