// Package treeviz renders a node tree as a Graphviz DOT document for
// `labkit nodes --dot`.
package treeviz

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
	colors "gopkg.in/go-playground/colors.v1"

	"labkit/pkg/nodetree"
)

var (
	colorStream   = mustHex(46, 160, 67)   // streaming leaves
	colorSetting  = mustHex(31, 111, 235)  // writable settings
	colorReadOnly = mustHex(139, 148, 158) // read-only leaves
	colorBranch   = mustHex(230, 237, 243)
)

func mustHex(r, g, b uint8) string {
	c, err := colors.RGB(r, g, b)
	if err != nil {
		panic(err)
	}
	return c.ToHEX().String()
}

// Export writes the subtree below root as DOT. The root argument is a
// relative path ("" for the whole tree).
func Export(tree *nodetree.Tree, root string, w io.Writer) error {
	leaves := tree.Leaves(root)
	if len(leaves) == 0 {
		return fmt.Errorf("no nodes under %q", root)
	}

	g := graph.New(graph.StringHash, graph.Directed())
	rootVertex := strings.TrimPrefix(tree.Prefix(), "/")
	if err := addVertex(g, rootVertex, rootVertex, colorBranch); err != nil {
		return err
	}

	for _, leaf := range leaves {
		info, _ := tree.Info(leaf)
		segments := strings.Split(strings.TrimPrefix(leaf, "/"), "/")
		parent := rootVertex
		for i, seg := range segments {
			id := rootVertex + "/" + strings.Join(segments[:i+1], "/")
			color := colorBranch
			if i == len(segments)-1 {
				color = leafColor(info)
			}
			if err := addVertex(g, id, seg, color); err != nil {
				return err
			}
			if err := addEdge(g, parent, id); err != nil {
				return err
			}
			parent = id
		}
	}
	return draw.DOT(g, w)
}

func leafColor(info nodetree.Info) string {
	switch {
	case info.IsStream():
		return colorStream
	case info.ReadOnly:
		return colorReadOnly
	case info.IsSetting():
		return colorSetting
	}
	return colorBranch
}

func addVertex[K comparable](g graph.Graph[K, K], id K, label, color string) error {
	err := g.AddVertex(id,
		graph.VertexAttribute("label", label),
		graph.VertexAttribute("style", "filled"),
		graph.VertexAttribute("fillcolor", color),
	)
	if err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
		return fmt.Errorf("add vertex %v: %w", id, err)
	}
	return nil
}

func addEdge[K comparable](g graph.Graph[K, K], from, to K) error {
	err := g.AddEdge(from, to)
	if err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
		return fmt.Errorf("add edge %v -> %v: %w", from, to, err)
	}
	return nil
}
