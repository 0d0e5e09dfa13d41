package devices

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"labkit/internal/protocol"
	"labkit/pkg/nodetree"
)

// MK1 devices predate node docs and reject listNodesInfo, so their node
// metadata ships with the toolkit. The file uses devxxxx as a serial
// placeholder and "n" for wildcard indexes; it is matched against the
// node list the device actually serves.
//
//go:embed nodedoc_mk1.json
var nodedocMK1 []byte

// preloadedMK1Info builds the node-info map for an MK1 device from the
// embedded docs and the device's live listNodes output.
func preloadedMK1Info(ctx context.Context, conn nodetree.Connection, serial string, logger *zap.Logger) (map[string]protocol.NodeInfo, error) {
	raw := string(nodedocMK1)
	raw = strings.ReplaceAll(raw, "devxxxx", strings.ToLower(serial))
	raw = strings.ReplaceAll(raw, "DEVXXXX", strings.ToUpper(serial))

	var docs map[string]protocol.NodeInfo
	if err := json.Unmarshal([]byte(raw), &docs); err != nil {
		return nil, fmt.Errorf("parse embedded node docs: %w", err)
	}

	existing, err := conn.ListNodes(ctx, "/"+serial+"/*", nodetree.ListOptions{
		Recursive:  true,
		LeavesOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("list nodes of %s: %w", strings.ToUpper(serial), err)
	}

	preloaded := make(map[string]protocol.NodeInfo, len(existing))
	for _, node := range existing {
		node = protocol.CanonicalPath(node)
		info, ok := docs[wildcardForm(node)]
		if !ok {
			logger.Warn("node without preloaded docs", zap.String("node", node))
			continue
		}
		info.Node = strings.ToUpper(node)
		preloaded[node] = info
	}
	return preloaded, nil
}

// wildcardForm replaces numeric path segments with the doc wildcard "n",
// so /dev5000/demods/3/rate looks up /dev5000/demods/n/rate.
func wildcardForm(path string) string {
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, seg := range segments {
		if seg != "" && isDigits(seg) {
			segments[i] = "n"
		}
	}
	return "/" + strings.Join(segments, "/")
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
