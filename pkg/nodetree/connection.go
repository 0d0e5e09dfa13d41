// Package nodetree models the hierarchical node tree an instrument or hub
// exposes: typed reads and writes, wildcards, node metadata, transactions,
// subscriptions and wait-for-state-change. A Tree is bound to one root
// (a device serial or the hub itself) over a shared Connection.
package nodetree

import (
	"context"

	"labkit/internal/protocol"
)

// Re-exported wire types so package users do not need to reach into the
// protocol package.
type (
	Value    = protocol.Value
	SetItem  = protocol.SetItem
	Complex  = protocol.Complex
	Sample   = protocol.Sample
	NodeInfo = protocol.NodeInfo
)

// ListOptions filters a node listing.
type ListOptions struct {
	Recursive     bool
	LeavesOnly    bool
	SettingsOnly  bool
	StreamingOnly bool
}

// Connection is the hub link a Tree operates on. internal/transport
// implements it over a websocket; tests implement it in-process.
type Connection interface {
	ListNodes(ctx context.Context, path string, opts ListOptions) ([]string, error)
	ListNodesInfo(ctx context.Context, path string) (map[string]protocol.NodeInfo, error)
	Get(ctx context.Context, paths []string, deep bool) ([]protocol.Value, error)
	Set(ctx context.Context, items []protocol.SetItem) ([]protocol.Value, error)
	Subscribe(ctx context.Context, paths []string) error
	Unsubscribe(ctx context.Context, paths []string) error

	// Watch returns a live update channel for a subscribed path and a
	// cancel function releasing it. Slow receivers may lose updates.
	Watch(path string) (<-chan protocol.Value, func())

	// Sync blocks until the hub has flushed pending device I/O.
	Sync(ctx context.Context) error
}
