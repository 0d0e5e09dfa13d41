package transport

import (
	"context"
	"time"

	"labkit/internal/protocol"
	"labkit/pkg/nodetree"
)

// ListNodes lists node paths under a subtree.
func (c *Conn) ListNodes(ctx context.Context, path string, opts nodetree.ListOptions) ([]string, error) {
	params := protocol.ListNodesParams{
		Path:          path,
		Recursive:     opts.Recursive,
		LeavesOnly:    opts.LeavesOnly,
		SettingsOnly:  opts.SettingsOnly,
		StreamingOnly: opts.StreamingOnly,
	}
	var out []string
	if err := c.call(ctx, protocol.MethodListNodes, params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListNodesInfo fetches node metadata for a subtree.
func (c *Conn) ListNodesInfo(ctx context.Context, path string) (map[string]protocol.NodeInfo, error) {
	var out map[string]protocol.NodeInfo
	if err := c.call(ctx, protocol.MethodListNodesInfo, protocol.ListNodesInfoParams{Path: path}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get reads node values. Deep forces a device round trip.
func (c *Conn) Get(ctx context.Context, paths []string, deep bool) ([]protocol.Value, error) {
	var out []protocol.Value
	if err := c.call(ctx, protocol.MethodGet, protocol.GetParams{Paths: paths, Deep: deep}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Set writes a batch of node values and returns the acknowledged values.
func (c *Conn) Set(ctx context.Context, items []protocol.SetItem) ([]protocol.Value, error) {
	var out []protocol.Value
	if err := c.call(ctx, protocol.MethodSet, protocol.SetParams{Items: items}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Subscribe registers paths for push updates and allocates their poll
// buffers.
func (c *Conn) Subscribe(ctx context.Context, paths []string) error {
	var res protocol.SubscribeResult
	if err := c.call(ctx, protocol.MethodSubscribe, protocol.SubscribeParams{Paths: paths}, &res); err != nil {
		return err
	}
	c.subMu.Lock()
	for _, p := range paths {
		p = protocol.CanonicalPath(p)
		c.subscribed.Add(p)
		if _, ok := c.buffers[p]; !ok {
			c.buffers[p] = nil
		}
	}
	c.subMu.Unlock()
	return nil
}

// Unsubscribe removes the registration and discards buffered updates.
func (c *Conn) Unsubscribe(ctx context.Context, paths []string) error {
	var res protocol.SubscribeResult
	if err := c.call(ctx, protocol.MethodUnsubscribe, protocol.SubscribeParams{Paths: paths}, &res); err != nil {
		return err
	}
	c.subMu.Lock()
	for _, p := range paths {
		p = protocol.CanonicalPath(p)
		c.subscribed.Remove(p)
		delete(c.buffers, p)
	}
	c.subMu.Unlock()
	return nil
}

// Subscribed reports whether a path currently has a push registration.
func (c *Conn) Subscribed(path string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.subscribed.Contains(protocol.CanonicalPath(path))
}

// Sync is a barrier: the hub flushes pending device I/O before replying.
func (c *Conn) Sync(ctx context.Context) error {
	return c.call(ctx, protocol.MethodSync, struct{}{}, nil)
}

// ConnectDevice asks the hub to connect a device.
func (c *Conn) ConnectDevice(ctx context.Context, serial, iface string) error {
	return c.call(ctx, protocol.MethodConnectDevice, protocol.ConnectDeviceParams{Serial: serial, Interface: iface}, nil)
}

// DisconnectDevice asks the hub to drop a device connection.
func (c *Conn) DisconnectDevice(ctx context.Context, serial string) error {
	return c.call(ctx, protocol.MethodDisconnectDevice, protocol.DisconnectDeviceParams{Serial: serial}, nil)
}

// Watch returns a live update channel for a path. The cancel function
// releases the watcher; the channel closes when the connection dies.
func (c *Conn) Watch(path string) (<-chan protocol.Value, func()) {
	path = protocol.CanonicalPath(path)
	ch := make(chan protocol.Value, watchChanCap)

	c.subMu.Lock()
	c.watcherSeq++
	id := c.watcherSeq
	if c.watchers[path] == nil {
		c.watchers[path] = make(map[uint64]chan protocol.Value)
	}
	c.watchers[path][id] = ch
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		if m, ok := c.watchers[path]; ok {
			if _, live := m[id]; live {
				delete(m, id)
				close(ch)
			}
			if len(m) == 0 {
				delete(c.watchers, path)
			}
		}
		c.subMu.Unlock()
	}
	return ch, cancel
}

// PollUpdates sleeps up to wait (or until ctx is cancelled), then drains
// all per-path buffers. Paths without updates are absent from the result.
func (c *Conn) PollUpdates(ctx context.Context, wait time.Duration) (map[string][]protocol.Value, error) {
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, ErrConnClosed
		case <-timer.C:
		}
	}

	out := make(map[string][]protocol.Value)
	c.subMu.Lock()
	for path, buf := range c.buffers {
		if len(buf) == 0 {
			continue
		}
		out[path] = buf
		c.buffers[path] = nil
	}
	c.subMu.Unlock()
	return out, nil
}
